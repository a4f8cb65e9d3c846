package credential

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestStatic(t *testing.T) {
	got, err := Static("abc").FetchToken(context.Background(), "room")
	if err != nil || got != "abc" {
		t.Errorf("FetchToken() = %q, %v", got, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Static("abc").FetchToken(ctx, "room"); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled FetchToken() error = %v", err)
	}
}

func TestFileRereadsOnEveryFetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	p := File{Path: path}

	if _, err := p.FetchToken(context.Background(), "room"); err == nil {
		t.Fatal("missing file should fail")
	}

	if err := os.WriteFile(path, []byte("first\n"), 0600); err != nil {
		t.Fatal(err)
	}
	got, err := p.FetchToken(context.Background(), "room")
	if err != nil || got != "first" {
		t.Fatalf("FetchToken() = %q, %v", got, err)
	}

	if err := os.WriteFile(path, []byte("second"), 0600); err != nil {
		t.Fatal(err)
	}
	got, _ = p.FetchToken(context.Background(), "room")
	if got != "second" {
		t.Errorf("after rotation = %q, want second", got)
	}

	if err := os.WriteFile(path, []byte("  \n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := p.FetchToken(context.Background(), "room"); !errors.Is(err, ErrNoToken) {
		t.Errorf("empty file error = %v, want ErrNoToken", err)
	}
}

func TestClaimsFromToken(t *testing.T) {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	token := signed(t, gojwt.MapClaims{
		"sub":       "user-7",
		"client_id": "laptop",
		"exp":       exp.Unix(),
	})

	c, err := ClaimsFromToken(token)
	if err != nil {
		t.Fatalf("ClaimsFromToken() error = %v", err)
	}
	if c.Subject != "user-7" || c.ClientID != "laptop" {
		t.Errorf("claims = %+v", c)
	}
	if !c.ExpiresAt.Equal(exp) {
		t.Errorf("expires = %v, want %v", c.ExpiresAt, exp)
	}

	if _, err := ClaimsFromToken("not-a-jwt"); err == nil {
		t.Error("garbage token should fail to parse")
	}
}

func TestCheckedRejectsExpiredTokens(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	expired := signed(t, gojwt.MapClaims{"sub": "u", "exp": now.Add(-time.Minute).Unix()})
	fresh := signed(t, gojwt.MapClaims{"sub": "u", "exp": now.Add(time.Hour).Unix()})

	if _, err := Checked(Static(expired), clock).FetchToken(context.Background(), "r"); !errors.Is(err, ErrNoToken) {
		t.Errorf("expired token error = %v, want ErrNoToken", err)
	}
	if got, err := Checked(Static(fresh), clock).FetchToken(context.Background(), "r"); err != nil || got != fresh {
		t.Errorf("fresh token = %q, %v", got, err)
	}
	if got, err := Checked(Static("opaque"), clock).FetchToken(context.Background(), "r"); err != nil || got != "opaque" {
		t.Errorf("opaque token = %q, %v", got, err)
	}
}
