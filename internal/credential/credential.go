// Package credential supplies connection tokens to the reconnection
// supervisor. Token issuance lives outside this module; providers only read
// what some other system already wrote.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when a provider has nothing to hand out.
var ErrNoToken = errors.New("no connection token available")

// Provider returns a fresh token for a room. It is called before every
// connect attempt and may block; implementations must honour ctx.
type Provider interface {
	FetchToken(ctx context.Context, roomID string) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, roomID string) (string, error)

func (f ProviderFunc) FetchToken(ctx context.Context, roomID string) (string, error) {
	return f(ctx, roomID)
}

// Static always returns the same token. An empty Static is valid and
// returns "", for relays that do not authenticate.
type Static string

func (s Static) FetchToken(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return string(s), nil
}

// File re-reads a token file on every fetch so a rotated token is picked up
// by the next reconnect.
type File struct {
	Path string
}

func (f File) FetchToken(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoToken, f.Path)
	}
	return token, nil
}

// Claims are the token fields the engine cares about.
type Claims struct {
	Subject   string
	ClientID  string
	ExpiresAt time.Time
}

// Expired reports whether the claims carry an expiry that is not after now.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !c.ExpiresAt.After(now)
}

// ClaimsFromToken reads claims from a JWT without verifying its signature.
// The relay verifies; the client only uses the claims to pick its identity
// and to skip tokens that are already expired.
func ClaimsFromToken(token string) (Claims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}
	mc := parsed.Claims.(gojwt.MapClaims)

	var c Claims
	if sub, err := mc.GetSubject(); err == nil {
		c.Subject = sub
	}
	if clientID, ok := mc["client_id"].(string); ok {
		c.ClientID = clientID
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}

// Checked wraps p and rejects JWTs whose exp has passed, so the supervisor
// backs off instead of presenting a token the relay will refuse. Tokens that
// are not JWTs pass through untouched.
func Checked(p Provider, now func() time.Time) Provider {
	if now == nil {
		now = time.Now
	}
	return ProviderFunc(func(ctx context.Context, roomID string) (string, error) {
		token, err := p.FetchToken(ctx, roomID)
		if err != nil || token == "" {
			return token, err
		}
		claims, err := ClaimsFromToken(token)
		if err != nil {
			return token, nil
		}
		if claims.Expired(now()) {
			return "", fmt.Errorf("%w: token expired at %s", ErrNoToken, claims.ExpiresAt.Format(time.RFC3339))
		}
		return token, nil
	})
}
