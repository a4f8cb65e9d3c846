package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/collab/internal/ot"
	"github.com/matheus3301/collab/internal/wire"
)

func startRelay(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	s := NewServer(cfg, zap.NewNop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, base, room string, header http.Header) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/rooms/"+room+"/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(msgType string, payload any) {
	c.t.Helper()
	env, err := wire.New(msgType, "doc", payload)
	if err != nil {
		c.t.Fatal(err)
	}
	data, _ := wire.Encode(env)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatal(err)
	}
}

// next returns the next frame, failing the test after a second.
func (c *client) next() wire.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	env, err := wire.Decode(data)
	if err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return env
}

// silent asserts that nothing arrives for a short while.
func (c *client) silent() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := c.conn.ReadMessage(); err == nil {
		c.t.Errorf("unexpected frame %s", data)
	}
}

func (c *client) nextOp() ot.Op {
	c.t.Helper()
	env := c.next()
	if env.Type != wire.TypeOp {
		c.t.Fatalf("got %s frame, want op", env.Type)
	}
	var msg wire.OpMessage
	if err := env.Unmarshal(&msg); err != nil {
		c.t.Fatal(err)
	}
	return msg.Op
}

func (c *client) nextSnapshot() wire.Snapshot {
	c.t.Helper()
	env := c.next()
	if env.Type != wire.TypeSnapshot {
		c.t.Fatalf("got %s frame, want snapshot", env.Type)
	}
	var snap wire.Snapshot
	if err := env.Unmarshal(&snap); err != nil {
		c.t.Fatal(err)
	}
	return snap
}

func TestJoinWithoutBaselineGetsSnapshot(t *testing.T) {
	_, base := startRelay(t, Config{})
	a := dial(t, base, "doc", nil)
	a.send(wire.TypeJoin, wire.Join{ClientID: "a"})

	snap := a.nextSnapshot()
	if snap.ServerVersion != 0 || snap.Document != "" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestOpIsBroadcastAndAcked(t *testing.T) {
	s, base := startRelay(t, Config{})
	a := dial(t, base, "doc", nil)
	b := dial(t, base, "doc", nil)
	a.send(wire.TypeJoin, wire.Join{ClientID: "a"})
	a.nextSnapshot()
	b.send(wire.TypeJoin, wire.Join{ClientID: "b"})
	b.nextSnapshot()

	op := ot.Op{Kind: ot.Insert, Text: "hey", ClientID: "a", LocalVersion: 1}
	a.send(wire.TypeOp, wire.OpMessage{Op: op})

	for _, c := range []*client{a, b} {
		got := c.nextOp()
		if got.ServerVersion != 1 || got.ClientID != "a" || got.LocalVersion != 1 {
			t.Errorf("op = %+v", got)
		}
	}

	// A re-send after reconnect is dropped.
	a.send(wire.TypeOp, wire.OpMessage{Op: op})
	b.silent()

	snap, ok := s.Snapshot("doc")
	if !ok || snap.Document != "hey" || snap.ServerVersion != 1 {
		t.Errorf("relay snapshot = %+v, %v", snap, ok)
	}
}

func TestJoinWithBaselineCatchesUp(t *testing.T) {
	_, base := startRelay(t, Config{})
	a := dial(t, base, "doc", nil)
	a.send(wire.TypeJoin, wire.Join{ClientID: "a"})
	a.nextSnapshot()
	for lv := int64(1); lv <= 3; lv++ {
		a.send(wire.TypeOp, wire.OpMessage{Op: ot.Op{Kind: ot.Insert, Text: "x", ClientID: "a", LocalVersion: lv, ServerVersion: lv - 1}})
		a.nextOp()
	}

	b := dial(t, base, "doc", nil)
	b.send(wire.TypeJoin, wire.Join{ClientID: "b", ServerVersion: 1, Baseline: true})
	if op := b.nextOp(); op.ServerVersion != 2 {
		t.Errorf("first catch-up op at %d, want 2", op.ServerVersion)
	}
	if op := b.nextOp(); op.ServerVersion != 3 {
		t.Errorf("second catch-up op at %d, want 3", op.ServerVersion)
	}
}

func TestCatchUpBeyondHistorySendsSnapshot(t *testing.T) {
	_, base := startRelay(t, Config{MaxHistory: 1})
	a := dial(t, base, "doc", nil)
	a.send(wire.TypeJoin, wire.Join{ClientID: "a"})
	a.nextSnapshot()
	for lv := int64(1); lv <= 3; lv++ {
		a.send(wire.TypeOp, wire.OpMessage{Op: ot.Op{Kind: ot.Insert, Text: "x", ClientID: "a", LocalVersion: lv, ServerVersion: lv - 1}})
		a.nextOp()
	}

	a.send(wire.TypeJoin, wire.Join{ClientID: "a", ServerVersion: 0, Baseline: true})
	snap := a.nextSnapshot()
	if snap.ServerVersion != 3 || snap.LastLocalVersion != 3 || snap.Document != "xxx" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestOpBeforeJoinIsRejected(t *testing.T) {
	_, base := startRelay(t, Config{})
	a := dial(t, base, "doc", nil)
	a.send(wire.TypeOp, wire.OpMessage{Op: ot.Op{Kind: ot.Insert, Text: "x", ClientID: "a", LocalVersion: 1}})

	env := a.next()
	var e wire.Error
	if env.Type != wire.TypeError || env.Unmarshal(&e) != nil || e.Code != "not_joined" {
		t.Errorf("got %+v", env)
	}
}

func TestPresenceFansOutToOthers(t *testing.T) {
	_, base := startRelay(t, Config{})
	a := dial(t, base, "doc", nil)
	b := dial(t, base, "doc", nil)
	a.send(wire.TypeJoin, wire.Join{ClientID: "a"})
	a.nextSnapshot()
	b.send(wire.TypeJoin, wire.Join{ClientID: "b"})
	b.nextSnapshot()

	a.send(wire.TypePresenceUpdate, wire.PresenceUpdate{UserID: "ana", Status: "online"})
	env := b.next()
	if env.Type != wire.TypePresenceUpdate {
		t.Fatalf("got %s, want presence_update", env.Type)
	}
	a.silent()
}

func TestPingIsAnswered(t *testing.T) {
	_, base := startRelay(t, Config{})
	a := dial(t, base, "doc", nil)
	a.send(wire.TypePing, wire.Probe{Nonce: "n1"})

	env := a.next()
	var probe wire.Probe
	if env.Type != wire.TypePong || env.Unmarshal(&probe) != nil || probe.Nonce != "n1" {
		t.Errorf("got %+v", env)
	}
}

func TestGarbageKeepsConnectionOpen(t *testing.T) {
	_, base := startRelay(t, Config{})
	a := dial(t, base, "doc", nil)
	_ = a.conn.WriteMessage(websocket.TextMessage, []byte("{nope"))
	_ = a.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport","roomId":"doc"}`))
	a.send(wire.TypePing, wire.Probe{Nonce: "still-here"})

	if env := a.next(); env.Type != wire.TypePong {
		t.Errorf("got %s, want pong", env.Type)
	}
}

func TestSecretRequiresSignedToken(t *testing.T) {
	secret := []byte("s3cret")
	_, base := startRelay(t, Config{Secret: secret})

	if _, resp, err := websocket.DefaultDialer.Dial(base+"/rooms/doc/ws", nil); err == nil {
		t.Fatal("dial without token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: %v", err)
	}

	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{"sub": "ana"}).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	a := dial(t, base, "doc", header)
	a.send(wire.TypePing, wire.Probe{Nonce: "ok"})
	if env := a.next(); env.Type != wire.TypePong {
		t.Errorf("got %s, want pong", env.Type)
	}
}

func TestInvalidRoomName(t *testing.T) {
	_, base := startRelay(t, Config{})
	_, resp, err := websocket.DefaultDialer.Dial(base+"/rooms/Bad.Room/ws", nil)
	if err == nil {
		t.Fatal("dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %v", resp)
	}
}
