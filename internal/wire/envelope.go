// Package wire defines the frame exchanged between a room session and the relay.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/matheus3301/collab/internal/ot"
)

// Message types. ping and pong are reserved for link liveness probes.
const (
	TypePing           = "ping"
	TypePong           = "pong"
	TypeJoin           = "join"
	TypeOp             = "op"
	TypeResyncRequest  = "resync_request"
	TypeSnapshot       = "snapshot"
	TypePresenceUpdate = "presence_update"
	TypeHeartbeat      = "heartbeat"
	TypeError          = "error"
)

var knownTypes = map[string]bool{
	TypePing:           true,
	TypePong:           true,
	TypeJoin:           true,
	TypeOp:             true,
	TypeResyncRequest:  true,
	TypeSnapshot:       true,
	TypePresenceUpdate: true,
	TypeHeartbeat:      true,
	TypeError:          true,
}

// KindPrefix namespaces dispatcher events that carry an inbound envelope.
const KindPrefix = "wire."

// EventKind returns the dispatcher event kind for inbound frames of msgType.
func EventKind(msgType string) string {
	return KindPrefix + msgType
}

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is one framed message on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a fresh id and payload marshalled to JSON.
func New(msgType, roomID string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType, RoomID: roomID, ID: NewID()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// NewID returns a new lexically sortable message id.
func NewID() string {
	return ulid.Make().String()
}

// Encode marshals env for transmission.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a frame. Frames with an unknown type return ErrUnknownType
// together with the partially decoded envelope, so callers can log its type.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !knownTypes[env.Type] {
		return env, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}

// Unmarshal decodes env's payload into v.
func (env Envelope) Unmarshal(v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

// Probe is the payload of ping and pong frames.
type Probe struct {
	Nonce string `json:"nonce"`
}

// Join announces a client to the relay and asks for everything after
// ServerVersion. A client without a baseline always gets a snapshot.
type Join struct {
	ClientID      string `json:"clientId"`
	UserID        string `json:"userId,omitempty"`
	ServerVersion int64  `json:"serverVersion"`
	Baseline      bool   `json:"baseline"`
}

// OpMessage carries one operation in either direction.
type OpMessage struct {
	Op ot.Op `json:"op"`
}

// ResyncRequest asks the relay for a full snapshot.
type ResyncRequest struct {
	ClientID      string `json:"clientId"`
	ServerVersion int64  `json:"serverVersion"`
}

// Snapshot is the relay's full document state. LastLocalVersion is the
// newest local version of the requesting client already folded into Document.
type Snapshot struct {
	Document         string `json:"document"`
	ServerVersion    int64  `json:"serverVersion"`
	LastLocalVersion int64  `json:"lastLocalVersion"`
}

// PresenceUpdate reports a participant's status.
type PresenceUpdate struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Status      string `json:"status"`
}

// Heartbeat reports participant activity.
type Heartbeat struct {
	UserID string `json:"userId"`
}

// Error is sent by the relay when it rejects a frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// QueuedMessage is an outbound envelope waiting in the offline queue.
// Sequence defines replay order.
type QueuedMessage struct {
	Sequence   int64
	Envelope   Envelope
	EnqueuedAt time.Time
}
