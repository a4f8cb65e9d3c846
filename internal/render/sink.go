// Package render defines what a room session tells the display layer.
package render

import (
	"go.uber.org/zap"

	"github.com/matheus3301/collab/internal/ot"
	"github.com/matheus3301/collab/internal/presence"
	"github.com/matheus3301/collab/internal/status"
)

// Document is the full text after a snapshot or resync.
type Document struct {
	RoomID        string
	Text          string
	ServerVersion int64
}

// Applied describes one operation that changed the local document. Local
// ops are reported when they are applied optimistically; remote ops after
// transformation.
type Applied struct {
	RoomID        string
	Op            ot.Op
	Local         bool
	Text          string
	ServerVersion int64
}

// Sink receives immutable snapshots from the session's owner goroutine.
// Implementations must not block.
type Sink interface {
	DocumentSnapshot(doc Document)
	OperationApplied(a Applied)
	PresenceSnapshot(roomID string, records []presence.Record)
}

// StatusSink is implemented by sinks that also show link health and
// warnings such as lost local changes.
type StatusSink interface {
	LinkState(roomID string, state status.State)
	Warning(roomID, msg string)
}

// Multi fans every call out to each sink in order.
type Multi []Sink

func (m Multi) DocumentSnapshot(doc Document) {
	for _, s := range m {
		s.DocumentSnapshot(doc)
	}
}

func (m Multi) OperationApplied(a Applied) {
	for _, s := range m {
		s.OperationApplied(a)
	}
}

func (m Multi) PresenceSnapshot(roomID string, records []presence.Record) {
	for _, s := range m {
		s.PresenceSnapshot(roomID, records)
	}
}

func (m Multi) LinkState(roomID string, state status.State) {
	for _, s := range m {
		if ss, ok := s.(StatusSink); ok {
			ss.LinkState(roomID, state)
		}
	}
}

func (m Multi) Warning(roomID, msg string) {
	for _, s := range m {
		if ss, ok := s.(StatusSink); ok {
			ss.Warning(roomID, msg)
		}
	}
}

// LogSink writes everything to a zap logger. collabd uses it as its only
// sink.
type LogSink struct {
	Logger *zap.Logger
}

func (l LogSink) DocumentSnapshot(doc Document) {
	l.Logger.Info("document snapshot",
		zap.String("room", doc.RoomID),
		zap.Int64("server_version", doc.ServerVersion),
		zap.Int("length", len([]rune(doc.Text))),
	)
}

func (l LogSink) OperationApplied(a Applied) {
	l.Logger.Debug("operation applied",
		zap.String("room", a.RoomID),
		zap.Stringer("op", a.Op),
		zap.Bool("local", a.Local),
		zap.String("client", a.Op.ClientID),
		zap.Int64("server_version", a.ServerVersion),
	)
}

func (l LogSink) PresenceSnapshot(roomID string, records []presence.Record) {
	online := make([]string, 0, len(records))
	for _, r := range records {
		online = append(online, r.UserID)
	}
	l.Logger.Info("presence", zap.String("room", roomID), zap.Strings("online", online))
}

func (l LogSink) LinkState(roomID string, state status.State) {
	l.Logger.Info("link state", zap.String("room", roomID), zap.String("state", string(state)))
}

func (l LogSink) Warning(roomID, msg string) {
	l.Logger.Warn(msg, zap.String("room", roomID))
}
