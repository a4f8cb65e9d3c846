// Package relay is the reference sequencing server. Each room keeps the
// authoritative document, assigns server versions, transforms late ops
// against what was sequenced since their base, and fans results out.
package relay

import (
	"errors"
	"fmt"

	"github.com/matheus3301/collab/internal/ot"
	"github.com/matheus3301/collab/internal/wire"
)

var (
	// ErrDuplicate means the client already had this local version sequenced.
	ErrDuplicate = errors.New("operation already sequenced")
	// ErrBaseTooOld means the op's base version fell out of the history window.
	ErrBaseTooOld = errors.New("base version no longer in history")
	// ErrBaseAhead means the op claims a base the room has not reached.
	ErrBaseAhead = errors.New("base version ahead of room")
)

// Room is one document. It is not safe for concurrent use.
type Room struct {
	id         string
	doc        string
	version    int64
	history    []ot.Op
	maxHistory int
	lastLocal  map[string]int64
}

// NewRoom creates an empty document at version 0.
func NewRoom(id string, maxHistory int) *Room {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Room{id: id, maxHistory: maxHistory, lastLocal: make(map[string]int64)}
}

func (r *Room) ID() string       { return r.id }
func (r *Room) Document() string { return r.doc }
func (r *Room) Version() int64   { return r.version }

// oldest is the first server version still held in history.
func (r *Room) oldest() int64 {
	return r.version - int64(len(r.history)) + 1
}

// Submit sequences op. op.ServerVersion is the version it was made
// against; the returned op is transformed past everything sequenced since
// then and carries its assigned version.
func (r *Room) Submit(op ot.Op) (ot.Op, error) {
	if err := op.Validate(); err != nil {
		return ot.Op{}, err
	}
	if op.LocalVersion <= r.lastLocal[op.ClientID] {
		return ot.Op{}, fmt.Errorf("%w: %s/%d", ErrDuplicate, op.ClientID, op.LocalVersion)
	}
	base := op.ServerVersion
	switch {
	case base > r.version:
		return ot.Op{}, fmt.Errorf("%w: base %d, room at %d", ErrBaseAhead, base, r.version)
	case base+1 < r.oldest():
		return ot.Op{}, fmt.Errorf("%w: base %d, oldest %d", ErrBaseTooOld, base, r.oldest())
	}

	for _, h := range r.history[len(r.history)-int(r.version-base):] {
		op, _ = ot.Transform(op, h)
	}
	doc, err := op.Apply(r.doc)
	if err != nil {
		return ot.Op{}, fmt.Errorf("apply %v: %w", op, err)
	}

	r.doc = doc
	r.version++
	op.ServerVersion = r.version
	r.history = append(r.history, op)
	if over := len(r.history) - r.maxHistory; over > 0 {
		r.history = append([]ot.Op(nil), r.history[over:]...)
	}
	r.lastLocal[op.ClientID] = op.LocalVersion
	return op, nil
}

// Since returns the ops sequenced after version v. ok is false when some of
// them are no longer in history and the caller needs a snapshot instead.
func (r *Room) Since(v int64) (ops []ot.Op, ok bool) {
	if v >= r.version {
		return nil, v == r.version
	}
	if v+1 < r.oldest() {
		return nil, false
	}
	return append([]ot.Op(nil), r.history[len(r.history)-int(r.version-v):]...), true
}

// Snapshot returns the full document for clientID.
func (r *Room) Snapshot(clientID string) wire.Snapshot {
	return wire.Snapshot{
		Document:         r.doc,
		ServerVersion:    r.version,
		LastLocalVersion: r.lastLocal[clientID],
	}
}
