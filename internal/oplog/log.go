// Package oplog keeps a client's view of a shared document: the text, the
// acknowledged history, and the FIFO of local operations the relay has not
// yet sequenced.
//
// A Log is not safe for concurrent use. It belongs to the room's owner
// goroutine.
package oplog

import (
	"errors"
	"fmt"

	"github.com/matheus3301/collab/internal/ot"
	"github.com/matheus3301/collab/internal/wire"
)

var (
	// ErrVersionGap means an inbound op skipped server versions. The caller
	// must resync; the op was not applied.
	ErrVersionGap = errors.New("server version gap")
	// ErrStaleVersion means an inbound op is at or below the current server
	// version and was already applied.
	ErrStaleVersion = errors.New("stale server version")
	// ErrNoBaseline rejects local edits before the first snapshot.
	ErrNoBaseline = errors.New("no document baseline yet")
	// ErrResyncing means inbound ops are ignored until a snapshot arrives.
	ErrResyncing = errors.New("resync in progress")
)

// Log is the operation log of one client in one room.
type Log struct {
	clientID  string
	retention int

	doc           string
	serverVersion int64
	localVersion  int64

	history   []ot.Op
	pending   []ot.Op
	inFlight  bool
	baseline  bool
	resyncing bool
}

// New returns an empty log without a baseline. retention bounds the
// acknowledged history kept in memory.
func New(clientID string, retention int) *Log {
	if retention <= 0 {
		retention = 200
	}
	return &Log{clientID: clientID, retention: retention}
}

// Resume replaces the log's state with snap, typically a checkpoint written
// by an earlier process. Pending ops are kept; none of them is in flight.
func (l *Log) Resume(snap Snapshot) {
	l.doc = snap.Document
	l.serverVersion = snap.ServerVersion
	if snap.LocalVersion > l.localVersion {
		l.localVersion = snap.LocalVersion
	}
	l.pending = append([]ot.Op(nil), snap.Pending...)
	l.inFlight = false
	l.history = nil
	l.baseline = snap.Baseline
	l.resyncing = snap.Resyncing && snap.Baseline
}

func (l *Log) ClientID() string     { return l.clientID }
func (l *Log) Document() string     { return l.doc }
func (l *Log) ServerVersion() int64 { return l.serverVersion }
func (l *Log) LocalVersion() int64  { return l.localVersion }
func (l *Log) HasBaseline() bool    { return l.baseline }
func (l *Log) Resyncing() bool      { return l.resyncing }
func (l *Log) PendingCount() int    { return len(l.pending) }
func (l *Log) HistoryLen() int      { return len(l.history) }

// InFlight returns the op awaiting acknowledgement, re-based on the current
// server version.
func (l *Log) InFlight() (ot.Op, bool) {
	if !l.inFlight {
		return ot.Op{}, false
	}
	op := l.pending[0]
	op.ServerVersion = l.serverVersion
	return op, true
}

// LocalInsert applies an insert at pos optimistically and queues it as
// pending.
func (l *Log) LocalInsert(pos int, text string) (ot.Op, error) {
	return l.local(ot.Op{Kind: ot.Insert, Position: pos, Text: text})
}

// LocalDelete applies a delete of count runes at pos.
func (l *Log) LocalDelete(pos, count int) (ot.Op, error) {
	return l.local(ot.Op{Kind: ot.Delete, Position: pos, Count: count})
}

// LocalRetain records a retained range such as a selection. It does not
// change the document.
func (l *Log) LocalRetain(pos, count int) (ot.Op, error) {
	return l.local(ot.Op{Kind: ot.Retain, Position: pos, Count: count})
}

func (l *Log) local(op ot.Op) (ot.Op, error) {
	if !l.baseline {
		return ot.Op{}, ErrNoBaseline
	}
	op.ClientID = l.clientID
	op.LocalVersion = l.localVersion + 1
	op.ServerVersion = l.serverVersion

	doc, err := op.Apply(l.doc)
	if err != nil {
		return ot.Op{}, err
	}
	l.doc = doc
	l.localVersion = op.LocalVersion
	l.pending = append(l.pending, op)
	return op, nil
}

// NextToSend marks the pending head as in flight and returns it re-based on
// the current server version. Only one op is in flight at a time; it
// returns false while one is outstanding, while resyncing, or when nothing
// is pending. Heads that transformation reduced to nothing are discarded
// without being sent.
func (l *Log) NextToSend() (ot.Op, bool) {
	if l.inFlight || l.resyncing {
		return ot.Op{}, false
	}
	for len(l.pending) > 0 {
		head := l.pending[0]
		if head.Kind != ot.Retain && head.IsNoop() {
			l.pending = l.pending[1:]
			continue
		}
		l.inFlight = true
		head.ServerVersion = l.serverVersion
		return head, true
	}
	return ot.Op{}, false
}

// Receive routes a sequenced op from the relay: the client's own in-flight
// op is an acknowledgement, anything else is remote. It reports whether the
// document changed.
func (l *Log) Receive(op ot.Op) (applied ot.Op, changed bool, err error) {
	if l.resyncing {
		return ot.Op{}, false, ErrResyncing
	}
	if err := l.checkVersion(op.ServerVersion); err != nil {
		return ot.Op{}, false, err
	}
	if l.isAck(op) {
		l.acknowledge(op)
		return op, false, nil
	}
	applied, err = l.applyRemote(op)
	if err != nil {
		return ot.Op{}, false, err
	}
	return applied, true, nil
}

func (l *Log) checkVersion(s int64) error {
	switch {
	case !l.baseline:
		return ErrNoBaseline
	case s <= l.serverVersion:
		return fmt.Errorf("%w: got %d, have %d", ErrStaleVersion, s, l.serverVersion)
	case s != l.serverVersion+1:
		return fmt.Errorf("%w: got %d, want %d", ErrVersionGap, s, l.serverVersion+1)
	}
	return nil
}

func (l *Log) isAck(op ot.Op) bool {
	return l.inFlight && op.ClientID == l.clientID && op.LocalVersion == l.pending[0].LocalVersion
}

func (l *Log) acknowledge(op ot.Op) {
	l.pending = l.pending[1:]
	l.inFlight = false
	l.serverVersion = op.ServerVersion
	l.remember(op)
}

func (l *Log) applyRemote(op ot.Op) (ot.Op, error) {
	pending, remote := ot.TransformAll(l.pending, op)
	doc, err := remote.Apply(l.doc)
	if err != nil {
		return ot.Op{}, fmt.Errorf("apply remote %v: %w", remote, err)
	}
	l.doc = doc
	l.pending = pending
	l.serverVersion = op.ServerVersion
	l.remember(op)
	return remote, nil
}

func (l *Log) remember(op ot.Op) {
	l.history = append(l.history, op)
	if over := len(l.history) - l.retention; over > 0 {
		l.history = append([]ot.Op(nil), l.history[over:]...)
	}
}

// BeginResync stops incremental sync until ApplySnapshot. It returns the
// request to send to the relay.
func (l *Log) BeginResync() wire.ResyncRequest {
	l.resyncing = true
	return wire.ResyncRequest{ClientID: l.clientID, ServerVersion: l.serverVersion}
}

// SnapshotResult describes what ApplySnapshot did with pending ops.
type SnapshotResult struct {
	// Folded ops were already part of the snapshot.
	Folded int
	// Replayed ops were re-applied on top of the snapshot.
	Replayed int
	// Lost ops could not be replayed safely and were discarded.
	Lost []ot.Op
}

// ApplySnapshot replaces the document with the relay's. Pending ops the
// relay already sequenced are dropped. The rest are replayed only when the
// snapshot is at the log's own server version, which is the one case where
// they still apply as written; otherwise they are reported as lost.
func (l *Log) ApplySnapshot(snap wire.Snapshot) (SnapshotResult, error) {
	var res SnapshotResult
	var keep []ot.Op
	for _, op := range l.pending {
		if op.LocalVersion <= snap.LastLocalVersion {
			res.Folded++
			continue
		}
		keep = append(keep, op)
	}

	doc := snap.Document
	if len(keep) > 0 && l.baseline && snap.ServerVersion == l.serverVersion {
		for _, op := range keep {
			next, err := op.Apply(doc)
			if err != nil {
				return SnapshotResult{}, fmt.Errorf("replay %v: %w", op, err)
			}
			doc = next
		}
		res.Replayed = len(keep)
	} else if len(keep) > 0 {
		res.Lost = keep
		keep = nil
	}

	l.doc = doc
	l.serverVersion = snap.ServerVersion
	l.pending = keep
	l.inFlight = false
	l.history = nil
	l.baseline = true
	l.resyncing = false
	if snap.LastLocalVersion > l.localVersion {
		l.localVersion = snap.LastLocalVersion
	}
	return res, nil
}

// Snapshot is an immutable copy of the log's state.
type Snapshot struct {
	ClientID      string  `json:"clientId"`
	Document      string  `json:"document"`
	ServerVersion int64   `json:"serverVersion"`
	LocalVersion  int64   `json:"localVersion"`
	Pending       []ot.Op `json:"pending"`
	Baseline      bool    `json:"baseline"`
	Resyncing     bool    `json:"resyncing"`
}

// Snapshot copies the log's state for readers on other goroutines.
func (l *Log) Snapshot() Snapshot {
	return Snapshot{
		ClientID:      l.clientID,
		Document:      l.doc,
		ServerVersion: l.serverVersion,
		LocalVersion:  l.localVersion,
		Pending:       append([]ot.Op(nil), l.pending...),
		Baseline:      l.baseline,
		Resyncing:     l.resyncing,
	}
}
