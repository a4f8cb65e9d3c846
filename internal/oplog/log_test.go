package oplog_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/matheus3301/collab/internal/oplog"
	"github.com/matheus3301/collab/internal/ot"
	"github.com/matheus3301/collab/internal/relay"
	"github.com/matheus3301/collab/internal/wire"
)

func newLog(t *testing.T, clientID, doc string, version int64) *oplog.Log {
	t.Helper()
	l := oplog.New(clientID, 200)
	if _, err := l.ApplySnapshot(wire.Snapshot{Document: doc, ServerVersion: version}); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestLocalEditsNeedBaseline(t *testing.T) {
	l := oplog.New("a", 10)
	_, err := l.LocalInsert(0, "x")
	assert.Equal(t, errors.Is(err, oplog.ErrNoBaseline), true)
	assert.Equal(t, l.LocalVersion(), int64(0))
}

func TestLocalEditAssignsVersionsAndAppliesOptimistically(t *testing.T) {
	l := newLog(t, "a", "doc", 5)

	op1, err := l.LocalInsert(0, "X")
	assert.Equal(t, err, nil)
	op2, err := l.LocalDelete(3, 1)
	assert.Equal(t, err, nil)

	assert.Equal(t, op1.LocalVersion, int64(1))
	assert.Equal(t, op2.LocalVersion, int64(2))
	assert.Equal(t, op1.ServerVersion, int64(5))
	assert.Equal(t, op1.ClientID, "a")
	assert.Equal(t, l.Document(), "Xdo")
	assert.Equal(t, l.PendingCount(), 2)
}

func TestOutOfBoundsLocalEditLeavesStateAlone(t *testing.T) {
	l := newLog(t, "a", "abc", 0)
	_, err := l.LocalDelete(2, 5)
	assert.Equal(t, errors.Is(err, ot.ErrOutOfBounds), true)
	assert.Equal(t, l.LocalVersion(), int64(0))
	assert.Equal(t, l.PendingCount(), 0)
	assert.Equal(t, l.Document(), "abc")
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	l := newLog(t, "a", "abc", 3)
	_, _ = l.LocalInsert(3, "d")
	_, _ = l.NextToSend()
	saved := l.Snapshot()

	resumed := oplog.New("a", 10)
	resumed.Resume(saved)
	assert.Equal(t, resumed.Document(), "abcd")
	assert.Equal(t, resumed.HasBaseline(), true)
	assert.Equal(t, resumed.PendingCount(), 1)

	// The restored head is sent again; nothing was in flight after restart.
	op, ok := resumed.NextToSend()
	assert.Equal(t, ok, true)
	assert.Equal(t, op.LocalVersion, int64(1))

	next, _ := resumed.LocalInsert(0, "z")
	assert.Equal(t, next.LocalVersion, int64(2))
}

func TestOneOpInFlight(t *testing.T) {
	l := newLog(t, "a", "", 0)
	_, _ = l.LocalInsert(0, "a")
	_, _ = l.LocalInsert(1, "b")

	first, ok := l.NextToSend()
	assert.Equal(t, ok, true)
	assert.Equal(t, first.LocalVersion, int64(1))

	_, ok = l.NextToSend()
	assert.Equal(t, ok, false)

	inflight, ok := l.InFlight()
	assert.Equal(t, ok, true)
	assert.Equal(t, inflight.LocalVersion, int64(1))

	ack := first
	ack.ServerVersion = 1
	_, changed, err := l.Receive(ack)
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, false)
	assert.Equal(t, l.ServerVersion(), int64(1))
	assert.Equal(t, l.Document(), "ab")

	second, ok := l.NextToSend()
	assert.Equal(t, ok, true)
	assert.Equal(t, second.LocalVersion, int64(2))
	assert.Equal(t, second.ServerVersion, int64(1))
}

func TestUnknownAckIsAppliedAsRemote(t *testing.T) {
	l := newLog(t, "a", "hello", 3)
	replayed := ot.Op{Kind: ot.Insert, Position: 5, Text: "!", ClientID: "a", LocalVersion: 9, ServerVersion: 4}

	_, changed, err := l.Receive(replayed)
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, true)
	assert.Equal(t, l.Document(), "hello!")
	assert.Equal(t, l.ServerVersion(), int64(4))
}

func TestRemoteOpTransformsPending(t *testing.T) {
	// Both sides start at server version 5 with "doc".
	l := newLog(t, "client-a", "doc", 5)
	_, _ = l.LocalInsert(0, "X")

	remote := ot.Op{Kind: ot.Insert, Position: 0, Text: "Y", ClientID: "client-b", LocalVersion: 1, ServerVersion: 6}
	applied, changed, err := l.Receive(remote)
	assert.Equal(t, changed, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, applied.Position, 1)
	assert.Equal(t, l.Document(), "XYdoc")
	assert.Equal(t, l.ServerVersion(), int64(6))
}

func TestVersionGapIsNeverApplied(t *testing.T) {
	l := newLog(t, "a", "doc", 5)
	gap := ot.Op{Kind: ot.Insert, Position: 0, Text: "Z", ClientID: "b", LocalVersion: 1, ServerVersion: 7}

	_, _, err := l.Receive(gap)
	assert.Equal(t, errors.Is(err, oplog.ErrVersionGap), true)
	assert.Equal(t, l.Document(), "doc")
	assert.Equal(t, l.ServerVersion(), int64(5))

	stale := gap
	stale.ServerVersion = 5
	_, _, err = l.Receive(stale)
	assert.Equal(t, errors.Is(err, oplog.ErrStaleVersion), true)
}

func TestResyncIgnoresOpsUntilSnapshot(t *testing.T) {
	l := newLog(t, "a", "doc", 5)
	req := l.BeginResync()
	assert.Equal(t, req.ClientID, "a")
	assert.Equal(t, req.ServerVersion, int64(5))

	_, _, err := l.Receive(ot.Op{Kind: ot.Insert, Text: "x", ServerVersion: 6})
	assert.Equal(t, errors.Is(err, oplog.ErrResyncing), true)

	_, _ = l.LocalInsert(0, "L")
	_, ok := l.NextToSend()
	assert.Equal(t, ok, false)

	res, err := l.ApplySnapshot(wire.Snapshot{Document: "fresh doc", ServerVersion: 9})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(res.Lost), 1)
	assert.Equal(t, l.Document(), "fresh doc")
	assert.Equal(t, l.ServerVersion(), int64(9))
	assert.Equal(t, l.Resyncing(), false)
	assert.Equal(t, l.PendingCount(), 0)
}

func TestSnapshotDropsFoldedOpsSilently(t *testing.T) {
	l := newLog(t, "a", "", 0)
	_, _ = l.LocalInsert(0, "ab")
	_, _ = l.NextToSend()
	l.BeginResync()

	res, err := l.ApplySnapshot(wire.Snapshot{Document: "ab", ServerVersion: 1, LastLocalVersion: 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, res.Folded, 1)
	assert.Equal(t, len(res.Lost), 0)
	assert.Equal(t, l.Document(), "ab")
	_, inflight := l.InFlight()
	assert.Equal(t, inflight, false)
}

func TestSnapshotAtSameVersionReplaysPending(t *testing.T) {
	l := newLog(t, "a", "base", 4)
	_, _ = l.LocalInsert(4, "!")
	l.BeginResync()

	res, err := l.ApplySnapshot(wire.Snapshot{Document: "base", ServerVersion: 4})
	assert.Equal(t, err, nil)
	assert.Equal(t, res.Replayed, 1)
	assert.Equal(t, l.Document(), "base!")
	assert.Equal(t, l.PendingCount(), 1)

	next, ok := l.NextToSend()
	assert.Equal(t, ok, true)
	assert.Equal(t, next.Text, "!")
}

func TestHistoryIsBoundedByRetention(t *testing.T) {
	l := oplog.New("a", 3)
	_, _ = l.ApplySnapshot(wire.Snapshot{})
	for v := int64(1); v <= 10; v++ {
		_, _, err := l.Receive(ot.Op{Kind: ot.Insert, Text: "x", ClientID: "b", LocalVersion: v, ServerVersion: v})
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, l.HistoryLen(), 3)
	assert.Equal(t, len(l.Document()), 10)
}

func TestNoopHeadIsNotSent(t *testing.T) {
	l := newLog(t, "a", "abcdef", 0)
	_, _ = l.LocalInsert(2, "X")
	// A concurrent delete swallows the insert.
	_, _, err := l.Receive(ot.Op{Kind: ot.Delete, Position: 1, Count: 3, ClientID: "b", LocalVersion: 1, ServerVersion: 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, l.Document(), "aef")

	_, ok := l.NextToSend()
	assert.Equal(t, ok, false)
	assert.Equal(t, l.PendingCount(), 0)
}

func TestSnapshotIsACopy(t *testing.T) {
	l := newLog(t, "a", "", 0)
	_, _ = l.LocalInsert(0, "x")
	snap := l.Snapshot()
	snap.Pending[0].Text = "mutated"
	again := l.Snapshot()
	assert.Equal(t, again.Pending[0].Text, "x")
}

// simClient couples a log with the frames in flight to and from the relay.
type simClient struct {
	log     *oplog.Log
	outbox  []ot.Op
	inbox   []ot.Op
	editing int
}

func randomEdit(r *rand.Rand, l *oplog.Log) {
	n := len([]rune(l.Document()))
	if n == 0 || r.Intn(3) > 0 {
		_, _ = l.LocalInsert(r.Intn(n+1), string(rune('a'+r.Intn(26))))
		return
	}
	pos := r.Intn(n)
	_, _ = l.LocalDelete(pos, 1+r.Intn(min(3, n-pos)))
}

func TestTwoClientConvergenceThroughRelay(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for iter := 0; iter < 300; iter++ {
		room := relay.NewRoom("doc", 1000)
		clients := []*simClient{
			{log: newLog(t, "client-a", "", 0), editing: 1 + r.Intn(8)},
			{log: newLog(t, "client-b", "", 0), editing: 1 + r.Intn(8)},
		}

		for step := 0; step < 400; step++ {
			c := clients[r.Intn(len(clients))]
			switch r.Intn(4) {
			case 0:
				if c.editing > 0 {
					randomEdit(r, c.log)
					c.editing--
				}
			case 1:
				if op, ok := c.log.NextToSend(); ok {
					c.outbox = append(c.outbox, op)
				}
			case 2:
				if len(c.outbox) > 0 {
					out, err := room.Submit(c.outbox[0])
					c.outbox = c.outbox[1:]
					if err != nil {
						t.Fatalf("iter %d: submit: %v", iter, err)
					}
					for _, peer := range clients {
						peer.inbox = append(peer.inbox, out)
					}
				}
			case 3:
				if len(c.inbox) > 0 {
					if _, _, err := c.log.Receive(c.inbox[0]); err != nil {
						t.Fatalf("iter %d: receive: %v", iter, err)
					}
					c.inbox = c.inbox[1:]
				}
			}
		}

		// Drain: send and deliver until everything is sequenced.
		for busy := true; busy; {
			busy = false
			for _, c := range clients {
				if op, ok := c.log.NextToSend(); ok {
					c.outbox = append(c.outbox, op)
				}
				for len(c.outbox) > 0 {
					busy = true
					out, err := room.Submit(c.outbox[0])
					c.outbox = c.outbox[1:]
					if err != nil {
						t.Fatalf("iter %d: drain submit: %v", iter, err)
					}
					for _, peer := range clients {
						peer.inbox = append(peer.inbox, out)
					}
				}
			}
			for _, c := range clients {
				for len(c.inbox) > 0 {
					busy = true
					if _, _, err := c.log.Receive(c.inbox[0]); err != nil {
						t.Fatalf("iter %d: drain receive: %v", iter, err)
					}
					c.inbox = c.inbox[1:]
				}
			}
		}

		for _, c := range clients {
			if c.log.PendingCount() != 0 {
				t.Fatalf("iter %d: %s still has %d pending", iter, c.log.ClientID(), c.log.PendingCount())
			}
			if c.log.Document() != room.Document() {
				t.Fatalf("iter %d: %s = %q, relay = %q", iter, c.log.ClientID(), c.log.Document(), room.Document())
			}
			if c.log.ServerVersion() != room.Version() {
				t.Fatalf("iter %d: %s at version %d, relay at %d", iter, c.log.ClientID(), c.log.ServerVersion(), room.Version())
			}
		}
	}
}
