// Package presence tracks who is in a room and when they were last seen.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/collab/internal/bus"
	"github.com/matheus3301/collab/internal/wire"
)

// Status is a participant's presence.
type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Offline Status = "offline"
)

// Event kinds.
const (
	// KindUpdate carries a Record after every status change, including the
	// synthetic Offline produced by expiry.
	KindUpdate = "presence.update"
	// KindSweep asks the tracker to expire stale records.
	KindSweep = "presence.sweep"
)

// Record is one participant's state. Records handed out are copies.
type Record struct {
	RoomID      string
	UserID      string
	DisplayName string
	Status      Status
	LastSeen    time.Time
}

// Emitter delivers events synchronously. *bus.Bus implements it.
type Emitter interface {
	Emit(evt bus.Event)
}

// Tracker holds presence records per room.
type Tracker struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*Record
	expiry time.Duration
	now    func() time.Time
	events Emitter
	logger *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker that treats records older than expiry as
// Offline.
func NewTracker(expiry time.Duration, events Emitter, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		rooms:  make(map[string]map[string]*Record),
		expiry: expiry,
		now:    time.Now,
		events: events,
		logger: logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register subscribes the tracker to inbound presence frames and sweep
// ticks. The returned function removes every registration.
func (t *Tracker) Register(b *bus.Bus) (off func()) {
	offs := []func(){
		b.On(wire.EventKind(wire.TypePresenceUpdate), t.handlePresenceUpdate),
		b.On(wire.EventKind(wire.TypeHeartbeat), t.handleHeartbeat),
		b.On(KindSweep, func(bus.Event) error {
			t.Sweep()
			return nil
		}),
	}
	return func() {
		for _, f := range offs {
			f()
		}
	}
}

func (t *Tracker) handlePresenceUpdate(evt bus.Event) error {
	env, ok := evt.Payload.(wire.Envelope)
	if !ok {
		return fmt.Errorf("presence update payload is %T", evt.Payload)
	}
	var msg wire.PresenceUpdate
	if err := env.Unmarshal(&msg); err != nil {
		return err
	}
	st, err := ParseStatus(msg.Status)
	if err != nil {
		return err
	}
	t.Update(env.RoomID, msg.UserID, msg.DisplayName, st)
	return nil
}

func (t *Tracker) handleHeartbeat(evt bus.Event) error {
	env, ok := evt.Payload.(wire.Envelope)
	if !ok {
		return fmt.Errorf("heartbeat payload is %T", evt.Payload)
	}
	var msg wire.Heartbeat
	if err := env.Unmarshal(&msg); err != nil {
		return err
	}
	t.Touch(env.RoomID, msg.UserID)
	return nil
}

// ParseStatus validates a wire status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case Online, Away, Offline:
		return st, nil
	default:
		return "", fmt.Errorf("unknown presence status %q", s)
	}
}

// Update upserts a record with the given status and stamps LastSeen.
func (t *Tracker) Update(roomID, userID, displayName string, st Status) Record {
	t.mu.Lock()
	rec := t.recordLocked(roomID, userID)
	changed := rec.Status != st || (displayName != "" && rec.DisplayName != displayName)
	rec.Status = st
	if displayName != "" {
		rec.DisplayName = displayName
	}
	rec.LastSeen = t.now()
	out := *rec
	t.mu.Unlock()

	if changed {
		t.emit(out)
	}
	return out
}

// Touch records activity. An unknown or offline user becomes Online; an
// Away user stays Away.
func (t *Tracker) Touch(roomID, userID string) Record {
	t.mu.Lock()
	rec := t.recordLocked(roomID, userID)
	changed := false
	if rec.Status == "" || rec.Status == Offline {
		rec.Status = Online
		changed = true
	}
	rec.LastSeen = t.now()
	out := *rec
	t.mu.Unlock()

	if changed {
		t.emit(out)
	}
	return out
}

func (t *Tracker) recordLocked(roomID, userID string) *Record {
	users, ok := t.rooms[roomID]
	if !ok {
		users = make(map[string]*Record)
		t.rooms[roomID] = users
	}
	rec, ok := users[userID]
	if !ok {
		rec = &Record{RoomID: roomID, UserID: userID}
		users[userID] = rec
	}
	return rec
}

// Sweep marks every record not seen within the expiry window as Offline and
// emits an update for each. It returns the records it changed.
func (t *Tracker) Sweep() []Record {
	now := t.now()
	var expired []Record
	t.mu.Lock()
	for _, users := range t.rooms {
		for _, rec := range users {
			if rec.Status != Offline && t.isExpired(rec, now) {
				rec.Status = Offline
				expired = append(expired, *rec)
			}
		}
	}
	t.mu.Unlock()

	sortRecords(expired)
	for _, rec := range expired {
		t.logger.Debug("presence expired", zap.String("room", rec.RoomID), zap.String("user", rec.UserID))
		t.emit(rec)
	}
	return expired
}

func (t *Tracker) isExpired(rec *Record, now time.Time) bool {
	return now.Sub(rec.LastSeen) >= t.expiry
}

// ListOnline returns copies of the room's records that are not Offline.
// Expired records are left out even if no sweep has run yet.
func (t *Tracker) ListOnline(roomID string) []Record {
	now := t.now()
	t.mu.RLock()
	var out []Record
	for _, rec := range t.rooms[roomID] {
		if rec.Status != Offline && !t.isExpired(rec, now) {
			out = append(out, *rec)
		}
	}
	t.mu.RUnlock()
	sortRecords(out)
	return out
}

// List returns copies of every record in the room, expired ones reported as
// Offline.
func (t *Tracker) List(roomID string) []Record {
	now := t.now()
	t.mu.RLock()
	out := make([]Record, 0, len(t.rooms[roomID]))
	for _, rec := range t.rooms[roomID] {
		r := *rec
		if t.isExpired(rec, now) {
			r.Status = Offline
		}
		out = append(out, r)
	}
	t.mu.RUnlock()
	sortRecords(out)
	return out
}

func (t *Tracker) emit(rec Record) {
	if t.events != nil {
		t.events.Emit(bus.NewEvent(KindUpdate, rec))
	}
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].RoomID != recs[j].RoomID {
			return recs[i].RoomID < recs[j].RoomID
		}
		return recs[i].UserID < recs[j].UserID
	})
}

// RunSweeper posts a KindSweep event every expiry/2 until ctx is done, so
// the sweep itself runs on the owner goroutine.
func (t *Tracker) RunSweeper(ctx context.Context, post func(context.Context, bus.Event) error) {
	interval := t.expiry / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := post(ctx, bus.NewEvent(KindSweep, nil)); err != nil {
				return
			}
		}
	}
}
