// Package session runs one room: it wires the link supervisor, dispatcher,
// presence tracker, operation log and offline queue together and drives
// them from a single owner goroutine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/collab/internal/bus"
	"github.com/matheus3301/collab/internal/config"
	"github.com/matheus3301/collab/internal/credential"
	"github.com/matheus3301/collab/internal/oplog"
	"github.com/matheus3301/collab/internal/ot"
	"github.com/matheus3301/collab/internal/outbox"
	"github.com/matheus3301/collab/internal/presence"
	"github.com/matheus3301/collab/internal/render"
	"github.com/matheus3301/collab/internal/status"
	"github.com/matheus3301/collab/internal/store"
	"github.com/matheus3301/collab/internal/transport"
	"github.com/matheus3301/collab/internal/wire"
)

// KindLocalChangesLost carries a LocalChangesLost after a resync discarded
// pending edits.
const KindLocalChangesLost = "session.local_changes_lost"

const kindCommand = "session.command"

// LocalChangesLost lists the discarded operations.
type LocalChangesLost struct {
	Ops []ot.Op
}

// Checkpoints is the small key/value store the session keeps its identity
// and operation log in. *store.DB and *store.Bolt implement it.
type Checkpoints interface {
	SetCheckpoint(ctx context.Context, key, value string) error
	Checkpoint(ctx context.Context, key string) (string, error)
}

// Options configures a Session.
type Options struct {
	RoomID string
	// ClientID overrides the stored client id.
	ClientID    string
	UserID      string
	DisplayName string
	Settings    config.Room
	Credentials credential.Provider
	Storage     outbox.Storage
	Checkpoints Checkpoints
	Sink        render.Sink
	Logger      *zap.Logger
}

// Session is one room's sync engine.
type Session struct {
	roomID      string
	userID      string
	displayName string
	address     string
	creds       credential.Provider
	checkpoints Checkpoints
	logger      *zap.Logger

	bus     *bus.Bus
	sup     *transport.Supervisor
	tracker *presence.Tracker
	log     *oplog.Log
	queue   *outbox.Queue
	sink    render.Sink

	// inFlightID is the envelope id the in-flight op was last sent under.
	inFlightID string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// RelayURL returns the websocket URL of roomID on the relay at base.
func RelayURL(base, roomID string) string {
	return strings.TrimRight(base, "/") + "/rooms/" + url.PathEscape(roomID) + "/ws"
}

// New builds a session and restores its client id, operation log and queue
// from storage. Nothing touches the network until Start.
func New(ctx context.Context, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Storage == nil || opts.Checkpoints == nil {
		return nil, errors.New("session needs queue storage and checkpoints")
	}
	cfg := opts.Settings

	clientID, err := resolveClientID(ctx, opts.ClientID, opts.Checkpoints)
	if err != nil {
		return nil, err
	}
	userID := opts.UserID
	if userID == "" {
		userID = clientID
	}
	logger = logger.With(zap.String("client", clientID))

	creds := opts.Credentials
	if creds == nil {
		creds = credential.Static("")
	}
	sink := opts.Sink
	if sink == nil {
		sink = render.Multi{}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		roomID:      opts.RoomID,
		userID:      userID,
		displayName: opts.DisplayName,
		address:     RelayURL(cfg.Link.Address, opts.RoomID),
		creds:       creds,
		checkpoints: opts.Checkpoints,
		logger:      logger,
		sink:        sink,
		ctx:         runCtx,
		cancel:      cancel,
	}

	s.bus = bus.New(256, logger)
	s.sup = transport.NewSupervisor(opts.RoomID, transport.Config{
		Link: transport.LinkConfig{
			HeartbeatInterval: cfg.Link.HeartbeatInterval(),
			HeartbeatTimeout:  cfg.Link.HeartbeatTimeout(),
			HandshakeTimeout:  cfg.Link.HandshakeTimeout(),
			WriteTimeout:      cfg.Link.WriteTimeout(),
		},
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		BackoffBase: cfg.Reconnect.BackoffBase(),
		BackoffMax:  cfg.Reconnect.BackoffMax(),
	}, s.bus, logger)
	s.tracker = presence.NewTracker(cfg.Presence.Expiry(), s.bus, logger)
	s.queue = outbox.New(opts.Storage, s.sup, s.bus, logger)
	s.log = oplog.New(clientID, cfg.OpLog.PendingRetentionWindow)

	if err := s.restoreLog(ctx); err != nil {
		cancel()
		return nil, err
	}
	if err := s.queue.Load(ctx); err != nil {
		cancel()
		return nil, err
	}
	s.register()
	return s, nil
}

func resolveClientID(ctx context.Context, override string, cp Checkpoints) (string, error) {
	if override != "" {
		return override, cp.SetCheckpoint(ctx, store.CheckpointClientID, override)
	}
	id, err := cp.Checkpoint(ctx, store.CheckpointClientID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("read client id: %w", err)
	}
	id = uuid.NewString()
	if err := cp.SetCheckpoint(ctx, store.CheckpointClientID, id); err != nil {
		return "", fmt.Errorf("save client id: %w", err)
	}
	return id, nil
}

func (s *Session) restoreLog(ctx context.Context) error {
	raw, err := s.checkpoints.Checkpoint(ctx, store.CheckpointOpLog)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read oplog checkpoint: %w", err)
	}
	var snap oplog.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.logger.Warn("discarding unreadable oplog checkpoint", zap.Error(err))
		return nil
	}
	if snap.ClientID != s.log.ClientID() {
		s.logger.Warn("oplog checkpoint belongs to another client", zap.String("checkpoint_client", snap.ClientID))
		return nil
	}
	s.log.Resume(snap)
	s.logger.Info("oplog restored",
		zap.Int64("server_version", snap.ServerVersion),
		zap.Int64("local_version", snap.LocalVersion),
		zap.Int("pending", len(snap.Pending)),
	)
	return nil
}

func (s *Session) register() {
	s.tracker.Register(s.bus)
	s.bus.On(kindCommand, s.handleCommand)
	s.bus.On(status.KindStateChanged, s.handleStateChanged)
	s.bus.On(transport.KindReconnectExhausted, s.handleExhausted)
	s.bus.On(wire.EventKind(wire.TypeOp), s.handleOp)
	s.bus.On(wire.EventKind(wire.TypeSnapshot), s.handleSnapshot)
	s.bus.On(wire.EventKind(wire.TypeError), s.handleError)
	s.bus.On(presence.KindUpdate, s.handlePresence)
	s.bus.On(presence.KindSweep, s.handleSweep)
}

// Start runs the owner goroutine and the presence sweeper, then starts
// connecting.
func (s *Session) Start() error {
	if s.started {
		return errors.New("session already started")
	}
	s.started = true
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.bus.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.tracker.RunSweeper(s.ctx, s.bus.Post)
	}()
	s.logger.Info("session starting", zap.String("room", s.roomID), zap.String("address", s.address))
	return s.sup.Connect(s.address, s.creds)
}

// Stop disconnects for good and waits for the session's goroutines. Queued
// messages stay in storage for the next process.
func (s *Session) Stop() {
	s.sup.Disconnect()
	s.cancel()
	s.wg.Wait()
	s.checkpoint()
	s.logger.Info("session stopped",
		zap.Int("queued", s.queue.Len()),
		zap.Int("pending", s.log.PendingCount()),
		zap.Int("history", s.log.HistoryLen()),
	)
}

// Reconnect restarts connecting after the retry budget ran out.
func (s *Session) Reconnect() error {
	return s.sup.Connect(s.address, s.creds)
}

func (s *Session) RoomID() string            { return s.roomID }
func (s *Session) ClientID() string          { return s.log.ClientID() }
func (s *Session) UserID() string            { return s.userID }
func (s *Session) State() status.State       { return s.sup.State() }
func (s *Session) Attempts() int             { return s.sup.Attempts() }
func (s *Session) QueueLen() int             { return s.queue.Len() }
func (s *Session) Online() []presence.Record { return s.tracker.ListOnline(s.roomID) }

// Subscribe returns a channel of session events whose kind starts with
// namespace, for observers on other goroutines.
func (s *Session) Subscribe(namespace string, buf int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe(namespace, buf)
}

type command struct {
	fn   func() error
	done chan error
}

// do runs fn on the owner goroutine and waits for it. It must not be called
// from a handler.
func (s *Session) do(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}
	if err := s.bus.Post(ctx, bus.NewEvent(kindCommand, cmd)); err != nil {
		return err
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.bus.Stopped():
		return bus.ErrStopped
	}
}

func (s *Session) handleCommand(evt bus.Event) error {
	cmd := evt.Payload.(command)
	cmd.done <- cmd.fn()
	return nil
}

// Insert applies an insert locally and sends it.
func (s *Session) Insert(ctx context.Context, pos int, text string) error {
	return s.do(ctx, func() error {
		return s.local(s.log.LocalInsert(pos, text))
	})
}

// Delete applies a delete of count runes at pos locally and sends it.
func (s *Session) Delete(ctx context.Context, pos, count int) error {
	return s.do(ctx, func() error {
		return s.local(s.log.LocalDelete(pos, count))
	})
}

// Retain sends a retained range, such as a selection, without changing the
// document.
func (s *Session) Retain(ctx context.Context, pos, count int) error {
	return s.do(ctx, func() error {
		return s.local(s.log.LocalRetain(pos, count))
	})
}

// Snapshot returns a copy of the operation log.
func (s *Session) Snapshot(ctx context.Context) (oplog.Snapshot, error) {
	var snap oplog.Snapshot
	err := s.do(ctx, func() error {
		snap = s.log.Snapshot()
		return nil
	})
	return snap, err
}

// SetPresence announces the user's status to the room.
func (s *Session) SetPresence(ctx context.Context, st presence.Status) error {
	return s.do(ctx, func() error {
		s.tracker.Update(s.roomID, s.userID, s.displayName, st)
		s.announce(st)
		return nil
	})
}

func (s *Session) local(op ot.Op, err error) error {
	if err != nil {
		return err
	}
	s.sink.OperationApplied(render.Applied{
		RoomID:        s.roomID,
		Op:            op,
		Local:         true,
		Text:          s.log.Document(),
		ServerVersion: s.log.ServerVersion(),
	})
	s.checkpoint()
	s.pump()
	return nil
}

// pump sends the next pending op if none is in flight.
func (s *Session) pump() {
	op, ok := s.log.NextToSend()
	if !ok {
		return
	}
	s.sendOp(op)
}

func (s *Session) sendOp(op ot.Op) {
	env, err := wire.New(wire.TypeOp, s.roomID, wire.OpMessage{Op: op})
	if err != nil {
		s.logger.Error("encode op", zap.Error(err))
		return
	}
	s.inFlightID = env.ID
	queued, err := s.queue.Send(s.ctx, env)
	if err != nil {
		s.logger.Error("send op", zap.Stringer("op", op), zap.Error(err))
		return
	}
	if queued {
		s.logger.Debug("op queued", zap.Int64("local_version", op.LocalVersion), zap.Int("queue", s.queue.Len()))
		if s.sup.State() == status.Open {
			s.drain()
		}
	}
}

func (s *Session) drain() bool {
	sent, err := s.queue.Drain(s.ctx)
	if sent > 0 {
		s.logger.Info("queue drained", zap.Int("sent", sent), zap.Int("left", s.queue.Len()))
	}
	return err == nil
}

// sendDirect writes a frame that is only meaningful on the current link.
func (s *Session) sendDirect(msgType string, payload any) error {
	env, err := wire.New(msgType, s.roomID, payload)
	if err != nil {
		return err
	}
	return s.sup.Send(env)
}

func (s *Session) announce(st presence.Status) {
	err := s.sendDirect(wire.TypePresenceUpdate, wire.PresenceUpdate{
		UserID:      s.userID,
		DisplayName: s.displayName,
		Status:      string(st),
	})
	if err != nil {
		s.logger.Debug("presence not sent", zap.Error(err))
	}
}

func (s *Session) checkpoint() {
	raw, err := json.Marshal(s.log.Snapshot())
	if err != nil {
		s.logger.Error("encode oplog checkpoint", zap.Error(err))
		return
	}
	// The owner context is gone during Stop; the final write still has to land.
	if err := s.checkpoints.SetCheckpoint(context.WithoutCancel(s.ctx), store.CheckpointOpLog, string(raw)); err != nil {
		s.logger.Warn("oplog checkpoint failed", zap.Error(err))
	}
}

func (s *Session) handleStateChanged(evt bus.Event) error {
	change := evt.Payload.(status.StatusChange)
	if rs, ok := s.sink.(render.StatusSink); ok {
		rs.LinkState(s.roomID, change.To)
	}
	if change.To == status.Open {
		s.onOpen()
	}
	return nil
}

// onOpen rejoins the room, replays the queue, then re-sends the in-flight op
// unless the queue already carried it. The relay drops duplicates.
func (s *Session) onOpen() {
	join := wire.Join{
		ClientID:      s.log.ClientID(),
		UserID:        s.userID,
		ServerVersion: s.log.ServerVersion(),
		Baseline:      s.log.HasBaseline() && !s.log.Resyncing(),
	}
	if err := s.sendDirect(wire.TypeJoin, join); err != nil {
		s.logger.Warn("join failed", zap.Error(err))
		return
	}
	s.tracker.Update(s.roomID, s.userID, s.displayName, presence.Online)
	s.announce(presence.Online)

	inFlightQueued := s.inFlightID != "" && s.queue.Has(s.inFlightID)
	if !s.drain() {
		return
	}
	if op, ok := s.log.InFlight(); ok && !inFlightQueued {
		s.logger.Debug("re-sending in-flight op", zap.Int64("local_version", op.LocalVersion))
		s.sendOp(op)
	}
	s.pump()
}

func (s *Session) handleExhausted(evt bus.Event) error {
	ex := evt.Payload.(transport.Exhausted)
	msg := fmt.Sprintf("gave up reconnecting after %d attempts", ex.Attempts)
	s.logger.Warn(msg, zap.Error(ex.LastError))
	if rs, ok := s.sink.(render.StatusSink); ok {
		rs.Warning(s.roomID, msg)
	}
	return nil
}

func (s *Session) handleOp(evt bus.Event) error {
	env := evt.Payload.(wire.Envelope)
	var msg wire.OpMessage
	if err := env.Unmarshal(&msg); err != nil {
		return err
	}

	applied, changed, err := s.log.Receive(msg.Op)
	switch {
	case errors.Is(err, oplog.ErrStaleVersion), errors.Is(err, oplog.ErrResyncing), errors.Is(err, oplog.ErrNoBaseline):
		s.logger.Debug("ignoring op", zap.Int64("server_version", msg.Op.ServerVersion), zap.Error(err))
		return nil
	case err != nil:
		s.logger.Warn("incremental sync broken, resyncing", zap.Error(err))
		s.resync()
		return nil
	}

	if changed {
		s.sink.OperationApplied(render.Applied{
			RoomID:        s.roomID,
			Op:            applied,
			Text:          s.log.Document(),
			ServerVersion: s.log.ServerVersion(),
		})
	} else {
		s.dropQueuedInFlight()
		s.inFlightID = ""
	}
	s.checkpoint()
	s.pump()
	return nil
}

func (s *Session) resync() {
	req := s.log.BeginResync()
	if err := s.sendDirect(wire.TypeResyncRequest, req); err != nil {
		// The next join asks for a snapshot instead.
		s.logger.Debug("resync request not sent", zap.Error(err))
	}
}

func (s *Session) handleSnapshot(evt bus.Event) error {
	env := evt.Payload.(wire.Envelope)
	var snap wire.Snapshot
	if err := env.Unmarshal(&snap); err != nil {
		return err
	}
	res, err := s.log.ApplySnapshot(snap)
	if err != nil {
		return err
	}
	s.dropQueuedInFlight()
	s.inFlightID = ""

	s.logger.Info("snapshot applied",
		zap.Int64("server_version", snap.ServerVersion),
		zap.Int("folded", res.Folded),
		zap.Int("replayed", res.Replayed),
		zap.Int("lost", len(res.Lost)),
	)
	s.sink.DocumentSnapshot(render.Document{
		RoomID:        s.roomID,
		Text:          s.log.Document(),
		ServerVersion: s.log.ServerVersion(),
	})
	if len(res.Lost) > 0 {
		msg := fmt.Sprintf("%d local changes may be lost", len(res.Lost))
		s.logger.Warn(msg)
		if rs, ok := s.sink.(render.StatusSink); ok {
			rs.Warning(s.roomID, msg)
		}
		s.bus.Emit(bus.NewEvent(KindLocalChangesLost, LocalChangesLost{Ops: res.Lost}))
	}
	s.checkpoint()
	s.pump()
	return nil
}

// dropQueuedInFlight removes a queued copy of the in-flight op once the
// relay has answered for it.
func (s *Session) dropQueuedInFlight() {
	if s.inFlightID == "" {
		return
	}
	if s.queue.Discard(s.ctx, s.inFlightID) {
		s.logger.Debug("discarded queued copy of in-flight op", zap.String("id", s.inFlightID))
	}
}

func (s *Session) handleError(evt bus.Event) error {
	env := evt.Payload.(wire.Envelope)
	var e wire.Error
	if err := env.Unmarshal(&e); err != nil {
		return err
	}
	s.logger.Warn("relay rejected a frame", zap.String("code", e.Code), zap.String("message", e.Message))
	return nil
}

func (s *Session) handlePresence(bus.Event) error {
	s.sink.PresenceSnapshot(s.roomID, s.tracker.ListOnline(s.roomID))
	return nil
}

// handleSweep keeps the user's own record alive and tells the room.
func (s *Session) handleSweep(bus.Event) error {
	if s.sup.State() != status.Open {
		return nil
	}
	s.tracker.Touch(s.roomID, s.userID)
	if err := s.sendDirect(wire.TypeHeartbeat, wire.Heartbeat{UserID: s.userID}); err != nil {
		s.logger.Debug("heartbeat not sent", zap.Error(err))
	}
	return nil
}
