package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/collab/internal/ot"
	"github.com/matheus3301/collab/internal/room"
	"github.com/matheus3301/collab/internal/wire"
)

var errMissingToken = errors.New("missing bearer token")

// Config tunes the relay.
type Config struct {
	// MaxHistory bounds the sequenced ops each room keeps for catch-up.
	MaxHistory   int
	WriteTimeout time.Duration
	// Secret, when set, requires an HS256 bearer token signed with it.
	Secret []byte
}

// Server accepts websocket clients on /rooms/{room}/ws and runs one hub
// goroutine per room.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	hubs map[string]*hub
}

// NewServer creates a relay. Call Close to stop its hubs.
func NewServer(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		hubs:   make(map[string]*hub),
	}
	s.router.HandleFunc("/rooms/{room}/ws", s.handleWS)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return s
}

// Handler returns the HTTP handler serving the relay routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops every hub. Connected clients are dropped.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// Snapshot returns the current state of roomID. ok is false for rooms nobody
// has joined.
func (s *Server) Snapshot(roomID string) (snap wire.Snapshot, ok bool) {
	s.mu.Lock()
	h, ok := s.hubs[roomID]
	s.mu.Unlock()
	if !ok {
		return wire.Snapshot{}, false
	}
	reply := make(chan wire.Snapshot, 1)
	select {
	case h.queries <- reply:
	case <-s.ctx.Done():
		return wire.Snapshot{}, false
	}
	select {
	case snap = <-reply:
		return snap, true
	case <-s.ctx.Done():
		return wire.Snapshot{}, false
	}
}

func (s *Server) hub(roomID string) *hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hubs[roomID]
	if !ok {
		h = newHub(NewRoom(roomID, s.cfg.MaxHistory), s.logger.With(zap.String("room", roomID)))
		s.hubs[roomID] = h
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			h.run(s.ctx)
		}()
	}
	return h
}

func (s *Server) authorize(r *http.Request) error {
	if len(s.cfg.Secret) == 0 {
		return nil
	}
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return errMissingToken
	}
	_, err := gojwt.Parse(raw, func(*gojwt.Token) (any, error) {
		return s.cfg.Secret, nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	if err := room.ValidateName(roomID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.authorize(r); err != nil {
		s.logger.Warn("rejected client", zap.String("room", roomID), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	h := s.hub(roomID)
	p := newPeer(conn, roomID, s.cfg.WriteTimeout)
	go p.writeLoop()
	defer p.close()

	if !post(s.ctx, h.register, p) {
		return
	}
	defer post(s.ctx, h.unregister, p)
	s.logger.Debug("client connected", zap.String("room", roomID), zap.String("remote", r.RemoteAddr))
	p.readLoop(s.ctx, h, s.logger)
}

// peer is one connected client. clientID and joined belong to the hub
// goroutine.
type peer struct {
	conn         *websocket.Conn
	roomID       string
	writeTimeout time.Duration
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once

	clientID string
	userID   string
	joined   bool
}

func newPeer(conn *websocket.Conn, roomID string, writeTimeout time.Duration) *peer {
	return &peer{
		conn:         conn,
		roomID:       roomID,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, 256),
		done:         make(chan struct{}),
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// enqueue hands a frame to the writer. A client too slow to keep up is
// dropped rather than stalling the hub.
func (p *peer) enqueue(data []byte) {
	select {
	case p.send <- data:
	case <-p.done:
	default:
		p.close()
	}
}

func (p *peer) enqueueEnvelope(env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	p.enqueue(data)
	return nil
}

func (p *peer) writeLoop() {
	for {
		select {
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *peer) readLoop(ctx context.Context, h *hub, logger *zap.Logger) {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			logger.Warn("dropping frame", zap.String("room", p.roomID), zap.String("type", env.Type), zap.Error(err))
			continue
		}
		switch env.Type {
		case wire.TypePing:
			_ = p.enqueueEnvelope(wire.Envelope{Type: wire.TypePong, RoomID: p.roomID, Payload: env.Payload})
		case wire.TypePong:
		default:
			if !post(ctx, h.inbound, frame{from: p, env: env}) {
				return
			}
		}
	}
}

type frame struct {
	from *peer
	env  wire.Envelope
}

// hub serializes everything that touches one room.
type hub struct {
	room       *Room
	peers      map[*peer]bool
	register   chan *peer
	unregister chan *peer
	inbound    chan frame
	queries    chan chan wire.Snapshot
	logger     *zap.Logger
}

func newHub(r *Room, logger *zap.Logger) *hub {
	return &hub{
		room:       r,
		peers:      make(map[*peer]bool),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		inbound:    make(chan frame, 64),
		queries:    make(chan chan wire.Snapshot),
		logger:     logger,
	}
}

func post[T any](ctx context.Context, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for p := range h.peers {
				p.close()
			}
			return
		case p := <-h.register:
			h.peers[p] = true
		case p := <-h.unregister:
			delete(h.peers, p)
		case f := <-h.inbound:
			if h.peers[f.from] {
				h.handle(f.from, f.env)
			}
		case reply := <-h.queries:
			reply <- h.room.Snapshot("")
		}
	}
}

func (h *hub) handle(p *peer, env wire.Envelope) {
	switch env.Type {
	case wire.TypeJoin:
		h.join(p, env)
	case wire.TypeOp:
		h.submit(p, env)
	case wire.TypeResyncRequest:
		h.sendSnapshot(p)
	case wire.TypePresenceUpdate, wire.TypeHeartbeat:
		h.broadcast(env, p, false)
	default:
		h.logger.Debug("ignoring frame", zap.String("type", env.Type))
	}
}

func (h *hub) join(p *peer, env wire.Envelope) {
	var j wire.Join
	if err := env.Unmarshal(&j); err != nil {
		h.sendError(p, "bad_join", err)
		return
	}
	if j.ClientID == "" {
		h.sendError(p, "bad_join", errors.New("client id required"))
		return
	}
	p.clientID, p.userID, p.joined = j.ClientID, j.UserID, true
	h.logger.Info("client joined",
		zap.String("client", j.ClientID),
		zap.String("user", j.UserID),
		zap.Int64("server_version", j.ServerVersion),
		zap.Bool("baseline", j.Baseline),
	)

	if j.Baseline {
		if ops, ok := h.room.Since(j.ServerVersion); ok {
			for _, op := range ops {
				h.sendOp(p, op)
			}
			return
		}
	}
	h.sendSnapshot(p)
}

func (h *hub) submit(p *peer, env wire.Envelope) {
	if !p.joined {
		h.sendError(p, "not_joined", errors.New("op before join"))
		return
	}
	var msg wire.OpMessage
	if err := env.Unmarshal(&msg); err != nil {
		h.sendError(p, "bad_op", err)
		return
	}
	if msg.Op.ClientID != p.clientID {
		h.sendError(p, "bad_op", fmt.Errorf("op from %q on connection of %q", msg.Op.ClientID, p.clientID))
		return
	}

	out, err := h.room.Submit(msg.Op)
	switch {
	case errors.Is(err, ErrDuplicate):
		h.logger.Debug("dropping duplicate op", zap.String("client", p.clientID), zap.Int64("local_version", msg.Op.LocalVersion))
		return
	case errors.Is(err, ErrBaseTooOld), errors.Is(err, ErrBaseAhead):
		h.sendError(p, "stale_base", err)
		h.sendSnapshot(p)
		return
	case err != nil:
		h.sendError(p, "rejected", err)
		return
	}

	h.logger.Debug("op sequenced", zap.String("client", p.clientID), zap.Int64("server_version", out.ServerVersion), zap.Stringer("op", out))
	reply, err := wire.New(wire.TypeOp, h.room.ID(), wire.OpMessage{Op: out})
	if err != nil {
		h.logger.Error("encode op", zap.Error(err))
		return
	}
	h.broadcast(reply, nil, true)
}

func (h *hub) sendOp(p *peer, op ot.Op) {
	env, err := wire.New(wire.TypeOp, h.room.ID(), wire.OpMessage{Op: op})
	if err == nil {
		err = p.enqueueEnvelope(env)
	}
	if err != nil {
		h.logger.Error("send op", zap.Error(err))
	}
}

func (h *hub) sendSnapshot(p *peer) {
	env, err := wire.New(wire.TypeSnapshot, h.room.ID(), h.room.Snapshot(p.clientID))
	if err == nil {
		err = p.enqueueEnvelope(env)
	}
	if err != nil {
		h.logger.Error("send snapshot", zap.Error(err))
	}
}

func (h *hub) sendError(p *peer, code string, cause error) {
	h.logger.Warn("rejecting frame", zap.String("client", p.clientID), zap.String("code", code), zap.Error(cause))
	env, err := wire.New(wire.TypeError, h.room.ID(), wire.Error{Code: code, Message: cause.Error()})
	if err != nil {
		return
	}
	_ = p.enqueueEnvelope(env)
}

// broadcast sends env to every peer except skip. joinedOnly limits it to
// peers that have a baseline to apply ops against.
func (h *hub) broadcast(env wire.Envelope, skip *peer, joinedOnly bool) {
	data, err := wire.Encode(env)
	if err != nil {
		h.logger.Error("encode broadcast", zap.Error(err))
		return
	}
	for p := range h.peers {
		if p == skip || (joinedOnly && !p.joined) {
			continue
		}
		p.enqueue(data)
	}
}
