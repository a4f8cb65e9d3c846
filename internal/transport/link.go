// Package transport owns the physical connection to the relay: a Link is one
// websocket with heartbeat liveness, and a Supervisor recreates Links with
// exponential backoff.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/matheus3301/collab/internal/wire"
)

var (
	ErrAlreadyConnecting = errors.New("connect called outside idle state")
	ErrNotConnected      = errors.New("link not open")
	ErrClosed            = errors.New("link closed")
	ErrHeartbeatTimeout  = errors.New("heartbeat timeout")
)

// MaxMissedHeartbeats is the number of consecutive unanswered probes that
// force-close a link.
const MaxMissedHeartbeats = 3

// LinkConfig holds the timing of one physical connection.
type LinkConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

// Link is one open websocket to the relay. Frames other than ping and pong
// are queued by the read goroutine and handed to the deliver callback, in
// order, from a forwarding goroutine, so a slow consumer never stalls pongs.
type Link struct {
	conn    *websocket.Conn
	cfg     LinkConfig
	roomID  string
	deliver func(wire.Envelope)
	logger  *zap.Logger

	writeMu sync.Mutex
	pongs   chan string

	inboxMu   sync.Mutex
	inbox     []wire.Envelope
	ready     chan struct{}
	readDone  chan struct{}
	forwarded chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial opens a websocket to address, presenting token as a bearer credential
// when it is non-empty.
func Dial(ctx context.Context, address, roomID, token string, cfg LinkConfig, deliver func(wire.Envelope), logger *zap.Logger) (*Link, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := dialer.DialContext(ctx, address, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", address, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	l := &Link{
		conn:      conn,
		cfg:       cfg,
		roomID:    roomID,
		deliver:   deliver,
		logger:    logger,
		pongs:     make(chan string, MaxMissedHeartbeats),
		ready:     make(chan struct{}, 1),
		readDone:  make(chan struct{}),
		forwarded: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go l.readLoop()
	go l.forwardLoop()
	go l.heartbeatLoop()
	return l, nil
}

// Send writes one frame. It fails once the link is closed.
func (l *Link) Send(env wire.Envelope) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// A websocket write deadline cannot be recovered from.
		l.fail(fmt.Errorf("write: %w", err))
		return err
	}
	return nil
}

// Close shuts the link down. Done is closed and Err reports ErrClosed.
func (l *Link) Close() {
	l.writeMu.Lock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	_ = l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	l.writeMu.Unlock()
	l.fail(ErrClosed)
}

// Done is closed when the link is no longer usable.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Forwarded is closed once every frame read before the link closed has been
// handed to the deliver callback.
func (l *Link) Forwarded() <-chan struct{} {
	return l.forwarded
}

// Err returns the reason the link closed, or nil while it is open.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *Link) fail(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.err = err
		l.errMu.Unlock()
		close(l.done)
		_ = l.conn.Close()
	})
}

func (l *Link) readLoop() {
	defer close(l.readDone)
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.fail(fmt.Errorf("read: %w", err))
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			l.logger.Warn("dropping frame", zap.String("type", env.Type), zap.Error(err))
			continue
		}
		switch env.Type {
		case wire.TypePing:
			reply := wire.Envelope{Type: wire.TypePong, RoomID: l.roomID, Payload: env.Payload}
			if err := l.Send(reply); err != nil {
				return
			}
		case wire.TypePong:
			var probe wire.Probe
			if err := env.Unmarshal(&probe); err != nil {
				l.logger.Warn("dropping pong", zap.Error(err))
				continue
			}
			select {
			case l.pongs <- probe.Nonce:
			default:
			}
		default:
			l.enqueue(env)
		}
	}
}

func (l *Link) enqueue(env wire.Envelope) {
	l.inboxMu.Lock()
	l.inbox = append(l.inbox, env)
	l.inboxMu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *Link) takeInbox() []wire.Envelope {
	l.inboxMu.Lock()
	defer l.inboxMu.Unlock()
	batch := l.inbox
	l.inbox = nil
	return batch
}

// forwardLoop delivers queued frames until the read loop has exited and the
// inbox is empty.
func (l *Link) forwardLoop() {
	defer close(l.forwarded)
	for {
		batch := l.takeInbox()
		for _, env := range batch {
			l.deliver(env)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-l.ready:
		case <-l.readDone:
			for _, env := range l.takeInbox() {
				l.deliver(env)
			}
			return
		}
	}
}

// heartbeatLoop probes every HeartbeatInterval. After a missed pong the link
// is suspect and is probed again straight away, so MaxMissedHeartbeats misses
// take at most MaxMissedHeartbeats*HeartbeatTimeout from the first one.
func (l *Link) heartbeatLoop() {
	timer := time.NewTimer(l.cfg.HeartbeatInterval)
	defer timer.Stop()
	missed := 0
	for {
		select {
		case <-l.done:
			return
		case <-timer.C:
		}

		nonce := ulid.Make().String()
		env, err := wire.New(wire.TypePing, l.roomID, wire.Probe{Nonce: nonce})
		if err != nil {
			l.fail(err)
			return
		}
		if err := l.Send(env); err != nil {
			return
		}

		if l.awaitPong(nonce) {
			missed = 0
			timer.Reset(l.cfg.HeartbeatInterval)
			continue
		}
		select {
		case <-l.done:
			return
		default:
		}
		missed++
		l.logger.Warn("heartbeat missed", zap.Int("missed", missed))
		if missed >= MaxMissedHeartbeats {
			l.fail(ErrHeartbeatTimeout)
			return
		}
		timer.Reset(0)
	}
}

func (l *Link) awaitPong(nonce string) bool {
	timeout := time.NewTimer(l.cfg.HeartbeatTimeout)
	defer timeout.Stop()
	for {
		select {
		case got := <-l.pongs:
			if got == nonce {
				return true
			}
			// Late answer to an earlier probe.
		case <-timeout.C:
			return false
		case <-l.done:
			return false
		}
	}
}
