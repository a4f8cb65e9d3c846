package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/matheus3301/collab/internal/bus"
	"github.com/matheus3301/collab/internal/credential"
	"github.com/matheus3301/collab/internal/status"
	"github.com/matheus3301/collab/internal/wire"
)

// KindReconnectExhausted is posted when the retry budget runs out. The
// supervisor is back in Idle and Connect may be called again.
const KindReconnectExhausted = "link.reconnect_exhausted"

// Exhausted is the payload of KindReconnectExhausted.
type Exhausted struct {
	Attempts  int
	LastError error
}

// Poster hands events to the room's owner goroutine. *bus.Bus implements it.
type Poster interface {
	Post(ctx context.Context, evt bus.Event) error
}

// Config holds the reconnection policy and link timing.
type Config struct {
	Link        LinkConfig
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Supervisor owns the room's connection. It dials, watches the link, and on
// any failure waits with exponential backoff before dialing again. Inbound
// frames and state changes are posted to the owner as bus events.
//
// Connect and Disconnect post events and must not be called from a handler
// running on the owner goroutine.
type Supervisor struct {
	cfg     Config
	roomID  string
	events  Poster
	machine *status.Machine
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	// lifeMu orders Connect's wg.Add against Disconnect's Close and Wait.
	lifeMu sync.Mutex
	wg     sync.WaitGroup

	mu       sync.Mutex
	link     *Link
	attempts int
	lastErr  error
}

// NewSupervisor creates a supervisor in the Idle state.
func NewSupervisor(roomID string, cfg Config, events Poster, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:    cfg,
		roomID: roomID,
		events: events,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.machine = status.NewMachine(s.onStateChange)
	return s
}

func (s *Supervisor) onStateChange(c status.StatusChange) {
	s.logger.Info("link state changed", zap.String("from", string(c.From)), zap.String("to", string(c.To)))
	s.post(c.Event())
}

func (s *Supervisor) post(evt bus.Event) {
	if err := s.events.Post(s.ctx, evt); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("event not delivered", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// State returns the current connection state.
func (s *Supervisor) State() status.State {
	return s.machine.Current()
}

// Attempts returns the number of consecutive failed connection attempts.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// LastError returns the most recent connection failure.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Connect starts a connection lifecycle toward address. It only succeeds
// from Idle; the dial itself happens in the background. After Disconnect the
// error matches both ErrAlreadyConnecting and ErrClosed.
func (s *Supervisor) Connect(address string, creds credential.Provider) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if err := s.machine.CompareAndTransition(status.Idle, status.Connecting); err != nil {
		if s.machine.Current() == status.Closed {
			return fmt.Errorf("%w: %w", ErrAlreadyConnecting, ErrClosed)
		}
		return ErrAlreadyConnecting
	}
	s.mu.Lock()
	s.attempts = 0
	s.lastErr = nil
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(address, creds)
	return nil
}

// Send transmits env if the link is Open. Any other state, and a write that
// fails mid-flight, report ErrNotConnected so callers can queue.
func (s *Supervisor) Send(env wire.Envelope) error {
	switch s.machine.Current() {
	case status.Closed:
		return ErrClosed
	case status.Open:
	default:
		return ErrNotConnected
	}
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	if err := l.Send(env); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Disconnect closes the connection for good. It cancels any backoff wait or
// credential fetch in progress and waits for the lifecycle goroutine.
func (s *Supervisor) Disconnect() {
	s.lifeMu.Lock()
	closed := s.machine.Close()
	s.lifeMu.Unlock()
	if !closed {
		return
	}
	s.cancel()
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l != nil {
		l.Close()
	}
	s.wg.Wait()
}

func (s *Supervisor) run(address string, creds credential.Provider) {
	defer s.wg.Done()
	bo := newBackOff(s.cfg.BackoffBase, s.cfg.BackoffMax)

	for {
		err := s.session(address, creds, bo)
		if s.ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		s.lastErr = err
		attempts := s.attempts
		s.mu.Unlock()

		if attempts >= s.cfg.MaxAttempts {
			if s.machine.CompareAndTransition(status.Reconnecting, status.Idle) != nil {
				return
			}
			s.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", attempts), zap.Error(err))
			s.post(bus.NewEvent(KindReconnectExhausted, Exhausted{Attempts: attempts, LastError: err}))
			return
		}

		wait := nextDelay(bo, s.cfg.BackoffMax)
		s.logger.Info("reconnecting", zap.Int("attempt", attempts+1), zap.Duration("wait", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return
		}

		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()
		if s.machine.CompareAndTransition(status.Reconnecting, status.Connecting) != nil {
			return
		}
	}
}

// session performs one dial and, if it succeeds, holds the link until it
// fails. It returns with the machine in Reconnecting unless the supervisor
// was closed meanwhile.
func (s *Supervisor) session(address string, creds credential.Provider, bo backoff.BackOff) error {
	l, err := s.dial(address, creds)
	if err != nil {
		_ = s.machine.CompareAndTransition(status.Connecting, status.Reconnecting)
		return err
	}

	s.mu.Lock()
	s.link = l
	s.attempts = 0
	s.mu.Unlock()
	bo.Reset()

	if err := s.machine.CompareAndTransition(status.Connecting, status.Open); err != nil {
		s.dropLink(l)
		<-l.Forwarded()
		return err
	}

	select {
	case <-l.Done():
	case <-s.ctx.Done():
	}
	s.dropLink(l)
	// Frames read before the drop reach the owner ahead of the state change.
	<-l.Forwarded()
	_ = s.machine.CompareAndTransition(status.Open, status.Reconnecting)
	return l.Err()
}

func (s *Supervisor) dropLink(l *Link) {
	s.mu.Lock()
	if s.link == l {
		s.link = nil
	}
	s.mu.Unlock()
	l.Close()
}

func (s *Supervisor) dial(address string, creds credential.Provider) (*Link, error) {
	token, err := creds.FetchToken(s.ctx, s.roomID)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	deliver := func(env wire.Envelope) {
		s.post(bus.NewEvent(wire.EventKind(env.Type), env))
	}
	return Dial(s.ctx, address, s.roomID, token, s.cfg.Link, deliver, s.logger)
}

// newBackOff returns base*2^k delays with ±20% jitter. It never gives up on
// its own; the attempt budget is enforced by the supervisor.
func newBackOff(base, max time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxInterval = max
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// nextDelay draws the next wait, clamped so jitter never pushes it past max.
func nextDelay(bo backoff.BackOff, max time.Duration) time.Duration {
	d := bo.NextBackOff()
	if d == backoff.Stop || d > max {
		return max
	}
	return d
}
