// Package voice maintains a single playback session with a FIFO clip queue.
// Exactly one destination is active at a time; joining elsewhere moves the
// session.
package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"bossbot/internal/eventbus"
	"bossbot/pkg/logx"
)

// State is the session lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Target identifies where clips are delivered.
type Target struct {
	ChatID   int64
	ThreadID int
}

// Conn is one live connection to a target.
type Conn interface {
	// Play delivers one clip and blocks until playback is handed off.
	Play(ctx context.Context, path string) error
	Close() error
	// Done yields a non-nil error when the connection drops on its own.
	// Connections that cannot drop return a channel that never fires.
	Done() <-chan error
}

// Transport dials targets.
type Transport interface {
	Connect(ctx context.Context, target Target) (Conn, error)
}

// Item is one queued clip.
type Item struct {
	ID    string
	Path  string
	Label string
}

var (
	ErrNotConnected = errors.New("voice: not connected")
	ErrQueueFull    = errors.New("voice: queue full")
)

const (
	defaultReconnectWindow = 5 * time.Second
	defaultIdleTimeout     = 5 * time.Minute
	maxQueue               = 64
)

type Session struct {
	transport Transport
	bus       eventbus.Bus
	log       logx.Logger

	reconnectWindow time.Duration
	idleTimeout     time.Duration

	mu     sync.Mutex
	state  State
	target Target
	conn   Conn
	queue  []Item
	wake   chan struct{}
	loopWG sync.WaitGroup
	cancel context.CancelFunc
}

type SessionOption func(*Session)

func WithReconnectWindow(d time.Duration) SessionOption {
	return func(s *Session) { s.reconnectWindow = d }
}

func WithIdleTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.idleTimeout = d }
}

func NewSession(transport Transport, bus eventbus.Bus, log logx.Logger, opts ...SessionOption) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Session{
		transport:       transport,
		bus:             bus,
		log:             log,
		reconnectWindow: defaultReconnectWindow,
		idleTimeout:     defaultIdleTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Target() (Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target, s.state == StateReady || s.state == StateReconnecting
}

// Queue returns a snapshot of pending items.
func (s *Session) Queue() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.queue))
	copy(out, s.queue)
	return out
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.log.Debug("voice state", logx.String("state", st.String()))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeVoiceState, Data: map[string]any{"state": st.String()}})
	}
}

// Join connects to target, moving the session if it is already connected
// elsewhere. The playback loop starts on success.
func (s *Session) Join(ctx context.Context, target Target) error {
	s.leave()

	s.setState(StateConnecting)
	conn, err := s.transport.Connect(ctx, target)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.target = target
	s.wake = make(chan struct{}, 1)
	s.cancel = cancel
	s.mu.Unlock()
	s.setState(StateReady)

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		s.run(loopCtx)
	}()
	return nil
}

// Leave closes the session and drops pending items.
func (s *Session) Leave(context.Context) error {
	s.leave()
	return nil
}

func (s *Session) leave() {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	s.cancel = nil
	s.conn = nil
	s.queue = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.loopWG.Wait()
	s.setState(StateDisconnected)
}

// Enqueue appends one clip; it plays after everything already queued.
func (s *Session) Enqueue(path, label string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A leave in flight nils the conn before the state settles; an item
	// queued in that gap would never play.
	if s.conn == nil || (s.state != StateReady && s.state != StateReconnecting) {
		return "", ErrNotConnected
	}
	if len(s.queue) >= maxQueue {
		return "", ErrQueueFull
	}
	id := uuid.NewString()
	s.queue = append(s.queue, Item{ID: id, Path: path, Label: label})
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return id, nil
}

func (s *Session) pop() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Item{}, false
	}
	it := s.queue[0]
	s.queue = s.queue[1:]
	return it, true
}

func (s *Session) run(ctx context.Context) {
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		s.mu.Lock()
		conn := s.conn
		wake := s.wake
		s.mu.Unlock()
		if conn == nil {
			return
		}

		it, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				continue
			case err := <-conn.Done():
				if !s.reconnect(ctx, err) {
					return
				}
				continue
			case <-idle.C:
				s.log.Info("voice idle timeout, leaving")
				go s.leave()
				return
			}
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(s.idleTimeout)

		if err := conn.Play(ctx, it.Path); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Failed items are skipped; the rest of the queue still plays.
			s.log.Warn("playback failed, skipping", logx.String("item", it.Label), logx.Err(err))
		}
	}
}

// reconnect tries to re-dial the current target within the reconnect window.
// Returns false when the session should end.
func (s *Session) reconnect(ctx context.Context, cause error) bool {
	s.setState(StateReconnecting)
	s.log.Warn("voice connection dropped", logx.Err(cause))

	s.mu.Lock()
	target := s.target
	s.mu.Unlock()

	deadline := time.Now().Add(s.reconnectWindow)
	backoff := 200 * time.Millisecond
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		dialCtx, cancel := context.WithDeadline(ctx, deadline)
		conn, err := s.transport.Connect(dialCtx, target)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			s.setState(StateReady)
			s.log.Info("voice reconnected")
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}

	s.log.Warn("voice reconnect window expired")
	go s.leave()
	return false
}
