package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bossbot/internal/eventbus"
	"bossbot/pkg/logx"
)

type fakeConn struct {
	mu     sync.Mutex
	played []string
	fail   map[string]error
	done   chan error
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan error, 1), fail: map[string]error{}}
}

func (c *fakeConn) Play(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.fail[path]; ok {
		return err
	}
	c.played = append(c.played, path)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Done() <-chan error { return c.done }

func (c *fakeConn) playedPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.played))
	copy(out, c.played)
	return out
}

type fakeTransport struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dialErr error
	// failDials makes the next N dials fail before succeeding.
	failDials int
}

func (t *fakeTransport) Connect(ctx context.Context, target Target) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failDials > 0 {
		t.failDials--
		return nil, errors.New("dial refused")
	}
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestJoinAndPlayInOrder(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr, eventbus.New(), logx.Nop())
	ctx := context.Background()

	if err := s.Join(ctx, Target{ChatID: 1}); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer s.Leave(ctx)

	if s.State() != StateReady {
		t.Fatalf("state = %v, want ready", s.State())
	}
	for _, p := range []string{"a.mp3", "b.mp3", "c.mp3"} {
		if _, err := s.Enqueue(p, p); err != nil {
			t.Fatalf("enqueue %s: %v", p, err)
		}
	}

	conn := tr.conn(0)
	waitFor(t, func() bool { return len(conn.playedPaths()) == 3 })
	got := conn.playedPaths()
	if got[0] != "a.mp3" || got[1] != "b.mp3" || got[2] != "c.mp3" {
		t.Fatalf("play order: %v", got)
	}
}

func TestEnqueueWhileDisconnected(t *testing.T) {
	s := NewSession(&fakeTransport{}, nil, logx.Nop())
	if _, err := s.Enqueue("a.mp3", "a"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestJoinFailure(t *testing.T) {
	tr := &fakeTransport{dialErr: errors.New("no route")}
	s := NewSession(tr, nil, logx.Nop())
	if err := s.Join(context.Background(), Target{ChatID: 1}); err == nil {
		t.Fatal("want join error")
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", s.State())
	}
}

func TestFailedItemSkipped(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr, nil, logx.Nop())
	ctx := context.Background()

	if err := s.Join(ctx, Target{ChatID: 1}); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer s.Leave(ctx)

	conn := tr.conn(0)
	conn.fail["bad.mp3"] = errors.New("codec error")

	for _, p := range []string{"a.mp3", "bad.mp3", "b.mp3"} {
		if _, err := s.Enqueue(p, p); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitFor(t, func() bool { return len(conn.playedPaths()) == 2 })
	got := conn.playedPaths()
	if got[0] != "a.mp3" || got[1] != "b.mp3" {
		t.Fatalf("played = %v", got)
	}
	if s.State() != StateReady {
		t.Fatalf("state = %v, want ready after skip", s.State())
	}
}

func TestReconnectWithinWindow(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr, eventbus.New(), logx.Nop(), WithReconnectWindow(2*time.Second))
	ctx := context.Background()

	if err := s.Join(ctx, Target{ChatID: 1}); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer s.Leave(ctx)

	// Drop the connection; one dial fails, the next succeeds.
	tr.mu.Lock()
	tr.failDials = 1
	tr.mu.Unlock()
	tr.conn(0).done <- errors.New("gone")

	waitFor(t, func() bool { return tr.conn(1) != nil && s.State() == StateReady })

	if _, err := s.Enqueue("after.mp3", "after"); err != nil {
		t.Fatalf("enqueue after reconnect: %v", err)
	}
	waitFor(t, func() bool {
		c := tr.conn(1)
		return c != nil && len(c.playedPaths()) == 1
	})
}

func TestReconnectWindowExpires(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr, nil, logx.Nop(), WithReconnectWindow(100*time.Millisecond))
	ctx := context.Background()

	if err := s.Join(ctx, Target{ChatID: 1}); err != nil {
		t.Fatalf("join: %v", err)
	}

	tr.mu.Lock()
	tr.dialErr = errors.New("still down")
	tr.mu.Unlock()
	tr.conn(0).done <- errors.New("gone")

	waitFor(t, func() bool { return s.State() == StateDisconnected })
	if q := s.Queue(); len(q) != 0 {
		t.Fatalf("queue not dropped: %v", q)
	}
}

func TestIdleAutoLeave(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr, nil, logx.Nop(), WithIdleTimeout(80*time.Millisecond))
	ctx := context.Background()

	if err := s.Join(ctx, Target{ChatID: 1}); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, func() bool { return s.State() == StateDisconnected })
}

func TestJoinMovesSession(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr, nil, logx.Nop())
	ctx := context.Background()

	if err := s.Join(ctx, Target{ChatID: 1}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.Join(ctx, Target{ChatID: 2}); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	defer s.Leave(ctx)

	if !tr.conn(0).closed {
		t.Fatal("first connection not closed on move")
	}
	got, ok := s.Target()
	if !ok || got.ChatID != 2 {
		t.Fatalf("target = %+v %v", got, ok)
	}
}

func TestEnqueueDuringLeaveInFlightRejected(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr, nil, logx.Nop())
	ctx := context.Background()

	if err := s.Join(ctx, Target{ChatID: 1}); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer s.Leave(ctx)

	// leave() drops the conn before the state settles on disconnected. An
	// enqueue landing in that gap must be refused, not orphaned.
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	if _, err := s.Enqueue("a.mp3", "a"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if q := s.Queue(); len(q) != 0 {
		t.Fatalf("orphaned items queued: %v", q)
	}
}
