// Package notify delivers announcement messages to the configured chat
// through a bounded queue, so a burst of notifications cannot stall the
// scheduler or trip platform rate limits.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bossbot/internal/transport"
	"bossbot/pkg/logx"
)

var ErrQueueFull = errors.New("notify: queue full")

const queueSize = 128

type pendingMsg struct {
	text    string
	buttons []transport.Button
}

type Config struct {
	ChatID   int64
	ThreadID int
	// MessagesPerMinute caps outbound rate; 0 means 20 (Telegram's practical
	// per-chat ceiling).
	MessagesPerMinute int
}

type Service struct {
	cfg     Config
	adapter transport.Adapter
	log     logx.Logger

	queue   chan pendingMsg
	limiter *rate.Limiter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, adapter transport.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	perMin := cfg.MessagesPerMinute
	if perMin <= 0 {
		perMin = 20
	}
	return &Service{
		cfg:     cfg,
		adapter: adapter,
		log:     log,
		queue:   make(chan pendingMsg, queueSize),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 5),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.drain(runCtx)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) drain(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			target := transport.ChatTarget{ChatID: s.cfg.ChatID, ThreadID: s.cfg.ThreadID}
			opt := &transport.SendOptions{DisablePreview: true, Buttons: m.buttons}
			if _, err := s.adapter.SendText(ctx, target, m.text, opt); err != nil {
				s.log.Warn("announcement send failed", logx.Err(err))
			}
		}
	}
}

// Announce queues one message. It never blocks; a full queue rejects.
func (s *Service) Announce(_ context.Context, text string, buttons []transport.Button) error {
	select {
	case s.queue <- pendingMsg{text: text, buttons: buttons}:
		return nil
	default:
		return ErrQueueFull
	}
}
