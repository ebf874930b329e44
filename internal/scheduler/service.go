// Package scheduler drives the once-a-minute notification tick: it computes
// which timers are about to fire and pushes deduplicated text and voice
// announcements.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"

	"bossbot/internal/eventbus"
	"bossbot/internal/maintenance"
	"bossbot/internal/regen"
	"bossbot/internal/storage"
	"bossbot/internal/transport"
	"bossbot/pkg/logx"
)

// bucket is one notification lead window. Windows are ±30s around the lead
// so a tick that lands anywhere inside the minute still matches.
type bucket struct {
	name string
	min  time.Duration
	max  time.Duration
}

var (
	bucketFiveMin = bucket{name: "five_min", min: 270 * time.Second, max: 330 * time.Second}
	bucketOneMin  = bucket{name: "one_min", min: 30 * time.Second, max: 90 * time.Second}
)

// Messenger posts announcement text (optionally with inline actions) to the
// announcement chat.
type Messenger interface {
	Announce(ctx context.Context, text string, buttons []transport.Button) error
}

// Speaker voices an announcement. Implementations synthesize and queue the
// clip; errors here never affect text delivery.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

type Service struct {
	store   storage.Store
	calc    *regen.Calculator
	maint   *maintenance.Service
	msg     Messenger
	speaker Speaker
	bus     eventbus.Bus
	log     logx.Logger
	loc     *time.Location

	// sent remembers announced (timer, occurrence, bucket) triples so a
	// re-tick inside the same window stays silent.
	sent *gocache.Cache
	cron *cron.Cron
}

func New(store storage.Store, calc *regen.Calculator, maint *maintenance.Service, msg Messenger, speaker Speaker, bus eventbus.Bus, log logx.Logger, loc *time.Location) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		store:   store,
		calc:    calc,
		maint:   maint,
		msg:     msg,
		speaker: speaker,
		bus:     bus,
		log:     log,
		loc:     loc,
		sent:    gocache.New(time.Hour, 10*time.Minute),
	}
}

func (s *Service) Start(context.Context) error {
	if s.cron != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(s.loc))
	if _, err := c.AddFunc("* * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
		defer cancel()
		s.Tick(ctx, time.Now())
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.Info("scheduler started")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopped := s.cron.Stop()
	s.cron = nil
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("scheduler stopped")
	return nil
}

// pending is one timer entering a notification window this tick.
type pending struct {
	timer  storage.Timer
	next   time.Time
	bucket bucket
}

// Tick runs one scheduling pass. It never fails: per-timer problems are
// logged and the rest of the pass continues.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	all, err := s.store.ListTimers(ctx)
	if err != nil {
		s.log.Error("tick: listing timers failed", logx.Err(err))
		return
	}

	var due []pending
	for _, t := range all {
		if !t.Visible {
			continue
		}
		next, err := s.calc.Next(t, now)
		if err != nil {
			if !errors.Is(err, regen.ErrNoAnchor) {
				s.log.Warn("tick: next occurrence failed", logx.String("timer", t.Name), logx.Err(err))
			}
			continue
		}
		until := next.Sub(now)
		for _, b := range []bucket{bucketFiveMin, bucketOneMin} {
			if until < b.min || until > b.max {
				continue
			}
			key := fmt.Sprintf("%s_%d_%s", t.Name, next.UnixMilli(), b.name)
			if err := s.sent.Add(key, struct{}{}, gocache.DefaultExpiration); err != nil {
				continue // already announced
			}
			due = append(due, pending{timer: t, next: next, bucket: b})
		}
	}
	if len(due) == 0 {
		return
	}

	inMaint := false
	if s.maint != nil {
		if v, err := s.maint.IsActive(ctx); err == nil {
			inMaint = v
		} else {
			s.log.Warn("tick: maintenance check failed", logx.Err(err))
		}
	}

	for _, p := range due {
		s.announceText(ctx, p)
	}
	s.announceVoice(ctx, due, inMaint)
}

func (s *Service) leadLabel(b bucket) string {
	if b.name == bucketOneMin.name {
		return "1 minute"
	}
	return "5 minutes"
}

func (s *Service) announceText(ctx context.Context, p pending) {
	at := p.next.In(s.loc).Format("15:04")
	text := fmt.Sprintf("⏰ %s respawns in %s (%s)", p.timer.Name, s.leadLabel(p.bucket), at)

	var buttons []transport.Button
	if p.bucket.name == bucketOneMin.name {
		ms := p.next.UnixMilli()
		buttons = []transport.Button{
			{Label: "Cut", Data: fmt.Sprintf("cut_%s_%d", p.timer.Name, ms)},
			{Label: "Participate", Data: fmt.Sprintf("participate_%s_%d", p.timer.Name, ms)},
			{Label: "Who", Data: fmt.Sprintf("plist_%s_%d", p.timer.Name, ms)},
		}
	}
	if err := s.msg.Announce(ctx, text, buttons); err != nil {
		s.log.Warn("announce failed", logx.String("timer", p.timer.Name), logx.Err(err))
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotificationSent, Data: map[string]any{
			"timer":  p.timer.Name,
			"bucket": p.bucket.name,
		}})
	}
}

// announceVoice voices this tick's announcements. During maintenance many
// timers fire together (they were all rearmed to the restart time), so each
// window gets one fixed phrase instead of a pile of per-timer clips.
func (s *Service) announceVoice(ctx context.Context, due []pending, inMaint bool) {
	if s.speaker == nil {
		return
	}
	if !inMaint {
		for _, p := range due {
			text := fmt.Sprintf("%s in %s", p.timer.Name, s.leadLabel(p.bucket))
			if err := s.speaker.Speak(ctx, text); err != nil {
				s.log.Warn("voice announce failed", logx.String("timer", p.timer.Name), logx.Err(err))
			}
		}
		return
	}
	seen := map[string]bool{}
	for _, p := range due {
		seen[p.bucket.name] = true
	}
	for _, b := range []bucket{bucketFiveMin, bucketOneMin} {
		if !seen[b.name] {
			continue
		}
		text := fmt.Sprintf("Bosses respawn in %s", s.leadLabel(b))
		if err := s.speaker.Speak(ctx, text); err != nil {
			s.log.Warn("voice announce failed", logx.Err(err))
		}
	}
}
