// Package maintenance tracks server maintenance mode and rearms interval
// timers for a known maintenance completion time.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bossbot/internal/eventbus"
	"bossbot/internal/storage"
	"bossbot/pkg/logx"
)

// SettingKey is the persisted on/off flag.
const SettingKey = "maintenance_mode"

type Service struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
}

func New(store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, bus: bus, log: log}
}

// IsActive reports whether maintenance mode is on. A missing flag is
// initialized to off so later reads are consistent.
func (s *Service) IsActive(ctx context.Context) (bool, error) {
	v, err := s.store.GetSetting(ctx, SettingKey)
	if errors.Is(err, storage.ErrNotFound) {
		if err := s.store.PutSetting(ctx, SettingKey, "false"); err != nil {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// RearmResult describes one timer rearmed by Activate.
type RearmResult struct {
	Name string
	Next time.Time
}

// Activate turns maintenance mode on and rearms every interval timer so its
// next occurrence lands exactly at completeAt. Weekly timers are untouched;
// their schedule is independent of server restarts.
func (s *Service) Activate(ctx context.Context, completeAt time.Time) ([]RearmResult, error) {
	timers, err := s.store.ListTimers(ctx)
	if err != nil {
		return nil, err
	}
	var rearmed []RearmResult
	for _, t := range timers {
		if t.Kind != storage.KindInterval || t.IntervalHours <= 0 {
			continue
		}
		anchor := completeAt.Add(-time.Duration(t.IntervalHours) * time.Hour)
		if err := s.store.SetLastReset(ctx, t.Name, anchor); err != nil {
			s.log.Warn("maintenance rearm failed", logx.String("timer", t.Name), logx.Err(err))
			continue
		}
		rearmed = append(rearmed, RearmResult{Name: t.Name, Next: completeAt})
	}
	if err := s.store.PutSetting(ctx, SettingKey, "true"); err != nil {
		return rearmed, err
	}
	s.log.Info("maintenance mode on", logx.Time("complete_at", completeAt), logx.Int("rearmed", len(rearmed)))
	s.publish(true)
	return rearmed, nil
}

// Deactivate turns maintenance mode off.
func (s *Service) Deactivate(ctx context.Context) error {
	if err := s.store.PutSetting(ctx, SettingKey, "false"); err != nil {
		return err
	}
	s.log.Info("maintenance mode off")
	s.publish(false)
	return nil
}

// ClearOnActivity turns maintenance mode off if it is on. It is called after
// the first successful cut or claim, which proves the server is back.
func (s *Service) ClearOnActivity(ctx context.Context) error {
	active, err := s.IsActive(ctx)
	if err != nil || !active {
		return err
	}
	s.log.Info("maintenance mode cleared by activity")
	return s.Deactivate(ctx)
}

func (s *Service) publish(active bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeMaintenance, Data: map[string]any{"active": active}})
}

// ParseCompleteAt parses the MMDDHHMM maintenance-end stamp, resolved against
// now's year in loc. A stamp that lands in the past rolls to the next year.
func ParseCompleteAt(s string, now time.Time, loc *time.Location) (time.Time, error) {
	if len(s) != 8 {
		return time.Time{}, fmt.Errorf("maintenance: invalid stamp %q (want MMDDHHMM)", s)
	}
	month, err1 := strconv.Atoi(s[0:2])
	day, err2 := strconv.Atoi(s[2:4])
	hour, err3 := strconv.Atoi(s[4:6])
	minute, err4 := strconv.Atoi(s[6:8])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return time.Time{}, fmt.Errorf("maintenance: invalid stamp %q (want MMDDHHMM)", s)
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
		return time.Time{}, fmt.Errorf("maintenance: stamp %q out of range", s)
	}
	local := now.In(loc)
	at := time.Date(local.Year(), time.Month(month), day, hour, minute, 0, 0, loc)
	if at.Month() != time.Month(month) || at.Day() != day {
		return time.Time{}, fmt.Errorf("maintenance: stamp %q is not a real date", s)
	}
	if !at.After(now) {
		at = time.Date(local.Year()+1, time.Month(month), day, hour, minute, 0, 0, loc)
	}
	return at, nil
}
