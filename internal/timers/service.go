// Package timers manages the tracked respawn timers: create, delete, list,
// and the cut / gen operations that move a timer's anchor.
package timers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"bossbot/internal/eventbus"
	"bossbot/internal/maintenance"
	"bossbot/internal/regen"
	"bossbot/internal/storage"
	"bossbot/pkg/logx"
)

const (
	maxNameLen   = 50
	minCredit    = 1
	maxCredit    = 100
	minIntervalH = 1
	maxIntervalH = 168
)

var ErrUnknownTimer = errors.New("timers: unknown timer")

type Service struct {
	store storage.Store
	calc  *regen.Calculator
	maint *maintenance.Service
	bus   eventbus.Bus
	log   logx.Logger
	loc   *time.Location
}

func New(store storage.Store, calc *regen.Calculator, maint *maintenance.Service, bus eventbus.Bus, log logx.Logger, loc *time.Location) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{store: store, calc: calc, maint: maint, bus: bus, log: log, loc: loc}
}

func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("timers: name is empty")
	}
	if len([]rune(name)) > maxNameLen {
		return fmt.Errorf("timers: name longer than %d characters", maxNameLen)
	}
	return nil
}

func validateCredit(credit int) error {
	if credit < minCredit || credit > maxCredit {
		return fmt.Errorf("timers: credit %d outside %d..%d", credit, minCredit, maxCredit)
	}
	return nil
}

// AddInterval registers (or replaces) an interval timer. The anchor starts
// empty; the first /cut or /gen arms it. Hidden timers keep tracking their
// schedule but are excluded from announcements and the schedule listing.
func (s *Service) AddInterval(ctx context.Context, name string, hours, credit int, visible bool) (storage.Timer, error) {
	name = strings.TrimSpace(name)
	if err := validateName(name); err != nil {
		return storage.Timer{}, err
	}
	if err := validateCredit(credit); err != nil {
		return storage.Timer{}, err
	}
	if hours < minIntervalH || hours > maxIntervalH {
		return storage.Timer{}, fmt.Errorf("timers: interval %dh outside %d..%d", hours, minIntervalH, maxIntervalH)
	}
	t := storage.Timer{
		Name:          name,
		Kind:          storage.KindInterval,
		Credit:        credit,
		Visible:       visible,
		IntervalHours: hours,
	}
	// Replacing keeps an existing anchor so a re-add doesn't disarm the timer.
	if prev, err := s.store.GetTimer(ctx, name); err == nil && prev.Kind == storage.KindInterval {
		t.LastResetAt = prev.LastResetAt
	}
	if err := s.store.PutTimer(ctx, t); err != nil {
		return storage.Timer{}, err
	}
	s.log.Info("timer added", logx.String("name", name), logx.Int("interval_h", hours), logx.Int("credit", credit))
	return t, nil
}

// AddWeekly registers (or replaces) a weekly timer firing on the given
// weekdays at hhmm local wall-clock time.
func (s *Service) AddWeekly(ctx context.Context, name string, weekdays []time.Weekday, hhmm string, credit int, visible bool) (storage.Timer, error) {
	name = strings.TrimSpace(name)
	if err := validateName(name); err != nil {
		return storage.Timer{}, err
	}
	if err := validateCredit(credit); err != nil {
		return storage.Timer{}, err
	}
	if len(weekdays) == 0 {
		return storage.Timer{}, errors.New("timers: weekly timer needs at least one weekday")
	}
	if _, _, err := regen.ParseHHMM(hhmm); err != nil {
		return storage.Timer{}, err
	}
	seen := map[time.Weekday]bool{}
	days := make([]time.Weekday, 0, len(weekdays))
	for _, d := range weekdays {
		if d < time.Sunday || d > time.Saturday {
			return storage.Timer{}, fmt.Errorf("timers: invalid weekday %d", d)
		}
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	t := storage.Timer{
		Name:      name,
		Kind:      storage.KindWeekly,
		Credit:    credit,
		Visible:   visible,
		Weekdays:  days,
		TimeOfDay: hhmm,
	}
	if err := s.store.PutTimer(ctx, t); err != nil {
		return storage.Timer{}, err
	}
	s.log.Info("timer added", logx.String("name", name), logx.String("at", hhmm), logx.Int("credit", credit))
	return t, nil
}

func (s *Service) Delete(ctx context.Context, name string) error {
	err := s.store.DeleteTimer(ctx, strings.TrimSpace(name))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownTimer
	}
	if err == nil {
		s.log.Info("timer deleted", logx.String("name", name))
	}
	return err
}

func (s *Service) Get(ctx context.Context, name string) (storage.Timer, error) {
	t, err := s.store.GetTimer(ctx, strings.TrimSpace(name))
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Timer{}, ErrUnknownTimer
	}
	return t, err
}

func (s *Service) List(ctx context.Context) ([]storage.Timer, error) {
	return s.store.ListTimers(ctx)
}

// Cut records that the boss died at cutAt: the anchor moves to cutAt and the
// next occurrence is one interval later. A successful cut also clears
// maintenance mode, since someone just killed a boss on a live server.
func (s *Service) Cut(ctx context.Context, name string, cutAt time.Time) (storage.Timer, error) {
	t, err := s.Get(ctx, name)
	if err != nil {
		return storage.Timer{}, err
	}
	if t.Kind != storage.KindInterval {
		return storage.Timer{}, fmt.Errorf("timers: %s is a weekly timer and cannot be cut", t.Name)
	}
	if err := s.store.SetLastReset(ctx, t.Name, cutAt); err != nil {
		return storage.Timer{}, err
	}
	t.LastResetAt = cutAt
	s.log.Info("timer cut", logx.String("name", t.Name), logx.Time("cut_at", cutAt))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTimerCut, Data: map[string]any{
			"timer":  t.Name,
			"cut_ms": cutAt.UnixMilli(),
		}})
	}
	if s.maint != nil {
		if err := s.maint.ClearOnActivity(ctx); err != nil {
			s.log.Warn("clearing maintenance after cut failed", logx.Err(err))
		}
	}
	return t, nil
}

// Gen arms a timer so its NEXT occurrence lands exactly at genAt, by
// anchoring one interval earlier.
func (s *Service) Gen(ctx context.Context, name string, genAt time.Time) (storage.Timer, error) {
	t, err := s.Get(ctx, name)
	if err != nil {
		return storage.Timer{}, err
	}
	if t.Kind != storage.KindInterval {
		return storage.Timer{}, fmt.Errorf("timers: %s is a weekly timer and cannot be re-armed", t.Name)
	}
	anchor := genAt.Add(-time.Duration(t.IntervalHours) * time.Hour)
	if err := s.store.SetLastReset(ctx, t.Name, anchor); err != nil {
		return storage.Timer{}, err
	}
	t.LastResetAt = anchor
	s.log.Info("timer armed", logx.String("name", t.Name), logx.Time("next", genAt))
	return t, nil
}

// ScheduleEntry pairs a timer with its computed next occurrence. Unarmed
// timers carry a zero Next.
type ScheduleEntry struct {
	Timer storage.Timer
	Next  time.Time
}

// Schedule lists the visible timers with their next occurrence, soonest
// first. Timers that cannot fire yet (no anchor) sort last.
func (s *Service) Schedule(ctx context.Context, now time.Time) ([]ScheduleEntry, error) {
	all, err := s.store.ListTimers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ScheduleEntry, 0, len(all))
	for _, t := range all {
		if !t.Visible {
			continue
		}
		e := ScheduleEntry{Timer: t}
		next, err := s.calc.Next(t, now)
		if err == nil {
			e.Next = next
		} else if !errors.Is(err, regen.ErrNoAnchor) {
			s.log.Warn("schedule computation failed", logx.String("timer", t.Name), logx.Err(err))
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Next, out[j].Next
		switch {
		case a.IsZero():
			return false
		case b.IsZero():
			return true
		default:
			return a.Before(b)
		}
	})
	return out, nil
}

// ParseCutTime parses the optional time argument of /cut: empty means "now",
// HHMM is today's wall clock (rolled back a day if it would land in the
// future, cuts report the past), MMDDHHMM names the date explicitly.
func (s *Service) ParseCutTime(arg string, now time.Time) (time.Time, error) {
	arg = strings.TrimSpace(arg)
	switch len(arg) {
	case 0:
		return now, nil
	case 4:
		at, err := s.wallClockToday(arg, now)
		if err != nil {
			return time.Time{}, err
		}
		if at.After(now) {
			at = at.AddDate(0, 0, -1)
		}
		return at, nil
	case 8:
		at, err := s.stampThisYear(arg, now)
		if err != nil {
			return time.Time{}, err
		}
		if at.After(now) {
			at = at.AddDate(-1, 0, 0)
		}
		return at, nil
	default:
		return time.Time{}, fmt.Errorf("timers: invalid time %q (want HHMM or MMDDHHMM)", arg)
	}
}

// ParseGenTime parses the time argument of /gen. Gen targets the future, so
// a past HHMM rolls to tomorrow and a past MMDDHHMM to next year.
func (s *Service) ParseGenTime(arg string, now time.Time) (time.Time, error) {
	arg = strings.TrimSpace(arg)
	switch len(arg) {
	case 4:
		at, err := s.wallClockToday(arg, now)
		if err != nil {
			return time.Time{}, err
		}
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	case 8:
		at, err := s.stampThisYear(arg, now)
		if err != nil {
			return time.Time{}, err
		}
		if !at.After(now) {
			at = at.AddDate(1, 0, 0)
		}
		return at, nil
	default:
		return time.Time{}, fmt.Errorf("timers: invalid time %q (want HHMM or MMDDHHMM)", arg)
	}
}

func (s *Service) wallClockToday(hhmm string, now time.Time) (time.Time, error) {
	hour, minute, err := regen.ParseHHMM(hhmm[:2] + ":" + hhmm[2:])
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, s.loc), nil
}

func (s *Service) stampThisYear(mmddhhmm string, now time.Time) (time.Time, error) {
	month, err1 := strconv.Atoi(mmddhhmm[0:2])
	day, err2 := strconv.Atoi(mmddhhmm[2:4])
	if err1 != nil || err2 != nil || month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("timers: invalid date in %q (want MMDDHHMM)", mmddhhmm)
	}
	hour, minute, err := regen.ParseHHMM(mmddhhmm[4:6] + ":" + mmddhhmm[6:8])
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(s.loc)
	at := time.Date(local.Year(), time.Month(month), day, hour, minute, 0, 0, s.loc)
	if at.Month() != time.Month(month) || at.Day() != day {
		return time.Time{}, fmt.Errorf("timers: %q is not a real date", mmddhhmm)
	}
	return at, nil
}
