// Package regen computes the next occurrence of a respawn timer.
package regen

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bossbot/internal/storage"
)

var (
	// ErrNoAnchor means an interval timer has never been reset, so its
	// recurrence has no starting point yet.
	ErrNoAnchor = errors.New("regen: timer has no reset anchor")
	// ErrNoSchedule means a weekly timer has no valid weekday/time config.
	ErrNoSchedule = errors.New("regen: timer has no weekly schedule")
)

// Calculator resolves occurrences in a fixed location. Weekly timers are
// interpreted as wall-clock times in that location, so DST transitions shift
// the absolute instant, not the displayed time.
type Calculator struct {
	loc *time.Location
}

func NewCalculator(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.Local
	}
	return &Calculator{loc: loc}
}

// Next returns the earliest occurrence of t strictly after now.
func (c *Calculator) Next(t storage.Timer, now time.Time) (time.Time, error) {
	switch t.Kind {
	case storage.KindInterval:
		return c.nextInterval(t, now)
	case storage.KindWeekly:
		return c.nextWeekly(t, now)
	default:
		return time.Time{}, fmt.Errorf("regen: unknown timer kind %q", t.Kind)
	}
}

func (c *Calculator) nextInterval(t storage.Timer, now time.Time) (time.Time, error) {
	if t.LastResetAt.IsZero() {
		return time.Time{}, ErrNoAnchor
	}
	if t.IntervalHours <= 0 {
		return time.Time{}, fmt.Errorf("regen: invalid interval %dh", t.IntervalHours)
	}
	interval := time.Duration(t.IntervalHours) * time.Hour
	next := t.LastResetAt.Add(interval)
	if !next.After(now) {
		// Roll forward in whole periods so a stale anchor still yields the
		// next future occurrence, not a burst of missed ones.
		elapsed := now.Sub(t.LastResetAt)
		periods := elapsed / interval
		next = t.LastResetAt.Add((periods + 1) * interval)
	}
	return next, nil
}

func (c *Calculator) nextWeekly(t storage.Timer, now time.Time) (time.Time, error) {
	if len(t.Weekdays) == 0 {
		return time.Time{}, ErrNoSchedule
	}
	hour, minute, err := ParseHHMM(t.TimeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	wanted := make(map[time.Weekday]bool, len(t.Weekdays))
	for _, d := range t.Weekdays {
		wanted[d] = true
	}

	local := now.In(c.loc)
	for day := 0; day < 8; day++ {
		cand := time.Date(local.Year(), local.Month(), local.Day()+day, hour, minute, 0, 0, c.loc)
		if wanted[cand.Weekday()] && cand.After(now) {
			return cand, nil
		}
	}
	return time.Time{}, ErrNoSchedule
}

// ParseHHMM parses a "HH:MM" wall-clock string.
func ParseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("regen: invalid time %q (want HH:MM)", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("regen: invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("regen: invalid minute in %q", s)
	}
	return hour, minute, nil
}
