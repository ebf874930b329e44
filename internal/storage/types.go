package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("storage: duplicate")
)

// TimerKind discriminates how the next occurrence of a timer is computed.
type TimerKind string

const (
	KindInterval TimerKind = "interval"
	KindWeekly   TimerKind = "weekly"
)

// Timer is one tracked respawn schedule.
type Timer struct {
	Name   string
	Kind   TimerKind
	Credit int // points granted per claim, 1..100
	// Visible timers are announced by the tick; hidden ones still track
	// their schedule and accept cuts but stay silent.
	Visible bool

	// Interval timers.
	IntervalHours int
	// LastResetAt anchors the recurrence; zero means never reset.
	LastResetAt time.Time

	// Weekly timers.
	Weekdays  []time.Weekday
	TimeOfDay string // "HH:MM", local to the configured location

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Member is a known chat user eligible to claim credit.
type Member struct {
	UserID      int64
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Participation records one successful claim of a timer occurrence.
type Participation struct {
	ID           int64
	UserID       int64
	TimerName    string
	OccurrenceMS int64 // unix ms of the claimed occurrence
	Credit       int
	CreatedAt    time.Time
}

// RankEntry is one row of the credit leaderboard.
type RankEntry struct {
	UserID      int64
	DisplayName string
	Total       int
	Claims      int
}

// Store is the persistence surface for timers, members and claims.
type Store interface {
	PutTimer(ctx context.Context, t Timer) error
	GetTimer(ctx context.Context, name string) (Timer, error)
	DeleteTimer(ctx context.Context, name string) error
	ListTimers(ctx context.Context) ([]Timer, error)
	// SetLastReset moves a timer's anchor without touching the rest of the row.
	SetLastReset(ctx context.Context, name string, at time.Time) error

	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error

	UpsertMember(ctx context.Context, m Member) error
	GetMember(ctx context.Context, userID int64) (Member, error)

	// AddParticipation returns ErrDuplicate when the same user already
	// claimed the same occurrence of the same timer.
	AddParticipation(ctx context.Context, p Participation) error
	HasParticipation(ctx context.Context, userID int64, timerName string, occurrenceMS int64) (bool, error)
	ListParticipants(ctx context.Context, timerName string, occurrenceMS int64) ([]Participation, error)
	SumCredit(ctx context.Context, userID int64) (int, error)
	Ranking(ctx context.Context, limit int) ([]RankEntry, error)

	Close() error
}
