// Package claims records which member claimed credit for a timer occurrence,
// with per-occurrence mutual exclusion so racing presses settle to exactly
// one winner per member.
package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bossbot/internal/eventbus"
	"bossbot/internal/maintenance"
	"bossbot/internal/storage"
	"bossbot/pkg/logx"
)

// ErrAlreadyClaimed is returned when the member already claimed this
// occurrence.
var ErrAlreadyClaimed = errors.New("claims: already claimed")

type Service struct {
	store storage.Store
	maint *maintenance.Service
	bus   eventbus.Bus
	log   logx.Logger
	locks *keyedLocks
}

func New(store storage.Store, maint *maintenance.Service, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		maint: maint,
		bus:   bus,
		log:   log,
		locks: newKeyedLocks(DefaultLockWait),
	}
}

// Result summarizes a successful claim.
type Result struct {
	Timer  storage.Timer
	Member storage.Member
	Credit int
	Total  int // member's running total after this claim
}

func lockKey(timerName string, occurrenceMS int64) string {
	return fmt.Sprintf("%s_%d", timerName, occurrenceMS)
}

// Claim awards the timer's credit to the member for the given occurrence.
// Unknown members are registered on first claim. Returns ErrAlreadyClaimed
// for a repeat press and ErrBusy when another claim for the same occurrence
// held the lock past the wait window.
func (s *Service) Claim(ctx context.Context, userID int64, displayName, timerName string, occurrenceMS int64) (Result, error) {
	timerName = strings.TrimSpace(timerName)
	t, err := s.store.GetTimer(ctx, timerName)
	if err != nil {
		return Result{}, err
	}

	release, err := s.locks.acquire(ctx, lockKey(timerName, occurrenceMS))
	if err != nil {
		return Result{}, err
	}
	defer release()

	if displayName == "" {
		displayName = fmt.Sprintf("user%d", userID)
	}
	if err := s.store.UpsertMember(ctx, storage.Member{UserID: userID, DisplayName: displayName}); err != nil {
		return Result{}, err
	}
	m, err := s.store.GetMember(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	dup, err := s.store.HasParticipation(ctx, userID, timerName, occurrenceMS)
	if err != nil {
		return Result{}, err
	}
	if dup {
		return Result{}, ErrAlreadyClaimed
	}

	err = s.store.AddParticipation(ctx, storage.Participation{
		UserID:       userID,
		TimerName:    timerName,
		OccurrenceMS: occurrenceMS,
		Credit:       t.Credit,
		CreatedAt:    time.Now(),
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return Result{}, ErrAlreadyClaimed
	}
	if err != nil {
		return Result{}, err
	}

	total, err := s.store.SumCredit(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	s.log.Info("claim recorded",
		logx.String("timer", timerName),
		logx.Int64("user", userID),
		logx.Int("credit", t.Credit),
		logx.Int("total", total))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeClaimRecorded, Data: map[string]any{
			"timer":         timerName,
			"user_id":       userID,
			"occurrence_ms": occurrenceMS,
			"credit":        t.Credit,
		}})
	}
	if s.maint != nil {
		if err := s.maint.ClearOnActivity(ctx); err != nil {
			s.log.Warn("clearing maintenance after claim failed", logx.Err(err))
		}
	}
	return Result{Timer: t, Member: m, Credit: t.Credit, Total: total}, nil
}

// Participants lists everyone who claimed the occurrence, in claim order.
func (s *Service) Participants(ctx context.Context, timerName string, occurrenceMS int64) ([]storage.Participation, error) {
	return s.store.ListParticipants(ctx, timerName, occurrenceMS)
}

// MemberName resolves a member's display name.
func (s *Service) MemberName(ctx context.Context, userID int64) (string, error) {
	m, err := s.store.GetMember(ctx, userID)
	if err != nil {
		return "", err
	}
	return m.DisplayName, nil
}

// Ranking returns the credit leaderboard.
func (s *Service) Ranking(ctx context.Context, limit int) ([]storage.RankEntry, error) {
	return s.store.Ranking(ctx, limit)
}
