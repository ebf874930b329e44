package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store. It backs tests and the no-persistence
// configuration; contents are lost on restart.
type MemStore struct {
	mu            sync.RWMutex
	timers        map[string]Timer
	settings      map[string]string
	members       map[int64]Member
	participation []Participation
	nextPartID    int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		timers:   map[string]Timer{},
		settings: map[string]string{},
		members:  map[int64]Member{},
	}
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) PutTimer(_ context.Context, t Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if prev, ok := s.timers[t.Name]; ok {
		t.CreatedAt = prev.CreatedAt
	} else {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.timers[t.Name] = t
	return nil
}

func (s *MemStore) GetTimer(_ context.Context, name string) (Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.timers[name]
	if !ok {
		return Timer{}, ErrNotFound
	}
	return t, nil
}

func (s *MemStore) DeleteTimer(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[name]; !ok {
		return ErrNotFound
	}
	delete(s.timers, name)
	return nil
}

func (s *MemStore) ListTimers(_ context.Context) ([]Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Timer, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemStore) SetLastReset(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[name]
	if !ok {
		return ErrNotFound
	}
	t.LastResetAt = at
	t.UpdatedAt = time.Now()
	s.timers[name] = t
	return nil
}

func (s *MemStore) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemStore) PutSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *MemStore) UpsertMember(_ context.Context, m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if prev, ok := s.members[m.UserID]; ok {
		m.CreatedAt = prev.CreatedAt
	} else {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.members[m.UserID] = m
	return nil
}

func (s *MemStore) GetMember(_ context.Context, userID int64) (Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[userID]
	if !ok {
		return Member{}, ErrNotFound
	}
	return m, nil
}

func (s *MemStore) AddParticipation(_ context.Context, p Participation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.participation {
		if e.UserID == p.UserID && e.TimerName == p.TimerName && e.OccurrenceMS == p.OccurrenceMS {
			return ErrDuplicate
		}
	}
	s.nextPartID++
	p.ID = s.nextPartID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.participation = append(s.participation, p)
	return nil
}

func (s *MemStore) HasParticipation(_ context.Context, userID int64, timerName string, occurrenceMS int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.participation {
		if e.UserID == userID && e.TimerName == timerName && e.OccurrenceMS == occurrenceMS {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) ListParticipants(_ context.Context, timerName string, occurrenceMS int64) ([]Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Participation
	for _, e := range s.participation {
		if e.TimerName == timerName && e.OccurrenceMS == occurrenceMS {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) SumCredit(_ context.Context, userID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, e := range s.participation {
		if e.UserID == userID {
			total += e.Credit
		}
	}
	return total, nil
}

func (s *MemStore) Ranking(_ context.Context, limit int) ([]RankEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}
	agg := map[int64]*RankEntry{}
	for _, e := range s.participation {
		r, ok := agg[e.UserID]
		if !ok {
			r = &RankEntry{UserID: e.UserID}
			if m, ok := s.members[e.UserID]; ok {
				r.DisplayName = m.DisplayName
			}
			agg[e.UserID] = r
		}
		r.Total += e.Credit
		r.Claims++
	}
	out := make([]RankEntry, 0, len(agg))
	for _, r := range agg {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Claims > out[j].Claims
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemStore)(nil)
