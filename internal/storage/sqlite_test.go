package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTimerRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	anchor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := Timer{
		Name:          "drake",
		Kind:          KindInterval,
		Credit:        10,
		Visible:       true,
		IntervalHours: 3,
		LastResetAt:   anchor,
	}
	if err := s.PutTimer(ctx, in); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetTimer(ctx, "drake")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != KindInterval || got.Credit != 10 || got.IntervalHours != 3 || !got.Visible {
		t.Fatalf("got %+v", got)
	}
	if !got.LastResetAt.Equal(anchor) {
		t.Fatalf("anchor = %v, want %v", got.LastResetAt, anchor)
	}

	weekly := Timer{
		Name:      "raid",
		Kind:      KindWeekly,
		Credit:    30,
		Weekdays:  []time.Weekday{time.Tuesday, time.Thursday},
		TimeOfDay: "21:00",
	}
	if err := s.PutTimer(ctx, weekly); err != nil {
		t.Fatalf("put weekly: %v", err)
	}
	got, err = s.GetTimer(ctx, "raid")
	if err != nil {
		t.Fatalf("get weekly: %v", err)
	}
	if len(got.Weekdays) != 2 || got.Weekdays[0] != time.Tuesday || got.Weekdays[1] != time.Thursday {
		t.Fatalf("weekdays = %v", got.Weekdays)
	}
	if !got.LastResetAt.IsZero() {
		t.Fatalf("weekly anchor should be zero, got %v", got.LastResetAt)
	}
	if got.Visible {
		t.Fatalf("hidden timer came back visible: %+v", got)
	}

	all, err := s.ListTimers(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("list: %v %v", all, err)
	}

	if err := s.DeleteTimer(ctx, "drake"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTimer(ctx, "drake"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteTimer(ctx, "drake"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete err = %v", err)
	}
}

func TestSetLastReset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PutTimer(ctx, Timer{Name: "drake", Kind: KindInterval, Credit: 1, IntervalHours: 3}); err != nil {
		t.Fatalf("put: %v", err)
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SetLastReset(ctx, "drake", at); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _ := s.GetTimer(ctx, "drake")
	if !got.LastResetAt.Equal(at) {
		t.Fatalf("anchor = %v", got.LastResetAt)
	}
	if err := s.SetLastReset(ctx, "nope", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "maintenance_mode"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.PutSetting(ctx, "maintenance_mode", "true"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutSetting(ctx, "maintenance_mode", "false"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, err := s.GetSetting(ctx, "maintenance_mode")
	if err != nil || v != "false" {
		t.Fatalf("get = %q %v", v, err)
	}
}

func TestParticipationUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := Participation{UserID: 7, TimerName: "drake", OccurrenceMS: 1000, Credit: 10}
	if err := s.AddParticipation(ctx, p); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddParticipation(ctx, p); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	// Same user, different occurrence.
	p.OccurrenceMS = 2000
	if err := s.AddParticipation(ctx, p); err != nil {
		t.Fatalf("second occurrence: %v", err)
	}

	has, err := s.HasParticipation(ctx, 7, "drake", 1000)
	if err != nil || !has {
		t.Fatalf("has = %v %v", has, err)
	}
	total, err := s.SumCredit(ctx, 7)
	if err != nil || total != 20 {
		t.Fatalf("total = %d %v", total, err)
	}
}

func TestRanking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMember(ctx, Member{UserID: 1, DisplayName: "alice"}); err != nil {
		t.Fatalf("member: %v", err)
	}
	adds := []Participation{
		{UserID: 1, TimerName: "a", OccurrenceMS: 1, Credit: 10},
		{UserID: 1, TimerName: "a", OccurrenceMS: 2, Credit: 10},
		{UserID: 2, TimerName: "a", OccurrenceMS: 1, Credit: 30},
	}
	for _, p := range adds {
		if err := s.AddParticipation(ctx, p); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	rank, err := s.Ranking(ctx, 10)
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}
	if len(rank) != 2 {
		t.Fatalf("got %d entries", len(rank))
	}
	if rank[0].UserID != 2 || rank[0].Total != 30 {
		t.Fatalf("rank[0] = %+v", rank[0])
	}
	if rank[1].UserID != 1 || rank[1].Total != 20 || rank[1].Claims != 2 || rank[1].DisplayName != "alice" {
		t.Fatalf("rank[1] = %+v", rank[1])
	}
}

func TestMemberUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMember(ctx, Member{UserID: 1, DisplayName: "alice"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.UpsertMember(ctx, Member{UserID: 1, DisplayName: "alice2"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	m, err := s.GetMember(ctx, 1)
	if err != nil || m.DisplayName != "alice2" {
		t.Fatalf("member = %+v %v", m, err)
	}
	if _, err := s.GetMember(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
