package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "embed"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrations string

// SQLiteStore is the Store implementation backed by a single sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations. The connection is configured for a single writer with WAL.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage: db path is empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create dir: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func encodeWeekdays(ds []time.Weekday) string {
	if len(ds) == 0 {
		return ""
	}
	parts := make([]string, 0, len(ds))
	for _, d := range ds {
		parts = append(parts, strconv.Itoa(int(d)))
	}
	return strings.Join(parts, ",")
}

func decodeWeekdays(s string) []time.Weekday {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]time.Weekday, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 6 {
			continue
		}
		out = append(out, time.Weekday(n))
	}
	return out
}

func isUniqueViolation(err error) bool {
	// modernc surfaces constraint failures in the error text.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) PutTimer(ctx context.Context, t Timer) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timers (name, kind, credit, visible, interval_hours, last_reset_ms, weekdays, time_of_day, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind           = excluded.kind,
			credit         = excluded.credit,
			visible        = excluded.visible,
			interval_hours = excluded.interval_hours,
			last_reset_ms  = excluded.last_reset_ms,
			weekdays       = excluded.weekdays,
			time_of_day    = excluded.time_of_day,
			updated_at     = excluded.updated_at`,
		t.Name, string(t.Kind), t.Credit, t.Visible, t.IntervalHours, msOf(t.LastResetAt),
		encodeWeekdays(t.Weekdays), t.TimeOfDay, now, now)
	return err
}

func scanTimer(row interface{ Scan(...any) error }) (Timer, error) {
	var (
		t                            Timer
		kind, weekdays               string
		lastMS, createdAt, updatedAt int64
	)
	err := row.Scan(&t.Name, &kind, &t.Credit, &t.Visible, &t.IntervalHours, &lastMS, &weekdays, &t.TimeOfDay, &createdAt, &updatedAt)
	if err != nil {
		return Timer{}, err
	}
	t.Kind = TimerKind(kind)
	t.LastResetAt = timeOf(lastMS)
	t.Weekdays = decodeWeekdays(weekdays)
	t.CreatedAt = timeOf(createdAt)
	t.UpdatedAt = timeOf(updatedAt)
	return t, nil
}

const timerCols = `name, kind, credit, visible, interval_hours, last_reset_ms, weekdays, time_of_day, created_at, updated_at`

func (s *SQLiteStore) GetTimer(ctx context.Context, name string) (Timer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+timerCols+` FROM timers WHERE name = ?`, name)
	t, err := scanTimer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Timer{}, ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) DeleteTimer(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListTimers(ctx context.Context) ([]Timer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+timerCols+` FROM timers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetLastReset(ctx context.Context, name string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE timers SET last_reset_ms = ?, updated_at = ? WHERE name = ?`,
		msOf(at), time.Now().UnixMilli(), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *SQLiteStore) UpsertMember(ctx context.Context, m Member) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (user_id, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			updated_at   = excluded.updated_at`,
		m.UserID, m.DisplayName, now, now)
	return err
}

func (s *SQLiteStore) GetMember(ctx context.Context, userID int64) (Member, error) {
	var (
		m                    Member
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, created_at, updated_at FROM members WHERE user_id = ?`, userID).
		Scan(&m.UserID, &m.DisplayName, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Member{}, ErrNotFound
	}
	if err != nil {
		return Member{}, err
	}
	m.CreatedAt = timeOf(createdAt)
	m.UpdatedAt = timeOf(updatedAt)
	return m, nil
}

func (s *SQLiteStore) AddParticipation(ctx context.Context, p Participation) error {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participation (user_id, timer_name, occurrence_ms, credit, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.UserID, p.TimerName, p.OccurrenceMS, p.Credit, created.UnixMilli())
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLiteStore) HasParticipation(ctx context.Context, userID int64, timerName string, occurrenceMS int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM participation
		WHERE user_id = ? AND timer_name = ? AND occurrence_ms = ?`,
		userID, timerName, occurrenceMS).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) ListParticipants(ctx context.Context, timerName string, occurrenceMS int64) ([]Participation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, timer_name, occurrence_ms, credit, created_at
		FROM participation
		WHERE timer_name = ? AND occurrence_ms = ?
		ORDER BY created_at`, timerName, occurrenceMS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Participation
	for rows.Next() {
		var (
			p         Participation
			createdAt int64
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.TimerName, &p.OccurrenceMS, &p.Credit, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = timeOf(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SumCredit(ctx context.Context, userID int64) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(credit), 0) FROM participation WHERE user_id = ?`, userID).Scan(&total)
	return total, err
}

func (s *SQLiteStore) Ranking(ctx context.Context, limit int) ([]RankEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.user_id, COALESCE(m.display_name, ''), SUM(p.credit), COUNT(1)
		FROM participation p
		LEFT JOIN members m ON m.user_id = p.user_id
		GROUP BY p.user_id
		ORDER BY SUM(p.credit) DESC, COUNT(1) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RankEntry
	for rows.Next() {
		var e RankEntry
		if err := rows.Scan(&e.UserID, &e.DisplayName, &e.Total, &e.Claims); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
