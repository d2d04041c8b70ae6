// Package schedule is the backend the availability client talks to: a store
// of which city is scheduled on which date, its REST endpoints, and the live
// channel hub that pushes status changes to subscribers.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrInvalidSlot = errors.New("schedule: invalid city or date")

// Store records the scheduled city/date pairs.
type Store interface {
	IsScheduled(ctx context.Context, city, date string) (bool, error)
	ScheduledCities(ctx context.Context, date string) ([]string, error)
	SetScheduled(ctx context.Context, city, date string, scheduled bool) error
}

// ParseDate validates a YYYY-MM-DD date.
func ParseDate(date string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, strings.TrimSpace(date))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidSlot, date)
	}
	return d, nil
}

func checkSlot(city, date string) (string, time.Time, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", time.Time{}, fmt.Errorf("%w: city required", ErrInvalidSlot)
	}
	d, err := ParseDate(date)
	return city, d, err
}

// MemoryStore keeps schedules in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	dates map[string]map[string]struct{} // date -> cities
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{dates: make(map[string]map[string]struct{})}
}

func (m *MemoryStore) IsScheduled(ctx context.Context, city, date string) (bool, error) {
	city, d, err := checkSlot(city, date)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.dates[d.Format(time.DateOnly)][city]
	return ok, nil
}

func (m *MemoryStore) ScheduledCities(ctx context.Context, date string) ([]string, error) {
	d, err := ParseDate(date)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	cities := make([]string, 0, len(m.dates[d.Format(time.DateOnly)]))
	for c := range m.dates[d.Format(time.DateOnly)] {
		cities = append(cities, c)
	}
	sort.Strings(cities)
	return cities, nil
}

func (m *MemoryStore) SetScheduled(ctx context.Context, city, date string, scheduled bool) error {
	city, d, err := checkSlot(city, date)
	if err != nil {
		return err
	}
	key := d.Format(time.DateOnly)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !scheduled {
		delete(m.dates[key], city)
		return nil
	}
	if m.dates[key] == nil {
		m.dates[key] = make(map[string]struct{})
	}
	m.dates[key][city] = struct{}{}
	return nil
}

// DB is the subset of *pgxpool.Pool the Postgres store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schema = `CREATE TABLE IF NOT EXISTS city_schedules (
	city       text NOT NULL,
	date       date NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (city, date)
)`

// PGStore keeps schedules in the city_schedules table.
type PGStore struct {
	db DB
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

// Migrate creates the table if it does not exist yet.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate city_schedules: %w", err)
	}
	return nil
}

func (s *PGStore) IsScheduled(ctx context.Context, city, date string) (bool, error) {
	city, d, err := checkSlot(city, date)
	if err != nil {
		return false, err
	}
	var ok bool
	err = s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM city_schedules WHERE city = $1 AND date = $2)`,
		city, d).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query schedule %s %s: %w", city, date, err)
	}
	return ok, nil
}

func (s *PGStore) ScheduledCities(ctx context.Context, date string) ([]string, error) {
	d, err := ParseDate(date)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `SELECT city FROM city_schedules WHERE date = $1 ORDER BY city`, d)
	if err != nil {
		return nil, fmt.Errorf("list schedules %s: %w", date, err)
	}
	cities, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan schedules %s: %w", date, err)
	}
	return cities, nil
}

func (s *PGStore) SetScheduled(ctx context.Context, city, date string, scheduled bool) error {
	city, d, err := checkSlot(city, date)
	if err != nil {
		return err
	}
	if scheduled {
		_, err = s.db.Exec(ctx,
			`INSERT INTO city_schedules (city, date) VALUES ($1, $2) ON CONFLICT (city, date) DO NOTHING`,
			city, d)
	} else {
		_, err = s.db.Exec(ctx, `DELETE FROM city_schedules WHERE city = $1 AND date = $2`, city, d)
	}
	if err != nil {
		return fmt.Errorf("set schedule %s %s: %w", city, date, err)
	}
	return nil
}
