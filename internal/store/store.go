// Package store keeps the history of reschedule attempts.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/example/visa-rescheduler/internal/db"
	"github.com/example/visa-rescheduler/internal/migrate"
)

const (
	dateLayout = "2006-01-02"
	// fixed width so stored timestamps sort as text
	timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Attempt is one call to the portal's reschedule flow.
type Attempt struct {
	ID           int64
	RunID        string
	Location     string
	Date         time.Time
	PreviousDate time.Time
	Success      bool
	CreatedAt    time.Time
}

type Store interface {
	RecordAttempt(ctx context.Context, a Attempt) error
	// ListAttempts returns the newest attempts first.
	ListAttempts(ctx context.Context, limit int) ([]Attempt, error)
	Close() error
}

// Open connects to url and migrates it. An empty url keeps no history.
func Open(ctx context.Context, url string) (Store, error) {
	if url == "" {
		return Noop{}, nil
	}
	d, err := db.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}
	if err := migrate.Up(ctx, d); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return NewRepo(d), nil
}

type Noop struct{}

func (Noop) RecordAttempt(context.Context, Attempt) error { return nil }

func (Noop) ListAttempts(context.Context, int) ([]Attempt, error) { return nil, nil }

func (Noop) Close() error { return nil }

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

func (r *Repo) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	err := r.db.Exec(ctx, `
INSERT INTO reschedule_attempts(run_id, location, date, previous_date, success, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`,
		a.RunID, a.Location, a.Date.Format(dateLayout), a.PreviousDate.Format(dateLayout), a.Success,
		a.CreatedAt.UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (r *Repo) ListAttempts(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
SELECT id, run_id, location, date, previous_date, success, created_at
FROM reschedule_attempts
ORDER BY created_at DESC, id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var date, previous, created string
		if err := rows.Scan(&a.ID, &a.RunID, &a.Location, &date, &previous, &a.Success, &created); err != nil {
			return nil, err
		}
		if a.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("attempt %d date: %w", a.ID, err)
		}
		if a.PreviousDate, err = time.Parse(dateLayout, previous); err != nil {
			return nil, fmt.Errorf("attempt %d previous date: %w", a.ID, err)
		}
		if a.CreatedAt, err = time.Parse(timestampLayout, created); err != nil {
			return nil, fmt.Errorf("attempt %d created_at: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repo) Close() error { return r.db.Close() }
