// Package reaper cleans up stage tables orphaned by crashed runs. A run
// that dies between staging and publish leaves its stage_* tables behind;
// in serve mode the reaper drops them periodically, but only while no
// processing is active.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the database slice the reaper needs; *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Reaper periodically drops leftover stage tables.
type Reaper struct {
	db       DB
	idle     func() bool
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Reaper. idle must report whether the process is currently
// running any pipeline; the reaper never drops tables mid-run.
func New(db DB, idle func() bool, interval time.Duration) *Reaper {
	return &Reaper{db: db, idle: idle, interval: interval}
}

// Start begins the background reaper goroutine.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !r.idle() {
					continue
				}
				if err := r.Reap(ctx); err != nil {
					slog.Error("stage table reap failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// Reap drops every stage_* table in the current schema.
func (r *Reaper) Reap(ctx context.Context) error {
	rows, err := r.db.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = current_schema() AND table_name LIKE 'stage\_%'`)
	if err != nil {
		return fmt.Errorf("list stage tables: %w", err)
	}

	var orphans []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scan stage table name: %w", err)
		}
		orphans = append(orphans, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate stage tables: %w", err)
	}

	for _, name := range orphans {
		if _, err := r.db.Exec(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
			return fmt.Errorf("drop orphaned stage table %s: %w", name, err)
		}
		slog.Info("dropped orphaned stage table", "table", name)
	}
	return nil
}
