// Package watermark persists the per-endpoint resume cursor in two phases:
// strategies record a best-effort attempted value during the run, and the
// runner promotes it to the committed value only after a successful
// publish. A failed run therefore never advances the committed cursor.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rat-data/apiloader/internal/dbretry"
)

// DB is the database slice the store needs; *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads and writes the api_watermark table.
type Store struct {
	db DB
}

// NewStore creates a Store backed by the given database.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Get returns the committed watermark for an endpoint, or ok=false when the
// endpoint has never committed one.
func (s *Store) Get(ctx context.Context, source, endpoint string) (string, bool, error) {
	var value *string
	err := dbretry.Do(ctx, "get watermark", func() error {
		row := s.db.QueryRow(ctx,
			`SELECT watermark_value FROM api_watermark WHERE source_name = $1 AND endpoint_name = $2`,
			source, endpoint,
		)
		return row.Scan(&value)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		slog.Debug("no watermark found", "source", source, "endpoint", endpoint)
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get watermark %s/%s: %w", source, endpoint, err)
	}
	if value == nil {
		return "", false, nil
	}
	return *value, true, nil
}

// SetAttempted records the best-effort cursor reached during a run.
func (s *Store) SetAttempted(ctx context.Context, source, endpoint, value string) error {
	err := dbretry.Do(ctx, "set attempted watermark", func() error {
		_, err := s.db.Exec(ctx,
			`INSERT INTO api_watermark (source_name, endpoint_name, watermark_attempted, etl_created_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (source_name, endpoint_name)
			 DO UPDATE SET watermark_attempted = EXCLUDED.watermark_attempted, etl_updated_at = $4`,
			source, endpoint, value, time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("set attempted watermark %s/%s: %w", source, endpoint, err)
	}
	slog.Info("set attempted watermark", "source", source, "endpoint", endpoint, "value", value)
	return nil
}

// Commit promotes the attempted value to the committed one. This is the
// commit point of an incremental run; call it only after publish succeeds.
func (s *Store) Commit(ctx context.Context, source, endpoint string) error {
	var committed int64
	err := dbretry.Do(ctx, "commit watermark", func() error {
		tag, err := s.db.Exec(ctx,
			`UPDATE api_watermark
			 SET watermark_value = watermark_attempted, etl_updated_at = $3
			 WHERE source_name = $1 AND endpoint_name = $2 AND watermark_attempted IS NOT NULL`,
			source, endpoint, time.Now().UTC(),
		)
		if err != nil {
			return err
		}
		committed = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit watermark %s/%s: %w", source, endpoint, err)
	}
	if committed > 0 {
		slog.Info("committed watermark", "source", source, "endpoint", endpoint)
	}
	return nil
}

// Row is one api_watermark entry, as listed by the ops API.
type Row struct {
	SourceName         string     `json:"source_name"`
	EndpointName       string     `json:"endpoint_name"`
	WatermarkValue     *string    `json:"watermark_value"`
	WatermarkAttempted *string    `json:"watermark_attempted"`
	CreatedAt          time.Time  `json:"etl_created_at"`
	UpdatedAt          *time.Time `json:"etl_updated_at"`
}

// List returns all watermark rows, ordered by source and endpoint.
func (s *Store) List(ctx context.Context) ([]Row, error) {
	rows, err := s.db.Query(ctx,
		`SELECT source_name, endpoint_name, watermark_value, watermark_attempted, etl_created_at, etl_updated_at
		 FROM api_watermark ORDER BY source_name, endpoint_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	defer rows.Close()

	result := []Row{}
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.SourceName, &r.EndpointName, &r.WatermarkValue, &r.WatermarkAttempted, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan watermark row: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watermark rows: %w", err)
	}
	return result, nil
}
