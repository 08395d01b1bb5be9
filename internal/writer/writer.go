// Package writer loads parsed table batches into their stage tables.
// Rows are inserted in bounded sub-batches, one transaction each, so a
// failure surfaces without leaving a half-written sub-batch behind.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/rat-data/apiloader/internal/dbretry"
	"github.com/rat-data/apiloader/internal/domain"
)

// DB is the transactional slice the writer needs; *pgxpool.Pool satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Writer inserts TableBatches into stage tables.
type Writer struct {
	db        DB
	batchSize int

	// columns and insertSQL are cached per model across batches.
	columns   map[string][]string
	insertSQL map[string]string

	// convertRecord adapts a value for the target dialect.
	convertRecord func(field string, value any) any
}

// New selects the writer for the configured driver.
func New(driver string, db DB, batchSize int) (*Writer, error) {
	switch driver {
	case "postgresql":
		return &Writer{
			db:            db,
			batchSize:     batchSize,
			columns:       make(map[string][]string),
			insertSQL:     make(map[string]string),
			convertRecord: convertPostgres,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported writer driver: %q", driver)
	}
}

// convertPostgres passes values through; pgx maps time.Time and []byte
// natively.
func convertPostgres(_ string, value any) any { return value }

// Write inserts every batch's records into its stage table.
func (w *Writer) Write(ctx context.Context, batches []*domain.TableBatch) error {
	w.cacheColumns(batches)
	for _, tb := range batches {
		if err := w.writeBatch(ctx, tb); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) cacheColumns(batches []*domain.TableBatch) {
	for _, tb := range batches {
		if _, ok := w.columns[tb.Model.Name]; ok {
			continue
		}
		columns := append(tb.Model.SortedKeys(), domain.RowHashColumn)
		w.columns[tb.Model.Name] = columns
		w.insertSQL[tb.Model.Name] = insertSQL(tb.Model.StageTableName(), columns)
	}
}

// insertSQL builds the parameterized stage insert for one row.
func insertSQL(table string, columns []string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
}

func (w *Writer) writeBatch(ctx context.Context, tb *domain.TableBatch) error {
	columns := w.columns[tb.Model.Name]
	sql := w.insertSQL[tb.Model.Name]
	table := tb.Model.StageTableName()

	for start := 0; start < len(tb.Records); start += w.batchSize {
		end := start + w.batchSize
		if end > len(tb.Records) {
			end = len(tb.Records)
		}
		chunk := tb.Records[start:end]
		err := dbretry.Do(ctx, "stage insert "+table, func() error {
			return w.insertChunk(ctx, sql, columns, chunk)
		})
		if err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	if len(tb.Records) > 0 {
		slog.Debug("staged records", "table", table, "count", len(tb.Records))
	}
	return nil
}

// insertChunk writes one sub-batch in a single transaction.
func (w *Writer) insertChunk(ctx context.Context, sql string, columns []string, records []domain.Record) error {
	tx, err := w.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin stage tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	queued := &pgx.Batch{}
	for _, record := range records {
		args := make([]any, len(columns))
		for i, col := range columns {
			args[i] = w.convertRecord(col, record[col])
		}
		queued.Queue(sql, args...)
	}

	results := tx.SendBatch(ctx, queued)
	for range records {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("exec stage insert: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close stage batch: %w", err)
	}
	return tx.Commit(ctx)
}
