package watermark

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

type fakeRow struct {
	value *string
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(**string)) = r.value
	return nil
}

type fakeDB struct {
	row   fakeRow
	execs []execCall
	tag   pgconn.CommandTag
}

func (db *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return db.row
}

func (db *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, execCall{sql: sql, args: args})
	return db.tag, nil
}

func TestGetReturnsCommittedValue(t *testing.T) {
	value := "item_12"
	store := NewStore(&fakeDB{row: fakeRow{value: &value}})

	got, ok, err := store.Get(context.Background(), "stripe", "charges")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "item_12", got)
}

func TestGetMissingRow(t *testing.T) {
	store := NewStore(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}})

	_, ok, err := store.Get(context.Background(), "stripe", "charges")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetNullValue(t *testing.T) {
	// attempted was written but never committed: no resume point yet.
	store := NewStore(&fakeDB{row: fakeRow{value: nil}})

	_, ok, err := store.Get(context.Background(), "stripe", "charges")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetAttemptedUpserts(t *testing.T) {
	db := &fakeDB{}
	store := NewStore(db)

	require.NoError(t, store.SetAttempted(context.Background(), "stripe", "charges", "item_12"))
	require.Len(t, db.execs, 1)
	call := db.execs[0]
	assert.Contains(t, call.sql, "INSERT INTO api_watermark")
	assert.Contains(t, call.sql, "ON CONFLICT (source_name, endpoint_name)")
	assert.Contains(t, call.sql, "watermark_attempted = EXCLUDED.watermark_attempted")
	assert.Equal(t, "stripe", call.args[0])
	assert.Equal(t, "charges", call.args[1])
	assert.Equal(t, "item_12", call.args[2])
	assert.IsType(t, time.Time{}, call.args[3])
}

// Commit promotes attempted to committed, and only when an attempted value
// exists — the guard that makes the two-phase design safe.
func TestCommitPromotesAttempted(t *testing.T) {
	db := &fakeDB{tag: pgconn.NewCommandTag("UPDATE 1")}
	store := NewStore(db)

	require.NoError(t, store.Commit(context.Background(), "stripe", "charges"))
	require.Len(t, db.execs, 1)
	call := db.execs[0]
	assert.Contains(t, call.sql, "SET watermark_value = watermark_attempted")
	assert.Contains(t, call.sql, "watermark_attempted IS NOT NULL")
}

func TestCommitNoAttemptedIsNoop(t *testing.T) {
	db := &fakeDB{tag: pgconn.NewCommandTag("UPDATE 0")}
	store := NewStore(db)
	require.NoError(t, store.Commit(context.Background(), "stripe", "charges"))
}
