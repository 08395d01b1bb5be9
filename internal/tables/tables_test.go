package tables

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rat-data/apiloader/internal/domain"
)

type fakeRows struct {
	pgx.Rows
	data [][]any
	pos  int
}

func (r *fakeRows) Next() bool { r.pos++; return r.pos <= len(r.data) }
func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.data[r.pos-1][0].(string)
	return nil
}
func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

type fakeDB struct {
	execs   []string
	columns [][]any
}

func (db *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (db *fakeDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	return &fakeRows{data: db.columns}, nil
}

func chargesModel(t *testing.T) *domain.DataModel {
	t.Helper()
	m := &domain.DataModel{Name: "StripeCharges", Fields: []*domain.FieldSpec{
		{Name: "id", Type: domain.FieldString, Alias: "root.id", PrimaryKey: true},
		{Name: "amount", Type: domain.FieldInt, Alias: "root.amount"},
		{Name: "currency", Type: domain.FieldString, Alias: "root.currency", MaxLength: 3},
		{Name: "customer", Type: domain.FieldString, Alias: "root.customer", Nullable: true},
		{Name: "paid", Type: domain.FieldBool, Alias: "root.paid"},
		{Name: "created_at", Type: domain.FieldTimestamp, Alias: "root.created_at"},
		{Name: "amount_ratio", Type: domain.FieldFloat, Alias: "root.amount_ratio"},
	}}
	require.NoError(t, m.Validate())
	return m
}

func TestColumnType(t *testing.T) {
	tests := []struct {
		spec *domain.FieldSpec
		want string
	}{
		{&domain.FieldSpec{Type: domain.FieldString}, "TEXT"},
		{&domain.FieldSpec{Type: domain.FieldString, MaxLength: 10}, "VARCHAR(10)"},
		{&domain.FieldSpec{Type: domain.FieldInt}, "BIGINT"},
		{&domain.FieldSpec{Type: domain.FieldFloat}, "DOUBLE PRECISION"},
		{&domain.FieldSpec{Type: domain.FieldBool}, "BOOLEAN"},
		{&domain.FieldSpec{Type: domain.FieldTimestamp}, "TIMESTAMPTZ"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ColumnType(tt.spec))
	}
}

func TestTargetDDL(t *testing.T) {
	ddl := TargetDDL(chargesModel(t))
	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS stripe_charges")
	assert.Contains(t, ddl, "id TEXT NOT NULL")
	assert.Contains(t, ddl, "currency VARCHAR(3) NOT NULL")
	assert.Contains(t, ddl, "customer TEXT,")
	assert.Contains(t, ddl, "etl_row_hash BYTEA NOT NULL")
	assert.Contains(t, ddl, "etl_created_at TIMESTAMPTZ NOT NULL")
	assert.Contains(t, ddl, "etl_updated_at TIMESTAMPTZ NULL")
	assert.Contains(t, ddl, "PRIMARY KEY (id)")
}

func TestStageDDL(t *testing.T) {
	ddl := StageDDL(chargesModel(t))
	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS stage_stripe_charges")
	assert.Contains(t, ddl, "etl_row_hash BYTEA NOT NULL")
	// Stage tables carry no primary key and no bookkeeping timestamps.
	assert.NotContains(t, ddl, "PRIMARY KEY")
	assert.NotContains(t, ddl, "etl_created_at")
}

func endpoint(t *testing.T) *domain.APIEndpointConfig {
	return &domain.APIEndpointConfig{Tables: []*domain.TableConfig{{Model: chargesModel(t)}}}
}

func TestCreateStageTablesDropsFirst(t *testing.T) {
	db := &fakeDB{}
	m, err := New("postgresql", db, false)
	require.NoError(t, err)

	require.NoError(t, m.CreateStageTables(context.Background(), endpoint(t)))
	require.Len(t, db.execs, 2)
	assert.Equal(t, "DROP TABLE IF EXISTS stage_stripe_charges", db.execs[0])
	assert.Contains(t, db.execs[1], "CREATE TABLE IF NOT EXISTS stage_stripe_charges")
}

func TestCreateProductionTablesDevReset(t *testing.T) {
	db := &fakeDB{}
	m, err := New("postgresql", db, true)
	require.NoError(t, err)

	require.NoError(t, m.CreateProductionTables(context.Background(), endpoint(t)))
	require.Len(t, db.execs, 2)
	assert.Equal(t, "DROP TABLE IF EXISTS stripe_charges", db.execs[0])
	assert.Contains(t, db.execs[1], "CREATE TABLE IF NOT EXISTS stripe_charges")
}

func TestEvolveAddsMissingColumns(t *testing.T) {
	db := &fakeDB{columns: [][]any{
		{"id"}, {"amount"}, {"currency"}, {"paid"}, {"created_at"}, {"amount_ratio"},
		{"etl_row_hash"}, {"etl_created_at"}, {"etl_updated_at"},
	}}
	m, err := New("postgresql", db, false)
	require.NoError(t, err)

	require.NoError(t, m.EvolveTableSchema(context.Background(), chargesModel(t)))
	require.Len(t, db.execs, 1)
	assert.Equal(t, "ALTER TABLE stripe_charges ADD COLUMN customer TEXT", db.execs[0])
}

func TestEvolveNoopWhenUpToDate(t *testing.T) {
	db := &fakeDB{columns: [][]any{
		{"id"}, {"amount"}, {"currency"}, {"customer"}, {"paid"}, {"created_at"}, {"amount_ratio"},
	}}
	m, err := New("postgresql", db, false)
	require.NoError(t, err)

	require.NoError(t, m.EvolveTableSchema(context.Background(), chargesModel(t)))
	assert.Empty(t, db.execs)
}

func TestCreateWatermarkTable(t *testing.T) {
	db := &fakeDB{}
	m, err := New("postgresql", db, false)
	require.NoError(t, err)

	require.NoError(t, m.CreateWatermarkTable(context.Background()))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], "CREATE TABLE IF NOT EXISTS api_watermark")
	assert.Contains(t, db.execs[0], "PRIMARY KEY (source_name, endpoint_name)")
}

func TestUnknownDriver(t *testing.T) {
	_, err := New("bigquery", &fakeDB{}, false)
	require.ErrorContains(t, err, "unsupported table manager driver")
}
