// Package tables manages the DDL lifecycle: target tables (created once,
// evolved additively), stage tables (dropped and recreated every run), and
// the watermark table.
package tables

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rat-data/apiloader/internal/dbretry"
	"github.com/rat-data/apiloader/internal/domain"
)

// DB is the database slice the manager needs; *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// etlColumns are bookkeeping columns excluded from schema-evolution diffs.
var etlColumns = map[string]bool{
	domain.RowHashColumn:   true,
	domain.CreatedAtColumn: true,
	domain.UpdatedAtColumn: true,
}

// Manager creates and evolves the pipeline's tables for one driver.
type Manager struct {
	db       DB
	driver   string
	devReset bool
}

// New selects the manager for the configured driver. devReset drops target
// tables before creating them (the dev profile's full reset).
func New(driver string, db DB, devReset bool) (*Manager, error) {
	switch driver {
	case "postgresql":
		return &Manager{db: db, driver: driver, devReset: devReset}, nil
	default:
		return nil, fmt.Errorf("unsupported table manager driver: %q", driver)
	}
}

// ColumnType maps a field type to its SQL type.
func ColumnType(f *domain.FieldSpec) string {
	switch f.Type {
	case domain.FieldString:
		if f.MaxLength > 0 {
			return fmt.Sprintf("VARCHAR(%d)", f.MaxLength)
		}
		return "TEXT"
	case domain.FieldInt:
		return "BIGINT"
	case domain.FieldFloat:
		return "DOUBLE PRECISION"
	case domain.FieldBool:
		return "BOOLEAN"
	case domain.FieldTimestamp:
		return "TIMESTAMPTZ"
	}
	return "TEXT"
}

func columnDef(f *domain.FieldSpec) string {
	def := f.Name + " " + ColumnType(f)
	if !f.Nullable {
		def += " NOT NULL"
	}
	return def
}

// TargetDDL renders the CREATE TABLE for a model's target table.
func TargetDDL(model *domain.DataModel) string {
	defs := make([]string, 0, len(model.Fields)+4)
	for _, f := range model.Fields {
		defs = append(defs, columnDef(f))
	}
	defs = append(defs,
		domain.RowHashColumn+" BYTEA NOT NULL",
		domain.CreatedAtColumn+" TIMESTAMPTZ NOT NULL",
		domain.UpdatedAtColumn+" TIMESTAMPTZ NULL",
		"PRIMARY KEY ("+strings.Join(model.PrimaryKeys(), ", ")+")",
	)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
		model.TargetTableName(), strings.Join(defs, ",\n    "))
}

// StageDDL renders the CREATE TABLE for a model's stage table: the target
// columns plus the row hash, no primary key, no bookkeeping columns.
func StageDDL(model *domain.DataModel) string {
	defs := make([]string, 0, len(model.Fields)+1)
	for _, f := range model.Fields {
		defs = append(defs, columnDef(f))
	}
	defs = append(defs, domain.RowHashColumn+" BYTEA NOT NULL")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
		model.StageTableName(), strings.Join(defs, ",\n    "))
}

// CreateProductionTables ensures each target table exists, then evolves its
// schema additively. In dev mode the tables are dropped first.
func (m *Manager) CreateProductionTables(ctx context.Context, ep *domain.APIEndpointConfig) error {
	for _, tc := range ep.Tables {
		model := tc.Model
		if m.devReset {
			if err := m.exec(ctx, "drop target", "DROP TABLE IF EXISTS "+model.TargetTableName()); err != nil {
				return err
			}
		}
		if err := m.exec(ctx, "create target", TargetDDL(model)); err != nil {
			return err
		}
		if !m.devReset {
			if err := m.EvolveTableSchema(ctx, model); err != nil {
				return err
			}
		}
	}
	return nil
}

// CreateStageTables drops and recreates each stage table.
func (m *Manager) CreateStageTables(ctx context.Context, ep *domain.APIEndpointConfig) error {
	slog.Info("creating stage tables", "count", len(ep.Tables))
	for _, tc := range ep.Tables {
		if err := m.exec(ctx, "drop stage", "DROP TABLE IF EXISTS "+tc.Model.StageTableName()); err != nil {
			return err
		}
		if err := m.exec(ctx, "create stage", StageDDL(tc.Model)); err != nil {
			return err
		}
	}
	return nil
}

// DropStageTables removes the endpoint's stage tables after a successful
// run.
func (m *Manager) DropStageTables(ctx context.Context, ep *domain.APIEndpointConfig) error {
	slog.Info("dropping stage tables", "count", len(ep.Tables))
	for _, tc := range ep.Tables {
		if err := m.exec(ctx, "drop stage", "DROP TABLE IF EXISTS "+tc.Model.StageTableName()); err != nil {
			return err
		}
	}
	return nil
}

// CreateWatermarkTable ensures the api_watermark table exists. Idempotent.
func (m *Manager) CreateWatermarkTable(ctx context.Context) error {
	return m.exec(ctx, "create watermark table", `CREATE TABLE IF NOT EXISTS api_watermark (
    source_name VARCHAR(255) NOT NULL,
    endpoint_name VARCHAR(255) NOT NULL,
    watermark_value VARCHAR(255) NULL,
    watermark_attempted VARCHAR(255) NULL,
    etl_created_at TIMESTAMPTZ NOT NULL,
    etl_updated_at TIMESTAMPTZ NULL,
    PRIMARY KEY (source_name, endpoint_name)
)`)
}

// EvolveTableSchema adds any model columns missing from the target table.
// Columns are never dropped.
func (m *Manager) EvolveTableSchema(ctx context.Context, model *domain.DataModel) error {
	table := model.TargetTableName()

	existing := make(map[string]bool)
	err := dbretry.Do(ctx, "inspect "+table, func() error {
		rows, err := m.db.Query(ctx,
			`SELECT column_name FROM information_schema.columns WHERE table_name = $1`, table)
		if err != nil {
			return err
		}
		defer rows.Close()
		clear(existing)
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			if !etlColumns[name] {
				existing[name] = true
			}
		}
		return rows.Err()
	})
	if err != nil {
		return fmt.Errorf("inspect columns of %s: %w", table, err)
	}

	var missing []*domain.FieldSpec
	for _, f := range model.Fields {
		if !existing[f.Name] {
			missing = append(missing, f)
		}
	}
	if len(missing) == 0 {
		slog.Debug("no schema evolution needed", "table", table)
		return nil
	}

	names := make([]string, len(missing))
	for i, f := range missing {
		names[i] = f.Name
	}
	slog.Info("evolving table schema", "table", table, "columns", strings.Join(names, ", "))

	for _, f := range missing {
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, columnDef(f))
		if err := m.exec(ctx, "alter "+table, alter); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) exec(ctx context.Context, op, sql string) error {
	err := dbretry.Do(ctx, op, func() error {
		_, err := m.db.Exec(ctx, sql)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
