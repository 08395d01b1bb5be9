// Package audit validates staged data before it can be published. The grain
// audit always runs: the declared primary keys must be unique in the stage
// table. Data audits run when a table declares an audit query; each selected
// column is a named boolean audit that fails on zero.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/rat-data/apiloader/internal/dbretry"
	"github.com/rat-data/apiloader/internal/domain"
)

// DB is the database slice the auditor needs; *pgxpool.Pool satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// GrainError reports a stage table whose primary keys are not unique.
type GrainError struct {
	Table string
}

func (e *GrainError) Error() string {
	return fmt.Sprintf("grain of %s is not unique", e.Table)
}

// FailedError reports the named audits that returned zero for a table.
type FailedError struct {
	Table  string
	Audits []string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("audits failed for table %s: %s", e.Table, strings.Join(e.Audits, ", "))
}

// Auditor runs grain and data audits against an endpoint's stage tables.
type Auditor struct {
	db     DB
	tables []*domain.TableConfig
}

// New selects the auditor for the configured driver.
func New(driver string, db DB, ep *domain.APIEndpointConfig) (*Auditor, error) {
	switch driver {
	case "postgresql":
		return &Auditor{db: db, tables: ep.Tables}, nil
	default:
		return nil, fmt.Errorf("unsupported auditor driver: %q", driver)
	}
}

// AuditGrain checks primary-key uniqueness on every stage table.
func (a *Auditor) AuditGrain(ctx context.Context) error {
	for _, tc := range a.tables {
		if err := a.auditGrain(ctx, tc.Model); err != nil {
			return err
		}
	}
	return nil
}

// GrainSQL builds the uniqueness check for a set of primary keys, with
// {table} left for substitution.
func GrainSQL(primaryKeys []string) string {
	expr := primaryKeys[0]
	if len(primaryKeys) > 1 {
		expr = "(" + strings.Join(primaryKeys, ", ") + ")"
	}
	return fmt.Sprintf("SELECT CASE WHEN COUNT(DISTINCT %s) = COUNT(*) THEN 1 ELSE 0 END AS grain_unique FROM {table}", expr)
}

func (a *Auditor) auditGrain(ctx context.Context, model *domain.DataModel) error {
	table := model.StageTableName()
	sql := strings.ReplaceAll(GrainSQL(model.PrimaryKeys()), "{table}", table)

	var unique int64
	err := dbretry.Do(ctx, "grain audit "+table, func() error {
		rows, err := a.db.Query(ctx, sql)
		if err != nil {
			return err
		}
		defer rows.Close()
		if !rows.Next() {
			return fmt.Errorf("grain audit returned no rows")
		}
		if err := rows.Scan(&unique); err != nil {
			return err
		}
		return rows.Err()
	})
	if err != nil {
		return fmt.Errorf("grain audit %s: %w", table, err)
	}
	if unique == 0 {
		slog.Error("grain is not unique", "table", table)
		return &GrainError{Table: table}
	}
	return nil
}

// AuditData runs each table's declared audit query and fails on any zero
// column. All failures for a table are reported together.
func (a *Auditor) AuditData(ctx context.Context) error {
	for _, tc := range a.tables {
		if tc.AuditQuery == "" {
			continue
		}
		if err := a.auditData(ctx, tc.Model, tc.AuditQuery); err != nil {
			return err
		}
	}
	return nil
}

func (a *Auditor) auditData(ctx context.Context, model *domain.DataModel, auditQuery string) error {
	table := model.StageTableName()
	sql := strings.ReplaceAll(auditQuery, "{table}", table)

	var names []string
	var values []any
	err := dbretry.Do(ctx, "data audit "+table, func() error {
		rows, err := a.db.Query(ctx, sql)
		if err != nil {
			return err
		}
		defer rows.Close()
		if !rows.Next() {
			return fmt.Errorf("audit query returned no rows")
		}
		names = names[:0]
		for _, fd := range rows.FieldDescriptions() {
			names = append(names, string(fd.Name))
		}
		values, err = rows.Values()
		if err != nil {
			return err
		}
		return rows.Err()
	})
	if err != nil {
		return fmt.Errorf("data audit %s: %w", table, err)
	}

	var failed []string
	for i, name := range names {
		if isZero(values[i]) {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		slog.Error("audits failed", "table", table, "audits", strings.Join(failed, ", "))
		return &FailedError{Table: table, Audits: failed}
	}
	return nil
}

// isZero reports whether an audit column value means failure.
func isZero(v any) bool {
	switch n := v.(type) {
	case int64:
		return n == 0
	case int32:
		return n == 0
	case int16:
		return n == 0
	case int:
		return n == 0
	case float64:
		return n == 0
	case bool:
		return !n
	default:
		return false
	}
}
