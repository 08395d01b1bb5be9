// Package publish merges audited stage tables into their targets. Change
// detection is purely hash-based: a matched row updates only when its
// etl_row_hash differs, so unchanged rows never touch etl_updated_at.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/lo"

	"github.com/rat-data/apiloader/internal/dbretry"
	"github.com/rat-data/apiloader/internal/domain"
)

// DB is the database slice the publisher needs; *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// mergeVars caches the SQL fragments derived from one model.
type mergeVars struct {
	stageTable    string
	targetTable   string
	insertColumns string
	insertValues  string
	updateSet     string
	joinCondition string
}

// Publisher executes the stage → target MERGE for each table of an
// endpoint.
type Publisher struct {
	db     DB
	tables []*domain.TableConfig
	cache  map[string]*mergeVars

	now func() time.Time
}

// New selects the publisher for the configured driver.
func New(driver string, db DB, ep *domain.APIEndpointConfig) (*Publisher, error) {
	switch driver {
	case "postgresql":
		return &Publisher{
			db:     db,
			tables: ep.Tables,
			cache:  make(map[string]*mergeVars),
			now:    time.Now,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported publisher driver: %q", driver)
	}
}

// Publish merges every table of the endpoint.
func (p *Publisher) Publish(ctx context.Context) error {
	for _, tc := range p.tables {
		if err := p.publish(ctx, tc.Model); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) vars(model *domain.DataModel) *mergeVars {
	if cached, ok := p.cache[model.Name]; ok {
		return cached
	}

	primaryKeys := model.PrimaryKeys()
	columns := append(model.SortedKeys(), domain.RowHashColumn)

	insertColumns := append(append([]string{}, columns...), domain.CreatedAtColumn)
	insertValues := append(
		lo.Map(columns, func(col string, _ int) string { return "stage." + col }),
		"$1",
	)
	updateColumns := lo.Filter(columns, func(col string, _ int) bool {
		return !lo.Contains(primaryKeys, col)
	})
	updateSet := append(
		lo.Map(updateColumns, func(col string, _ int) string { return col + " = stage." + col }),
		domain.UpdatedAtColumn+" = $1",
	)
	joinCondition := lo.Map(primaryKeys, func(pk string, _ int) string {
		return "stage." + pk + " = target." + pk
	})

	v := &mergeVars{
		stageTable:    model.StageTableName(),
		targetTable:   model.TargetTableName(),
		insertColumns: strings.Join(insertColumns, ", "),
		insertValues:  strings.Join(insertValues, ", "),
		updateSet:     strings.Join(updateSet, ", "),
		joinCondition: strings.Join(joinCondition, " AND "),
	}
	p.cache[model.Name] = v
	return v
}

// MergeSQL renders the hash-gated upsert for a model.
func (p *Publisher) MergeSQL(model *domain.DataModel) string {
	v := p.vars(model)
	return fmt.Sprintf(`MERGE INTO %s AS target
USING %s AS stage
ON %s
WHEN MATCHED AND stage.%s != target.%s THEN
    UPDATE SET %s
WHEN NOT MATCHED THEN
    INSERT (%s)
    VALUES (%s)`,
		v.targetTable, v.stageTable, v.joinCondition,
		domain.RowHashColumn, domain.RowHashColumn,
		v.updateSet, v.insertColumns, v.insertValues)
}

func (p *Publisher) publish(ctx context.Context, model *domain.DataModel) error {
	v := p.vars(model)
	sql := p.MergeSQL(model)
	now := p.now().UTC()

	slog.Info("publishing", "stage", v.stageTable, "target", v.targetTable)
	err := dbretry.Do(ctx, "publish "+v.targetTable, func() error {
		_, err := p.db.Exec(ctx, sql, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", v.targetTable, err)
	}
	return nil
}
