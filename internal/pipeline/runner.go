// Package pipeline runs one (source, endpoint) end-to-end: stage tables are
// created, pages are read, parsed, and staged, then the staged data is
// audited, published, and the watermark committed. Failures are captured in
// the result rather than raised; the processor decides what to do with them.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rat-data/apiloader/internal/audit"
	"github.com/rat-data/apiloader/internal/config"
	"github.com/rat-data/apiloader/internal/domain"
	"github.com/rat-data/apiloader/internal/parser"
	"github.com/rat-data/apiloader/internal/publish"
	"github.com/rat-data/apiloader/internal/reader"
	"github.com/rat-data/apiloader/internal/tables"
	"github.com/rat-data/apiloader/internal/transport"
	"github.com/rat-data/apiloader/internal/watermark"
	"github.com/rat-data/apiloader/internal/writer"
)

// DB is the full database surface the runner's components share;
// *pgxpool.Pool satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Archiver lands raw reader pages in the object-store raw zone. Archiving
// is best-effort and never fails a run.
type Archiver interface {
	ArchivePage(ctx context.Context, source, endpoint string, runID uuid.UUID, page int, items []any) error
}

// Result is the outcome of one endpoint run.
type Result struct {
	OK       bool
	Source   string
	Endpoint string
	URL      string
	RunID    uuid.UUID
	Err      string
}

// Runner owns every per-run component, including the HTTP client it
// creates; all of it is released when Run returns.
type Runner struct {
	source       *domain.APIConfig
	endpointName string
	ep           *domain.APIEndpointConfig
	url          string
	runID        uuid.UUID

	client     *transport.Client
	reader     reader.Reader
	parser     *parser.Parser
	writer     *writer.Writer
	auditor    *audit.Auditor
	publisher  *publish.Publisher
	watermarks *watermark.Store
	tables     *tables.Manager
	archiver   Archiver
}

// NewRunner wires a runner for one endpoint.
func NewRunner(settings *config.Settings, db DB, source *domain.APIConfig, endpointName string, archiver Archiver) (*Runner, error) {
	ep, ok := source.Endpoints[endpointName]
	if !ok {
		return nil, fmt.Errorf("endpoint %q not found in source %q; available: %s",
			endpointName, source.Name, strings.Join(source.EndpointOrder, ", "))
	}

	client := transport.New(transport.Options{DefaultHeaders: nil})
	watermarks := watermark.NewStore(db)

	rd, err := reader.New(reader.Deps{
		Source:       source,
		Client:       client,
		SourceName:   source.Name,
		EndpointName: endpointName,
		Watermarks:   watermarks,
		DB:           db,
		BatchSize:    settings.BatchSize,
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	pr, err := parser.New(ep)
	if err != nil {
		client.Close()
		return nil, err
	}
	wr, err := writer.New(settings.DriverName, db, settings.BatchSize)
	if err != nil {
		client.Close()
		return nil, err
	}
	au, err := audit.New(settings.DriverName, db, ep)
	if err != nil {
		client.Close()
		return nil, err
	}
	pub, err := publish.New(settings.DriverName, db, ep)
	if err != nil {
		client.Close()
		return nil, err
	}
	tm, err := tables.New(settings.DriverName, db, settings.DevReset())
	if err != nil {
		client.Close()
		return nil, err
	}

	base := strings.TrimSuffix(source.BaseURL, "/")
	endpointPath := strings.TrimPrefix(endpointName, "/")

	return &Runner{
		source:       source,
		endpointName: endpointName,
		ep:           ep,
		url:          base + "/" + endpointPath,
		runID:        uuid.New(),
		client:       client,
		reader:       rd,
		parser:       pr,
		writer:       wr,
		auditor:      au,
		publisher:    pub,
		watermarks:   watermarks,
		tables:       tm,
		archiver:     archiver,
	}, nil
}

// Run executes the endpoint and reports (ok, url, err). The HTTP client is
// always released.
func (r *Runner) Run(ctx context.Context) Result {
	defer r.client.Close()

	log := slog.With("source", r.source.Name, "endpoint", r.endpointName, "run_id", r.runID)
	log.Info("pipeline run started", "url", r.url)

	if err := r.run(ctx, log); err != nil {
		log.Error("pipeline run failed", "error", err)
		return Result{
			OK:       false,
			Source:   r.source.Name,
			Endpoint: r.endpointName,
			URL:      r.url,
			RunID:    r.runID,
			Err:      err.Error(),
		}
	}

	log.Info("pipeline run succeeded")
	return Result{
		OK:       true,
		Source:   r.source.Name,
		Endpoint: r.endpointName,
		URL:      r.url,
		RunID:    r.runID,
	}
}

func (r *Runner) run(ctx context.Context, log *slog.Logger) error {
	if err := r.tables.CreateStageTables(ctx, r.ep); err != nil {
		return err
	}

	page := 0
	err := r.reader.Read(ctx, r.url, r.ep, func(batch []any) error {
		page++
		if r.archiver != nil {
			if err := r.archiver.ArchivePage(ctx, r.source.Name, r.endpointName, r.runID, page, batch); err != nil {
				log.Warn("raw page archive failed", "page", page, "error", err)
			}
		}
		tableBatches, err := r.parser.Parse(batch)
		if err != nil {
			return err
		}
		return r.writer.Write(ctx, tableBatches)
	})
	if err != nil {
		return err
	}

	if err := r.auditor.AuditGrain(ctx); err != nil {
		return err
	}
	if err := r.auditor.AuditData(ctx); err != nil {
		return err
	}
	if err := r.publisher.Publish(ctx); err != nil {
		return err
	}
	if err := r.watermarks.Commit(ctx, r.source.Name, r.endpointName); err != nil {
		return err
	}
	return r.tables.DropStageTables(ctx, r.ep)
}
