// Package processor schedules endpoint runs across sources: endpoints of
// one source run sequentially to respect its rate limits, while sources
// fan out over a bounded worker pool.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rat-data/apiloader/internal/config"
	"github.com/rat-data/apiloader/internal/domain"
	"github.com/rat-data/apiloader/internal/notify"
	"github.com/rat-data/apiloader/internal/pipeline"
	"github.com/rat-data/apiloader/internal/registry"
	"github.com/rat-data/apiloader/internal/tables"
)

// Processor owns the shared database handle and the worker pool. Results of
// every endpoint run are collected for the summary.
type Processor struct {
	settings *config.Settings
	db       pipeline.DB
	registry *registry.Registry
	notifier notify.Notifier
	archiver pipeline.Archiver
	workers  int

	mu      sync.Mutex
	results []pipeline.Result
}

// New wires a processor. workers defaults to the CPU count.
func New(settings *config.Settings, db pipeline.DB, reg *registry.Registry, notifier notify.Notifier, archiver pipeline.Archiver) *Processor {
	return &Processor{
		settings: settings,
		db:       db,
		registry: reg,
		notifier: notifier,
		archiver: archiver,
		workers:  runtime.NumCPU(),
	}
}

// ProcessEndpoint runs one endpoint of one source. src may be pre-resolved
// to skip the registry lookup.
func (p *Processor) ProcessEndpoint(ctx context.Context, sourceName, endpointName string, src *domain.APIConfig) error {
	if src == nil {
		var err error
		src, err = p.registry.Get(sourceName)
		if err != nil {
			return err
		}
	}
	ep, ok := src.Endpoints[endpointName]
	if !ok {
		return fmt.Errorf("endpoint %q not found in source %q; available: %s",
			endpointName, sourceName, strings.Join(src.EndpointOrder, ", "))
	}

	manager, err := tables.New(p.settings.DriverName, p.db, p.settings.DevReset())
	if err != nil {
		return err
	}
	if err := manager.CreateWatermarkTable(ctx); err != nil {
		return err
	}
	if err := manager.CreateProductionTables(ctx, ep); err != nil {
		return err
	}

	runner, err := pipeline.NewRunner(p.settings, p.db, src, endpointName, p.archiver)
	if err != nil {
		return err
	}
	result := runner.Run(ctx)

	p.mu.Lock()
	p.results = append(p.results, result)
	p.mu.Unlock()
	return nil
}

// ProcessAPI runs every endpoint of one source in declaration order. A
// failing endpoint is recorded and the next one still runs; sequencing here
// exists for rate limits, not for dependency ordering.
func (p *Processor) ProcessAPI(ctx context.Context, name string) error {
	src, err := p.registry.Get(name)
	if err != nil {
		return err
	}
	for _, endpointName := range src.EndpointOrder {
		if err := p.ProcessEndpoint(ctx, name, endpointName, src); err != nil {
			return err
		}
	}
	return nil
}

// ProcessAll fans every catalog source out across the worker pool.
func (p *Processor) ProcessAll(ctx context.Context) error {
	sources := p.registry.All()
	queue := make(chan string, len(sources))
	for _, src := range sources {
		queue <- src.Name
	}
	close(queue)

	workers := p.workers
	if workers > len(sources) {
		workers = len(sources)
	}
	slog.Info("processing all sources", "sources", len(sources), "workers", workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for name := range queue {
				if err := p.ProcessAPI(gctx, name); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Results returns a copy of the collected endpoint results.
func (p *Processor) Results() []pipeline.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pipeline.Result(nil), p.results...)
}

// Summarize logs the per-endpoint outcomes and notifies on failures.
// It returns the number of failed endpoints.
func (p *Processor) Summarize(ctx context.Context) int {
	results := p.Results()

	var failures []string
	for _, r := range results {
		if r.OK {
			slog.Info("endpoint succeeded", "source", r.Source, "endpoint", r.Endpoint, "url", r.URL)
			continue
		}
		slog.Error("endpoint failed", "source", r.Source, "endpoint", r.Endpoint, "url", r.URL, "error", r.Err)
		failures = append(failures, fmt.Sprintf("%s: %s", r.URL, r.Err))
	}

	if len(failures) > 0 && p.notifier != nil {
		msg := notify.Message{
			Title: "API Processing Summary",
			Level: notify.LevelError,
			Body:  strings.Join(failures, "\n"),
		}
		if err := p.notifier.Notify(ctx, msg); err != nil {
			slog.Error("failed to send processing summary", "error", err)
		}
	}
	return len(failures)
}
