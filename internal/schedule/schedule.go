// Package schedule fires source processing on cron expressions in serve
// mode. It runs as a background goroutine, checking each source's declared
// schedule at a fixed interval. A source that is still processing when its
// next slot arrives is skipped, not queued.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rat-data/apiloader/internal/domain"
)

// ProcessFunc runs one source end-to-end.
type ProcessFunc func(ctx context.Context, sourceName string) error

// Scheduler evaluates the catalog's cron schedules and fires due sources.
type Scheduler struct {
	sources  []*domain.APIConfig
	process  ProcessFunc
	interval time.Duration
	parser   cron.Parser

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	nextRun map[string]time.Time
	running map[string]bool
}

// New creates a Scheduler over the catalog sources.
func New(sources []*domain.APIConfig, process ProcessFunc, interval time.Duration) *Scheduler {
	return &Scheduler{
		sources:  sources,
		process:  process,
		interval: interval,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		nextRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
	}
}

// Start begins the background scheduler goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx, time.Now())
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
// In-flight source runs are cancelled through the context.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// Idle reports whether no scheduled source is currently processing.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, active := range s.running {
		if active {
			return false
		}
	}
	return true
}

// tick fires every source whose schedule is due.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, src := range s.sources {
		if src.Schedule == "" {
			continue
		}

		sched, err := s.parser.Parse(src.Schedule)
		if err != nil {
			slog.Warn("invalid schedule, skipping source", "source", src.Name, "schedule", src.Schedule, "error", err)
			continue
		}

		s.mu.Lock()
		next, seen := s.nextRun[src.Name]
		if !seen {
			// First sighting: compute the slot, don't fire.
			s.nextRun[src.Name] = sched.Next(now)
			s.mu.Unlock()
			continue
		}
		if next.After(now) {
			s.mu.Unlock()
			continue
		}
		if s.running[src.Name] {
			slog.Debug("schedule due but source still processing, skipping", "source", src.Name)
			s.nextRun[src.Name] = sched.Next(now)
			s.mu.Unlock()
			continue
		}
		s.running[src.Name] = true
		s.nextRun[src.Name] = sched.Next(now)
		s.mu.Unlock()

		name := src.Name
		slog.Info("schedule fired", "source", name, "next_run", s.nextRun[name])
		go func() {
			defer func() {
				s.mu.Lock()
				s.running[name] = false
				s.mu.Unlock()
			}()
			if err := s.process(ctx, name); err != nil {
				slog.Error("scheduled processing failed", "source", name, "error", err)
			}
		}()
	}
}
