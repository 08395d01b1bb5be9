// apiloader is the declarative API ETL runtime. It extracts JSON payloads
// from configured HTTP sources, stages them relationally, audits the staged
// data, and merges it into target tables.
//
// Usage:
//
//	apiloader process [-s source] [-e endpoint]   run once and exit
//	apiloader serve                               cron schedules + ops API
//	apiloader export -t table -o file.arrow       snapshot a target table
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rat-data/apiloader/internal/api"
	"github.com/rat-data/apiloader/internal/auth"
	"github.com/rat-data/apiloader/internal/config"
	"github.com/rat-data/apiloader/internal/export"
	"github.com/rat-data/apiloader/internal/notify"
	"github.com/rat-data/apiloader/internal/pipeline"
	"github.com/rat-data/apiloader/internal/postgres"
	"github.com/rat-data/apiloader/internal/processor"
	"github.com/rat-data/apiloader/internal/reaper"
	"github.com/rat-data/apiloader/internal/registry"
	"github.com/rat-data/apiloader/internal/schedule"
	"github.com/rat-data/apiloader/internal/storage"
	"github.com/rat-data/apiloader/internal/tables"
	"github.com/rat-data/apiloader/internal/watermark"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: settings.LogLevel}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "process":
		runProcess(settings, os.Args[2:])
	case "serve":
		runServe(settings)
	case "export":
		runExport(settings, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: apiloader <process|serve|export> [flags]")
}

// bootstrap loads the catalog and connects the pool; both are required by
// every subcommand.
func bootstrap(ctx context.Context, settings *config.Settings) (*registry.Registry, *pgxpool.Pool, error) {
	reg, err := registry.Load(settings.SourcesPath)
	if err != nil {
		return nil, nil, err
	}
	if settings.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := postgres.NewPool(ctx, settings.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return reg, pool, nil
}

func newArchiver(ctx context.Context, settings *config.Settings) (pipeline.Archiver, error) {
	if settings.ArchiveS3Endpoint == "" {
		return nil, nil
	}
	archiver, err := storage.NewArchiver(ctx, storage.Config{
		Endpoint:  settings.ArchiveS3Endpoint,
		AccessKey: settings.ArchiveS3AccessKey,
		SecretKey: settings.ArchiveS3SecretKey,
		Bucket:    settings.ArchiveS3Bucket,
		UseSSL:    settings.ArchiveS3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect raw zone: %w", err)
	}
	slog.Info("raw page archiving enabled", "endpoint", settings.ArchiveS3Endpoint, "bucket", settings.ArchiveS3Bucket)
	return archiver, nil
}

func runProcess(settings *config.Settings, args []string) {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	var source, endpoint string
	fs.StringVar(&source, "s", "", "API source to process, e.g. dummyjson")
	fs.StringVar(&source, "source", "", "API source to process, e.g. dummyjson")
	fs.StringVar(&endpoint, "e", "", "API endpoint to process, e.g. products")
	fs.StringVar(&endpoint, "endpoint", "", "API endpoint to process, e.g. products")
	fs.Parse(args) //nolint:errcheck // ExitOnError

	ctx := context.Background()
	reg, pool, err := bootstrap(ctx, settings)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	archiver, err := newArchiver(ctx, settings)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}

	proc := processor.New(settings, pool, reg, notify.New(settings.NotifyWebhookURL), archiver)

	switch {
	case source != "" && endpoint != "":
		slog.Info("processing endpoint", "source", source, "endpoint", endpoint)
		err = proc.ProcessEndpoint(ctx, source, endpoint, nil)
	case source != "":
		slog.Info("processing source", "source", source)
		err = proc.ProcessAPI(ctx, source)
	default:
		if endpoint != "" {
			slog.Error("--endpoint requires --source")
			os.Exit(2)
		}
		err = proc.ProcessAll(ctx)
	}
	if err != nil {
		slog.Error("processing failed", "error", err)
		os.Exit(1)
	}
	proc.Summarize(ctx)
}

func runServe(settings *config.Settings) {
	ctx := context.Background()
	reg, pool, err := bootstrap(ctx, settings)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	archiver, err := newArchiver(ctx, settings)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}

	manager, err := tables.New(settings.DriverName, pool, settings.DevReset())
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	if err := manager.CreateWatermarkTable(ctx); err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}

	proc := processor.New(settings, pool, reg, notify.New(settings.NotifyWebhookURL), archiver)

	sched := schedule.New(reg.All(), func(ctx context.Context, name string) error {
		err := proc.ProcessAPI(ctx, name)
		proc.Summarize(ctx)
		return err
	}, settings.ScheduleTick)
	sched.Start(ctx)
	slog.Info("scheduler started", "tick", settings.ScheduleTick)

	// triggered counts runs started through the ops API, which the
	// scheduler does not track.
	var triggered atomic.Int64
	var reap *reaper.Reaper
	if settings.ReaperEnabled {
		reap = reaper.New(pool, func() bool { return sched.Idle() && triggered.Load() == 0 }, 10*time.Minute)
		reap.Start(ctx)
		slog.Info("stage table reaper started")
	}

	srv := &api.Server{
		Watermarks: watermark.NewStore(pool),
		DB:         pool,
		Auth:       auth.APIKey(settings.APIKey),
		Process: func(name string) error {
			if _, err := reg.Get(name); err != nil {
				return err
			}
			triggered.Add(1)
			go func() {
				defer triggered.Add(-1)
				if err := proc.ProcessAPI(context.Background(), name); err != nil {
					slog.Error("triggered processing failed", "source", name, "error", err)
				}
				proc.Summarize(context.Background())
			}()
			return nil
		},
	}
	if settings.APIKey == "" {
		slog.Warn("API_KEY not set, ops API is unauthenticated")
	}

	httpServer := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           api.NewRouter(srv),
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("apiloader serving", "addr", settings.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	sched.Stop()
	slog.Info("scheduler stopped")
	if reap != nil {
		reap.Stop()
		slog.Info("reaper stopped")
	}
	slog.Info("apiloader shutdown complete")
}

func runExport(settings *config.Settings, args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	var table, out string
	fs.StringVar(&table, "t", "", "target table to export")
	fs.StringVar(&table, "table", "", "target table to export")
	fs.StringVar(&out, "o", "", "output Arrow IPC file")
	fs.StringVar(&out, "out", "", "output Arrow IPC file")
	fs.Parse(args) //nolint:errcheck // ExitOnError
	if table == "" || out == "" {
		fmt.Fprintln(os.Stderr, "usage: apiloader export -t <table> -o <file.arrow>")
		os.Exit(2)
	}

	ctx := context.Background()
	if settings.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, settings.DatabaseURL)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := export.Run(ctx, pool, table, out); err != nil {
		slog.Error("export failed", "error", err)
		os.Exit(1)
	}
}
