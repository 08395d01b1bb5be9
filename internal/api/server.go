// Package api serves the serve-mode ops surface: health, watermark
// inspection, and on-demand source processing.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/rat-data/apiloader/internal/cache"
	"github.com/rat-data/apiloader/internal/watermark"
)

// WatermarkLister reads the watermark table for inspection.
type WatermarkLister interface {
	List(ctx context.Context) ([]watermark.Row, error)
}

// Pinger checks database connectivity; *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the wired collaborators of the ops API.
type Server struct {
	Watermarks WatermarkLister
	DB         Pinger
	Auth       func(http.Handler) http.Handler

	// Process enqueues immediate processing of a source. It validates the
	// source name synchronously and runs the processing in the background.
	Process func(sourceName string) error

	watermarkCache *cache.Cache[string, []watermark.Row]
}

// NewRouter builds the chi router over the server.
func NewRouter(s *Server) http.Handler {
	if s.Auth == nil {
		s.Auth = func(next http.Handler) http.Handler { return next }
	}
	s.watermarkCache = cache.New[string, []watermark.Row](cache.Options{TTL: 30 * time.Second})

	r := chi.NewRouter()
	r.Use(s.Auth)
	r.Get("/health", s.handleHealth)
	r.Get("/api/v1/watermarks", s.handleWatermarks)
	r.Post("/api/v1/process/{source}", s.handleProcess)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if s.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.DB.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status["database"] = "ok"
		}
	}
	writeJSON(w, code, status)
}

func (s *Server) handleWatermarks(w http.ResponseWriter, r *http.Request) {
	if s.Watermarks == nil {
		http.Error(w, "watermarks unavailable", http.StatusServiceUnavailable)
		return
	}
	if rows, ok := s.watermarkCache.Get("all"); ok {
		writeJSON(w, http.StatusOK, rows)
		return
	}
	rows, err := s.Watermarks.List(r.Context())
	if err != nil {
		slog.Error("failed to list watermarks", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.watermarkCache.Set("all", rows)
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if s.Process == nil {
		http.Error(w, "processing unavailable", http.StatusServiceUnavailable)
		return
	}
	source := chi.URLParam(r, "source")
	if err := s.Process(source); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	slog.Info("processing triggered via api", "source", source)
	writeJSON(w, http.StatusAccepted, map[string]string{"source": source, "status": "accepted"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
