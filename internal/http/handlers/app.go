package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"effectsvc/internal/assets"
	"effectsvc/internal/domain"
	"effectsvc/internal/effects"
	"effectsvc/internal/infra"
	"effectsvc/internal/providers/replicate"
	"effectsvc/internal/queue"
	"effectsvc/internal/worker"
)

// TaskStatusReader exposes the queue's per-job task records and liveness for
// the observability endpoints.
type TaskStatusReader interface {
	Ping(ctx context.Context) error
	GetTaskStatus(ctx context.Context, jobID string) (*queue.TaskRecord, error)
}

// App is the dependency container for the HTTP handlers. Everything is
// injected at startup; there is no ambient global state.
type App struct {
	Logger   infra.Logger
	Jobs     domain.JobRepository
	Registry *effects.Registry
	Provider *replicate.Client
	Assets   assets.Store
	// Queue is nil when Redis was unavailable at startup; jobs can still be
	// created and polled synchronously via GET /jobs/{id}.
	Queue worker.Queue
	// Tasks reads queue task records; nil in degraded mode.
	Tasks TaskStatusReader
	// Poller runs one synchronous poll cycle for the status endpoint.
	Poller *worker.Poller
	// StaticDir serves dev filesystem assets when the real asset store is
	// not configured.
	StaticDir string
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, map[string]string{"error": kind, "message": message})
}
