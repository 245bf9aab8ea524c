package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"effectsvc/internal/http/handlers"
	"effectsvc/internal/middleware"
)

func NewRouter(app *handlers.App) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimiddleware.RealIP, chimiddleware.Recoverer, middleware.Logger(app.Logger))

	// Health
	r.Get("/v1/healthz", app.Health)

	r.Get("/effects", app.EffectsList)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", app.JobsCreate)
		r.Get("/", app.JobsList)
		r.Get("/{id}", app.JobGet)
		r.Get("/{id}/task", app.JobTaskStatus)
	})

	if app.StaticDir != "" {
		fs := stdhttp.StripPrefix("/static/", stdhttp.FileServer(stdhttp.Dir(app.StaticDir)))
		r.Handle("/static/*", fs)
	}

	return r
}
