package httpapi

import (
	"net/http"

	"speechflow/internal/http/handlers"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", app.JobsCreate)
		r.Get("/", app.JobsList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", app.JobsGet)
			r.Post("/start", app.JobsStart)
			r.Get("/results", app.JobsResults)
			r.Delete("/", app.JobsCancel)
		})
	})

	return r
}
