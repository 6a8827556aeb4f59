package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fooocusbot/internal/http/handlers"
	"fooocusbot/internal/infra"
	"fooocusbot/internal/middleware"
)

// RouterOptions configures the cross-cutting parts of the API router.
type RouterOptions struct {
	Logger         *infra.Logger
	Requests       middleware.RequestRecorder
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	// GenerationsPerMinute limits POST /v1/generations per client. Zero
	// disables the limit.
	GenerationsPerMinute int
}

// NewRouter mounts the API routes on a chi router behind the request-id,
// recovery, access-log and CORS middleware.
func NewRouter(app *handlers.App, opts RouterOptions) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(*infra.LoggerOrDiscard(opts.Logger), opts.Requests),
		middleware.CORS(opts.AllowedOrigins),
	)

	r.Get("/v1/healthz", app.Healthz)
	r.Get("/v1/models", app.Models)
	r.With(middleware.RateLimit(opts.GenerationsPerMinute, time.Minute)).Post("/v1/generations", app.Generate)

	r.Route("/v1/history", func(r chi.Router) {
		r.Get("/", app.ListHistory)
		r.Get("/{id}", app.GetHistory)
		r.Get("/{id}/images.zip", app.SessionImages)
	})

	if opts.Gatherer != nil {
		r.Method(stdhttp.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
