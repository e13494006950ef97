package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"watermeter/backend/services/meter-service/internal/http/handlers"
)

// Routes defines HTTP endpoints. Nil handlers are not mounted.
type Routes struct {
	Meter       *handlers.MeterHandlers
	Grafana     *handlers.GrafanaHandlers
	Health      http.Handler
	Controllers http.Handler
	WS          http.Handler
	Metrics     http.Handler
}

// NewRouter sets up HTTP routing.
func NewRouter(routes Routes, corsOrigins []string, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(observe(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		handlers.WriteError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		handlers.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		if routes.Meter != nil {
			r.Get("/current", routes.Meter.Current)
			r.Get("/counter/{id}", routes.Meter.Counter)
			r.Post("/counter/reset/{id}", routes.Meter.Reset)
			r.Post("/consumption/period", routes.Meter.ConsumptionForPeriod)
		}
		if routes.Grafana != nil {
			r.Get("/grafana/metrics", routes.Grafana.Metrics)
			r.Get("/grafana/timeseries", routes.Grafana.Timeseries)
		}
		if routes.Health != nil {
			r.Method(http.MethodGet, "/health", routes.Health)
		}
		if routes.Controllers != nil {
			r.Method(http.MethodGet, "/controllers", routes.Controllers)
		}
		if routes.WS != nil {
			r.Method(http.MethodGet, "/ws", routes.WS)
		}
	})
	if routes.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", routes.Metrics)
	}
	return r
}
