package httpserver

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"watermeter/backend/services/meter-service/internal/http/handlers"
	"watermeter/backend/services/meter-service/internal/metrics"
)

// quietRoutes are polled by health checks and scrapers and are not access-logged.
var quietRoutes = map[string]bool{
	"/metrics":    true,
	"/api/health": true,
}

// observe recovers panics into a 500 envelope, then records the request in metrics and the access log.
func observe(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic handling request",
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.String("request_id", middleware.GetReqID(r.Context())),
						zap.Any("panic", rec),
						zap.ByteString("stack", debug.Stack()),
					)
					if ww.Status() == 0 {
						handlers.WriteError(ww, http.StatusInternalServerError, "internal error")
					}
				}

				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				route := routePattern(r)
				dur := time.Since(start)
				metrics.ObserveHTTPRequest(route, r.Method, status, dur)

				if !quietRoutes[route] {
					logger.Info("http request",
						zap.String("method", r.Method),
						zap.String("route", route),
						zap.String("path", r.URL.Path),
						zap.String("status", strconv.Itoa(status)),
						zap.Int("bytes", ww.BytesWritten()),
						zap.Duration("duration", dur),
						zap.String("request_id", middleware.GetReqID(r.Context())),
					)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// routePattern returns the matched chi pattern so metric labels stay bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
