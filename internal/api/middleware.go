package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mxi-app/mxi-core/pkg/logger"
	"github.com/mxi-app/mxi-core/pkg/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument wraps a handler with request logging and Prometheus metrics.
// The route label is the registered pattern, not the raw path, so principal
// ids never become label values.
func Instrument(route string, log *slog.Logger, next http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		elapsed := time.Since(start)
		metrics.RecordHTTPRequest(route, strconv.Itoa(recorder.status), elapsed)

		log.Info("http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", recorder.status),
			slog.Duration("duration", elapsed),
			slog.String("correlation_id", logger.CorrelationIDFromContext(r.Context())),
		)
	})
}
