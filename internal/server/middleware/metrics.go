package middleware

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/swapdesk/internal/metrics"
)

// Metrics records the latency of every request by method and status class.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)
			metrics.ObserveHTTP(r.Method, rec.status, time.Since(start))
		})
	}
}
