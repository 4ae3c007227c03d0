// Package measured_http wraps an http.Handler to record a Prometheus
// histogram of response latency per route/method/status, adapted from
// the teacher's ServeMux-based MeasuredHandler to work with any
// mux.Router-style handler (vism's wfe uses gorilla/mux, which
// supplies the matched route name via mux.CurrentRoute).
package measured_http

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
)

var responseTime = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "vism_http_response_time_seconds",
		Help: "time taken to respond to an ACME HTTP request",
	},
	[]string{"endpoint", "method", "code"})

func init() {
	prometheus.MustRegister(responseTime)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Handler wraps next, timing every request and labeling the
// observation with the route name gorilla/mux matched.
type Handler struct {
	next http.Handler
	clk  clock.Clock
	stat *prometheus.HistogramVec
}

// New wraps next with latency instrumentation.
func New(next http.Handler, clk clock.Clock) *Handler {
	return &Handler{next: next, clk: clk, stat: responseTime}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	begin := h.clk.Now()
	sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

	defer func() {
		endpoint := "unmatched"
		if route := mux.CurrentRoute(r); route != nil {
			if name := route.GetName(); name != "" {
				endpoint = name
			} else if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		h.stat.With(prometheus.Labels{
			"endpoint": endpoint,
			"method":   r.Method,
			"code":     strconv.Itoa(sw.code),
		}).Observe(h.clk.Since(begin).Seconds())
	}()

	h.next.ServeHTTP(sw, r)
}
