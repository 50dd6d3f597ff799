package handlers

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aetherdock",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aetherdock",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration)
}

type RouterOptions struct {
	// AllowedOrigins enables CORS for the listed origins. Empty disables it.
	AllowedOrigins []string
	// StaticDir serves a front end build from this directory. Empty
	// disables it.
	StaticDir string
}

func (s *Server) Router(opts RouterOptions) http.Handler {
	r := mux.NewRouter()
	r.Use(s.metricsMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.HandleHealth).Methods("GET")
	api.HandleFunc("/containers", s.HandleListContainers).Methods("GET")
	api.HandleFunc("/containers/{id}/logs", s.HandleGetLogs).Methods("GET")
	api.HandleFunc("/containers/{id}/{verb}", s.HandleContainerAction).Methods("POST")
	api.HandleFunc("/events", s.HandleListEvents).Methods("GET")
	api.HandleFunc("/ws", s.HandleWS).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	if opts.StaticDir != "" {
		r.PathPrefix("/").Handler(newStaticFileHandler(opts.StaticDir))
	}

	if len(opts.AllowedOrigins) == 0 {
		return r
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})(r)
}

// statusRecorder captures the response status. It passes Hijack through so
// WebSocket upgrades keep working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	sr.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := routeTemplateOrPath(r)
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sr, r)

		dur := time.Since(start)
		status := strconv.Itoa(sr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, status).Observe(dur.Seconds())
		s.log.Debug().Str("method", r.Method).Str("path", path).Int("status", sr.status).Dur("dur", dur).Msg("request")
	})
}

// routeTemplateOrPath labels requests by their mux template to keep metric
// cardinality bounded.
func routeTemplateOrPath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}
