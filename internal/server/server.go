package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/appbridge/internal/sessionstate"
)

// Options configures the status handler.
type Options struct {
	AllowedOrigins []string
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// State reports the session. Defaults to sessionstate.Get.
	State func() sessionstate.State
	// Draining, when set and true, fails /readyz while the process shuts
	// down even if the session is still up.
	Draining func() bool
}

// New constructs the HTTP handler exposing the bridge's health, session
// state and metrics.
func New(opts Options) http.Handler {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.State == nil {
		opts.State = sessionstate.Get
	}

	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Draining != nil && opts.Draining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		st := opts.State()
		if !st.Ready() {
			http.Error(w, st.Status, http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(st.Status))
	})
	r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(opts.State())
	})
	r.Get("/status", statusPage(opts.State))
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	return r
}
