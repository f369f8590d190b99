package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Readiness is what the status server asks before answering /healthz.
type Readiness interface {
	Ready(ctx context.Context) bool
}

// StatusServer exposes the health of the backend and the metrics over HTTP.
type StatusServer struct {
	httpServer *http.Server
	runner     *Runner
	ready      Readiness
}

// NewStatusServer serves /healthz and /metrics on addr. runner is optional,
// when set /healthz reports its state and live activities as well.
func NewStatusServer(addr string, ready Readiness, runner *Runner, gatherer prometheus.Gatherer) *StatusServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &StatusServer{
		runner: runner,
		ready:  ready,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *StatusServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves until Shutdown.
func (s *StatusServer) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("status server listening", "addr", ln.Addr().String())
	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type health struct {
	Status string   `json:"status"`
	State  string   `json:"state,omitempty"`
	Live   []string `json:"live,omitempty"`
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	h := health{Status: "ok"}
	code := http.StatusOK
	if !s.ready.Ready(ctx) {
		h.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	if s.runner != nil {
		h.State = s.runner.State().String()
		for _, k := range s.runner.Live() {
			h.Live = append(h.Live, k.String())
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		slog.DebugContext(ctx, "writing health response", "error", err)
	}
}
