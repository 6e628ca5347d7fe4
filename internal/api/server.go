// Package api serves the latest simulation snapshot and Prometheus metrics
// over HTTP. The simulation goroutine publishes; handlers only read.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/signalsfoundry/wrsn-simulator/core"
	"github.com/signalsfoundry/wrsn-simulator/internal/logging"
	"github.com/signalsfoundry/wrsn-simulator/internal/persistence"
)

// Store holds the most recently published snapshot. It implements
// core.SnapshotSink.
type Store struct {
	latest    atomic.Pointer[core.Snapshot]
	published atomic.Uint64
}

// Publish implements core.SnapshotSink. The snapshot must not be modified
// afterwards.
func (s *Store) Publish(snap *core.Snapshot) {
	s.latest.Store(snap)
	s.published.Add(1)
}

// Latest returns the last published snapshot, or nil before the first one.
func (s *Store) Latest() *core.Snapshot { return s.latest.Load() }

// Published reports how many snapshots have been stored.
func (s *Store) Published() uint64 { return s.published.Load() }

// RunLister lists recorded runs.
type RunLister interface {
	RecentRuns(limit int) ([]persistence.RunSummary, error)
}

// Server exposes the snapshot store.
type Server struct {
	store   *Store
	limiter *rate.Limiter
	metrics http.Handler
	runs    RunLister
	log     logging.Logger

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithRunLister serves recorded runs at /runs.
func WithRunLister(r RunLister) Option {
	return func(s *Server) { s.runs = r }
}

// WithLogger sets the server logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer builds a Server reading from store. limiter bounds snapshot
// reads; nil means unlimited.
func NewServer(store *Store, limiter *rate.Limiter, opts ...Option) *Server {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	s := &Server{store: store, limiter: limiter, log: logging.Noop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	if s.runs != nil {
		mux.HandleFunc("/runs", s.handleRuns)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "http api listening", logging.String("addr", addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"published": s.store.Published(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		s.log.Debug(r.Context(), "snapshot rate limit exceeded", logging.String("remote", r.RemoteAddr))
		w.Header().Set("Retry-After", "1")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	snap := s.store.Latest()
	if snap == nil {
		http.Error(w, "no snapshot published yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.runs.RecentRuns(limit)
	if err != nil {
		s.log.Error(r.Context(), "list runs failed", logging.Err(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}
