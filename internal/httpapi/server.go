// Package httpapi serves the worker's operational endpoints: liveness,
// a JSON status document and optional pprof handlers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wakeworker/internal/runtime/supervisor"
	"wakeworker/internal/task/pool"
	"wakeworker/internal/task/scheduler"
	"wakeworker/internal/tracking"
	"wakeworker/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8089"

type Config struct {
	Addr  string
	Pprof bool
	// RequestTimeout bounds a single request. <=0 means 10s.
	RequestTimeout time.Duration
}

// Status is the body of GET /status.
type Status struct {
	WorkerID   string              `json:"worker_id"`
	Enabled    bool                `json:"enabled"`
	Target     int                 `json:"target"`
	Active     int                 `json:"active"`
	OpenPasses int64               `json:"open_passes"`
	Scheduler  scheduler.Snapshot  `json:"scheduler"`
	Pool       pool.Snapshot       `json:"pool"`
	LastBatch  *tracking.PassStats `json:"last_batch,omitempty"`
	Batches    uint64              `json:"batches"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
	Now        time.Time           `json:"now"`
}

// Provider supplies the data behind the endpoints.
type Provider interface {
	Health() error
	Status() Status
}

type Server struct {
	cfg Config
	log logx.Logger
	src Provider

	mu   sync.Mutex
	addr string
}

func New(cfg Config, src Provider, log logx.Logger) *Server {
	if src == nil {
		panic("httpapi: nil provider")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Server{cfg: cfg, log: log.With(logx.String("comp", "http")), src: src}
}

// Addr returns the bound listen address once Run has started listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		r.Get("/healthz", s.handleHealth)
		r.Get("/status", s.handleStatus)
	})
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Run serves until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
	}
	<-errCh
	s.log.Info("http stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("duration", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.src.Health(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.src.Status())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
