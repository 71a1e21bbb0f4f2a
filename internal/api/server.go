package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/domainstate"
	"github.com/LocalNewsImpact/newscrawler/internal/metrics"
	"github.com/LocalNewsImpact/newscrawler/internal/proxy"
	"github.com/LocalNewsImpact/newscrawler/internal/scheduler"
	"github.com/LocalNewsImpact/newscrawler/internal/telemetry"
)

const requestTimeout = 10 * time.Second

// ProxyAdmin is the proxy manager surface the API needs.
type ProxyAdmin interface {
	Snapshot() []proxy.Health
	ActiveName() string
	SetActive(name string) error
}

// DomainReader exposes per-host state snapshots.
type DomainReader interface {
	Snapshots() []domainstate.State
	Snapshot(host string) (domainstate.State, bool)
}

// BatchReader exposes the running job's pacing decision.
type BatchReader interface {
	Context() (scheduler.BatchContext, bool)
}

// StatsReader exposes telemetry delivery counters.
type StatsReader interface {
	Stats() telemetry.Stats
}

// Deps groups the components the server reads from. Nil members disable
// their routes with 503.
type Deps struct {
	Proxies   ProxyAdmin
	Domains   DomainReader
	Batch     BatchReader
	Telemetry StatsReader
}

// Server wires HTTP handlers to the running job's components.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/proxies", s.listProxies)
		r.Put("/proxies/active", s.setActiveProxy)
		r.Get("/domains", s.listDomains)
		r.Get("/domains/{host}", s.getDomain)
		r.Get("/job", s.getJob)
		r.Get("/telemetry", s.getTelemetry)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin server shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Batch == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	if _, ok := s.deps.Batch.Context(); !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "preparing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type proxyView struct {
	proxy.Health
	SuccessRate float64 `json:"success_rate"`
}

func (s *Server) listProxies(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Proxies == nil {
		writeError(w, http.StatusServiceUnavailable, "proxy manager not configured")
		return
	}
	snap := s.deps.Proxies.Snapshot()
	views := make([]proxyView, 0, len(snap))
	for _, h := range snap {
		views = append(views, proxyView{Health: h, SuccessRate: h.SuccessRate()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":    s.deps.Proxies.ActiveName(),
		"providers": views,
	})
}

type setActiveRequest struct {
	Name string `json:"name"`
}

func (s *Server) setActiveProxy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Proxies == nil {
		writeError(w, http.StatusServiceUnavailable, "proxy manager not configured")
		return
	}
	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "missing provider name")
		return
	}
	if err := s.deps.Proxies.SetActive(req.Name); err != nil {
		if errors.Is(err, proxy.ErrUnknownProvider) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("active proxy switched via admin api", zap.String("provider", req.Name))
	writeJSON(w, http.StatusOK, map[string]string{"active": req.Name})
}

func (s *Server) listDomains(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Domains == nil {
		writeError(w, http.StatusServiceUnavailable, "domain tracker not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": s.deps.Domains.Snapshots()})
}

func (s *Server) getDomain(w http.ResponseWriter, r *http.Request) {
	if s.deps.Domains == nil {
		writeError(w, http.StatusServiceUnavailable, "domain tracker not configured")
		return
	}
	host := strings.ToLower(chi.URLParam(r, "host"))
	st, ok := s.deps.Domains.Snapshot(host)
	if !ok {
		writeError(w, http.StatusNotFound, "host not seen")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getJob(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Batch == nil {
		writeError(w, http.StatusServiceUnavailable, "no job running")
		return
	}
	bc, ok := s.deps.Batch.Context()
	if !ok {
		writeError(w, http.StatusNotFound, "batch context not ready")
		return
	}
	writeJSON(w, http.StatusOK, bc)
}

func (s *Server) getTelemetry(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Telemetry == nil {
		writeError(w, http.StatusServiceUnavailable, "telemetry not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Telemetry.Stats())
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
