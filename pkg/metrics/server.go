package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/health"
)

// ListenerConfig configures the operational HTTP listener.
type ListenerConfig struct {
	// Port is the HTTP port. Default: 9090.
	Port int

	// ReadTimeout is the maximum duration for reading the entire
	// request. Default: 10s.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out response
	// writes. Default: 10s.
	WriteTimeout time.Duration

	// IdleTimeout is the keep-alive idle limit. Default: 60s.
	IdleTimeout time.Duration
}

func (c *ListenerConfig) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 9090
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// ReadyFunc reports whether the process is ready to take work. A nil
// error means ready.
type ReadyFunc func() error

// Response is the JSON envelope of the health and readiness routes.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Server is the operational HTTP listener.
//
// Endpoints:
//   - GET /metrics: Prometheus exposition of the process registry
//   - GET /healthz: liveness plus aggregated health-monitor state
//   - GET /readyz: readiness probe
//
// The server supports graceful shutdown with configurable timeout.
type Server struct {
	server       *http.Server
	config       ListenerConfig
	shutdownOnce sync.Once
}

// NewServer creates the listener in a stopped state. Call Start to
// begin serving. The registry, monitor, and ready function may each be
// nil: a nil registry disables /metrics, a nil monitor reduces /healthz
// to a bare liveness probe, and a nil ready function makes /readyz
// always ready.
func NewServer(cfg ListenerConfig, reg *prometheus.Registry, monitor *health.Monitor, ready ReadyFunc) *Server {
	cfg.applyDefaults()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(reg, monitor, ready),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &Server{server: server, config: cfg}
}

// Start serves until the context is cancelled or the listener fails.
// Cancellation triggers graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Metrics listener started", "port", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Metrics listener shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("metrics listener failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call multiple times and
// concurrently with Start.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("metrics listener shutdown: %w", err)
			logger.Error("Metrics listener shutdown error", "error", err)
		} else {
			logger.Info("Metrics listener stopped")
		}
	})
	return shutdownErr
}

// Port returns the TCP port the listener is configured for.
func (s *Server) Port() int {
	return s.config.Port
}

// NewRouter builds the chi router serving /metrics, /healthz, and
// /readyz.
func NewRouter(reg *prometheus.Registry, monitor *health.Monitor, ready ReadyFunc) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", healthzHandler(monitor))
	r.Get("/readyz", readyzHandler(ready))

	return r
}

// healthzHandler serves liveness plus the health monitor's aggregate.
// Without a monitor the route is a bare liveness probe. A degraded
// system still answers 200: only unhealthy flips the status code, so
// orchestrators restart on real failure rather than on flapping
// dependencies.
func healthzHandler(monitor *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if monitor == nil {
			writeJSON(w, http.StatusOK, Response{
				Status:    string(health.StatusHealthy),
				Timestamp: time.Now().UTC(),
				Data:      map[string]string{"service": "forgevault"},
			})
			return
		}

		overall := monitor.Overall()
		code := http.StatusOK
		if overall == health.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, Response{
			Status:    string(overall),
			Timestamp: time.Now().UTC(),
			Data:      map[string]any{"checks": monitor.Snapshots()},
		})
	}
}

// readyzHandler serves the readiness probe.
func readyzHandler(ready ReadyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, Response{
					Status:    "unhealthy",
					Timestamp: time.Now().UTC(),
					Error:     err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, Response{
			Status:    "ok",
			Timestamp: time.Now().UTC(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, `{"status":"error","error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// requestLogger logs requests through the internal logger: start at
// debug, completion with status and duration at debug as well, since
// scrapes arrive every few seconds.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Debug("Listener request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}
