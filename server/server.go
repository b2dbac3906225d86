// Package server exposes the external-worker lease protocol over HTTP along
// with job inspection and administration, health, Prometheus metrics and a
// websocket stream of job lifecycle events.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/logger"
	"github.com/teranos/pulsejob/pulse/async"
	"github.com/teranos/pulsejob/pulse/clock"
	"github.com/teranos/pulsejob/pulse/external"
	"github.com/teranos/pulsejob/pulse/jobstore"
	"github.com/teranos/pulsejob/pulse/schedule"
)

const shutdownTimeout = 10 * time.Second

// Config holds the HTTP listener settings.
type Config struct {
	Addr string `json:"addr"`

	// AllowedOrigins lists the origins accepted for websocket upgrades. Empty
	// allows same-origin requests only; "*" allows any origin.
	AllowedOrigins []string `json:"allowed_origins"`

	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// Option configures optional collaborators of the server.
type Option func(*Server)

// WithExecutor enables GET /status.
func WithExecutor(e *async.Executor) Option {
	return func(s *Server) { s.executor = e }
}

// WithService enables the job administration endpoints.
func WithService(svc *schedule.Service) Option {
	return func(s *Server) { s.service = svc }
}

// WithHistory enables the job history endpoints.
func WithHistory(h *schedule.History) Option {
	return func(s *Server) { s.history = h }
}

// WithGatherer sets the registry served on GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithVariableSource sets where acquired jobs get their variables from.
func WithVariableSource(v VariableSource) Option {
	return func(s *Server) { s.variables = v }
}

// WithHub supplies a hub built ahead of the server, so collaborators
// created earlier can already publish to it.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithClock overrides the clock used to evaluate ISO-8601 durations.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// Server serves the pulsejob HTTP API.
type Server struct {
	cfg       Config
	store     *jobstore.Store
	manager   *external.Manager
	executor  *async.Executor
	service   *schedule.Service
	history   *schedule.History
	gatherer  prometheus.Gatherer
	variables VariableSource
	clock     clock.Clock
	hub       *Hub
	router    chi.Router
	logger    *zap.SugaredLogger
}

// New creates a server over the job store and lease manager.
func New(cfg Config, store *jobstore.Store, manager *external.Manager, log *zap.SugaredLogger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		manager:  manager,
		gatherer: prometheus.DefaultGatherer,
		clock:    clock.System{},
		logger:   log.Named("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(cfg.AllowedOrigins, s.logger)
	}
	s.router = s.routes()
	return s
}

// Hub returns the event hub. Register it as an event listener of the
// executor, lease manager and service to stream their events.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws/jobs", s.hub.ServeWS)

	r.Route("/acquire/jobs", func(r chi.Router) {
		r.Post("/", s.handleAcquire)
		r.Route("/{jobId}", func(r chi.Router) {
			r.Use(jobContext)
			r.Post("/complete", s.handleComplete)
			r.Post("/fail", s.handleFail)
			r.Post("/cmmnTerminate", s.handleTerminate)
			r.Post("/bpmnError", s.handleBusinessError)
		})
	})
	r.Route("/unacquire/jobs", func(r chi.Router) {
		r.Post("/", s.handleUnacquire)
		r.With(jobContext).Post("/{jobId}", s.handleUnacquireJob)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Route("/{jobId}", func(r chi.Router) {
			r.Use(jobContext)
			r.Get("/", s.handleGetJob)
			if s.service != nil {
				r.Delete("/", s.handleCancelJob)
				r.Post("/retry", s.handleRetryJob)
			}
			if s.history != nil {
				r.Get("/history", s.handleJobHistory)
			}
		})
	})
	if s.history != nil {
		r.Get("/history", s.handleRecentHistory)
	}
	if s.executor != nil {
		r.Get("/status", s.handleStatus)
	}
	return r
}

// requestLogger logs one line per request at debug level, and at warn level
// for server errors.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		r = r.WithContext(logger.WithRequestID(r.Context(), chimw.GetReqID(r.Context())))
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := []interface{}{
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			"status", ww.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			logger.FieldRequestID, chimw.GetReqID(r.Context()),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warnw("HTTP request", fields...)
			return
		}
		s.logger.Debugw("HTTP request", fields...)
	})
}

// jobContext tags the request context with the {jobId} path parameter.
func jobContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.WithJobID(r.Context(), chi.URLParam(r, "jobId"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.cfg.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully, closing websocket clients first.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	logger.AddPulseOpenSymbol(s.logger).Infow("HTTP server listening", logger.FieldAddress, ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server failed")
	case <-ctx.Done():
	}

	logger.AddPulseCloseSymbol(s.logger).Infow("HTTP server shutting down")
	stopHub()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown failed")
	}
	return nil
}
