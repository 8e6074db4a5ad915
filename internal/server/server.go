package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keydrop/internal/metadata"
	"keydrop/internal/transfer"
)

var logger = loggo.GetLogger("drop.server")

// BuildInfo is reported by the status and metrics endpoints.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// Transfers is the core the handlers delegate to.
type Transfers interface {
	Upload(ctx context.Context, r io.Reader, originalName string) (string, error)
	Download(ctx context.Context, accessKey string) (transfer.Download, error)
}

// MetadataProbe reports on the metadata store.
type MetadataProbe interface {
	Ping(ctx context.Context) error
	Counts(ctx context.Context) (metadata.Counts, error)
}

// Pinger reports on a storage backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr  string // e.g. ":3000"
	Build BuildInfo

	Transfers Transfers
	Metadata  MetadataProbe
	Blobs     Pinger

	// MaxUploadBytes of 0 disables the request size limit.
	MaxUploadBytes int64
	// RateLimit is requests per RateWindow per client IP, applied to the
	// upload and download routes separately. 0 disables limiting.
	RateLimit   int
	RateWindow  time.Duration
	CORSOrigins []string
	// TrustProxy rewrites the client address from X-Forwarded-For and
	// X-Real-IP before logging and rate limiting.
	TrustProxy bool

	// Clock drives rate limiting. Defaults to the wall clock.
	Clock clock.Clock
}

// Validate checks the collaborators the routes depend on.
func (c Config) Validate() error {
	if c.Transfers == nil {
		return errors.NotValidf("nil transfer service")
	}
	if c.Metadata == nil {
		return errors.NotValidf("nil metadata probe")
	}
	if c.Blobs == nil {
		return errors.NotValidf("nil blob probe")
	}
	if c.MaxUploadBytes < 0 {
		return errors.NotValidf("negative upload limit")
	}
	return nil
}

type Server struct {
	httpServer *http.Server
	cfg        Config
	metrics    *Metrics
	registry   *prometheus.Registry
	started    time.Time
	limiters   []*rateLimiter
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	s := &Server{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		started:  cfg.Clock.Now(),
	}
	s.metrics = NewMetrics(cfg.Build, cfg.Metadata, cfg.Clock, s.started)
	if err := s.registry.Register(s.metrics); err != nil {
		return nil, errors.Annotate(err, "registering metrics")
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	if cfg.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(securityHeadersMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Content-Disposition", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/", s.handleStatus)
	r.Get("/health", s.HandleHealth)
	r.Get("/ready", s.HandleReady)
	r.Get("/live", s.HandleLive)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if lim := s.newLimiter(); lim != nil {
			r.Use(lim.middleware)
		}
		r.Post("/upload", s.handleUpload)
	})
	r.Group(func(r chi.Router) {
		if lim := s.newLimiter(); lim != nil {
			r.Use(lim.middleware)
		}
		r.Get("/download/{accessKey}", s.handleDownload)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) newLimiter() *rateLimiter {
	if s.cfg.RateLimit <= 0 {
		return nil
	}
	lim := newRateLimiter(s.cfg.RateLimit, s.cfg.RateWindow, s.cfg.Clock)
	s.limiters = append(s.limiters, lim)
	return lim
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Metrics returns the server's collector.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", s.httpServer.Addr)
	}
	logger.Infof("listening on %s", ln.Addr())
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	for _, lim := range s.limiters {
		lim.stop()
	}
	return s.httpServer.Shutdown(ctx)
}
