package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/camlink/internal/auth"
	"github.com/danmuck/camlink/internal/capture"
	"github.com/danmuck/camlink/internal/observability"
	"github.com/danmuck/camlink/internal/storage"
	"github.com/danmuck/camlink/internal/upload"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const shutdownGrace = 5 * time.Second

type Config struct {
	Listen      string
	CorsOrigins []string
	// Token, when set, is required as a bearer token on POST /capture.
	Token          string
	TrustedProxies []string
}

func DefaultConfig() Config {
	return Config{
		CorsOrigins:    []string{"http://localhost:3000"},
		TrustedProxies: []string{"127.0.0.1", "::1"},
	}
}

// Enabled reports whether a listen address is configured.
func (c Config) Enabled() bool {
	return c.Listen != ""
}

// Capturer is the orchestrator surface the routes read and poke.
type Capturer interface {
	Trigger() bool
	Session() capture.Session
	Last() (capture.Result, bool)
	StatusLine() string
	Dropped() map[string]uint64
}

// Catalog lists saved artifacts.
type Catalog interface {
	List() ([]storage.Artifact, error)
	Next() int
}

// Forwarder reports upload progress when an uploader runs.
type Forwarder interface {
	Stats() upload.Stats
}

type Server struct {
	cfg     Config
	capture Capturer
	catalog Catalog
	uploads Forwarder
	logger  zerolog.Logger
	started time.Time
	router  *gin.Engine
}

func New(cfg Config, c Capturer, cat Catalog, logger zerolog.Logger) *Server {
	observability.RegisterMetrics()
	logger = logger.With().Str("component", "admin").Logger()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestObserver(logger, "/health", "/status", "/metrics"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	proxies := cfg.TrustedProxies
	if proxies == nil {
		proxies = DefaultConfig().TrustedProxies
	}
	if err := r.SetTrustedProxies(proxies); err != nil {
		logger.Warn().Err(err).Strs("proxies", proxies).Msg("trusted proxies not applied")
	}

	s := &Server{
		cfg:     cfg,
		capture: c,
		catalog: cat,
		logger:  logger,
		started: time.Now(),
		router:  r,
	}
	s.registerRoutes()
	return s
}

// WithUploads adds uploader stats to /status.
func (s *Server) WithUploads(f Forwarder) *Server {
	s.uploads = f
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/status", s.status)
	s.router.GET("/artifacts", s.artifacts)
	if s.cfg.Token != "" {
		s.router.POST("/capture", auth.Require(auth.SharedToken(s.cfg.Token), s.logger), s.trigger)
	} else {
		s.router.POST("/capture", s.trigger)
	}
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"uptime":        time.Since(s.started).Round(time.Second).String(),
		"next_sequence": s.catalog.Next(),
	})
}

func (s *Server) status(c *gin.Context) {
	body := gin.H{
		"session": s.capture.Session(),
		"camera":  s.capture.StatusLine(),
		"dropped": s.capture.Dropped(),
	}
	if last, ok := s.capture.Last(); ok {
		body["last"] = viewResult(last)
	}
	if s.uploads != nil {
		body["uploads"] = s.uploads.Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) artifacts(c *gin.Context) {
	arts, err := s.catalog.List()
	if err != nil {
		s.logger.Error().Err(err).Msg("list artifacts failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	switch c.DefaultQuery("order", "sequence") {
	case "sequence":
	case "newest":
		storage.SortNewest(arts)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "order must be sequence or newest"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": arts, "count": len(arts)})
}

func (s *Server) trigger(c *gin.Context) {
	queued := s.capture.Trigger()
	s.logger.Info().Bool("queued", queued).Msg("manual capture requested")
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "queued": queued})
}

// Serve listens on cfg.Listen until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.cfg.Listen, err)
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin: serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin: shutdown: %w", err)
	}
	<-errCh
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
