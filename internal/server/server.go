// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/units"
	"github.com/mbd888/escrowd/internal/validation"
	"github.com/mbd888/escrowd/internal/webhooks"
)

// Version is reported by /health and /v1/info.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	authMgr       *auth.Manager
	escrowService *escrow.Service
	sampler       *escrow.Sampler
	tokens        *tokenBackend
	webhooks      *webhooks.Dispatcher
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdownTraces

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		escrowStore  escrow.Store
		authStore    auth.Store
		webhookStore webhooks.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
		s.logger.Warn("using in-memory storage (data will not persist)")
	}

	// Token custody
	s.tokens = newTokenBackend(cfg, s.logger)
	tokenAddr, gateway, err := s.tokens.initial(ctx)
	if err != nil {
		s.closeResources()
		return nil, fmt.Errorf("failed to create token gateway: %w", err)
	}
	if cfg.UsesChain() {
		s.logger.Info("token custody on chain", "network", cfg.Network, "token", tokenAddr.String(), "custody", gateway.Custody().String())
	} else {
		s.logger.Warn("using in-memory token ledger", "token", tokenAddr.String(), "custody", gateway.Custody().String())
	}

	// Event fan-out: websocket hub and per-party webhooks
	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhooks = webhooks.NewDispatcher(webhookStore, s.logger)
	webhookHandler := webhooks.NewHandler(webhookStore)
	if cfg.IsDevelopment() {
		dev := &security.EndpointValidator{AllowPrivate: true}
		s.webhooks.WithURLValidator(dev.Validate)
		webhookHandler.WithURLValidator(dev.Validate)
	}

	s.escrowService, err = escrow.NewService(escrowStore, gateway, cfg.EscrowConfig(),
		escrow.WithPublisher(escrow.Publishers{s.realtimeHub, webhooks.NewEmitter(s.webhooks, s.logger)}),
		escrow.WithResolver(s.tokens.resolve),
	)
	if err != nil {
		s.closeResources()
		return nil, fmt.Errorf("failed to create escrow service: %w", err)
	}
	if err := s.escrowService.Init(ctx, cfg.EscrowDefaults(tokenAddr)); err != nil {
		s.closeResources()
		return nil, fmt.Errorf("failed to initialize escrow settings: %w", err)
	}
	settings := s.escrowService.Settings()
	s.logger.Info("escrow ready",
		"owner", settings.Owner.String(),
		"arbitrator", settings.Arbitrator.String(),
		"fee", units.Format(settings.Fee),
		"deadline_mode", cfg.DeadlineMode,
	)
	s.sampler = escrow.NewSampler(s.escrowService, cfg.SamplerInterval, s.logger)

	s.authMgr = auth.NewManager(authStore)

	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.Database(s.db))
	}
	s.checks.Register("solvency", health.Solvency(s.escrowService))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(webhookHandler)

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	maxSize := s.cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = validation.MaxRequestSize
	}
	s.router.Use(validation.RequestSizeMiddleware(maxSize))

	// Request ID before anything that logs
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(metrics.Middleware())

	// Authentication is optional here; protected groups enforce it.
	// It runs before the limiter so keyed callers get their own bucket.
	s.router.Use(auth.Middleware(s.authMgr))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(webhookHandler *webhooks.Handler) {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	authHandler := auth.NewHandler(s.authMgr)
	authHandler.RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)

	protected := v1.Group("", auth.RequireAuth(s.authMgr))
	authHandler.RegisterProtectedRoutes(protected)
	escrowHandler.RegisterProtectedRoutes(protected)
	escrowHandler.RegisterAdminRoutes(protected)
	webhookHandler.RegisterRoutes(protected, auth.RequireOwnership(s.authMgr, "address"))

	if !s.cfg.UsesChain() && !s.cfg.IsProduction() {
		s.registerDevRoutes(v1, protected)
		s.logger.Warn("development token routes enabled", "faucet", "/v1/dev/faucet")
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	settings := s.escrowService.Settings()
	cfg := s.escrowService.Config()
	c.JSON(http.StatusOK, gin.H{
		"name":         "escrowd",
		"description":  "Token escrow with arbitration and deadline refunds",
		"version":      Version,
		"network":      s.cfg.Network,
		"chainId":      s.cfg.ChainID,
		"onChain":      s.cfg.UsesChain(),
		"token":        settings.Token,
		"custody":      s.escrowService.Custody(),
		"fee":          units.Format(settings.Fee),
		"deadlineMode": cfg.DeadlineMode,
		"realtime":     s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"custody", s.escrowService.Custody().String(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.sampler.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Hub, sampler and collectors follow the run context.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.sampler.Stop()

	// Let in-flight webhook deliveries finish.
	s.webhooks.Wait()

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}

	s.closeResources()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeResources() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.tokens != nil {
		if err := s.tokens.Close(); err != nil {
			s.logger.Error("token gateway close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Escrow returns the escrow service.
func (s *Server) Escrow() *escrow.Service {
	return s.escrowService
}
