// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/sessionpay/internal/auth"
	"github.com/mbd888/sessionpay/internal/circuitbreaker"
	"github.com/mbd888/sessionpay/internal/config"
	"github.com/mbd888/sessionpay/internal/economics"
	"github.com/mbd888/sessionpay/internal/entitlements"
	"github.com/mbd888/sessionpay/internal/eventledger"
	"github.com/mbd888/sessionpay/internal/health"
	"github.com/mbd888/sessionpay/internal/logging"
	"github.com/mbd888/sessionpay/internal/metrics"
	"github.com/mbd888/sessionpay/internal/provider"
	"github.com/mbd888/sessionpay/internal/provider/hmacsig"
	"github.com/mbd888/sessionpay/internal/provider/stripe"
	"github.com/mbd888/sessionpay/internal/ratelimit"
	"github.com/mbd888/sessionpay/internal/receipts"
	"github.com/mbd888/sessionpay/internal/reconcile"
	"github.com/mbd888/sessionpay/internal/reconciliation"
	"github.com/mbd888/sessionpay/internal/security"
	"github.com/mbd888/sessionpay/internal/traces"
	"github.com/mbd888/sessionpay/internal/transactions"
	"github.com/mbd888/sessionpay/internal/validation"
	"github.com/mbd888/sessionpay/internal/webhooks"
	"github.com/mbd888/sessionpay/migrations"
)

// Version is reported by the health endpoint and the tracer resource.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	providers     *provider.Registry
	bundles       entitlements.BundleResolver
	ledger        *eventledger.Ledger
	orchestrator  *reconcile.Orchestrator
	receipts      *receipts.Service
	receiptWorker *receipts.Worker
	sweeper       *reconciliation.Service
	sweepTimer    *reconciliation.Timer
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil if using the in-memory queue
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithProviders replaces the provider registry built from config (for testing)
func WithProviders(r *provider.Registry) Option {
	return func(s *Server) {
		s.providers = r
	}
}

// WithBundles sets the challenge membership source used in in-memory mode
func WithBundles(b entitlements.BundleResolver) Option {
	return func(s *Server) {
		s.bundles = b
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set providers/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.providers == nil {
		p, err := newProvider(cfg)
		if err != nil {
			return nil, err
		}
		s.providers = provider.NewRegistry(p)
	}

	var (
		eventStore   eventledger.Store
		txStore      transactions.Store
		attendStore  entitlements.Store
		receiptStore receipts.Store
		queue        receipts.Queue
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		eventStore = eventledger.NewPostgresStore(db)
		txStore = transactions.NewPostgresStore(db)
		attendStore = entitlements.NewPostgresStore(db)
		receiptStore = receipts.NewPostgresStore(db)
		if s.bundles == nil {
			s.bundles = entitlements.NewPostgresBundles(db)
		}
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		eventStore = eventledger.NewMemoryStore()
		txStore = transactions.NewMemoryStore()
		attendStore = entitlements.NewMemoryStore()
		receiptStore = receipts.NewMemoryStore()
		if s.bundles == nil {
			s.bundles = entitlements.NewMemoryBundles()
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Receipt queue (Redis if REDIS_URL set, otherwise in-process)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		queue = receipts.NewRedisQueue(s.redis, "")
		s.health.Register("redis", health.Redis(s.redis))
		s.logger.Info("receipt queue on redis")
	} else {
		queue = receipts.NewMemoryQueue(0)
		s.logger.Info("receipt queue in-memory")
	}

	var signer *receipts.Signer
	if cfg.ReceiptSigningSecret != "" {
		signer = receipts.NewSigner(cfg.ReceiptSigningSecret)
	} else {
		s.logger.Warn("RECEIPT_SIGNING_SECRET not set, receipts are unsigned")
	}
	var sender receipts.Sender = receipts.NewLogSender(s.logger)
	if cfg.ReceiptWebhookURL != "" {
		sender = webhooks.NewNotifier(cfg.ReceiptWebhookURL, cfg.ReceiptWebhookSecret)
		s.logger.Info("receipt notifications enabled", "url", cfg.ReceiptWebhookURL)
	}
	s.receipts = receipts.NewService(receiptStore, signer, sender)
	s.receiptWorker = receipts.NewWorker(queue, s.receipts, s.logger)

	fees := provider.NewFeeLookup(
		circuitbreaker.New(5, 30*time.Second),
		cfg.FeeLookupAttempts,
		200*time.Millisecond,
	)
	policy := economics.Policy{
		FixedFeeCents:   cfg.FixedFeeCents,
		CreatorShareBps: cfg.CreatorShareBps,
	}

	s.ledger = eventledger.New(eventStore)
	s.orchestrator = reconcile.New(
		s.providers,
		s.ledger,
		transactions.NewMachine(txStore),
		entitlements.NewGranter(attendStore, s.bundles),
		fees,
		policy,
	).WithReceiptQueue(queue)

	s.sweeper = reconciliation.NewService(s.ledger, cfg.SweepGrace, s.logger)
	if cfg.SweepAutoReplay {
		s.sweeper.WithReplayer(s.orchestrator)
		s.logger.Info("stranded events will be replayed automatically")
	}
	s.sweepTimer = reconciliation.NewTimer(s.sweeper, cfg.SweepInterval, s.logger)

	s.health.Register("receipt_worker", health.Worker("receipt_worker", s.receiptWorker.Running))
	s.health.Register("sweeper", health.Worker("sweeper", s.sweepTimer.Running))

	s.logger.Info("providers enabled", "providers", s.providers.Names())
	metrics.SetBuildInfo(Version)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func newProvider(cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderStripe:
		return stripe.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret,
			stripe.WithTolerance(cfg.WebhookTolerance)), nil
	case config.ProviderHMAC:
		return hmacsig.New(cfg.WebhookSecret, cfg.WebhookTolerance), nil
	default:
		return nil, fmt.Errorf("unsupported payment provider %q", cfg.Provider)
	}
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
	// Recovery with logging
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

	// Security headers
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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

		logger := logging.L(c.Request.Context()).With(
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		)
		// Tag operator calls with their client IP.
		admin := auth.IsAdmin(c)
		if admin {
			logger = logger.With("admin", true)
		}
		if admin || status >= 500 {
			logger = logger.With("client_ip", c.ClientIP())
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed")
		case status >= 400:
			logger.Warn("request completed")
		default:
			logger.Info("request completed")
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Provider-facing intake. Authenticated by the provider signature.
	reconcileHandler := reconcile.NewHandler(s.orchestrator)
	reconcileHandler.RegisterRoutes(s.router.Group(""))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())

	admin := s.router.Group("/admin")
	admin.Use(s.rateLimiter.Middleware())
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	admin.Use(validation.IDParamMiddleware("id", "eventId"))
	{
		reconcileHandler.RegisterAdminRoutes(admin)
		receipts.NewHandler(s.receipts).RegisterRoutes(admin)
		reconciliation.NewHandler(s.sweeper).RegisterAdminRoutes(admin)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracer, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
		shutdownTracer = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracer(flushCtx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}()

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
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.receiptWorker.Start(runCtx)
	go s.sweepTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweepTimer.Stop()
	s.logger.Info("sweeper stopped")

	s.receiptWorker.Stop()
	s.logger.Info("receipt worker stopped")

	s.rateLimiter.Stop()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
