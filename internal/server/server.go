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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/admin"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/auth"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/billing"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/config"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/credential"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/health"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/idgen"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/logging"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/metrics"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/project"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/ratelimit"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/security"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/tenant"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/traces"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/usage"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/validation"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/migrations"
)

// devWebhookSecret signs fake-gateway webhooks in development and test when
// no secret is configured.
const devWebhookSecret = "whsec_dev_fake_gateway"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	users    auth.Store
	orgs     tenant.Store
	billing  billing.Store
	projects project.Store

	gateway        billing.Gateway
	authService    *auth.Service
	guard          *tenant.Guard
	tenantService  *tenant.Service
	billingService *billing.Service
	reconciler     *billing.Reconciler
	usage          *usage.Engine
	projectService *project.Service
	adminService   *admin.Service

	health          *health.Registry
	rateLimiter     *ratelimit.Limiter
	passwordCost    int
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error

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

// WithGateway replaces the payment gateway (for testing)
func WithGateway(g billing.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithPasswordCost sets the bcrypt cost (tests use the minimum)
func WithPasswordCost(cost int) Option {
	return func(s *Server) {
		s.passwordCost = cost
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, "saas-backend", s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	if err := s.openStores(ctx); err != nil {
		return nil, err
	}
	if err := s.buildGateway(); err != nil {
		return nil, err
	}
	s.buildServices()
	s.buildHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStores selects Postgres when DATABASE_URL is set, otherwise in-memory.
func (s *Server) openStores(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.users = auth.NewMemoryStore()
		s.orgs = tenant.NewMemoryStore()
		s.billing = billing.NewMemoryStore()
		s.projects = project.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if s.cfg.IsDevelopment() {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return err
		}
		s.logger.Info("database migrations applied")
	}

	s.db = db
	s.users = auth.NewPostgresStore(db)
	s.orgs = tenant.NewPostgresStore(db)
	s.billing = billing.NewPostgresStore(db)
	s.projects = project.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// buildGateway binds Stripe credentials once, here. Without a secret key
// the in-process fake stands in, in development and test only.
func (s *Server) buildGateway() error {
	if s.gateway != nil {
		return nil
	}
	if s.cfg.UsesStripe() {
		g, err := billing.NewStripeGateway(billing.StripeConfig{
			SecretKey:     s.cfg.StripeSecretKey,
			WebhookSecret: s.cfg.StripeWebhookSecret,
			Timeout:       s.cfg.StripeTimeout,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create stripe gateway: %w", err)
		}
		s.gateway = g
		s.logger.Info("billing gateway: stripe")
		return nil
	}

	if !s.cfg.AllowsFakeGateway() {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in %s: the fake billing gateway is limited to development and test", s.cfg.Env)
	}
	secret := s.cfg.StripeWebhookSecret
	if secret == "" {
		secret = devWebhookSecret
	}
	s.gateway = billing.NewFakeGateway(secret)
	s.logger.Warn("billing gateway: in-process fake (no STRIPE_SECRET_KEY)")
	return nil
}

func (s *Server) buildServices() {
	s.authService = auth.NewService(s.users,
		credential.NewHasher(s.passwordCost),
		credential.NewTokens(s.cfg.JWTSecret, s.cfg.AccessTokenTTL, s.cfg.RefreshTokenTTL),
		s.logger)

	s.guard = tenant.NewGuard(s.orgs)
	s.usage = usage.NewEngine(s.billing, s.orgs, s.projects, s.logger)

	s.billingService = billing.NewService(s.billing, s.gateway, s.guard, s.orgs, s.users, s.logger)
	s.reconciler = billing.NewReconciler(s.billing, s.logger)

	s.projectService = project.NewService(s.projects, s.guard, s.usage, s.usage, s.logger)

	s.tenantService = tenant.NewService(s.orgs, s.guard, s.authService, s.usage, s.logger).
		WithUsageRecorder(s.usage).
		WithCascade(s.billingService.DeleteForOrganization).
		WithCascade(s.projectService.DeleteForOrganization)

	s.adminService = admin.NewService(s.users, s.orgs, s.billing, s.logger)
}

func (s *Server) buildHealth() {
	s.health = health.NewRegistry(2 * time.Second)
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	s.health.Register("billing", gatewayChecker(s.gateway))
}

// gatewayChecker reports the gateway mode and, for gateways that can tell,
// whether the provider circuit is open.
func gatewayChecker(g billing.Gateway) health.Checker {
	type checker interface {
		Check(ctx context.Context) error
	}
	return func(ctx context.Context) health.Status {
		mode := "fake"
		if _, ok := g.(*billing.StripeGateway); ok {
			mode = "stripe"
		}
		if c, ok := g.(checker); ok {
			if err := c.Check(ctx); err != nil {
				return health.Status{Name: "billing", Healthy: false, Detail: mode + ": " + err.Error()}
			}
		}
		return health.Status{Name: "billing", Healthy: true, Detail: mode}
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(security.HeadersOptions{HSTS: s.cfg.IsProduction()}))
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Hex(16)
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

		// Log level based on status code
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	authHandler := auth.NewHandler(s.authService)
	billingHandler := billing.NewHandler(s.billingService, s.gateway, s.reconciler)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authService))

	// Public: catalogue and provider webhook
	billingHandler.RegisterRoutes(v1)

	// Credential endpoints are throttled per client IP
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
	})
	authHandler.RegisterRoutes(v1.Group("", s.rateLimiter.Middleware()))

	// Authenticated
	protected := v1.Group("", auth.RequireAuth())
	authHandler.RegisterProtectedRoutes(protected)
	tenant.NewHandler(s.tenantService).RegisterProtectedRoutes(protected)
	billingHandler.RegisterProtectedRoutes(protected)
	usage.NewHandler(s.usage, s.guard).RegisterProtectedRoutes(protected)
	project.NewHandler(s.projectService).RegisterProtectedRoutes(protected)

	// Superuser
	superuser := v1.Group("", auth.RequireSuperuser())
	billingHandler.RegisterAdminRoutes(superuser)
	admin.NewHandler(s.adminService).RegisterRoutes(superuser)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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
	s.health.Handler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
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
