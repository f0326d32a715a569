// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/authex/authex/internal/config"
	"github.com/authex/authex/internal/credits"
	"github.com/authex/authex/internal/listings"
	"github.com/authex/authex/internal/logging"
	"github.com/authex/authex/internal/metrics"
	"github.com/authex/authex/internal/notify"
	"github.com/authex/authex/internal/offers"
	"github.com/authex/authex/internal/payments"
	"github.com/authex/authex/internal/reconcile"
	"github.com/authex/authex/internal/traces"
	"github.com/authex/authex/internal/transactions"
)

const maxRequestBody = 1 << 20 // 1MB

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	listings     *listings.Service
	offers       *offers.Service
	transactions *transactions.Service
	payments     *payments.Service
	credits      *credits.Service
	reconciler   *reconcile.Service
	notifier     *notify.Service
	notifyStore  notify.Store
	hub          *notify.Hub
	offerTimer   *offers.Timer
	creditTimer  *credits.Timer
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	traceStop    func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

	// Tracing (no-op when endpoint is unset)
	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceStop = stop

	// Stripe gateway (optional; manual payment methods still work without it)
	var gateway *payments.Gateway
	if cfg.StripeSecretKey != "" {
		gateway = payments.NewGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.BaseURL)
		s.logger.Info("stripe gateway enabled")
	} else {
		s.logger.Warn("stripe gateway disabled (no STRIPE_SECRET_KEY); card checkout unavailable")
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		listingStore listings.Store
		offerStore   offers.Store
		txnStore     transactions.Store
		payStore     payments.Store
		creditStore  credits.Store
		eventStore   reconcile.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		listingStore = listings.NewPostgresStore(db)
		offerStore = offers.NewPostgresStore(db)
		txnStore = transactions.NewPostgresStore(db)
		payStore = payments.NewPostgresStore(db)
		creditStore = credits.NewPostgresStore(db)
		eventStore = reconcile.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		listingStore = listings.NewMemoryStore()
		offerStore = offers.NewMemoryStore()
		txnStore = transactions.NewMemoryStore()
		payStore = payments.NewMemoryStore()
		creditStore = credits.NewMemoryStore()
		eventStore = reconcile.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Notification fan-out: websocket hub + outbound webhook dispatcher
	s.hub = notify.NewHub(s.logger)
	s.notifier = notify.NewService(s.hub, notify.NewDispatcher(s.notifyStore))

	// Listings
	s.listings = listings.NewService(listingStore)

	// Payments
	s.payments = payments.NewService(payStore).WithListingFee(cfg.ListingFeeCents)
	if gateway != nil {
		s.payments = s.payments.WithGateway(gateway)
	}

	// Transactions
	policy := transactions.PricePolicy{
		DepositPercent:     cfg.DepositPercent,
		PlatformFeePercent: cfg.PlatformFeePercent,
	}
	s.transactions = transactions.NewService(txnStore, policy).
		WithListingCloser(s.listings).
		WithPaymentLog(s.payments).
		WithNotifier(&transactionNotifier{s.notifier})

	// Offers
	s.offers = offers.NewService(offerStore, &listingGateAdapter{s.listings}).
		WithTransactionOpener(&transactionOpener{s.transactions}).
		WithNotifier(&offerNotifier{s.notifier}).
		WithExpiryDays(cfg.OfferExpiryDays)
	s.offerTimer = offers.NewTimer(s.offers, s.logger)

	// Credits & subscriptions
	s.credits = credits.NewService(creditStore)
	s.creditTimer = credits.NewTimer(s.credits, s.logger)

	// Webhook reconciler (needs the gateway for signature verification)
	if gateway != nil {
		s.reconciler = reconcile.NewService(gateway, eventStore).
			WithTransactions(&transactionApplier{s.transactions}).
			WithPayments(s.payments).
			WithCredits(s.credits).
			WithListings(&listingFeeApplier{s.listings}).
			WithNotifier(&paymentNotifier{s.notifier})
		s.logger.Info("webhook reconciliation enabled")
	}

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
	s.router.Use(securityHeadersMiddleware())

	// CORS (allow all origins for now - restrict in production)
	s.router.Use(corsMiddleware())

	// Request size limit (1MB)
	s.router.Use(requestSizeMiddleware(maxRequestBody))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-Admin-Secret, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestSizeMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// authMiddleware resolves the calling user. Session issuance and token
// verification live at the edge proxy, which forwards the resolved identity
// in the X-User-ID header.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing user identity",
			})
			return
		}
		c.Set("authUserID", userID)
		c.Next()
	}
}

// adminMiddleware checks the X-Admin-Secret header. In development with no
// secret configured, admin routes are open (demo mode).
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Admin access is not configured",
				})
				return
			}
			c.Next()
			return
		}

		secret := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin credentials",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Checkout redirect targets (Stripe sends the buyer's browser here)
	s.router.GET("/checkout/success", s.checkoutSuccessHandler)
	s.router.GET("/checkout/cancel", s.checkoutCancelHandler)

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	listingHandler := listings.NewHandler(s.listings)
	offerHandler := offers.NewHandler(s.offers)
	txnHandler := transactions.NewHandler(s.transactions)
	paymentHandler := payments.NewHandler(s.payments)
	creditHandler := credits.NewHandler(s.credits)
	notifyHandler := notify.NewHandler(s.notifyStore, s.hub).
		WithDefaultSecret(s.cfg.NotifyWebhookSecret)

	// PUBLIC ROUTES (no auth required)
	listingHandler.RegisterRoutes(v1)
	creditHandler.RegisterRoutes(v1)

	// Stripe webhook ingress (the signature IS the authentication)
	if s.reconciler != nil {
		reconcile.NewHandler(s.reconciler).RegisterRoutes(v1)
	}

	// PROTECTED ROUTES (require a resolved user identity)
	protected := v1.Group("")
	protected.Use(s.authMiddleware())
	{
		listingHandler.RegisterProtectedRoutes(protected)
		offerHandler.RegisterProtectedRoutes(protected)
		txnHandler.RegisterProtectedRoutes(protected)
		paymentHandler.RegisterProtectedRoutes(protected)
		creditHandler.RegisterProtectedRoutes(protected)
		notifyHandler.RegisterProtectedRoutes(protected)
	}

	// ADMIN ROUTES (marketplace operations staff)
	admin := v1.Group("/admin")
	admin.Use(s.adminMiddleware())
	{
		listingHandler.RegisterAdminRoutes(admin)
		txnHandler.RegisterAdminRoutes(admin)
		paymentHandler.RegisterAdminRoutes(admin)
		creditHandler.RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Authex",
		"description": "Marketplace for regulatory operating authorities",
		"version":     "0.1.0",
		"currency":    "USD",
	})
}

// checkoutSuccessHandler acknowledges the redirect after a completed Stripe
// checkout. Fulfillment happens through the webhook, never here.
func (s *Server) checkoutSuccessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"sessionId": c.Query("session_id"),
		"message":   "Payment received. Your account will update once the payment is confirmed.",
	})
}

func (s *Server) checkoutCancelHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "cancelled",
		"message": "Checkout was cancelled. No charge was made.",
	})
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

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start offer expiry sweep
	go s.offerTimer.Start(runCtx)

	// Start subscription renewal sweep
	go s.creditTimer.Start(runCtx)

	// Sample DB pool stats into prometheus gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 30*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

	// Cancel the context for all background goroutines (hub, timers, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop offer timer
	if s.offerTimer != nil {
		s.offerTimer.Stop()
		s.logger.Info("offer timer stopped")
	}

	// Stop credit timer
	if s.creditTimer != nil {
		s.creditTimer.Stop()
		s.logger.Info("credit timer stopped")
	}

	// Flush traces
	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
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

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// listingGateAdapter adapts listings.Service to offers.ListingGate
type listingGateAdapter struct {
	l *listings.Service
}

func (a *listingGateAdapter) Snapshot(ctx context.Context, listingID string) (*offers.ListingSnapshot, error) {
	l, err := a.l.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	return &offers.ListingSnapshot{
		ID:        l.ID,
		SellerID:  l.SellerID,
		Offerable: l.Offerable(),
	}, nil
}

func (a *listingGateAdapter) Reserve(ctx context.Context, listingID, ref string) error {
	return a.l.Reserve(ctx, listingID, ref)
}

func (a *listingGateAdapter) Release(ctx context.Context, listingID string) error {
	return a.l.Release(ctx, listingID)
}

// transactionOpener adapts transactions.Service to offers.TransactionOpener
type transactionOpener struct {
	t *transactions.Service
}

func (a *transactionOpener) OpenFromOffer(ctx context.Context, o *offers.Offer) (string, error) {
	t, err := a.t.Open(ctx, transactions.OpenRequest{
		OfferID:     o.ID,
		ListingID:   o.ListingID,
		BuyerID:     o.BuyerID,
		SellerID:    o.SellerID,
		AgreedPrice: o.AgreedPrice(),
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// transactionApplier adapts transactions.Service to reconcile.TransactionApplier.
// A transaction that has already moved past the expected status makes the
// event superseded; a disputed transaction stays a transient failure so the
// gateway keeps retrying until the dispute resolves.
type transactionApplier struct {
	t *transactions.Service
}

func (a *transactionApplier) ConfirmDepositPaid(ctx context.Context, txnID, paymentRef string) error {
	_, err := a.t.ConfirmDepositPaid(ctx, txnID, paymentRef)
	return supersededIfStale(err)
}

func (a *transactionApplier) ConfirmFinalPaymentPaid(ctx context.Context, txnID, paymentRef string) error {
	_, err := a.t.ConfirmFinalPaymentPaid(ctx, txnID, paymentRef)
	return supersededIfStale(err)
}

func supersededIfStale(err error) error {
	if errors.Is(err, transactions.ErrInvalidStatus) || errors.Is(err, transactions.ErrTerminal) {
		return fmt.Errorf("%w: %w", reconcile.ErrSuperseded, err)
	}
	return err
}

// listingFeeApplier adapts listings.Service to reconcile.ListingApplier.
// A fee event for a listing that already activated (fee waived, or a prior
// delivery applied) is acknowledged as superseded, not retried forever.
type listingFeeApplier struct {
	l *listings.Service
}

func (a *listingFeeApplier) MarkFeePaid(ctx context.Context, listingID, paymentRef string) error {
	err := a.l.MarkFeePaid(ctx, listingID, paymentRef)
	if errors.Is(err, listings.ErrInvalidStatus) {
		return fmt.Errorf("%w: %w", reconcile.ErrSuperseded, err)
	}
	return err
}

// offerNotifier adapts notify.Service to offers.Notifier
type offerNotifier struct {
	n *notify.Service
}

func (a *offerNotifier) NotifyOffer(event string, o *offers.Offer) {
	a.n.Publish(event, o)
}

// transactionNotifier adapts notify.Service to transactions.Notifier
type transactionNotifier struct {
	n *notify.Service
}

func (a *transactionNotifier) NotifyTransaction(event string, t *transactions.Transaction) {
	a.n.Publish(event, t)
}

// paymentNotifier adapts notify.Service to reconcile.Notifier
type paymentNotifier struct {
	n *notify.Service
}

func (a *paymentNotifier) NotifyPaymentFailed(userID, reference, reason string) {
	a.n.Publish("payment.failed", map[string]string{
		"userId":    userID,
		"reference": reference,
		"reason":    reason,
	})
}
