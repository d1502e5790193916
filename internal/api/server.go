package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"credit-ledger/internal/auth"
	"credit-ledger/internal/events"
	"credit-ledger/internal/ledger"
	"credit-ledger/internal/logging"
	"credit-ledger/internal/metrics"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WindowCounter is a shared fixed-window counter (Redis in production)
type WindowCounter interface {
	IncrementWindow(ctx context.Context, scope, subject string, window time.Duration) (int64, error)
}

// RateLimiter limits requests per key in a fixed window. With a shared
// counter configured, limits hold across replicas; when the counter errors
// the limiter falls back to its in-memory window.
type RateLimiter struct {
	requests  map[string][]time.Time
	mu        sync.Mutex
	scope     string
	limit     int           // max requests
	window    time.Duration // time window
	shared    WindowCounter
	lastSweep time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(scope string, limit int, window time.Duration, shared WindowCounter) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		scope:    scope,
		limit:    limit,
		window:   window,
		shared:   shared,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(ctx context.Context, key string) bool {
	if r.limit <= 0 {
		return true
	}

	if r.shared != nil {
		n, err := r.shared.IncrementWindow(ctx, r.scope, key, r.window)
		if err == nil {
			return n <= int64(r.limit)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)
	if now.Sub(r.lastSweep) >= r.window {
		r.sweep(windowStart)
		r.lastSweep = now
	}

	// Filter out old requests
	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// sweep drops keys with no request inside the window. Callers hold r.mu.
func (r *RateLimiter) sweep(windowStart time.Time) {
	for key, times := range r.requests {
		if len(times) == 0 || !times[len(times)-1].After(windowStart) {
			delete(r.requests, key)
		}
	}
}

// HealthCheck is one dependency probed by /health. A failing critical
// check turns the response into 503.
type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Critical bool
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ProductionMode  bool
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RedeemRateLimit int // per user per minute, 0 disables
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	ledger      *ledger.Service
	jwtManager  *auth.JWTManager
	hub         *UserWSHub
	config      ServerConfig
	logger      *logging.Logger
	checks      []HealthCheck
	redeemLimit *RateLimiter
	started     time.Time
}

// Option configures a Server
type Option func(*Server)

// WithHealthCheck adds a dependency to /health
func WithHealthCheck(check HealthCheck) Option {
	return func(s *Server) { s.checks = append(s.checks, check) }
}

// WithSharedRateLimit backs the redeem limiter with a shared counter
func WithSharedRateLimit(counter WindowCounter) Option {
	return func(s *Server) { s.redeemLimit.shared = counter }
}

// NewServer creates a new API server
func NewServer(
	config ServerConfig,
	svc *ledger.Service,
	jwtManager *auth.JWTManager,
	eventBus *events.EventBus,
	logger *logging.Logger,
	opts ...Option,
) *Server {
	// Set Gin mode
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))
	router.Use(metricsMiddleware())

	// CORS middleware
	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || config.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", logging.TraceHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length", logging.TraceHeader}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		ledger:      svc,
		jwtManager:  jwtManager,
		config:      config,
		logger:      logger.WithComponent("api"),
		redeemLimit: NewRateLimiter("redeem", config.RedeemRateLimit, time.Minute, nil),
		started:     time.Now(),
	}
	for _, opt := range opts {
		opt(server)
	}

	server.hub = NewUserWSHub(logger)
	if eventBus != nil {
		server.hub.Attach(eventBus)
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")

	credits := api.Group("/credits")
	{
		// Access checks answer anonymous callers too
		optional := credits.Group("", auth.OptionalMiddleware(s.jwtManager))
		optional.GET("/check-article-access/:articleId", s.handleCheckArticleAccess)
		optional.GET("/check-course-access/:courseId", s.handleCheckCourseAccess)

		protected := credits.Group("", auth.Middleware(s.jwtManager))
		protected.GET("/balance", s.handleGetBalance)
		protected.POST("/redeem", s.redeemRateLimitMiddleware(), s.handleRedeem)
		protected.POST("/consume-video", s.handleConsumeVideo)
		protected.POST("/consume-article", s.handleConsumeArticle)
		protected.POST("/purchase-course", s.handlePurchaseCourse)
		protected.POST("/purchase-article", s.handlePurchaseArticle)
		protected.GET("/transactions", s.handleListTransactions)
	}

	admin := api.Group("/admin", auth.Middleware(s.jwtManager), auth.RequireAdmin())
	{
		admin.POST("/codes/generate", s.handleGenerateCodes)
		admin.GET("/reports/licenses", s.handleLicenseReport)
	}

	api.GET("/ws/credits", s.handleCreditsWebSocket)
}

// redeemRateLimitMiddleware limits redemption attempts per user to slow
// down code guessing
func (s *Server) redeemRateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.GetUserID(c)
		if !s.redeemLimit.Allow(c.Request.Context(), userID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many redemption attempts, please try again later",
				"code":  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the realtime hub
func (s *Server) Hub() *UserWSHub {
	return s.hub
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.Run()

	s.logger.Info("Starting HTTP server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	s.hub.Stop()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for _, hc := range s.checks {
		if err := hc.Check(ctx); err != nil {
			s.logger.WithError(err).Warn("Health check failed", "check", hc.Name)
			if hc.Critical {
				checks[hc.Name] = "unhealthy"
				status = "unhealthy"
				code = http.StatusServiceUnavailable
				continue
			}
			checks[hc.Name] = "degraded"
			if status == "healthy" {
				status = "degraded"
			}
			continue
		}
		checks[hc.Name] = "healthy"
	}

	c.JSON(code, gin.H{
		"status":         status,
		"checks":         checks,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"ws_clients":     s.hub.GetTotalClientCount(),
	})
}

// ParseOrigins splits a comma separated origin list
func ParseOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
