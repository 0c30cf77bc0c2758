package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/deriv/fraud-triage/configs"
	"github.com/deriv/fraud-triage/internal/bus"
	"github.com/deriv/fraud-triage/internal/cases"
	"github.com/deriv/fraud-triage/internal/models"
	"github.com/deriv/fraud-triage/internal/queue"
	"github.com/deriv/fraud-triage/internal/repositories"
	"github.com/deriv/fraud-triage/internal/rules"
	"github.com/deriv/fraud-triage/internal/triage"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg := configs.Load()

	// Setup logging
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting Fraud Triage Server")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis
	consumer, err := queue.NewStreamConsumer(cfg.Redis, cfg.Triage.ClaimMinIdle)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to transaction stream")
	}
	defer consumer.Close()

	aiQueue, err := queue.NewInvestigationQueue(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to AI investigation queue")
	}
	defer aiQueue.Close()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis cache")
	}
	defer cacheClient.Close()

	// Initialize core components
	caseRepo := repositories.NewFraudCaseRepository(db)
	hub := bus.NewHub()
	meter := triage.NewTrafficMeter()
	engine := rules.NewEngine(rules.NewVelocityTracker(rules.DefaultChurnWindow))
	pipeline := triage.NewPipeline(cfg.Triage, cfg.Redis.ConsumerName, consumer, engine, caseRepo, aiQueue, hub, meter)
	caseService := cases.NewService(caseRepo, cacheClient, hub)
	broadcaster := cases.NewStatsBroadcaster(caseService, meter, cfg.Triage.StatsInterval)

	// Background workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	go hub.Run()
	wg.Add(2)
	go func() {
		defer wg.Done()
		pipeline.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		broadcaster.Run(ctx)
	}()

	// Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())

	// Rate limiting: 100 requests per minute per IP
	rateLimiter := NewRateLimiter(100, time.Minute)
	router.Use(rateLimitMiddleware(rateLimiter))

	// Setup routes
	setupRoutes(router, caseService, caseRepo, hub, consumer, db)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Stop the pipeline first so no record is half-triaged when the
	// process exits; in-flight records stay pending and are reclaimed.
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func setupRoutes(
	router *gin.Engine,
	caseService *cases.Service,
	caseRepo *repositories.FraudCaseRepository,
	hub *bus.Hub,
	consumer *queue.StreamConsumer,
	db *repositories.Database,
) {
	// Health check
	router.GET("/health", func(c *gin.Context) {
		if err := db.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Live dashboard socket
	router.GET("/ws-fraud", func(c *gin.Context) {
		hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API v1 routes
	v1 := router.Group("/api/v1")

	// Dashboard routes
	dashboard := v1.Group("/dashboard")
	{
		dashboard.GET("/stats", getStatsHandler(caseService, consumer))
		dashboard.GET("/queue", getQueueHandler(caseService))
		dashboard.GET("/cases/:case_id", getCaseHandler(caseService))
		dashboard.POST("/cases/:case_id/resolve", resolveCaseHandler(caseService))
	}

	// Fraud case routes (AI investigator callback + lookups)
	fraudCases := v1.Group("/fraud-cases")
	{
		fraudCases.POST("/ai-update", aiUpdateHandler(caseService))
		fraudCases.GET("/:case_id", getCaseHandler(caseService))
		fraudCases.GET("/user/:user_id", getUserCasesHandler(caseRepo))
	}
}

// Middleware

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", c.GetString("request_id")).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimiter implements a simple in-memory rate limiter using token bucket algorithm
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests per window
	window   time.Duration // time window
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	// Clean up old visitors periodically
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	now := time.Now()

	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastSeen: now}
		return true
	}

	// Refill tokens based on time elapsed
	elapsed := now.Sub(v.lastSeen)
	refill := int(elapsed / (rl.window / time.Duration(rl.rate)))
	v.tokens += refill
	if v.tokens > rl.rate {
		v.tokens = rl.rate
	}
	v.lastSeen = now

	if v.tokens > 0 {
		v.tokens--
		return true
	}

	return false
}

func rateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.Allow(ip) {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 60,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Handlers

func getStatsHandler(caseService *cases.Service, consumer *queue.StreamConsumer) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := caseService.GetStats(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}

		pending, err := consumer.PendingCount(c.Request.Context())
		if err != nil {
			pending = -1
		}

		c.JSON(http.StatusOK, gin.H{
			"total_cases":    stats.TotalCases,
			"auto_approved":  stats.AutoApproved,
			"auto_blocked":   stats.AutoBlocked,
			"manual_cases":   stats.ManualCases,
			"tps":            stats.TPS,
			"stream_pending": pending,
		})
	}
}

func getQueueHandler(caseService *cases.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		reviewQueue, err := caseService.ReviewQueue(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"cases": reviewQueue,
			"total": len(reviewQueue),
		})
	}
}

func getCaseHandler(caseService *cases.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		fraudCase, err := caseService.GetCase(c.Request.Context(), c.Param("case_id"))
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, fraudCase)
	}
}

func getUserCasesHandler(caseRepo *repositories.FraudCaseRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		userCases, err := caseRepo.ListByUser(c.Request.Context(), c.Param("user_id"))
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"cases": userCases,
			"total": len(userCases),
		})
	}
}

func resolveCaseHandler(caseService *cases.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Decision string `json:"decision" binding:"required"`
			Notes    string `json:"notes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resolved, err := caseService.Resolve(c.Request.Context(), c.Param("case_id"), req.Decision, req.Notes)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, resolved)
	}
}

func aiUpdateHandler(caseService *cases.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var upd cases.AIUpdate
		if err := c.ShouldBindJSON(&upd); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		updated, err := caseService.ProcessAIUpdate(c.Request.Context(), &upd)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, updated)
	}
}

// writeError maps service errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repositories.ErrCaseNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrIllegalTransition):
		status = http.StatusConflict
	case errors.Is(err, cases.ErrBadPayload):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
