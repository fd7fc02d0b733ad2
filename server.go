package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/fieldserve/billing_backend/config"
	"bitbucket.org/fieldserve/billing_backend/middlewares"
	"bitbucket.org/fieldserve/billing_backend/models"
	"bitbucket.org/fieldserve/billing_backend/utils"
	"bitbucket.org/fieldserve/billing_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("fieldserve-billing")

// RateLimiter is a simple fixed-window limiter backed by Redis.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

type pingRequest struct {
	BookingId  string    `json:"booking_id" binding:"required"`
	FoId       string    `json:"fo_id" binding:"required"`
	Lat        *float64  `json:"lat" binding:"required"`
	Lng        *float64  `json:"lng" binding:"required"`
	AccuracyM  *float64  `json:"accuracy_m"`
	CapturedAt time.Time `json:"captured_at" binding:"required"`
}

type finalizeRequest struct {
	BookingId      string     `json:"booking_id" binding:"required"`
	EndedAt        *time.Time `json:"ended_at"`
	IdempotencyKey string     `json:"idempotency_key"`
}

// obtainBookingEdgeLock is a best-effort optimization to avoid long
// in-request blocking across instances. Reliability must not depend on Redis:
// the authoritative serialization point is the MySQL advisory lock taken
// inside the billing transaction.
func obtainBookingEdgeLock(c *gin.Context, logger *logrus.Logger, bookingId string) *redislock.Lock {
	redisLock := config.GetRedisLock()
	if redisLock == nil {
		logger.WithFields(logrus.Fields{
			"field":      "obtainBookingEdgeLock",
			"booking_id": bookingId,
		}).Warn("redis lock not ready; proceeding without edge lock")
		return nil
	}

	lock, err := redisLock.Obtain(c.Request.Context(), fmt.Sprintf("lock:billing:%s", bookingId), 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		logger.WithFields(logrus.Fields{
			"field":      "obtainBookingEdgeLock",
			"booking_id": bookingId,
		}).Warn("could not obtain edge lock; proceeding without it")
		return nil
	} else if err != nil {
		logger.WithFields(logrus.Fields{
			"field":      "obtainBookingEdgeLock",
			"booking_id": bookingId,
		}).Warn("error obtaining edge lock; proceeding without it: " + err.Error())
		return nil
	}
	return lock
}

func releaseBookingEdgeLock(c *gin.Context, logger *logrus.Logger, lock *redislock.Lock, bookingId string) {
	if lock == nil {
		return
	}
	if err := lock.Release(c.Request.Context()); err != nil {
		logger.WithFields(logrus.Fields{
			"field":      "releaseBookingEdgeLock",
			"booking_id": bookingId,
		}).Warn("failed to release edge lock: " + err.Error())
	}
}

func ingestPingHandler(policy config.PricingPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		var req pingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "ReconcilePing")
		defer span.End()

		db := config.GetDB()

		// The ping is evidence; it is persisted before reconciliation and
		// regardless of the reconciliation outcome.
		ping := &models.LocationPing{
			BookingId:  req.BookingId,
			FoId:       req.FoId,
			Lat:        *req.Lat,
			Lng:        *req.Lng,
			AccuracyM:  req.AccuracyM,
			CapturedAt: req.CapturedAt,
		}
		if err := models.CreateLocationPing(db.WithContext(ctx), ping); err != nil {
			config.LogError(logger, "server.go", "ingestPingHandler", "CreateLocationPing", req, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record ping"})
			return
		}

		lock := obtainBookingEdgeLock(c, logger, req.BookingId)
		defer releaseBookingEdgeLock(c, logger, lock, req.BookingId)

		result, err := workflow.ReconcilePing(ctx, db, logger, policy, workflow.PingInput{
			BookingId:  req.BookingId,
			FoId:       req.FoId,
			Lat:        *req.Lat,
			Lng:        *req.Lng,
			AccuracyM:  req.AccuracyM,
			CapturedAt: req.CapturedAt,
		})
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "booking not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

func finalizeHandler(policy config.PricingPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		var req finalizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}

		lock := obtainBookingEdgeLock(c, logger, req.BookingId)
		defer releaseBookingEdgeLock(c, logger, lock, req.BookingId)

		result, err := workflow.FinalizeBookingBilling(c.Request.Context(), config.GetDB(), logger, policy, req.BookingId, req.EndedAt, req.IdempotencyKey)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "booking not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "finalization failed"})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

func refinalizeHandler(policy config.PricingPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		if !utils.IsAdminFromContext(c.Request.Context()) {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin override required"})
			return
		}

		var req finalizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}

		lock := obtainBookingEdgeLock(c, logger, req.BookingId)
		defer releaseBookingEdgeLock(c, logger, lock, req.BookingId)

		result, err := workflow.RefinalizeBookingBilling(c.Request.Context(), config.GetDB(), logger, policy, req.BookingId, req.EndedAt, req.IdempotencyKey)
		if err != nil {
			var conflict *workflow.GatewayStateConflictError
			if errors.As(err, &conflict) {
				c.JSON(http.StatusConflict, gin.H{
					"error":          "payment already settled; billing record is frozen",
					"payment_status": conflict.Status,
				})
				return
			}
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "booking not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "refinalization failed"})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

func readBillingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bookingId := c.Param("bookingId")
		if bookingId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "booking id is required"})
			return
		}

		result, err := workflow.ReadBookingBilling(c.Request.Context(), config.GetDB(), bookingId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "booking not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read billing"})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	policy, err := config.LoadPricingPolicy()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "pricing"}).Fatal("invalid pricing policy: " + err.Error())
	}

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := redis.NewClient(&redis.Options{Addr: os.Getenv("REDIS_ADDRESS")})
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/pings", ingestPingHandler(policy))
	r.POST("/billing/finalize", finalizeHandler(policy))
	r.POST("/billing/refinalize", refinalizeHandler(policy))
	r.GET("/billing/:bookingId", readBillingHandler())

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<minInt(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("billing engine listening on :", port)

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware enforces a per-IP fixed window.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
