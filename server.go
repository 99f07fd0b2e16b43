package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/repogen/config"
	"bitbucket.org/mmdatafocus/repogen/middlewares"
	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"bitbucket.org/mmdatafocus/repogen/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultPort        = "8080"
	serviceName        = "repogen"
	migrationLockName  = "repogen:migrate"
	migrationLockWait  = 5 * time.Minute
	defaultRateLimit   = 600
	gracefulDrainLimit = 30 * time.Second
)

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

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	shutdownTracing := config.InitTracing(sigCtx, serviceName)

	// contract patches keep numbers exact until the rules see them
	binding.EnableDecoderUseNumber = true

	engine := workflow.NewEngine(nil, logger)
	var ready atomic.Bool
	r := newRouter(engine, logger, ready.Load)

	// Start listening immediately; app endpoints return 503 until DB/Redis are ready.
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	engine.DB = db
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	// AutoMigrate can hold DDL locks for a while; run it as a separate job when SKIP_MIGRATIONS=true.
	if !config.SkipMigrations() {
		err := workflow.WithAdvisoryLock(sigCtx, db, migrationLockName, migrationLockWait, func(*gorm.DB) error {
			models.MigrateTable()
			return nil
		})
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	ready.Store(true)

	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	workersDone := make(chan struct{})
	if config.RunWorkersInProcess() {
		go func() {
			defer close(workersDone)
			workflow.RunWorkers(workersCtx, db, logger, engine.Renderer)
		}()
	} else {
		close(workersDone)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("repogen listening on :", port)

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't claim new work while we're draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulDrainLimit)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		logger.WithFields(logrus.Fields{"field": "workers"}).Warn("workers did not stop before the drain deadline")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "tracing"}).Warn("tracer shutdown: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func newRouter(engine *workflow.Engine, logger *logrus.Logger, ready func() bool) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(readinessGate(ready))
	r.Use(cors.New(corsConfig()))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	authed := []gin.HandlerFunc{
		middlewares.AuthMiddleware(),
		middlewares.SessionMiddleware(),
	}
	if config.RateLimitEnabled() {
		authed = append(authed, middlewares.RateLimitMiddleware(utils.IntFromEnv("RATE_LIMIT_MAX_REQUESTS", defaultRateLimit)))
	}
	authed = append(authed, middlewares.LoaderMiddleware())

	registerRoutes(r, engine, authed...)
	r.NoRoute(customNotFoundHandler)
	return r
}

// readinessGate answers 503 until the database is connected and migrations
// ran. Redis is optional: locks and caches fail open without it.
func readinessGate(ready func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Cloud Run startup checks hit /healthz before dependencies connect.
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}
		if !ready() || config.GetDB() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": errorBody{
				Kind:    string(utils.KindDependencyUnavailable),
				Code:    "starting",
				Message: "service is starting",
			}})
			return
		}
		c.Next()
	}
}

func corsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	// In production, require an explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if config.IsProduction() {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PATCH", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", middlewares.CorrelationHeader)
	corsConfig.AddExposeHeaders("Content-Length", "X-Bundle-Digest", middlewares.CorrelationHeader)
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	return corsConfig
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

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": errorBody{
		Kind:    string(utils.KindNotFound),
		Code:    "route_not_found",
		Message: "route not found",
	}})
}
