package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/middlewares"
	"github.com/mmdatafocus/costledger_backend/models"
	"github.com/mmdatafocus/costledger_backend/utils"
	"github.com/mmdatafocus/costledger_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// newRouter builds the gin engine with every middleware and route.
func newRouter(logger *logrus.Logger, settings config.HTTPSettings) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(readinessGate())
	r.Use(cors.New(corsConfig(settings)))
	if settings.RateLimitEnabled {
		limiter := &middlewares.RateLimiter{Limit: settings.RateLimitMax, Window: settings.RateLimitWindow}
		r.Use(limiter.Middleware())
	}
	r.Use(middlewares.SessionMiddleware())
	r.Use(middlewares.LoaderMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/", middlewares.RequireProgram())

	txns := api.Group("/transactions/:id")
	txns.GET("/candidates", getCandidatesHandler())
	txns.POST("/confirm", confirmMatchHandler())
	txns.POST("/reject", rejectMatchHandler())
	txns.POST("/undo-reject", undoRejectHandler())
	txns.POST("/remove-match", removeMatchHandler())
	txns.POST("/add-to-ledger", addToLedgerHandler())
	txns.POST("/duplicate/accept", acceptDuplicateHandler())
	txns.POST("/duplicate/reject", rejectDuplicateHandler())
	txns.POST("/duplicate/replace-original", replaceOriginalHandler())

	api.POST("/import-sessions", createImportSessionHandler())
	sessions := api.Group("/import-sessions/:id")
	sessions.GET("/transactions", importSessionTransactionsHandler())
	sessions.POST("/rescore", rescoreImportSessionHandler())
	sessions.POST("/cancel", cancelImportSessionHandler())
	sessions.GET("/audit-trail", importSessionAuditTrailHandler())

	api.POST("/ledger-entries", createLedgerEntryHandler())
	api.POST("/ledger-entries/boe-push", pushFromBOEHandler())
	entries := api.Group("/ledger-entries/:id")
	entries.GET("", getLedgerEntryHandler())
	entries.PUT("", updateLedgerEntryHandler())
	entries.DELETE("", deleteLedgerEntryHandler())
	entries.GET("/scenarios", scenariosHandler())
	entries.POST("/adjustments/preview", adjustmentHandler(true))
	entries.POST("/adjustments/apply", adjustmentHandler(false))
	entries.GET("/audit-trail", ledgerEntryAuditTrailHandler())
	entries.GET("/audit-summary", ledgerEntryAuditSummaryHandler())
	entries.GET("/suggestions", suggestionsHandler())

	api.GET("/boe-versions/:id/audit-trail", boeAuditTrailHandler())

	// ops tooling
	api.POST("/internal/ops/outbox/replay", middlewares.RequireAdmin(), outboxReplayHandler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

// readinessGate answers 503 until the database is connected. Redis is
// optional: locks and rate limits are skipped without it.
func readinessGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if config.GetDB() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "starting up"})
			return
		}
		c.Next()
	}
}

func corsConfig(settings config.HTTPSettings) cors.Config {
	cfg := cors.DefaultConfig()
	switch {
	case !settings.Production:
		cfg.AllowAllOrigins = true
	case len(settings.AllowedOrigins) == 0:
		// production without CORS_ALLOWED_ORIGINS serves no browser origin
		cfg.AllowOriginFunc = func(string) bool { return false }
	default:
		cfg.AllowOrigins = append([]string{}, settings.AllowedOrigins...)
		cfg.AllowCredentials = true
	}
	cfg.AddAllowHeaders(middlewares.HeaderToken, middlewares.HeaderProgramId, middlewares.HeaderCorrelationId, "Authorization")
	cfg.AddExposeHeaders(middlewares.HeaderCorrelationId, "X-RateLimit-Remaining", "Retry-After")
	return cfg
}

// customErrorLogger logs requests that left errors on the gin context.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 {
			return
		}
		correlationId, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"path":           c.FullPath(),
			"method":         c.Request.Method,
			"status":         c.Writer.Status(),
			"program_id":     c.GetHeader(middlewares.HeaderProgramId),
			"correlation_id": correlationId,
		}).Error(c.Errors.String())
	}
}

// prepareDatabase connects, migrates unless SKIP_MIGRATIONS is set, and
// switches sessions to READ COMMITTED so versioned saves see fresh rows.
func prepareDatabase(logger *logrus.Logger, settings config.HTTPSettings) *gorm.DB {
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()

	if settings.SkipMigrations {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS is set; schema is managed elsewhere")
	} else {
		models.MigrateTable()
	}

	wait := time.Second
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			return db
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
			"retry":   wait.String(),
		}).Warn("set isolation level: " + err.Error())
		time.Sleep(wait)
		if wait *= 2; wait > 30*time.Second {
			wait = 30 * time.Second
		}
	}
}

func main() {
	settings := config.LoadHTTPSettings()
	logger := config.GetLogger()

	// Cloud Run sends SIGTERM before stopping a revision.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// listen first; the readiness gate holds requests until the DB is up
	srv := &http.Server{
		Addr:              ":" + settings.Port,
		Handler:           newRouter(logger, settings),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	db := prepareDatabase(logger, settings)
	config.ConnectRedisWithRetry()

	workers, stopWorkers := context.WithCancel(context.Background())
	if config.OutboxDispatcherEnabled() {
		go workflow.NewOutboxDispatcher(db, logger).Run(workers)
	} else {
		logger.WithFields(logrus.Fields{"field": "outbox"}).Warn("outbox dispatcher disabled; ledger events stay PENDING")
	}

	logger.WithFields(logrus.Fields{
		"port":       settings.Port,
		"production": settings.Production,
	}).Info("cost ledger API ready")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// no new publishes while requests drain
	stopWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
