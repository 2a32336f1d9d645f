package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/atelierworks/bridge_backend/chat"
	"bitbucket.org/atelierworks/bridge_backend/config"
	"bitbucket.org/atelierworks/bridge_backend/designapi"
	"bitbucket.org/atelierworks/bridge_backend/ingress"
	"bitbucket.org/atelierworks/bridge_backend/models"
	"bitbucket.org/atelierworks/bridge_backend/utils"
	"bitbucket.org/atelierworks/bridge_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// services holds everything wired after the backing stores connect. The HTTP
// listener comes up first so health checks pass during a slow connect; routes
// 503 until this pointer is set.
type services struct {
	handlers *ingress.Handlers
	push     gin.HandlerFunc
}

var svc atomic.Pointer[services]

func main() {
	port := os.Getenv("BRIDGE_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil || svc.Load() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/webhook/storefront", func(c *gin.Context) { svc.Load().handlers.StorefrontWebhook()(c) })
	r.POST("/webhook/guild", func(c *gin.Context) { svc.Load().handlers.ChatWebhook(models.PlatformGuild)(c) })
	r.POST("/webhook/messaging", func(c *gin.Context) { svc.Load().handlers.ChatWebhook(models.PlatformMessaging)(c) })
	r.GET("/api/orders/:orderId/status", func(c *gin.Context) { svc.Load().handlers.OrderStatus()(c) })
	r.POST("/api/orders/:orderId/retry", func(c *gin.Context) { svc.Load().handlers.RetryOrder()(c) })
	r.POST("/pubsub/design-jobs", func(c *gin.Context) { svc.Load().push(c) })

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

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
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	api, err := designapi.NewClient()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "startup"}).Fatal("design api client: " + err.Error())
	}
	guild, err := chat.NewGuildClient()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "startup"}).Fatal("guild client: " + err.Error())
	}
	messaging, err := chat.NewMessagingClient()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "startup"}).Fatal("messaging client: " + err.Error())
	}
	operator, err := chat.NewGuildOperatorNotifier()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "startup"}).Warn("operator notifier disabled: " + err.Error())
	}

	router := workflow.NewRelayRouter(db, logger)
	dispatcher := workflow.NewJobDispatcher(db, logger, config.GetRedisLock(), api, router)
	outbox := workflow.NewOutboxDispatcher(db, logger, map[models.Platform]chat.Sender{
		models.PlatformGuild:     guild,
		models.PlatformMessaging: messaging,
	}, operator)

	go outbox.Run(sigCtx)
	go workflow.RunIdempotencyCleanup(sigCtx, db, logger)
	go dispatcher.RunStalledJobSweeper(sigCtx)

	svc.Store(&services{
		handlers: ingress.NewHandlers(logger, dispatcher, router),
		push:     ingress.DesignJobPushHandler(logger, dispatcher),
	})
	logger.WithFields(logrus.Fields{"field": "startup", "port": port}).Info("bridge service ready")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
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

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
