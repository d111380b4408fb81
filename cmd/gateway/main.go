// Command gateway boots the multi-tenant real-time event gateway: it wires
// the Log Adapter, Durable Event Log, Connection Manager, Subscription
// Manager, Event Router, Session Gateway, Replay Engine, Delivery Engine,
// Retry Manager, Quota Manager, and Audit Ring together behind gin, serving
// WebSocket, SSE, and REST traffic on one HTTP listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/audit"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/config"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/connection"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/delivery"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/dlq"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/eventlog"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/gateway"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/handlers"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logadapter"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/middleware"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/monitoring"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/quota"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/replay"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/retry"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/router"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/subscription"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/tenant"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/version"
)

const serviceName = "apix-gateway"

func main() {
	logger := logging.NewLoggerWithComponent(serviceName)
	config.LoadEnv(logger)
	logger.Info("starting apix gateway")

	redisAddrs := strings.Split(config.RequireEnv("REDIS_ADDRS"), ",")
	jwtSecret := config.RequireEnv("JWT_SECRET")

	ctx, cancelDial := context.WithTimeout(context.Background(), 10*time.Second)
	redisClient, err := logadapter.NewClient(ctx, logadapter.Config{Addrs: redisAddrs})
	cancelDial()
	if err != nil {
		logger.WithError(err).Error("failed to connect to redis")
		os.Exit(69) // EX_UNAVAILABLE: durable storage is required at boot
	}
	defer redisClient.Close()

	adapter := logadapter.New(redisClient)

	var dlqProducer *dlq.Producer
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		dlqProducer, err = dlq.NewProducer(strings.Split(brokers, ","), logger)
		if err != nil {
			logger.WithError(err).Warn("failed to create dlq producer; dead-lettering disabled")
			dlqProducer = nil
		} else {
			defer dlqProducer.Close()
		}
	}

	// A typed-nil *dlq.Producer boxed into a non-nil interface would make
	// every `!= nil` check downstream lie; only box it once it is real.
	var deliveryDLQ delivery.DLQSink
	var replayDLQ replay.DLQSink
	if dlqProducer != nil {
		deliveryDLQ = dlqProducer
		replayDLQ = dlqProducer
	}

	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version)
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"REDIS_ADDRS": config.GetEnv("REDIS_ADDRS", ""),
		"JWT_SECRET":  jwtSecret,
	}))

	sessionGauge := metricsCollector.NewGauge("active_sessions", "Live WebSocket sessions", []string{"org_id"})
	circuitGauge := metricsCollector.NewGauge("circuit_state", "Circuit breaker state (0=closed,1=half_open,2=open)", []string{"circuit_id"})

	retrier := retry.NewManager(func(event, operationID string, attempt int, err error) {
		switch event {
		case retry.EventCircuitOpened:
			circuitGauge.WithLabelValues(operationID).Set(2)
		case retry.EventCircuitClosed, retry.EventCircuitReset:
			circuitGauge.WithLabelValues(operationID).Set(0)
		}
	})

	quotas := quota.NewManager(adapter, quota.DefaultLimits())
	auditRing := audit.NewRing(adapter, logger, 0, audit.NoopAlertSink{})
	tenantBuilder := tenant.NewBuilder([]byte(jwtSecret), tenant.StaticResolver{})
	policy := tenant.DefaultPolicyEngine{}

	heartbeatInterval := time.Duration(config.GetEnvInt("HEARTBEAT_INTERVAL_MS", 30_000)) * time.Millisecond
	sessionMessageLimit := config.GetEnvInt("SESSION_MAX_MESSAGES_PER_MINUTE", 100)
	conns := connection.NewManager(logger, adapter, quotas, heartbeatInterval, sessionMessageLimit)
	subs := subscription.NewManager()
	log := eventlog.New(adapter, config.GetEnvBool("EVENT_DEDUP_ENABLED", true))

	httpClient := &http.Client{Timeout: 30 * time.Second}
	deliveryEngine := delivery.New(logger, adapter, retrier, httpClient, deliveryDLQ)
	replayEngine := replay.New(logger, log, retrier, replayDLQ)

	var hub *gateway.Hub
	evtRouter := router.New(logger, log, subs, routerBroadcasterFunc(func(orgID, channel string, event models.Event, matchedUserIDs []string) {
		hub.BroadcastToChannel(orgID, channel, event, matchedUserIDs)
	}))
	hub = gateway.NewHub(logger, conns, subs, evtRouter, metricsCollector)

	h := handlers.New(logger, tenantBuilder, policy, auditRing, subs, log, replayEngine, deliveryEngine, retrier, adapter, quotas)

	if config.GetEnv("GIN_MODE", "debug") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	ginRouter := gin.New()
	ginRouter.Use(middleware.RequestIDMiddleware())
	ginRouter.Use(middleware.LoggingMiddleware(logger))
	ginRouter.Use(middleware.RecoveryMiddleware(logger))
	ginRouter.Use(middleware.CORSMiddleware())
	ginRouter.Use(metricsCollector.MetricsMiddleware())

	ginRouter.GET("/health", healthChecker.Handler())
	ginRouter.GET("/metrics", metricsCollector.Handler())

	// Separate routes per client type, all delegating to the one Hub.
	ginRouter.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request, tenantBuilder, models.ClientWeb)
	})
	ginRouter.GET("/ws/mobile", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request, tenantBuilder, models.ClientMobile)
	})
	ginRouter.GET("/ws/sdk", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request, tenantBuilder, models.ClientSDK)
	})
	ginRouter.GET("/ws/service", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request, tenantBuilder, models.ClientService)
	})

	api := ginRouter.Group("/api/v1")
	api.Use(h.RequireAuth())
	api.Use(h.EnforceAPIQuota())
	{
		api.POST("/subscriptions", h.RequirePermission("create", "subscription"), h.CreateSubscription)
		api.GET("/subscriptions", h.RequirePermission("read", "subscription"), h.ListSubscriptions)
		api.DELETE("/subscriptions/:id", h.RequirePermission("delete", "subscription"), h.DeleteSubscription)

		api.POST("/endpoints", h.RequirePermission("create", "endpoint"), h.RegisterEndpoint)
		api.PUT("/endpoints/:id", h.RequirePermission("update", "endpoint"), h.UpdateEndpoint)
		api.GET("/endpoints", h.RequirePermission("read", "endpoint"), h.ListEndpoints)
		api.GET("/endpoints/:id", h.RequirePermission("read", "endpoint"), h.GetEndpoint)

		api.POST("/events/replay", h.RequirePermission("create", "replay"), h.StartReplay)
		api.GET("/replay/:id", h.RequirePermission("read", "replay"), h.GetReplayStatus)
		api.DELETE("/replay/:id", h.RequirePermission("delete", "replay"), h.StopReplay)

		api.POST("/events/:id/deliver", h.RequirePermission("create", "delivery"), h.DeliverEvent)
		api.POST("/receipts/:id/ack", h.RequirePermission("update", "delivery"), h.AcknowledgeReceipt)

		api.GET("/circuits", h.RequirePermission("read", "circuit"), h.ListCircuits)
		api.GET("/audit", h.RequirePermission("read", "audit"), h.ListAuditRecords)
		api.GET("/quota", h.RequirePermission("read", "quota"), h.GetQuotaUsage)
		api.GET("/stream", h.RequirePermission("read", "event"), h.StreamChannels)
	}

	ginRouter.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no such route"})
	})

	stopHeartbeatSweep := startHeartbeatSweep(conns, sessionGauge, heartbeatInterval)
	defer stopHeartbeatSweep()

	if err := runServer(ginRouter, logger, config.GetEnv("PORT", "8085")); err != nil {
		logger.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}

// routerBroadcasterFunc adapts a closure to router.Broadcaster, letting the
// Event Router and Session Gateway be constructed without either one seeing
// the other's concrete type at construction time.
type routerBroadcasterFunc func(orgID, channel string, event models.Event, matchedUserIDs []string)

func (f routerBroadcasterFunc) BroadcastToChannel(orgID, channel string, event models.Event, matchedUserIDs []string) {
	f(orgID, channel, event, matchedUserIDs)
}

// startHeartbeatSweep periodically transitions sessions with missed
// heartbeats to RECONNECTING and republishes the active-session gauge.
func startHeartbeatSweep(conns *connection.Manager, gauge *prometheus.GaugeVec, interval time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				conns.CheckMissedHeartbeats()
				gauge.WithLabelValues("total").Set(float64(conns.Count()))
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func runServer(router *gin.Engine, logger logging.Logger, port string) error {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
		// No WriteTimeout: it bounds a connection's total write duration
		// from the moment headers are read, which would kill the SSE
		// stream (/api/v1/stream) and any open WebSocket a fixed 30s after
		// they open. Slow-client protection instead comes from
		// ReadHeaderTimeout (bounds only the header read) and IdleTimeout
		// (bounds time between requests on an idle keep-alive connection);
		// neither applies to a connection that is actively streaming.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.WithField("port", port).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
