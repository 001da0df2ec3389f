package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/client/internal/config"
	"tempmail/client/internal/health"
	"tempmail/client/internal/logger"
	"tempmail/client/internal/middleware"
	"tempmail/client/internal/monitoring"
	"tempmail/client/internal/security"
	"tempmail/client/internal/service"
	"tempmail/client/internal/websocket"
)

// Handler 聚合所有 HTTP 处理逻辑
type Handler struct {
	session  *service.Session
	subs     *service.SubscriptionEngine
	gateway  *service.CallbackGateway
	screener *security.Screener
	log      *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config        *config.Config
	Session       *service.Session
	Subscriptions *service.SubscriptionEngine
	Gateway       *service.CallbackGateway
	WebSocketHub  *websocket.Hub
	Metrics       *monitoring.Metrics
	Health        *health.HealthChecker
	Logger        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := logger.Named(deps.Logger, "http")
	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, log)

	router := gin.New()
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.RequestLogger(log))
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.SmallBodyLimit))

	var origins []string
	if deps.Config != nil {
		origins = deps.Config.Agent.AllowedOrigins
	}
	router.Use(gincors.New(corsConfig(origins)))

	h := &Handler{
		session:  deps.Session,
		subs:     deps.Subscriptions,
		gateway:  deps.Gateway,
		screener: security.NewScreener(),
		log:      log,
	}

	if deps.Health != nil {
		router.GET("/healthz/*check", gin.WrapH(http.StripPrefix("/healthz", deps.Health.Handler())))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}
	if deps.WebSocketHub != nil {
		router.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
	}

	v1 := router.Group("/v1")
	{
		// ========== Identity Routes ==========
		identityRoutes := v1.Group("/identity")
		{
			identityRoutes.GET("", h.getIdentity)
			identityRoutes.DELETE("", h.deleteIdentity)
			identityRoutes.GET("/purchased", h.listPurchased)
			identityRoutes.PUT("/active", h.switchIdentity)
			identityRoutes.POST("/regenerate", h.regenerateIdentity)
		}

		// ========== Auth Routes ==========
		authRoutes := v1.Group("/auth")
		{
			authRoutes.PUT("", h.signIn)
			authRoutes.DELETE("", h.signOut)
		}

		// ========== Inbox Routes ==========
		inboxRoutes := v1.Group("/inbox")
		{
			inboxRoutes.GET("", h.listMessages)
			inboxRoutes.DELETE("", h.clearInbox)
			inboxRoutes.GET("/:id", h.openMessage)
			inboxRoutes.POST("/:id/seen", h.markSeen)
			inboxRoutes.GET("/:id/download", h.downloadMessage)
			inboxRoutes.GET("/:id/attachments/:index", h.downloadAttachment)
		}

		// ========== Extension Routes ==========
		extensionRoutes := v1.Group("/extension")
		{
			extensionRoutes.GET("/quote", h.quote)
			extensionRoutes.POST("", h.startPurchase)
			extensionRoutes.GET("/:orderId", h.getAttempt)
			extensionRoutes.POST("/:orderId/gateway", h.deliverGatewayResult)
			extensionRoutes.GET("/:orderId/receipt", h.downloadReceipt)
		}
	}

	return router
}

// corsConfig 本地 UI 的跨域配置
func corsConfig(origins []string) gincors.Config {
	cfg := gincors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOrigins = nil
		cfg.AllowAllOrigins = true
	}

	// 如果允许所有来源，则需清空凭证支持
	for _, origin := range cfg.AllowOrigins {
		if origin == "*" {
			cfg.AllowOrigins = nil
			cfg.AllowAllOrigins = true
			break
		}
	}
	if cfg.AllowAllOrigins {
		cfg.AllowCredentials = false
	}
	return cfg
}
