package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailvault/backend/internal/config"
	"mailvault/backend/internal/health"
	"mailvault/backend/internal/middleware"
	"mailvault/backend/internal/monitoring"
	"mailvault/backend/internal/service"
	"mailvault/backend/internal/storage/filesystem"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	sync        *service.SyncService
	messages    *service.MessageService
	attachments *service.AttachmentService
	deletions   *service.DeletionService
	accounts    service.AccountProvider
	blobs       *filesystem.Store
	logger      *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config            *config.Config
	SyncService       *service.SyncService
	MessageService    *service.MessageService
	AttachmentService *service.AttachmentService
	DeletionService   *service.DeletionService
	Accounts          service.AccountProvider
	BlobStore         *filesystem.Store
	HealthChecker     *health.HealthChecker
	Metrics           *monitoring.Metrics
	AlertManager      *monitoring.AlertManager
	SyncRateLimiter   *middleware.RateLimiter
	Logger            *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if deps.Metrics != nil {
		mm := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
		router.Use(mm.PanicRecovery())
		router.Use(mm.HTTPMetrics())
		router.Use(mm.SystemMetrics())
	} else {
		router.Use(gin.Recovery())
	}
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Owner-ID"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 允许所有来源时不能同时带凭证
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		sync:        deps.SyncService,
		messages:    deps.MessageService,
		attachments: deps.AttachmentService,
		deletions:   deps.DeletionService,
		accounts:    deps.Accounts,
		blobs:       deps.BlobStore,
		logger:      logger,
	}

	// ========== 探针与指标 ==========
	if deps.HealthChecker != nil {
		router.GET("/live", gin.WrapF(deps.HealthChecker.LiveEndpoint))
		router.GET("/ready", gin.WrapF(deps.HealthChecker.ReadyEndpoint))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// V1 API
	v1 := router.Group("/v1")
	{
		// ========== Sync Routes ==========
		syncRoutes := v1.Group("/sync")
		{
			trigger := handler.triggerSync
			if deps.SyncRateLimiter != nil {
				syncRoutes.POST("", deps.SyncRateLimiter.Middleware(ownerKey), trigger)
			} else {
				syncRoutes.POST("", trigger)
			}
			syncRoutes.GET("/cursor", handler.getSyncCursor)
		}

		// ========== Message Routes ==========
		messageRoutes := v1.Group("/messages")
		{
			messageRoutes.GET("", handler.listMessages)
			messageRoutes.GET("/:id", handler.getMessage)
			messageRoutes.POST("/:id/read", handler.markMessageRead)
			messageRoutes.POST("/:id/star", handler.markMessageStarred)

			// 删除生命周期：软删、恢复、立即清除
			messageRoutes.POST("/delete", handler.requestDelete)
			messageRoutes.POST("/restore", handler.requestRestore)
			messageRoutes.POST("/purge", handler.requestPurge)
		}

		// ========== Attachment Routes ==========
		attachmentRoutes := v1.Group("/attachments")
		{
			attachmentRoutes.GET("/:id", handler.getAttachmentInfo)
			attachmentRoutes.GET("/:id/content", handler.downloadAttachment)
		}

		// ========== Storage Routes ==========
		if deps.BlobStore != nil {
			v1.GET("/storage/stats", handler.getStorageStats)
		}

		// ========== Deletion Queue Routes ==========
		deletionRoutes := v1.Group("/deletions")
		{
			deletionRoutes.POST("/process", handler.processDeletionBatch)
			deletionRoutes.GET("/failed", handler.listFailedDeletions)
		}

		// ========== Alert Routes ==========
		if deps.AlertManager != nil {
			v1.GET("/alerts", func(c *gin.Context) {
				Success(c, deps.AlertManager.GetActiveAlerts())
			})
		}
	}

	return router
}

// ownerID 从请求中解析账户标识，头优先于查询参数。
func ownerID(c *gin.Context) string {
	if owner := c.GetHeader("X-Owner-ID"); owner != "" {
		return owner
	}
	return c.Query("owner")
}

// ownerKey 限流维度：账户标识，取不到时退回客户端 IP。
func ownerKey(c *gin.Context) string {
	return ownerID(c)
}
