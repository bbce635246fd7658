package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailvault/backend/internal/config"
	"mailvault/backend/internal/domain"
	"mailvault/backend/internal/health"
	"mailvault/backend/internal/logger"
	"mailvault/backend/internal/middleware"
	"mailvault/backend/internal/monitoring"
	"mailvault/backend/internal/pool"
	"mailvault/backend/internal/remote"
	"mailvault/backend/internal/service"
	"mailvault/backend/internal/storage"
	"mailvault/backend/internal/storage/filesystem"
	"mailvault/backend/internal/storage/hybrid"
	"mailvault/backend/internal/storage/memory"
	"mailvault/backend/internal/storage/postgres"
	httptransport "mailvault/backend/internal/transport/http"
)

const version = "0.4.1"

// main 启动同步引擎、清除队列与 HTTP API。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting mailvault server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化存储层
	store, err := initializeStorage(cfg, log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize storage: %v", err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close store", zap.Error(err))
		}
	}()

	// 附件与正文的落盘存储
	blobs, err := filesystem.NewStore(cfg.Storage.BasePath)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize blob storage: %v", err))
	}
	log.Info("blob storage initialized", zap.String("path", cfg.Storage.BasePath))

	// 初始化监控系统
	metrics := monitoring.NewMetrics()

	// 初始化服务层
	attachmentService := service.NewAttachmentService(store, blobs, log)
	attachmentService.SetMetrics(metrics)

	deletionService := service.NewDeletionService(
		store,
		attachmentService,
		blobs,
		cfg.Retention.MaxAttempts,
		cfg.Retention.RetryBase,
		cfg.Retention.RetryMax,
		log,
	)
	deletionService.SetMetrics(metrics)

	workers := pool.NewWorkerPool(cfg.Retention.WorkerCount, cfg.Retention.BatchSize, log)
	deletionService.SetWorkerPool(workers)

	messageService := service.NewMessageService(store, blobs, attachmentService, deletionService, cfg.Retention.Window, log)
	messageService.SetMetrics(metrics)

	imapClient := remote.NewIMAPClient(cfg.Sync.DialTimeout)
	syncService := service.NewSyncService(store, imapClient, attachmentService, blobs, cfg.Sync.MaxMessages, cfg.Sync.CycleTimeout, log)
	syncService.SetMetrics(metrics)
	if locker, ok := store.(storage.SyncLocker); ok {
		syncService.SetSyncLocker(locker, cfg.Sync.LockTTL)
	}

	// 账户来源：当前从配置装载，默认账户用登录名作为所有者标识
	accounts := service.NewStaticAccountProvider()
	if cfg.IMAP.Host != "" && cfg.IMAP.Username != "" {
		accounts.Add(domain.MailboxAccount{
			OwnerID:  cfg.IMAP.Username,
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			Username: cfg.IMAP.Username,
			Password: cfg.IMAP.Password,
			UseTLS:   cfg.IMAP.UseTLS,
			Folder:   cfg.IMAP.Folder,
		})
		log.Info("default mailbox account configured",
			zap.String("owner_id", cfg.IMAP.Username),
			zap.String("host", cfg.IMAP.Host),
			zap.String("folder", cfg.IMAP.Folder),
		)
	} else {
		log.Warn("no mailbox account configured, sync must be driven via API with a registered account")
	}

	// 探针与周期体检
	healthChecker := health.NewHealthChecker(store, blobs, log)
	healthMonitor := monitoring.NewHealthChecker(store, blobs, log, version)

	// 告警系统
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.DeletionBacklogRule(store, cfg.Retention.BatchSize*10))
	alertManager.AddRule(monitoring.DeletionTerminalFailureRule(store))
	alertManager.AddRule(monitoring.StoreHealthRule(store))
	alertManager.AddRule(monitoring.HighMemoryUsageRule(512.0))

	log.Info("monitoring system initialized")

	// 手动触发同步的限流器，按所有者维度
	syncLimiter := middleware.NewRateLimiter(cfg.Sync.TriggerRate, cfg.Sync.TriggerBurst)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:            cfg,
		SyncService:       syncService,
		MessageService:    messageService,
		AttachmentService: attachmentService,
		DeletionService:   deletionService,
		Accounts:          accounts,
		BlobStore:         blobs,
		HealthChecker:     healthChecker,
		Metrics:           metrics,
		AlertManager:      alertManager,
		SyncRateLimiter:   syncLimiter,
		Logger:            log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	workers.Start()

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 定时同步 goroutine
	if cfg.Sync.Interval > 0 {
		group.Go(func() error {
			ticker := time.NewTicker(cfg.Sync.Interval)
			defer ticker.Stop()

			log.Info("starting sync scheduler", zap.Duration("interval", cfg.Sync.Interval))

			for {
				select {
				case <-groupCtx.Done():
					log.Info("sync scheduler stopped")
					return nil
				case <-ticker.C:
					runScheduledSync(groupCtx, syncService, accounts, log)
				}
			}
		})
	}

	// 清除队列扫描 goroutine
	if cfg.Retention.SweepInterval > 0 {
		group.Go(func() error {
			ticker := time.NewTicker(cfg.Retention.SweepInterval)
			defer ticker.Stop()

			log.Info("starting deletion queue sweeper",
				zap.Duration("interval", cfg.Retention.SweepInterval),
				zap.Int("batch_size", cfg.Retention.BatchSize),
			)

			for {
				select {
				case <-groupCtx.Done():
					log.Info("deletion queue sweeper stopped")
					return nil
				case <-ticker.C:
					result, err := deletionService.ProcessBatch(groupCtx, cfg.Retention.BatchSize)
					if err != nil {
						log.Error("failed to process deletion batch", zap.Error(err))
						continue
					}
					if result.Claimed > 0 {
						log.Info("deletion batch processed",
							zap.Int("claimed", result.Claimed),
							zap.Int("completed", result.Completed),
							zap.Int("retried", result.Retried),
							zap.Int("failed", result.Failed),
						)
					}
				}
			}
		})
	}

	// 周期体检 goroutine
	group.Go(func() error {
		healthMonitor.StartPeriodicHealthCheck(groupCtx, 30*time.Second)
		return nil
	})

	// 告警巡检 goroutine
	group.Go(func() error {
		log.Info("starting alert monitoring")
		alertManager.StartMonitoring(groupCtx, time.Minute)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// 等队列里已提交的清除任务跑完再退
		workers.Stop()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// runScheduledSync 对所有已登记账户各跑一次同步周期。
func runScheduledSync(ctx context.Context, syncService *service.SyncService, accounts service.AccountProvider, log *zap.Logger) {
	for _, account := range accounts.All() {
		if ctx.Err() != nil {
			return
		}

		result, err := syncService.SyncAccount(ctx, account)
		if err != nil {
			if errors.Is(err, service.ErrSyncInProgress) {
				// 上一个周期还没结束，这轮直接让过
				continue
			}
			log.Error("scheduled sync failed",
				zap.String("owner_id", account.OwnerID),
				zap.Error(err),
			)
			continue
		}

		if result.NewCount > 0 || len(result.Errors) > 0 {
			log.Info("scheduled sync finished",
				zap.String("owner_id", account.OwnerID),
				zap.Int("new", result.NewCount),
				zap.Int("errors", len(result.Errors)),
			)
		}
	}
}

// initializeStorage 根据配置选择存储后端。
//
// 留空 database.type 用内存存储，适合本地开发；
// 配置数据库后，可再叠加 Redis 作为读缓存与跨实例同步锁。
func initializeStorage(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		log.Info("using in-memory storage (development mode)")
		return memory.NewStore(), nil
	}

	if cfg.Redis.Enabled {
		log.Info("using hybrid storage",
			zap.String("database_type", cfg.Database.Type),
			zap.String("redis_address", cfg.Redis.Address),
		)
		return hybrid.NewStoreWithType(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
		)
	}

	log.Info("using database storage", zap.String("type", cfg.Database.Type))
	switch cfg.Database.Type {
	case "mysql":
		return postgres.NewMySQLStore(cfg.Database.DSN)
	case "postgres", "postgresql":
		return postgres.NewStore(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: mysql, postgres)", cfg.Database.Type)
	}
}
