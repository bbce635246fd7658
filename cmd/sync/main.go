package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"mailvault/backend/internal/config"
	"mailvault/backend/internal/logger"
	"mailvault/backend/internal/remote"
	"mailvault/backend/internal/service"
	"mailvault/backend/internal/storage"
	"mailvault/backend/internal/storage/filesystem"
	"mailvault/backend/internal/storage/hybrid"
	"mailvault/backend/internal/storage/memory"
	"mailvault/backend/internal/storage/postgres"
)

// main 执行一次同步周期后退出，适合 cron 或手工排障。
// 账户取自配置（MAILVAULT_IMAP_*），结果以 JSON 打到标准输出。
func main() {
	fullRescan := flag.Bool("full", false, "忽略游标从头检查（已入库的邮件靠去重跳过）")
	maxMessages := flag.Int("max", 0, "本次最多检查的邮件数，0 用配置默认值")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatalf("无法加载配置: %v", err)
	}
	if cfg.IMAP.Host == "" || cfg.IMAP.Username == "" {
		fatalf("未配置远端账户，请设置 MAILVAULT_IMAP_HOST / MAILVAULT_IMAP_USERNAME")
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
	if err != nil {
		fatalf("无法初始化日志: %v", err)
	}
	defer log.Sync()

	store, err := openStore(cfg, log)
	if err != nil {
		fatalf("无法初始化存储: %v", err)
	}
	defer store.Close()

	blobs, err := filesystem.NewStore(cfg.Storage.BasePath)
	if err != nil {
		fatalf("无法初始化文件存储: %v", err)
	}

	attachments := service.NewAttachmentService(store, blobs, log)
	client := remote.NewIMAPClient(cfg.Sync.DialTimeout)
	syncService := service.NewSyncService(store, client, attachments, blobs, cfg.Sync.MaxMessages, cfg.Sync.CycleTimeout, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := syncService.Sync(ctx, service.SyncInput{
		OwnerID: cfg.IMAP.Username,
		Settings: remote.Settings{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			Username: cfg.IMAP.Username,
			Password: cfg.IMAP.Password,
			UseTLS:   cfg.IMAP.UseTLS,
			Folder:   cfg.IMAP.Folder,
		},
		MaxMessages:     *maxMessages,
		ForceFullRescan: *fullRescan,
	})
	if err != nil {
		fatalf("同步失败: %v", err)
	}

	output, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fatalf("无法序列化结果: %v", err)
	}
	fmt.Println(string(output))

	// 有单封失败时退非零码，方便 cron 告警
	if len(result.Errors) > 0 {
		os.Exit(2)
	}
}

// openStore 按配置选择存储后端，和常驻服务保持一致。
func openStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		log.Info("using in-memory storage, results will not persist")
		return memory.NewStore(), nil
	}
	if cfg.Redis.Enabled {
		return hybrid.NewStoreWithType(cfg.Database.Type, cfg.Database.DSN, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	}
	switch cfg.Database.Type {
	case "mysql":
		return postgres.NewMySQLStore(cfg.Database.DSN)
	case "postgres", "postgresql":
		return postgres.NewStore(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "错误: "+format+"\n", args...)
	os.Exit(1)
}
