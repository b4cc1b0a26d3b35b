package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"Mech-Chain/internal/api"
	"Mech-Chain/internal/blobstore"
	"Mech-Chain/internal/chain/ethereum"
	"Mech-Chain/internal/config"
	"Mech-Chain/internal/dispatch"
	"Mech-Chain/internal/engine"
	"Mech-Chain/internal/mech"
	"Mech-Chain/internal/resolver"
	"Mech-Chain/internal/tools"
	"Mech-Chain/pkg/logger"
)

// main 是 mech 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("mechd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("MECHD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "mechd.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 处理记录存储。
	var store mech.Store
	switch cfg.Records.Driver {
	case "", "memory":
		store = mech.NewMemoryStore()
	case "mysql":
		mysqlStore, err := mech.NewMySQLStore(ctx, cfg.Records.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的记录存储驱动: %s", cfg.Records.Driver)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.L().Error("关闭记录存储失败", slog.Any("error", err))
		}
	}()

	// 工作队列。
	var queue mech.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = mech.NewMemoryQueue(cfg.Queue.Capacity)
	case "redis":
		redisQueue, err := mech.NewRedisQueue(mech.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := mech.NewRabbitMQQueue(mech.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = rabbitQueue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Error("关闭工作队列失败", slog.Any("error", err))
		}
	}()

	// 链上客户端。
	privateKey := strings.TrimSpace(os.Getenv(cfg.Chain.PrivateKeyEnv))
	chainClient, err := ethereum.NewClient(ctx, ethereum.Config{
		RPCURL:            cfg.Chain.RPCURL,
		WSURL:             cfg.Chain.WSURL,
		MarketplaceAddr:   cfg.Chain.MarketplaceAddr,
		PrivateKeyHex:     privateKey,
		PollInterval:      cfg.Chain.PollEvery(),
		ConfirmationDepth: cfg.Chain.ConfirmationDepth,
	})
	if err != nil {
		return err
	}
	defer chainClient.Close()

	// 内容寻址存储网关。
	blobs, err := blobstore.NewHTTPStore(blobstore.HTTPConfig{
		GatewayURL: cfg.BlobStore.GatewayURL,
		Timeout:    cfg.BlobStore.Timeout(),
	})
	if err != nil {
		return err
	}

	// 工具注册表。
	reg, err := tools.BuildRegistry(cfg.Tools)
	if err != nil {
		return err
	}

	res := resolver.New(reg, blobs,
		resolver.WithMaxAttempts(cfg.BlobStore.MaxRetries),
	)
	eng := engine.New(cfg.Tools.DefaultTimeout())
	pub := dispatch.NewPublisher(blobs, chainClient, store, cfg.Dispatch.PublishRetries)

	dispatcher := dispatch.New(store, queue, chainClient, res, eng, pub,
		dispatch.WithWorkerCount(cfg.Dispatch.Concurrency),
		dispatch.WithMaxAttempts(cfg.Dispatch.MaxAttempts),
		dispatch.WithLeaseTTL(cfg.Dispatch.LeaseTTL()),
		dispatch.WithStartHeight(cfg.Chain.StartHeight),
		dispatch.WithAdmitPoll(cfg.Chain.PollEvery()),
		dispatch.WithLogger(logger.L()),
	)

	dispatchCtx, dispatchCancel := context.WithCancel(ctx)
	defer dispatchCancel()

	dispatchErr := make(chan error, 1)
	go func() {
		dispatchErr <- dispatcher.Run(dispatchCtx)
	}()

	logger.L().Info("mechd 已启动",
		slog.String("owner", dispatcher.Owner()),
		slog.String("api", cfg.Server.Address),
		slog.Uint64("start_height", cfg.Chain.StartHeight),
		slog.Uint64("confirmation_depth", cfg.Chain.ConfirmationDepth))

	server := api.NewServer(cfg.Server.Address, store)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case err := <-dispatchErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("调度器异常退出: %w", err)
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("API 服务异常退出: %w", err)
		}
		return nil
	}
}
