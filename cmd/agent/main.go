package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tempmail/client/internal/backend"
	"tempmail/client/internal/cache"
	"tempmail/client/internal/config"
	"tempmail/client/internal/health"
	"tempmail/client/internal/logger"
	"tempmail/client/internal/monitoring"
	"tempmail/client/internal/notify"
	"tempmail/client/internal/pool"
	"tempmail/client/internal/seal"
	"tempmail/client/internal/service"
	"tempmail/client/internal/storage"
	"tempmail/client/internal/storage/cookie"
	"tempmail/client/internal/storage/filesystem"
	"tempmail/client/internal/storage/redis"
	sqlstore "tempmail/client/internal/storage/sql"
	httptransport "tempmail/client/internal/transport/http"
	"tempmail/client/internal/websocket"
)

const version = "1.0.0"

// main 启动本地邮箱代理：身份解析、收件箱轮询、扩展购买与本地 UI 接口
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting tempmail agent",
		zap.String("version", version),
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("durable_storage", cfg.Storage.DurableType),
		zap.Bool("development", cfg.Log.Development),
	)

	// 存储层
	durable, closeDurable, purge, err := openDurable(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize durable storage", zap.Error(err))
	}
	defer closeDurable()

	sessionCache := cache.NewLocalCache(1000, cfg.Storage.SessionTTL)
	defer sessionCache.Close()

	jar, err := cookie.NewJar(filepath.Join(cfg.Storage.Path, "cookies.json"), cfg.Identity.CookieName)
	if err != nil {
		log.Fatal("failed to open cookie jar", zap.Error(err))
	}
	if err := jar.RestrictTo(cfg.Backend.BaseURL); err != nil {
		log.Fatal("invalid backend url for cookie jar", zap.Error(err))
	}
	store := storage.NewSelector(durable, storage.NewSessionBackend(sessionCache), jar, log)

	sealer, err := seal.New(cfg.Identity.SealSecret)
	if err != nil {
		log.Fatal("failed to initialize sealer", zap.Error(err))
	}

	// 监控与通知
	metrics := monitoring.NewMetrics()
	hub := websocket.NewHub(cfg.Agent.AllowedOrigins, log)

	notifier := notify.New(log)
	notifier.AddReceiver(notify.NewLogReceiver(log))
	notifier.AddReceiver(hub)

	// 服务层
	api := backend.New(cfg.Backend, jar, log)
	auth := service.NewAuthToken(store, log)
	gateway := service.NewCallbackGateway(hub, cfg.Subscription.CheckoutTimeout, log)
	subs := service.NewSubscriptionEngine(api, store, auth, gateway, notifier, metrics, cfg.Subscription, log)
	identity := service.NewIdentityManager(api, store, sealer, auth, subs, metrics, service.IdentityOptions{
		CookieName:  cfg.Identity.CookieName,
		CookieTTL:   cfg.Identity.CookieTTL,
		SessionTTL:  cfg.Storage.SessionTTL,
		Fingerprint: cfg.Identity.Fingerprint,
	}, log)
	inbox := service.NewInboxSynchronizer(api, notifier, metrics, cfg.Inbox.PollInterval, cfg.Inbox.FailureThreshold, log)
	inbox.SetListener(hub)

	workers := pool.NewWorkerPool(4, 16, log)
	workers.OnPanic(metrics.RecordPanic)
	workers.Start()

	session := service.NewSession(identity, inbox, subs, auth, workers, log)
	healthChecker := health.NewHealthChecker(store, api, log)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:        cfg,
		Session:       session,
		Subscriptions: subs,
		Gateway:       gateway,
		WebSocketHub:  hub,
		Metrics:       metrics,
		Health:        healthChecker,
		Logger:        log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Agent.Host, cfg.Agent.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub
	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})

	// 启动时解析身份并开始轮询；失败时等待 UI 请求重试
	group.Go(func() error {
		view, err := session.Start(groupCtx)
		if err != nil {
			log.Warn("initial identity resolution failed", zap.Error(err))
			return nil
		}
		log.Info("session started", zap.String("address", view.Identity.Address))
		return nil
	})

	// 定时清理过期条目（仅 SQL 持久层）
	if purge != nil {
		group.Go(func() error {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					count, err := purge(groupCtx)
					if err != nil {
						log.Error("failed to purge expired entries", zap.Error(err))
					} else if count > 0 {
						log.Info("expired entries purged", zap.Int64("count", count))
					}
				}
			}
		})
	}

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		session.Stop()
		workers.Stop()
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("agent error", zap.Error(err))
	}
	log.Info("agent exited cleanly")
}

// openDurable 按配置打开持久层
//
// 返回值:
//   - storage.Backend: 持久层
//   - func(): 关闭函数
//   - purge: 过期条目清理函数（不需要清理的存储为 nil）
//   - error: 打开失败
func openDurable(cfg *config.Config, log *zap.Logger) (storage.Backend, func(), func(context.Context) (int64, error), error) {
	switch cfg.Storage.DurableType {
	case "redis":
		client, err := redis.New(cfg.Redis, log)
		if err != nil {
			return nil, nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil, nil

	case "mysql", "postgres":
		store, err := sqlstore.NewStore(cfg.Storage.DurableType, cfg.Database)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info("using database durable storage", zap.String("type", cfg.Storage.DurableType))
		return store, func() { _ = store.Close() }, store.PurgeExpired, nil

	default:
		store, err := filesystem.NewStore(cfg.Storage.Path, "durable.json")
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info("using file durable storage", zap.String("path", cfg.Storage.Path))
		return store, func() {}, nil, nil
	}
}
