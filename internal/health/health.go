package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"tempmail/client/internal/logger"
)

// Pinger 可探测的后端
type Pinger interface {
	Ping(ctx context.Context) error
}

// StorageHealth 可探测的存储层
type StorageHealth interface {
	Health() error
}

// HealthChecker 健康检查器
//
// 存活检查只看本地持久层；后端不可达时代理仍然存活，但不就绪。
type HealthChecker struct {
	health  healthcheck.Handler
	storage StorageHealth
	backend Pinger
	logger  *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(storage StorageHealth, backend Pinger, log *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health:  healthcheck.NewHandler(),
		storage: storage,
		backend: backend,
		logger:  logger.Named(log, "health"),
	}

	hc.addChecks()

	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("durable-storage", func() error {
		return hc.storage.Health()
	})

	hc.health.AddReadinessCheck("backend", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return hc.backend.Ping(ctx)
	}, 5*time.Second))
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// CheckHealth 执行全部检查并返回结果摘要
func (hc *HealthChecker) CheckHealth(ctx context.Context) map[string]string {
	results := make(map[string]string)

	if err := hc.storage.Health(); err != nil {
		results["durable-storage"] = fmt.Sprintf("ERROR: %v", err)
		hc.logger.Warn("durable storage unhealthy", zap.Error(err))
	} else {
		results["durable-storage"] = "OK"
	}

	if err := hc.backend.Ping(ctx); err != nil {
		results["backend"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["backend"] = "OK"
	}

	results["timestamp"] = time.Now().Format(time.RFC3339)
	return results
}
