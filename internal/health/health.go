package health

import (
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"mailvault/backend/internal/storage"
	"mailvault/backend/internal/storage/filesystem"
)

// HealthChecker 基于 heptiolabs/healthcheck 的存活/就绪探针
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
	blobs  *filesystem.Store
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.Store, blobs *filesystem.Store, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		blobs:  blobs,
		logger: logger,
	}

	hc.addChecks()

	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	// 协程数量异常时进程本身可能出了问题
	hc.health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(1000))

	// 数据库不可用时不应接收流量
	hc.health.AddReadinessCheck("database", func() error {
		return hc.store.Health()
	})

	// 附件与正文存储的写探针
	if hc.blobs != nil {
		hc.health.AddReadinessCheck("blob-store", func() error {
			return hc.blobs.Health()
		})
	}
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint gin 可挂载的存活探针
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint gin 可挂载的就绪探针
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}
