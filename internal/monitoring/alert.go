package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailvault/backend/internal/storage"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AlertRule 告警规则
type AlertRule struct {
	ID            string
	Name          string
	Condition     func() bool
	Level         AlertLevel
	Component     string
	Message       string
	Cooldown      time.Duration
	LastTriggered time.Time
}

// AlertManager 告警管理器
type AlertManager struct {
	alerts    map[string]*Alert
	rules     []AlertRule
	receivers []AlertReceiver
	logger    *zap.Logger
	mu        sync.RWMutex
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	return &AlertManager{
		alerts:    make(map[string]*Alert),
		rules:     make([]AlertRule, 0),
		receivers: make([]AlertReceiver, 0),
		logger:    logger,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// TriggerAlert 触发告警
func (am *AlertManager) TriggerAlert(alert *Alert) {
	am.mu.Lock()
	defer am.mu.Unlock()

	// 相同告警未解决时不重复触发
	if existing, exists := am.alerts[alert.ID]; exists && !existing.Resolved {
		am.logger.Debug("Alert already exists and not resolved",
			zap.String("alert_id", alert.ID),
		)
		return
	}

	am.alerts[alert.ID] = alert

	for _, receiver := range am.receivers {
		if err := receiver.SendAlert(alert); err != nil {
			am.logger.Error("Failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}

	am.logger.Info("Alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
}

// ResolveAlert 解决告警
func (am *AlertManager) ResolveAlert(alertID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if alert, exists := am.alerts[alertID]; exists && !alert.Resolved {
		now := time.Now()
		alert.Resolved = true
		alert.ResolvedAt = &now

		am.logger.Info("Alert resolved",
			zap.String("alert_id", alertID),
		)
	}
}

// GetActiveAlerts 获取活跃告警
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0)
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}

	return alerts
}

// CheckRules 检查告警规则
func (am *AlertManager) CheckRules() {
	am.mu.RLock()
	rules := make([]AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.RUnlock()

	for _, rule := range rules {
		// 冷却期内不重复触发
		if time.Since(rule.LastTriggered) < rule.Cooldown {
			continue
		}

		if rule.Condition() {
			alert := &Alert{
				ID:        fmt.Sprintf("%s_%d", rule.ID, time.Now().Unix()),
				Title:     rule.Name,
				Message:   rule.Message,
				Level:     rule.Level,
				Component: rule.Component,
				Timestamp: time.Now(),
				Resolved:  false,
			}

			am.TriggerAlert(alert)

			am.mu.Lock()
			for i, r := range am.rules {
				if r.ID == rule.ID {
					am.rules[i].LastTriggered = time.Now()
					break
				}
			}
			am.mu.Unlock()
		}
	}
}

// StartMonitoring 启动规则巡检
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckRules()
		}
	}
}

// ========== 内置告警规则 ==========

// DeletionBacklogRule 清除队列积压告警规则
//
// 到期待处理的清除任务数超过阈值时说明清理速度跟不上入队速度
func DeletionBacklogRule(store storage.DeletionQueueRepository, threshold int) AlertRule {
	return AlertRule{
		ID:   "deletion_backlog",
		Name: "Deletion Queue Backlog",
		Condition: func() bool {
			count, err := store.CountDueDeletions(time.Now())
			if err != nil {
				return false
			}
			return count > threshold
		},
		Level:     AlertLevelWarning,
		Component: "deletion",
		Message:   fmt.Sprintf("Due deletion items exceed %d", threshold),
		Cooldown:  5 * time.Minute,
	}
}

// DeletionTerminalFailureRule 清除任务终态失败告警规则
//
// 终态失败的任务不会再被重试，需要人工介入
func DeletionTerminalFailureRule(store storage.DeletionQueueRepository) AlertRule {
	return AlertRule{
		ID:   "deletion_terminal_failures",
		Name: "Deletion Terminal Failures",
		Condition: func() bool {
			count, err := store.CountFailedDeletions()
			if err != nil {
				return false
			}
			return count > 0
		},
		Level:     AlertLevelCritical,
		Component: "deletion",
		Message:   "Deletion items exhausted their retries and need manual inspection",
		Cooldown:  10 * time.Minute,
	}
}

// StoreHealthRule 存储健康告警规则
func StoreHealthRule(store storage.Store) AlertRule {
	return AlertRule{
		ID:   "store_health",
		Name: "Store Health",
		Condition: func() bool {
			return store.Health() != nil
		},
		Level:     AlertLevelCritical,
		Component: "storage",
		Message:   "Storage health check failed",
		Cooldown:  1 * time.Minute,
	}
}

// HighMemoryUsageRule 高内存使用告警规则
func HighMemoryUsageRule(thresholdMB float64) AlertRule {
	return AlertRule{
		ID:   "high_memory_usage",
		Name: "High Memory Usage",
		Condition: func() bool {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			memoryUsageMB := float64(m.Alloc) / 1024 / 1024
			return memoryUsageMB > thresholdMB
		},
		Level:     AlertLevelWarning,
		Component: "memory",
		Message:   fmt.Sprintf("Memory usage exceeds %.0f MB", thresholdMB),
		Cooldown:  5 * time.Minute,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}

	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}

	return nil
}
