package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 同步指标
	SyncCyclesTotal   *prometheus.CounterVec
	SyncDuration      prometheus.Histogram
	SyncErrorsTotal   *prometheus.CounterVec
	MessagesIngested  prometheus.Counter
	MessagesExamined  prometheus.Counter
	DedupHitsTotal    prometheus.Counter
	AttachmentsStored prometheus.Counter
	AttachmentDedup   prometheus.Counter
	AttachmentSize    prometheus.Histogram

	// 清除队列指标
	DeletionsEnqueued  *prometheus.CounterVec
	DeletionsCancelled prometheus.Counter
	DeletionOutcomes   *prometheus.CounterVec
	DeletionQueueDepth prometheus.Gauge
	DeletionFailed     prometheus.Gauge
	DeletionBatchTime  prometheus.Histogram

	// 系统指标
	MemoryUsage prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		// HTTP 请求指标
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailvault_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailvault_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailvault_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		// 同步指标
		SyncCyclesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailvault_sync_cycles_total",
				Help: "Total number of sync cycles by outcome",
			},
			[]string{"outcome"},
		),

		SyncDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailvault_sync_duration_seconds",
				Help:    "Sync cycle duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),

		SyncErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailvault_sync_errors_total",
				Help: "Total number of per-message sync errors by stage",
			},
			[]string{"stage"},
		),

		MessagesIngested: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailvault_messages_ingested_total",
				Help: "Total number of messages ingested",
			},
		),

		MessagesExamined: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailvault_messages_examined_total",
				Help: "Total number of remote messages examined",
			},
		),

		DedupHitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailvault_dedup_hits_total",
				Help: "Total number of messages skipped as duplicates",
			},
		),

		AttachmentsStored: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailvault_attachments_stored_total",
				Help: "Total number of attachment blobs written",
			},
		),

		AttachmentDedup: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailvault_attachment_dedup_total",
				Help: "Total number of attachments deduplicated by content hash",
			},
		),

		AttachmentSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailvault_attachment_size_bytes",
				Help:    "Attachment size in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 20),
			},
		),

		// 清除队列指标
		DeletionsEnqueued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailvault_deletions_enqueued_total",
				Help: "Total number of deletion queue items enqueued",
			},
			[]string{"kind"},
		),

		DeletionsCancelled: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailvault_deletions_cancelled_total",
				Help: "Total number of pending deletions cancelled by restore",
			},
		),

		DeletionOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailvault_deletion_outcomes_total",
				Help: "Deletion processing outcomes",
			},
			[]string{"kind", "outcome"},
		),

		DeletionQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailvault_deletion_queue_depth",
				Help: "Number of deletion items currently due",
			},
		),

		DeletionFailed: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailvault_deletion_failed",
				Help: "Number of deletion items in terminal failed state",
			},
		),

		DeletionBatchTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailvault_deletion_batch_duration_seconds",
				Help:    "Deletion batch processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		// 系统指标
		MemoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailvault_memory_usage_bytes",
				Help: "Memory usage in bytes",
			},
		),

		// 错误指标
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailvault_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailvault_panics_total",
				Help: "Total number of panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordSyncCycle 记录一次同步周期
func (m *Metrics) RecordSyncCycle(outcome string, duration time.Duration) {
	m.SyncCyclesTotal.WithLabelValues(outcome).Inc()
	m.SyncDuration.Observe(duration.Seconds())
}

// RecordSyncError 记录按阶段分类的单条邮件同步错误
func (m *Metrics) RecordSyncError(stage string) {
	m.SyncErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordMessageIngested 记录邮件入库
func (m *Metrics) RecordMessageIngested() {
	m.MessagesIngested.Inc()
}

// RecordMessageExamined 记录远端邮件检查
func (m *Metrics) RecordMessageExamined() {
	m.MessagesExamined.Inc()
}

// RecordDedupHit 记录重复邮件跳过
func (m *Metrics) RecordDedupHit() {
	m.DedupHitsTotal.Inc()
}

// RecordAttachmentStored 记录附件 blob 写入
func (m *Metrics) RecordAttachmentStored(size int64) {
	m.AttachmentsStored.Inc()
	m.AttachmentSize.Observe(float64(size))
}

// RecordAttachmentDedup 记录附件内容去重命中
func (m *Metrics) RecordAttachmentDedup() {
	m.AttachmentDedup.Inc()
}

// RecordDeletionEnqueued 记录清除任务入队
func (m *Metrics) RecordDeletionEnqueued(kind string) {
	m.DeletionsEnqueued.WithLabelValues(kind).Inc()
}

// RecordDeletionsCancelled 记录恢复操作取消的待清除任务数
func (m *Metrics) RecordDeletionsCancelled(count int) {
	m.DeletionsCancelled.Add(float64(count))
}

// RecordDeletionOutcome 记录清除任务处理结果
func (m *Metrics) RecordDeletionOutcome(kind, outcome string) {
	m.DeletionOutcomes.WithLabelValues(kind, outcome).Inc()
}

// RecordDeletionBatch 记录清除批次耗时
func (m *Metrics) RecordDeletionBatch(duration time.Duration) {
	m.DeletionBatchTime.Observe(duration.Seconds())
}

// UpdateDeletionQueueDepth 更新到期清除任务数
func (m *Metrics) UpdateDeletionQueueDepth(count int) {
	m.DeletionQueueDepth.Set(float64(count))
}

// UpdateDeletionFailed 更新终态失败任务数
func (m *Metrics) UpdateDeletionFailed(count int) {
	m.DeletionFailed.Set(float64(count))
}

// UpdateMemoryUsage 更新内存使用量
func (m *Metrics) UpdateMemoryUsage(bytes int64) {
	m.MemoryUsage.Set(float64(bytes))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
