package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 账户流水线运行计数
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Total number of account pipeline runs",
		},
		[]string{"result"}, // result: success, partial, reauth, failed, panic
	)

	// 账户流水线运行耗时（秒）
	PipelineRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_run_duration_seconds",
			Help:    "Account pipeline run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		},
	)

	// 因上一轮仍在运行而跳过的账户
	RunsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_skipped_total",
			Help: "Accounts skipped on a scheduler tick",
		},
		[]string{"reason"}, // reason: in_progress, needs_reauth, saturated
	)

	// 邮件处理计数
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_processed_total",
			Help: "Total number of messages committed to a terminal state",
		},
		[]string{"category"}, // category: unwanted, event, informational
	)

	// 单条邮件处理失败
	MessageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_errors_total",
			Help: "Message-level pipeline failures",
		},
		[]string{"stage", "kind"},
	)

	// Capability 调用延迟（毫秒）
	CapabilityCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capability_call_latency_ms",
			Help:    "Classifier/extractor/summarizer call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"capability", "status"},
	)

	CalendarEventsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calendar_events_created_total",
			Help: "Calendar entries created through the calendar sink",
		},
	)

	CalendarDuplicateRisk = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calendar_duplicate_risk_total",
			Help: "Sink calls made while an earlier in-flight marker existed without a cache entry",
		},
	)

	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retention_deleted_total",
			Help: "Rows removed by the retention sweeper",
		},
		[]string{"table"},
	)

	AccountsNeedingReauth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "accounts_needing_reauth",
			Help: "Accounts currently flagged for re-authorization",
		},
	)

	// 慢查询
	DBSlowQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
	)

	DBSlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)
)

// RecordRun 记录一次流水线运行
func RecordRun(result string, duration time.Duration) {
	PipelineRuns.WithLabelValues(result).Inc()
	PipelineRunDuration.Observe(duration.Seconds())
}

// IncrementSkipped 增加跳过计数
func IncrementSkipped(reason string) {
	RunsSkipped.WithLabelValues(reason).Inc()
}

// IncrementMessageProcessed 增加邮件处理计数
func IncrementMessageProcessed(category string) {
	MessagesProcessed.WithLabelValues(category).Inc()
}

// IncrementMessageError 记录单条邮件失败
func IncrementMessageError(stage, kind string) {
	MessageErrors.WithLabelValues(stage, kind).Inc()
}

// RecordCapabilityLatency 记录 capability 调用延迟
func RecordCapabilityLatency(capability, status string, duration time.Duration) {
	CapabilityCallLatency.WithLabelValues(capability, status).Observe(float64(duration.Milliseconds()))
}

// AddRetentionDeleted 记录清理行数
func AddRetentionDeleted(table string, n int64) {
	RetentionDeleted.WithLabelValues(table).Add(float64(n))
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(duration time.Duration) {
	DBSlowQueries.Inc()
	DBSlowQueryDuration.Observe(duration.Seconds())
}
