package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 扫描任务阶段迁移计数
	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_stage_transitions_total",
			Help: "Scan job stage transitions that were applied",
		},
		[]string{"from", "to"},
	)

	// CAS 失败（并发调用抢输）计数
	StageConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_stage_conflicts_total",
			Help: "Conditional stage updates that affected zero rows",
		},
		[]string{"to"},
	)

	// LLM 调用延迟（毫秒）
	LLMCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_latency_ms",
			Help:    "LLM provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"provider", "status"},
	)

	// 邮箱 API 调用延迟（毫秒）
	MailboxCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailbox_call_latency_ms",
			Help:    "Mailbox provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"operation", "status"},
	)

	// 分类任务结果计数
	TaskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_task_outcomes_total",
			Help: "Analysis task outcomes by result",
		},
		[]string{"outcome"}, // completed, failed, deferred
	)

	// 入库邮件计数
	EmailsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emails_ingested_total",
			Help: "Mailbox messages handled by the ingestion worker",
		},
		[]string{"status"}, // stored, duplicate, skipped
	)

	// 派发尝试计数
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Classification submission attempts by result",
		},
		[]string{"result"},
	)

	// Watchdog 动作计数
	WatchdogActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_actions_total",
			Help: "Repairs applied by the liveness watchdog",
		},
		[]string{"action"},
	)

	// 订阅提升计数
	SubscriptionsPromoted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscriptions_promoted_total",
			Help: "Sweeper decisions for completed analysis tasks",
		},
		[]string{"result"}, // inserted, duplicate, skipped
	)

	// 限流拒绝计数
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Calls denied by the local rate limiter",
		},
		[]string{"scope"},
	)

	// 慢查询计数
	SlowQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"statement"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"statement"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	// 熔断器状态 0=closed 1=open 2=half-open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state by breaker name",
		},
		[]string{"name"},
	)
)

// RecordStageTransition 记录一次成功的阶段迁移
func RecordStageTransition(from, to string) {
	StageTransitions.WithLabelValues(from, to).Inc()
}

// IncrementStageConflict 记录一次 CAS 失败
func IncrementStageConflict(to string) {
	StageConflicts.WithLabelValues(to).Inc()
}

// RecordLLMCallLatency 记录 LLM 调用延迟
func RecordLLMCallLatency(provider, status string, duration time.Duration) {
	LLMCallLatency.WithLabelValues(provider, status).Observe(float64(duration.Milliseconds()))
}

// RecordMailboxCallLatency 记录邮箱 API 调用延迟
func RecordMailboxCallLatency(operation, status string, duration time.Duration) {
	MailboxCallLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

func IncrementTaskOutcome(outcome string) {
	TaskOutcomes.WithLabelValues(outcome).Inc()
}

func IncrementEmailIngested(status string) {
	EmailsIngested.WithLabelValues(status).Inc()
}

func IncrementDispatchAttempt(result string) {
	DispatchAttempts.WithLabelValues(result).Inc()
}

func IncrementWatchdogAction(action string) {
	WatchdogActions.WithLabelValues(action).Inc()
}

func IncrementPromotion(result string) {
	SubscriptionsPromoted.WithLabelValues(result).Inc()
}

func IncrementRateLimited(scope string) {
	RateLimited.WithLabelValues(scope).Inc()
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(statement string, duration time.Duration) {
	SlowQueries.WithLabelValues(statement).Inc()
	DBQueryDuration.WithLabelValues(statement).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// SetCircuitBreakerState 记录熔断器状态
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
