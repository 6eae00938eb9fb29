package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 链上调用延迟（秒）
	LedgerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_call_duration_seconds",
			Help:    "Escrow ledger RPC duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"method", "status"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Total number of queries slower than the configured threshold",
		},
		[]string{"verb"},
	)

	// 慢查询耗时
	SlowQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		},
		[]string{"verb"},
	)

	// 放款结果计数
	ReleaseOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_release_total",
			Help: "Milestone release attempts by outcome",
		},
		[]string{"outcome"}, // confirmed, short_circuit, terminal, exhausted
	)

	// 绑定结果计数
	BindingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_binding_total",
			Help: "Escrow binding attempts by outcome",
		},
		[]string{"outcome"}, // bound, recovered, deploy_failed, unknown, abandoned
	)

	// 对账不一致计数
	ReconciliationMismatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_reconciliation_mismatch_total",
			Help: "On-chain/off-chain milestone divergences observed by reads",
		},
		[]string{"kind"}, // count, amount
	)

	// 降级读取计数
	StaleReads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_stale_reads_total",
			Help: "Project views served from off-chain values because the ledger was unreachable",
		},
	)

	// 熔断器状态：0 closed, 1 open, 2 half_open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state per downstream",
		},
		[]string{"name"}, // ledger, pinata
	)

	// 未完成绑定数量
	OrphanedBindings = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "escrow_orphaned_bindings",
			Help: "Projects with a binding intent older than the stale threshold",
		},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordLedgerCall 记录链上调用延迟
func RecordLedgerCall(method, status string, duration time.Duration) {
	LedgerCallDuration.WithLabelValues(method, status).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(verb string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(verb).Inc()
	SlowQueryDuration.WithLabelValues(verb).Observe(duration.Seconds())
}

// IncrementRelease 增加放款结果计数
func IncrementRelease(outcome string) {
	ReleaseOutcomes.WithLabelValues(outcome).Inc()
}

// IncrementBinding 增加绑定结果计数
func IncrementBinding(outcome string) {
	BindingOutcomes.WithLabelValues(outcome).Inc()
}

// IncrementMismatch 增加对账不一致计数
func IncrementMismatch(kind string) {
	ReconciliationMismatches.WithLabelValues(kind).Inc()
}

// IncrementStaleRead 增加降级读取计数
func IncrementStaleRead() {
	StaleReads.Inc()
}

// SetOrphanedBindings 设置未完成绑定数量
func SetOrphanedBindings(n int) {
	OrphanedBindings.Set(float64(n))
}

// Handler 暴露默认 registry 上的全部指标
func SetBreakerState(name string, state int) {
	BreakerState.WithLabelValues(name).Set(float64(state))
}

func Handler() http.Handler {
	return promhttp.Handler()
}
