// 文件: pkg/metrics/metrics.go
// 进程级指标，注册到调用方传入的 Registerer，不使用全局默认注册表

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "price_alert"

// Metrics 所有计数器集合，由 main 创建后显式传给各组件
type Metrics struct {
	// evaluator
	TicksProcessed         prometheus.Counter
	TicksSkipped           prometheus.Counter
	AlertsTriggered        prometheus.Counter
	TriggersRearmed        prometheus.Counter
	ChangesApplied         *prometheus.CounterVec // event_type
	WarmupLoaded           prometheus.Gauge
	StatusUpdateNoop       prometheus.Counter
	StatusUpdateErrors     prometheus.Counter
	StatusUpdateCallerRuns prometheus.Counter

	// notifier
	NotificationsPersisted    prometheus.Counter
	NotificationsDeduplicated prometheus.Counter
	NotificationsPushed       prometheus.Counter

	// outbox
	OutboxPublished     *prometheus.CounterVec // topic
	OutboxPublishFailed *prometheus.CounterVec // topic

	// scheduler
	AlertsReset prometheus.Counter
}

// New 创建并注册指标
func New(reg prometheus.Registerer) *Metrics {
	counter := func(subsystem, name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
		reg.MustRegister(c)
		return c
	}
	counterVec := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
		reg.MustRegister(c)
		return c
	}

	warmupLoaded := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "evaluator",
		Name:      "warmup_loaded_alerts",
		Help:      "Alerts loaded into the index by the last warm-up",
	})
	reg.MustRegister(warmupLoaded)

	return &Metrics{
		TicksProcessed:         counter("evaluator", "ticks_processed_total", "Total market ticks evaluated"),
		TicksSkipped:           counter("evaluator", "ticks_skipped_total", "Messages on the tick topic that were not ticks or could not be decoded"),
		AlertsTriggered:        counter("evaluator", "alerts_triggered_total", "Total alerts triggered"),
		TriggersRearmed:        counter("evaluator", "triggers_rearmed_total", "Triggers put back into the index because the outbox write failed"),
		ChangesApplied:         counterVec("evaluator", "alert_changes_applied_total", "Alert change events applied to the index", "event_type"),
		WarmupLoaded:           warmupLoaded,
		StatusUpdateNoop:       counter("evaluator", "status_update_noop_total", "Conditional status updates that matched no ACTIVE row"),
		StatusUpdateErrors:     counter("evaluator", "status_update_errors_total", "Conditional status updates that failed"),
		StatusUpdateCallerRuns: counter("evaluator", "status_update_caller_runs_total", "Status updates executed on the caller because the queue was full"),

		NotificationsPersisted:    counter("notifier", "notifications_persisted_total", "Total notifications successfully persisted"),
		NotificationsDeduplicated: counter("notifier", "notifications_deduplicated_total", "Total duplicate notifications skipped"),
		NotificationsPushed:       counter("notifier", "notifications_pushed_total", "Fresh notifications pushed to realtime subscribers"),

		OutboxPublished:     counterVec("outbox", "published_total", "Outbox messages published", "topic"),
		OutboxPublishFailed: counterVec("outbox", "publish_failed_total", "Outbox publish attempts that failed", "topic"),

		AlertsReset: counter("scheduler", "alerts_reset_total", "Alerts moved from TRIGGERED_TODAY back to ACTIVE"),
	}
}

// IndexStats 索引规模 (由 AlertIndexManager 实现)
type IndexStats interface {
	TotalAlerts() int
	SymbolCount() int
}

// RegisterIndexGauges 索引规模按需采集
func RegisterIndexGauges(reg prometheus.Registerer, stats IndexStats) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "index_symbols",
			Help:      "Number of symbols in the evaluation index",
		}, func() float64 { return float64(stats.SymbolCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "index_alerts",
			Help:      "Total alerts in the evaluation index",
		}, func() float64 { return float64(stats.TotalAlerts()) }),
	)
}

// NewNop 不注册到任何地方的指标 (测试用)
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// NewServer /metrics 与 /healthz，由调用方负责 ListenAndServe 和 Shutdown
func NewServer(addr string, gatherer prometheus.Gatherer, healthy func() bool) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
