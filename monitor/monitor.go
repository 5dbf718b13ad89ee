package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the metric set of one job manager process.
type Metrics struct {
	InstanceMaterialized *prometheus.CounterVec
	TriggerSkipped       *prometheus.CounterVec
	TriggerMisfired      *prometheus.CounterVec
	TickDurations        prometheus.Histogram
	TickOverload         prometheus.Counter

	Dispatched        *prometheus.CounterVec
	DispatchDurations *prometheus.HistogramVec
	DispatchQueueing  prometheus.Gauge
	WorkerFailures    *prometheus.CounterVec
	WorkerAlive       *prometheus.GaugeVec
	WorkerEvicted     prometheus.Counter

	InstanceTransitions *prometheus.CounterVec
	InstanceRetried     prometheus.Counter
	InstanceTracking    prometheus.Gauge
	InvariantViolations prometheus.Counter

	PersistenceErrors *prometheus.CounterVec

	Leader     prometheus.Gauge
	Scheduling prometheus.Gauge

	EventSubscribers               *prometheus.CounterVec
	EventGoroutineUsing            prometheus.Gauge
	EventPublished                 *prometheus.CounterVec
	EventConsumed                  *prometheus.CounterVec
	EventConsumeDurationsHistogram *prometheus.HistogramVec
	EventDelayDurationsSummary     *prometheus.SummaryVec

	ConfigCenterQuery                  *prometheus.CounterVec
	ConfigCenterCacheHit               *prometheus.CounterVec
	ConfigCenterContentLengthHistogram *prometheus.HistogramVec
	ConfigCenterDurationHistogram      *prometheus.HistogramVec
}

// New registers the metric set on reg. A nil reg uses a private registry,
// which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		InstanceMaterialized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_instance_materialized_total",
			Help: "调度生成的任务实例数",
		}, []string{"type"}),
		TriggerSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_trigger_skipped_total",
			Help: "因实例数上限跳过的触发次数",
		}, []string{"type"}),
		TriggerMisfired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_trigger_misfired_total",
			Help: "错过触发时间被合并的次数",
		}, []string{"type"}),
		TickDurations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "单次调度耗时的柱状图",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		}),
		TickOverload: f.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_tick_overload_total",
			Help: "批量读满导致缩短调度间隔的次数",
		}),

		Dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_total",
			Help: "派发结果累计次数",
		}, []string{"result"}),
		DispatchDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "派发 RPC 耗时的柱状图",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5},
		}, []string{"result"}),
		DispatchQueueing: f.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_queue_length",
			Help: "等待派发的实例数",
		}),
		WorkerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_rpc_failures_total",
			Help: "执行节点 RPC 失败次数",
		}, []string{"kind"}),
		WorkerAlive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_alive",
			Help: "存活的执行节点数",
		}, []string{"app"}),
		WorkerEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "worker_evicted_total",
			Help: "被判定失联的执行节点数",
		}),

		InstanceTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "instance_transitions_total",
			Help: "实例状态迁移次数",
		}, []string{"from", "to"}),
		InstanceRetried: f.NewCounter(prometheus.CounterOpts{
			Name: "instance_retried_total",
			Help: "实例重试次数",
		}),
		InstanceTracking: f.NewGauge(prometheus.GaugeOpts{
			Name: "instance_tracking",
			Help: "正在跟踪的实例数",
		}),
		InvariantViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "instance_invariant_violations_total",
			Help: "非法状态迁移次数",
		}),

		PersistenceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "persistence_errors_total",
			Help: "持久化错误次数",
		}, []string{"kind"}),

		Leader: f.NewGauge(prometheus.GaugeOpts{
			Name: "server_leader",
			Help: "本节点是否为 leader",
		}),
		Scheduling: f.NewGauge(prometheus.GaugeOpts{
			Name: "server_scheduling",
			Help: "本节点是否在调度",
		}),

		EventSubscribers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "event_subscribers",
			Help: "事件订阅者数量",
		}, []string{"topic"}),
		EventGoroutineUsing: f.NewGauge(prometheus.GaugeOpts{
			Name: "event_goroutine_using_total",
			Help: "事件推送协程数",
		}),
		EventPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "event_published_total",
			Help: "事件累计推送总数",
		}, []string{"topic"}),
		EventConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "event_consumed_total",
			Help: "事件累计消费总数",
		}, []string{"topic"}),
		EventConsumeDurationsHistogram: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_duration_histogram_seconds",
			Help:    "事件推送耗时的柱状图",
			Buckets: []float64{.0001, .001, .01, .1, 1},
		}, []string{"topic"}),
		EventDelayDurationsSummary: f.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "event_delay_duration_summary_seconds",
			Help:       "事件延迟推送耗时的分位图",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"topic"}),

		ConfigCenterQuery: f.NewCounterVec(prometheus.CounterOpts{
			Name: "config_center_query_total",
			Help: "配置中心查询次数",
		}, []string{"group"}),
		ConfigCenterCacheHit: f.NewCounterVec(prometheus.CounterOpts{
			Name: "config_center_cache_hit_total",
			Help: "配置中心缓存命中次数",
		}, []string{"group"}),
		ConfigCenterContentLengthHistogram: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "config_center_content_length_histogram",
			Help:    "配置中心查询结果大小的柱状图",
			Buckets: []float64{50, 100, 200, 500, 1000},
		}, []string{"group"}),
		ConfigCenterDurationHistogram: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "config_center_duration_histogram_seconds",
			Help:    "配置中心查询时间的柱状图",
			Buckets: []float64{.001, .01, .1, .5, 1},
		}, []string{"group"}),
	}
}
