package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink 用 Prometheus 指标实现管道的 MetricsSink 接口。
// 计数器按主题打标签；暂停时长与在途键组数反映背压状态。
type PrometheusSink struct {
	processed    *prometheus.CounterVec
	duplicates   *prometheus.CounterVec
	errored      *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec

	inFlight       prometheus.Gauge
	paused         prometheus.Gauge
	pausedSeconds  prometheus.Counter
	batchDuration  prometheus.Histogram

	healthy atomic.Bool
}

// NewPrometheusSink 创建指标出口并注册到给定的 Registerer。
// reg 为 nil 时使用默认注册表。
func NewPrometheusSink(namespace string, reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	s := &PrometheusSink{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "成功处理的消息总数",
		}, []string{"topic"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_duplicate_total",
			Help:      "被幂等过滤器拦截的重复消息总数",
		}, []string{"topic"}),
		errored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_errored_total",
			Help:      "处理失败的消息总数 (含之后重试成功的)",
		}, []string{"topic"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_retried_total",
			Help:      "消息重试总次数",
		}, []string{"topic"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dead_lettered_total",
			Help:      "路由到死信队列的消息总数",
		}, []string{"topic"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_groups_in_flight",
			Help:      "正在处理的键组数量",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backpressure_paused",
			Help:      "背压暂停状态 (1=暂停, 0=正常)",
		}),
		pausedSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_paused_seconds_total",
			Help:      "背压暂停的累计时长 (秒)",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "批次从进入调度到全部终态的时长分布",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	reg.MustRegister(
		s.processed, s.duplicates, s.errored, s.retried, s.deadLettered,
		s.inFlight, s.paused, s.pausedSeconds, s.batchDuration,
	)
	s.healthy.Store(true)
	return s
}

func (s *PrometheusSink) IncProcessed(topic string)    { s.processed.WithLabelValues(topic).Inc() }
func (s *PrometheusSink) IncDuplicate(topic string)    { s.duplicates.WithLabelValues(topic).Inc() }
func (s *PrometheusSink) IncErrored(topic string)      { s.errored.WithLabelValues(topic).Inc() }
func (s *PrometheusSink) IncRetried(topic string)      { s.retried.WithLabelValues(topic).Inc() }
func (s *PrometheusSink) IncDeadLettered(topic string) { s.deadLettered.WithLabelValues(topic).Inc() }

func (s *PrometheusSink) ObserveBatchDuration(d time.Duration) {
	s.batchDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) SetInFlight(n int) { s.inFlight.Set(float64(n)) }

func (s *PrometheusSink) SetPaused(paused bool) {
	if paused {
		s.paused.Set(1)
	} else {
		s.paused.Set(0)
	}
}

func (s *PrometheusSink) AddPausedDuration(d time.Duration) {
	s.pausedSeconds.Add(d.Seconds())
}

// SetHealthy 设置健康探针的值 (接入层在消费循环异常退出时置为 false)。
func (s *PrometheusSink) SetHealthy(healthy bool) {
	s.healthy.Store(healthy)
}

// Healthy 返回服务是否健康。
func (s *PrometheusSink) Healthy() bool {
	return s.healthy.Load()
}
