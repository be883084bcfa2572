// Package metrics 提供服务端的 Prometheus 指标
//
// Collector 的所有方法对 nil 接收者安全，未配置指标时服务端直接传 nil。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config 指标配置
type Config struct {
	// Namespace 指标命名空间（默认 "tickrpc"）
	Namespace string

	// Subsystem 指标子系统（默认 "server"）
	Subsystem string

	// ConstLabels 所有指标附带的常量标签
	ConstLabels prometheus.Labels

	// Buckets Update 耗时直方图的桶（秒）
	Buckets []float64

	// Registry 注册器（默认 prometheus.DefaultRegisterer）
	Registry prometheus.Registerer
}

// Option 配置选项
type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

func WithSubsystem(subsystem string) Option {
	return func(c *Config) { c.Subsystem = subsystem }
}

func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

func defaultConfig() Config {
	return Config{
		Namespace: "tickrpc",
		Subsystem: "server",
		// tick 级别的耗时：100µs ~ 100ms
		Buckets:  prometheus.ExponentialBuckets(0.0001, 2, 11),
		Registry: prometheus.DefaultRegisterer,
	}
}

// 连接请求结果标签
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeTimedOut = "timed_out"
	OutcomeRejected = "rejected"
)

// Collector 服务端指标集合
type Collector struct {
	ticks            prometheus.Counter
	updateDuration   prometheus.Histogram
	budget           prometheus.Gauge
	callsExecuted    prometheus.Counter
	callsFailed      *prometheus.CounterVec
	callsDeferred    prometheus.Counter
	clients          prometheus.Gauge
	requests         *prometheus.CounterVec
	connectionErrors prometheus.Counter
	subscriptions    prometheus.Gauge
	streamUpdates    prometheus.Counter
	bytesRead        prometheus.Counter
	bytesWritten     prometheus.Counter
}

// New 创建并注册指标
func New(opts ...Option) *Collector {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Collector{
		ticks: counter("ticks_total", "Total number of Update calls processed while running"),
		updateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "update_duration_seconds",
			Help:        "Wall-clock duration of Update calls in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),
		budget:        gauge("budget_seconds", "RPC execution budget for the next tick in seconds"),
		callsExecuted: counter("calls_executed_total", "Total number of RPC calls executed"),
		callsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "calls_failed_total",
			Help:        "Total number of RPC calls that returned a call error",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),
		callsDeferred: counter("calls_deferred_total", "Total number of queued calls deferred to a later tick by the budget"),
		clients:       gauge("clients", "Number of connected clients"),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connection_requests_total",
			Help:        "Total number of connection requests by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"channel", "outcome"}),
		connectionErrors: counter("connection_errors_total", "Total number of connections closed by a transport or protocol error"),
		subscriptions:    gauge("stream_subscriptions", "Number of active stream subscriptions"),
		streamUpdates:    counter("stream_updates_total", "Total number of stream update frames sent"),
		bytesRead:        counter("bytes_read_total", "Total bytes read from clients"),
		bytesWritten:     counter("bytes_written_total", "Total bytes written to clients"),
	}
}

func (c *Collector) ObserveTick(d time.Duration, budget time.Duration) {
	if c == nil {
		return
	}
	c.ticks.Inc()
	c.updateDuration.Observe(d.Seconds())
	c.budget.Set(budget.Seconds())
}

func (c *Collector) CallExecuted() {
	if c == nil {
		return
	}
	c.callsExecuted.Inc()
}

func (c *Collector) CallFailed(kind string) {
	if c == nil {
		return
	}
	c.callsFailed.WithLabelValues(kind).Inc()
}

func (c *Collector) CallsDeferred(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.callsDeferred.Add(float64(n))
}

func (c *Collector) SetClients(n int) {
	if c == nil {
		return
	}
	c.clients.Set(float64(n))
}

// ConnectionRequest 记录一次连接请求的结果
func (c *Collector) ConnectionRequest(channel, outcome string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(channel, outcome).Inc()
}

func (c *Collector) ConnectionError() {
	if c == nil {
		return
	}
	c.connectionErrors.Inc()
}

func (c *Collector) SetSubscriptions(n int) {
	if c == nil {
		return
	}
	c.subscriptions.Set(float64(n))
}

func (c *Collector) StreamUpdateSent() {
	if c == nil {
		return
	}
	c.streamUpdates.Inc()
}

func (c *Collector) BytesRead(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesRead.Add(float64(n))
}

func (c *Collector) BytesWritten(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesWritten.Add(float64(n))
}
