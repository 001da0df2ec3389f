package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有记录方法允许 nil 接收者，组件可以不注入指标。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 身份指标
	IdentityResolutions *prometheus.CounterVec
	IdentityMints       *prometheus.CounterVec

	// 收件箱指标
	InboxPolls     *prometheus.CounterVec
	MessagesNew    prometheus.Counter
	MessagesCached prometheus.Gauge

	// 扩展购买指标
	OrdersTotal   *prometheus.CounterVec
	ExpiryCommits prometheus.Counter

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标，注册到独立的注册表
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_agent_http_requests_total",
				Help: "Total number of local API requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tempmail_agent_http_request_duration_seconds",
				Help:    "Local API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		IdentityResolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_agent_identity_resolutions_total",
				Help: "Identity resolutions by outcome (purchased, recovered, minted, failed)",
			},
			[]string{"outcome"},
		),

		IdentityMints: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_agent_identity_mints_total",
				Help: "Mint requests sent to the backend by result",
			},
			[]string{"result"},
		),

		InboxPolls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_agent_inbox_polls_total",
				Help: "Inbox polls by result",
			},
			[]string{"result"},
		),

		MessagesNew: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_agent_messages_new_total",
				Help: "Messages added to the local cache",
			},
		),

		MessagesCached: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tempmail_agent_messages_cached",
				Help: "Messages currently held in the local cache",
			},
		),

		OrdersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_agent_extension_orders_total",
				Help: "Extension purchase attempts by terminal status",
			},
			[]string{"status"},
		),

		ExpiryCommits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_agent_expiry_commits_total",
				Help: "Expiry extensions committed after confirmed payment",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_agent_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_agent_panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordResolution 记录身份解析结果
func (m *Metrics) RecordResolution(outcome string) {
	if m == nil {
		return
	}
	m.IdentityResolutions.WithLabelValues(outcome).Inc()
}

// RecordMint 记录生成请求
func (m *Metrics) RecordMint(ok bool) {
	if m == nil {
		return
	}
	m.IdentityMints.WithLabelValues(result(ok)).Inc()
}

// RecordPoll 记录一次轮询
func (m *Metrics) RecordPoll(ok bool, added, cached int) {
	if m == nil {
		return
	}
	m.InboxPolls.WithLabelValues(result(ok)).Inc()
	if added > 0 {
		m.MessagesNew.Add(float64(added))
	}
	m.MessagesCached.Set(float64(cached))
}

// RecordOrder 记录购买尝试的终态
func (m *Metrics) RecordOrder(status string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(status).Inc()
}

// RecordExpiryCommit 记录到期时间延长
func (m *Metrics) RecordExpiryCommit() {
	if m == nil {
		return
	}
	m.ExpiryCommits.Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
