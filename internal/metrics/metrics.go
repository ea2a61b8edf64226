// Package metrics 暴露模块、激活与短信投递的 Prometheus 指标
// Recorder 的方法对 nil 接收者安全，未启用指标时直接传 nil
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smshub-agent/internal/model"
)

const namespace = "smshub"

// 短信计数的 status 标签
const (
	SMSReceived  = "received"
	SMSDelivered = "delivered"
	SMSFailed    = "failed"
)

// Recorder 持有独立的注册表，避免全局状态
type Recorder struct {
	registry *prometheus.Registry

	modemStatus  *prometheus.GaugeVec
	modemSignal  *prometheus.GaugeVec
	activations  *prometheus.CounterVec
	messages     *prometheus.CounterVec
	deliveryTime prometheus.Histogram
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
}

// New 创建指标记录器
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		modemStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "modem_status",
			Help:      "Modem status (0=offline, 1=active, 2=busy, 3=error)",
		}, []string{"port"}),
		modemSignal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "modem_signal_quality",
			Help:      "Modem signal quality percent",
		}, []string{"port"}),
		activations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activation_total",
			Help:      "Activations entering each status",
		}, []string{"status"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sms_messages_total",
			Help:      "Inbound SMS messages by outcome",
		}, []string{"status"}),
		deliveryTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sms_delivery_time_seconds",
			Help:      "Time from receipt to successful delivery",
			Buckets:   []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		}),
	}
}

// Registry 供测试读取
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler /metrics 处理器
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ==================== 领域指标 ====================

func (r *Recorder) SetModemStatus(port string, status model.ModemStatus) {
	if r == nil {
		return
	}
	r.modemStatus.WithLabelValues(port).Set(status.GaugeValue())
}

func (r *Recorder) SetSignalQuality(port string, percent int) {
	if r == nil {
		return
	}
	r.modemSignal.WithLabelValues(port).Set(float64(percent))
}

// ForgetModem 模块注销后移除对应序列
func (r *Recorder) ForgetModem(port string) {
	if r == nil {
		return
	}
	r.modemStatus.DeleteLabelValues(port)
	r.modemSignal.DeleteLabelValues(port)
}

func (r *Recorder) ActivationStatus(status model.ActivationStatus) {
	if r == nil {
		return
	}
	r.activations.WithLabelValues(status.String()).Inc()
}

func (r *Recorder) MessageReceived() {
	if r == nil {
		return
	}
	r.messages.WithLabelValues(SMSReceived).Inc()
}

// MessageDelivered elapsed 为收到到投递成功的耗时
func (r *Recorder) MessageDelivered(elapsed time.Duration) {
	if r == nil {
		return
	}
	r.messages.WithLabelValues(SMSDelivered).Inc()
	r.deliveryTime.Observe(elapsed.Seconds())
}

func (r *Recorder) MessageFailed() {
	if r == nil {
		return
	}
	r.messages.WithLabelValues(SMSFailed).Inc()
}

// ==================== HTTP 中间件 ====================

// GinMiddleware 记录请求数、耗时与在途请求；route 使用路由模板保持低基数
func (r *Recorder) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		r.httpInFlight.Inc()
		defer r.httpInFlight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		r.httpRequests.With(labels).Inc()
		r.httpDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
