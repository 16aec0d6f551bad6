package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsService 发送链路的Prometheus指标
type MetricsService struct {
	sendsTotal   *prometheus.CounterVec
	sendDuration prometheus.Histogram
}

// NewMetricsService 创建并注册指标
func NewMetricsService(registry prometheus.Registerer) *MetricsService {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	m := &MetricsService{
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "message_sends_total",
			Help:      "Total message send attempts by outcome",
		}, []string{"outcome"}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chat",
			Name:      "message_send_duration_seconds",
			Help:      "End-to-end send latency including completion call",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}

	registry.MustRegister(m.sendsTotal, m.sendDuration)
	return m
}

// ObserveSend 记录一次发送的结果和耗时
func (m *MetricsService) ObserveSend(success bool, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.sendsTotal.WithLabelValues(outcome).Inc()
	m.sendDuration.Observe(elapsed.Seconds())
}
