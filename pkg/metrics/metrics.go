// Package metrics 提供 Prometheus 指标封装，包含 HTTP 通用指标与台账业务指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 指标集合
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求计数（按路径与状态码）
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTP 请求耗时
	HTTPRequestDuration *prometheus.HistogramVec

	// 兑换单审批通过计数（按方向 BUY/SELL）
	ConversionsApproved *prometheus.CounterVec
	// 兑换单驳回计数
	ConversionsRejected prometheus.Counter
	// 对账修正应用计数
	ReconciliationsApplied prometheus.Counter
	// 对账级联修正的流水行数
	ReconciliationCascadeRows prometheus.Counter
	// 台账不一致告警计数。该指标非零即需人工介入。
	LedgerInconsistencies prometheus.Counter
}

// New 创建指标实例并注册到独立 Registry
func New(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ConversionsApproved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "conversions_approved_total",
			Help:      "Total number of approved conversions",
		}, []string{"side"}),
		ConversionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "conversions_rejected_total",
			Help:      "Total number of rejected conversions",
		}),
		ReconciliationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "reconciliations_applied_total",
			Help:      "Total number of applied settlement reconciliations",
		}),
		ReconciliationCascadeRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "reconciliation_cascade_rows_total",
			Help:      "Total number of wallet transactions shifted by reconciliation cascades",
		}),
		LedgerInconsistencies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Name:      "ledger_inconsistencies_total",
			Help:      "Total number of detected ledger chain violations; requires operator attention",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ConversionsApproved,
		m.ConversionsRejected,
		m.ReconciliationsApplied,
		m.ReconciliationCascadeRows,
		m.LedgerInconsistencies,
	)

	return m
}

// Handler 返回 /metrics 端点的 HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
