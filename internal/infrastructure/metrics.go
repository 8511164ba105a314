package infrastructure

import (
	"github.com/prometheus/client_golang/prometheus"

	"tgsession/internal/entities"
)

var (
	Admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tgsession_admissions_total", Help: "Rate limiter decisions"},
		[]string{"result"},
	)
	Dials = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tgsession_dials_total", Help: "Connection dial outcomes"},
		[]string{"kind", "result"},
	)
	Evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tgsession_evictions_total", Help: "Pooled connections closed"},
		[]string{"reason"},
	)
	PoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "tgsession_pool_connections", Help: "Live pooled connections"},
	)
	Verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tgsession_verifications_total", Help: "Phone-code verification outcomes"},
		[]string{"step", "result"},
	)
	QRLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tgsession_qr_logins_total", Help: "QR login outcomes"},
		[]string{"result"},
	)
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "tgsession_dispatch_latency_seconds", Help: "Latency of admitted upstream calls"},
	)
)

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Admissions, Dials, Evictions, PoolSize, Verifications, QRLogins, DispatchLatency)
}

// MetricResult turns an error into a short label value.
func MetricResult(err error) string {
	if err == nil {
		return "ok"
	}
	return entities.CodeOf(err)
}
