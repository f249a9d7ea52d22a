package kdc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus metrics for the KDC.
//
// All metrics use the "kdc_" prefix. Methods handle a nil receiver, so a nil
// *Metrics disables collection.
type Metrics struct {
	// Requests counts handled messages.
	// Labels: type=[as, tgs, other], result=[reply, krb_error, failed]
	Requests *prometheus.CounterVec

	// KRBErrors counts KRB-ERROR replies by error code.
	KRBErrors *prometheus.CounterVec

	// Duration tracks HandleMessage time by request type.
	Duration *prometheus.HistogramVec

	// InFlight is the number of messages being handled by the server.
	InFlight prometheus.Gauge
}

// NewMetrics creates the KDC metrics and registers them with registerer,
// or with prometheus.DefaultRegisterer when it is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kdc_requests_total",
				Help: "Total KDC messages handled by request type and result",
			},
			[]string{"type", "result"},
		),
		KRBErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kdc_krb_errors_total",
				Help: "Total KRB-ERROR replies by error code",
			},
			[]string{"code"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kdc_request_duration_seconds",
				Help:    "KDC message handling duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kdc_requests_in_flight",
				Help: "Current number of KDC messages being handled",
			},
		),
	}
	registerer.MustRegister(m.Requests, m.KRBErrors, m.Duration, m.InFlight)
	return m
}

func (m *Metrics) recordRequest(typ, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(typ, result).Inc()
	m.Duration.WithLabelValues(typ).Observe(d.Seconds())
}

func (m *Metrics) recordKRBError(code int32) {
	if m == nil {
		return
	}
	m.KRBErrors.WithLabelValues(errorCodeLabel(code)).Inc()
}

func (m *Metrics) inFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}
