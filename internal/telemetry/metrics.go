package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tournevent/carrierlink/pkg/shipper"
	"github.com/tournevent/carrierlink/pkg/shipper/credentials"
	"github.com/tournevent/carrierlink/pkg/shipper/orchestrator"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	CarrierErrors    *prometheus.CounterVec
	TokenFetches     *prometheus.CounterVec
	IdempotentReplay *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carrierlink_requests_total",
				Help: "Total number of requests by operation, carrier, and status",
			},
			[]string{"operation", "carrier", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "carrierlink_request_duration_seconds",
				Help:    "Request duration in seconds by operation and carrier",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "carrier"},
		),
		CarrierErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carrierlink_carrier_errors_total",
				Help: "Total carrier API errors by carrier and error type",
			},
			[]string{"carrier", "error_type"},
		),
		TokenFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carrierlink_token_fetches_total",
				Help: "Total carrier authentication calls by carrier and status",
			},
			[]string{"carrier", "status"},
		),
		IdempotentReplay: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carrierlink_idempotent_replays_total",
				Help: "Total shipment results returned from the idempotency table",
			},
			[]string{"carrier"},
		),
	}
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(operation, carrier, status string, duration float64) {
	m.RequestsTotal.WithLabelValues(operation, carrier, status).Inc()
	m.RequestDuration.WithLabelValues(operation, carrier).Observe(duration)
}

// RecordError records a carrier error metric.
func (m *Metrics) RecordError(carrier, errorType string) {
	m.CarrierErrors.WithLabelValues(carrier, errorType).Inc()
}

// ObserveRequest implements orchestrator.Metrics.
func (m *Metrics) ObserveRequest(operation, carrier string, err error, duration time.Duration) {
	m.RecordRequest(operation, carrier, status(err), duration.Seconds())
}

// ObserveCarrierError implements orchestrator.Metrics.
func (m *Metrics) ObserveCarrierError(carrier string, err error) {
	m.RecordError(carrier, shipper.KindName(err))
}

// ObserveReplay implements orchestrator.Metrics.
func (m *Metrics) ObserveReplay(carrier string) {
	m.IdempotentReplay.WithLabelValues(carrier).Inc()
}

// ObserveTokenFetch implements credentials.FetchObserver.
func (m *Metrics) ObserveTokenFetch(carrier string, err error) {
	m.TokenFetches.WithLabelValues(carrier, status(err)).Inc()
}

func status(err error) string {
	if err == nil {
		return "success"
	}
	return shipper.KindName(err)
}

var (
	_ orchestrator.Metrics       = (*Metrics)(nil)
	_ credentials.FetchObserver = (*Metrics)(nil)
)
