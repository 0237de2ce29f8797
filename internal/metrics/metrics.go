package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vending"

// Metrics holds the pipeline collectors on a dedicated registry.
type Metrics struct {
	Registry *prometheus.Registry

	purchasesTotal    *prometheus.CounterVec
	vendDuration      *prometheus.HistogramVec
	paymentWait       *prometheus.HistogramVec
	settlementsTotal  *prometheus.CounterVec
	anomaliesTotal    prometheus.Counter
	maintenanceTotal  *prometheus.CounterVec
	vendorLoginsTotal *prometheus.CounterVec
}

// New registers all collectors, plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		purchasesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purchases_total",
				Help:      "Purchase attempts by final state",
			},
			[]string{"state", "failure_kind"},
		),
		vendDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vend_duration_seconds",
				Help:      "Duration of vendor token issuance calls",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
			},
			[]string{"result"},
		),
		paymentWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "payment_confirmation_seconds",
				Help:      "Time from charge initiation to settlement or timeout",
				Buckets:   []float64{1, 5, 10, 20, 30, 60, 90, 120, 180, 300},
			},
			[]string{"outcome"},
		),
		settlementsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlements_total",
				Help:      "Settlement notifications by source",
			},
			[]string{"source"}, // "mq", "callback"
		),
		anomaliesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purchase_anomalies_total",
				Help:      "Purchases flagged as amount spikes",
			},
		),
		maintenanceTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "maintenance_tokens_total",
				Help:      "Maintenance token requests by subclass and result",
			},
			[]string{"sub_class", "result"},
		),
		vendorLoginsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vendor_logins_total",
				Help:      "Operator logins against the vendor",
			},
			[]string{"result"},
		),
	}
}

// PurchaseFinished counts an attempt reaching a resting state.
func (m *Metrics) PurchaseFinished(state, failureKind string) {
	m.purchasesTotal.WithLabelValues(state, failureKind).Inc()
}

// ObserveVend records a vend call and its result.
func (m *Metrics) ObserveVend(d time.Duration, result string) {
	m.vendDuration.WithLabelValues(result).Observe(d.Seconds())
}

// ObservePaymentWait records how long confirmation took.
func (m *Metrics) ObservePaymentWait(d time.Duration, outcome string) {
	m.paymentWait.WithLabelValues(outcome).Observe(d.Seconds())
}

// SettlementReceived counts a settlement by where it came from.
func (m *Metrics) SettlementReceived(source string) {
	m.settlementsTotal.WithLabelValues(source).Inc()
}

// AnomalyFlagged counts a spike.
func (m *Metrics) AnomalyFlagged() {
	m.anomaliesTotal.Inc()
}

// MaintenanceIssued counts a maintenance token request.
func (m *Metrics) MaintenanceIssued(subClass, result string) {
	m.maintenanceTotal.WithLabelValues(subClass, result).Inc()
}

// VendorLogin counts an operator login attempt.
func (m *Metrics) VendorLogin(result string) {
	m.vendorLoginsTotal.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
