package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the marketplace server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Payment metrics
	PaymentsInitiatedTotal *prometheus.CounterVec
	PaymentAmountTotal     *prometheus.CounterVec
	ReconciliationsTotal   *prometheus.CounterVec
	SettlementDuration     *prometheus.HistogramVec

	// Gateway (M-Pesa Daraja) call metrics
	GatewayCallsTotal   *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec
	GatewayErrorsTotal  *prometheus.CounterVec

	// Provider callback metrics
	CallbacksTotal   *prometheus.CounterVec
	CallbackDuration *prometheus.HistogramVec

	// Access gate metrics
	ContactAccessTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		PaymentsInitiatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusmart_payments_initiated_total",
				Help: "STK push initiations by payment kind and result",
			},
			[]string{"kind", "result"},
		),
		PaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusmart_payment_amount_kes_total",
				Help: "Total confirmed payment amount in KES",
			},
			[]string{"kind"},
		),
		ReconciliationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusmart_reconciliations_total",
				Help: "Payment outcomes applied, by kind, source (callback or poll) and outcome",
			},
			[]string{"kind", "source", "outcome"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campusmart_settlement_duration_seconds",
				Help:    "Time from STK push acceptance to confirmed outcome",
				Buckets: []float64{5, 10, 20, 30, 60, 120, 300, 900},
			},
			[]string{"kind"},
		),

		GatewayCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusmart_gateway_calls_total",
				Help: "Total number of calls to the M-Pesa API",
			},
			[]string{"operation"},
		),
		GatewayCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campusmart_gateway_call_duration_seconds",
				Help:    "Duration of calls to the M-Pesa API",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"operation"},
		),
		GatewayErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusmart_gateway_errors_total",
				Help: "Total number of failed calls to the M-Pesa API",
			},
			[]string{"operation", "error_type"},
		),

		CallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusmart_callbacks_total",
				Help: "Provider callbacks received, by kind and acknowledgement",
			},
			[]string{"kind", "status"},
		),
		CallbackDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campusmart_callback_duration_seconds",
				Help:    "Time spent applying a provider callback",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		ContactAccessTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusmart_contact_access_total",
				Help: "Seller contact access checks by result",
			},
			[]string{"result"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusmart_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campusmart_db_query_duration_seconds",
				Help:    "Duration of database queries",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObserveInitiation records the result of a payment initiation.
func (m *Metrics) ObserveInitiation(kind, result string) {
	if m == nil {
		return
	}
	m.PaymentsInitiatedTotal.WithLabelValues(kind, result).Inc()
}

// ObserveReconciliation records an outcome applied from a callback or a status poll.
// Completed outcomes also record the amount and the time since initiation.
func (m *Metrics) ObserveReconciliation(kind, source, outcome string, amount int64, sinceCreated time.Duration) {
	if m == nil {
		return
	}
	m.ReconciliationsTotal.WithLabelValues(kind, source, outcome).Inc()
	if outcome == "completed" {
		m.PaymentAmountTotal.WithLabelValues(kind).Add(float64(amount))
		if sinceCreated > 0 {
			m.SettlementDuration.WithLabelValues(kind).Observe(sinceCreated.Seconds())
		}
	}
}

// ObserveGatewayCall records a call to the M-Pesa API.
func (m *Metrics) ObserveGatewayCall(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.GatewayCallsTotal.WithLabelValues(operation).Inc()
	m.GatewayCallDuration.WithLabelValues(operation).Observe(duration.Seconds())

	if err != nil {
		m.GatewayErrorsTotal.WithLabelValues(operation, classifyError(err)).Inc()
	}
}

// ObserveCallback records a provider callback.
func (m *Metrics) ObserveCallback(kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(kind, status).Inc()
	m.CallbackDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveContactAccess records an access gate decision.
func (m *Metrics) ObserveContactAccess(result string) {
	if m == nil {
		return
	}
	m.ContactAccessTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

func classifyError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "circuit breaker"), strings.Contains(msg, "too many requests"):
		return "circuit_open"
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "connection"):
		return "connection"
	case strings.Contains(msg, "status 4"):
		return "client_error"
	case strings.Contains(msg, "status 5"):
		return "server_error"
	default:
		return "other"
	}
}
