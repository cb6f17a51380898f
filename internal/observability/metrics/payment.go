package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/railpay/internal/config"
)

// PaymentMetrics tracks lifecycle transitions, reconciliation anomalies,
// gateway latency and scheduler exhaustion.
type PaymentMetrics struct {
	transitions        *prometheus.CounterVec
	anomalies          *prometheus.CounterVec
	gatewayLatency     *prometheus.HistogramVec
	notifications      *prometheus.CounterVec
	schedulerExhausted *prometheus.CounterVec
	schedulerRetries   *prometheus.CounterVec
}

var (
	paymentMetricsOnce sync.Once
	paymentMetrics     *PaymentMetrics
)

// Payment returns the process-wide metrics registered on the default registry.
func Payment(cfg config.Config) *PaymentMetrics {
	paymentMetricsOnce.Do(func() {
		paymentMetrics = NewPaymentMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return paymentMetrics
}

// NewPaymentMetrics registers a fresh set of collectors on registerer. Tests
// pass their own prometheus.NewRegistry().
func NewPaymentMetrics(registerer prometheus.Registerer, cfg config.Config) *PaymentMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "railpay"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}

	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	transitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "railpay_transitions_total",
			Help:        "State transitions applied to charges, refunds and transfers.",
			ConstLabels: constLabels,
		},
		[]string{"record", "to"},
	)

	anomalies := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "railpay_reconciliation_anomalies_total",
			Help:        "Gateway outcomes that referenced unknown records or mismatched amounts.",
			ConstLabels: constLabels,
		},
		[]string{"channel", "reason"}, // unknown_record | amount_mismatch | currency_mismatch | rejected_transition
	)

	gatewayLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "railpay_gateway_request_seconds",
			Help:        "Latency of outbound gateway calls.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		},
		[]string{"channel", "operation", "result"}, // ok | client | business | transport
	)

	notifications := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "railpay_notifications_total",
			Help:        "Inbound gateway notifications by ingest result.",
			ConstLabels: constLabels,
		},
		[]string{"channel", "result"}, // applied | duplicate | ignored | invalid | failed
	)

	schedulerExhausted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "railpay_scheduler_exhausted_total",
			Help:        "Scheduled tasks that ran out of attempts.",
			ConstLabels: constLabels,
		},
		[]string{"kind"},
	)

	schedulerRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "railpay_scheduler_retries_total",
			Help:        "Scheduled tasks re-enqueued for a later attempt.",
			ConstLabels: constLabels,
		},
		[]string{"kind"},
	)

	registerer.MustRegister(
		transitions,
		anomalies,
		gatewayLatency,
		notifications,
		schedulerExhausted,
		schedulerRetries,
	)

	return &PaymentMetrics{
		transitions:        transitions,
		anomalies:          anomalies,
		gatewayLatency:     gatewayLatency,
		notifications:      notifications,
		schedulerExhausted: schedulerExhausted,
		schedulerRetries:   schedulerRetries,
	}
}

func (m *PaymentMetrics) IncTransition(record, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(record, to).Inc()
}

func (m *PaymentMetrics) IncAnomaly(channel, reason string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(normalizeLabel(channel), reason).Inc()
}

func (m *PaymentMetrics) ObserveGateway(channel, operation, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gatewayLatency.WithLabelValues(normalizeLabel(channel), operation, result).Observe(elapsed.Seconds())
}

func (m *PaymentMetrics) IncNotification(channel, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(normalizeLabel(channel), result).Inc()
}

func (m *PaymentMetrics) IncSchedulerExhausted(kind string) {
	if m == nil {
		return
	}
	m.schedulerExhausted.WithLabelValues(kind).Inc()
}

func (m *PaymentMetrics) IncSchedulerRetry(kind string) {
	if m == nil {
		return
	}
	m.schedulerRetries.WithLabelValues(kind).Inc()
}

func normalizeLabel(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}
