package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/railpay/internal/config"
)

func TestPaymentMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPaymentMetrics(reg, config.Config{ServiceName: "railpay", Environment: "test"})

	m.IncSchedulerExhausted("refund:gateway")
	m.IncSchedulerExhausted("refund:gateway")
	m.IncAnomaly("", "unknown_record")
	m.ObserveGateway("alipay", "refund", "ok", 120*time.Millisecond)

	if got := testutil.ToFloat64(m.schedulerExhausted.WithLabelValues("refund:gateway")); got != 2 {
		t.Fatalf("expected 2 exhausted tasks, got %v", got)
	}
	if got := testutil.ToFloat64(m.anomalies.WithLabelValues("unknown", "unknown_record")); got != 1 {
		t.Fatalf("expected anomaly under unknown channel, got %v", got)
	}
	if got := testutil.CollectAndCount(m.gatewayLatency); got != 1 {
		t.Fatalf("expected 1 latency series, got %d", got)
	}
}

func TestNilPaymentMetricsIsSafe(t *testing.T) {
	var m *PaymentMetrics
	m.IncTransition("charge", "SUCCESS")
	m.IncNotification("wechat", "applied")
	m.IncSchedulerRetry("charge:expiry")
}
