package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.CapitalAllocated.Inc()
	prom.Metrics.CapitalWithdrawn.Inc()
	prom.Metrics.RebalanceExecuted.Inc()
	prom.Metrics.RebalanceSkipped.Inc()
	prom.Metrics.OperationFailed.Inc()
	prom.Metrics.EmergencyActivated.Inc()
	prom.Metrics.YieldDepositFailed.Inc()
	prom.Metrics.AllocationCapBreached.Inc()
	prom.Metrics.TRSRolledOver.Inc()

	assertCounter(t, prom.allocated, 1)
	assertCounter(t, prom.withdrawn, 1)
	assertCounter(t, prom.rebalanced, 1)
	assertCounter(t, prom.rebalanceSkip, 1)
	assertCounter(t, prom.failed, 1)
	assertCounter(t, prom.emergency, 1)
	assertCounter(t, prom.yieldFailed, 1)
	assertCounter(t, prom.capBreached, 1)
	assertCounter(t, prom.rolledOver, 1)
}

func TestPrometheusGauges(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.PortfolioValue.Set(1250.5)
	prom.Metrics.IdleCapital.Set(10)
	if got := testutil.ToFloat64(prom.portfolioValue); got != 1250.5 {
		t.Fatalf("expected 1250.5, got %v", got)
	}
	if got := testutil.ToFloat64(prom.idleCapital); got != 10 {
		t.Fatalf("expected 10, got %v", got)
	}
}

func TestPrometheusHandlerExposesNamespace(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.CapitalAllocated.Inc()
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "rwa_bundle_capital_allocated_total 1") {
		t.Fatalf("expected allocated counter in output, got %s", body)
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoop()
	m.CapitalAllocated.Inc()
	m.PortfolioValue.Set(1)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
