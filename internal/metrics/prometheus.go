package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "rwa_bundle"

type Prometheus struct {
	Metrics *Metrics

	registry       *prometheus.Registry
	allocated      prometheus.Counter
	withdrawn      prometheus.Counter
	rebalanced     prometheus.Counter
	rebalanceSkip  prometheus.Counter
	failed         prometheus.Counter
	emergency      prometheus.Counter
	yieldFailed    prometheus.Counter
	capBreached    prometheus.Counter
	rolledOver     prometheus.Counter
	portfolioValue prometheus.Gauge
	idleCapital    prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:       prometheus.NewRegistry(),
		allocated:      newCounter("capital_allocated_total", "Total number of successful capital allocations."),
		withdrawn:      newCounter("capital_withdrawn_total", "Total number of successful capital withdrawals."),
		rebalanced:     newCounter("rebalance_executed_total", "Total number of executed rebalances."),
		rebalanceSkip:  newCounter("rebalance_skipped_total", "Total number of rebalances skipped as not economical."),
		failed:         newCounter("operation_failed_total", "Total number of bundle operations that failed and rolled back."),
		emergency:      newCounter("emergency_activated_total", "Total number of emergency mode activations."),
		yieldFailed:    newCounter("yield_deposit_failed_total", "Total number of yield vault deposits that failed."),
		capBreached:    newCounter("allocation_cap_breached_total", "Total number of max allocation breaches observed."),
		rolledOver:     newCounter("trs_rolled_over_total", "Total number of TRS contracts rolled to a new quote."),
		portfolioValue: newGauge("portfolio_value", "Bundle value in base asset units."),
		idleCapital:    newGauge("idle_capital", "Base asset held in bundle custody."),
	}
	p.registry.MustRegister(
		p.allocated, p.withdrawn, p.rebalanced, p.rebalanceSkip, p.failed,
		p.emergency, p.yieldFailed, p.capBreached, p.rolledOver,
		p.portfolioValue, p.idleCapital,
	)
	p.Metrics = &Metrics{
		CapitalAllocated:      p.allocated,
		CapitalWithdrawn:      p.withdrawn,
		RebalanceExecuted:     p.rebalanced,
		RebalanceSkipped:      p.rebalanceSkip,
		OperationFailed:       p.failed,
		EmergencyActivated:    p.emergency,
		YieldDepositFailed:    p.yieldFailed,
		AllocationCapBreached: p.capBreached,
		TRSRolledOver:         p.rolledOver,
		PortfolioValue:        p.portfolioValue,
		IdleCapital:           p.idleCapital,
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
