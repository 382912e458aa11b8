package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	CapitalAllocated      Counter
	CapitalWithdrawn      Counter
	RebalanceExecuted     Counter
	RebalanceSkipped      Counter
	OperationFailed       Counter
	EmergencyActivated    Counter
	YieldDepositFailed    Counter
	AllocationCapBreached Counter
	TRSRolledOver         Counter
	PortfolioValue        Gauge
	IdleCapital           Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		CapitalAllocated:      n,
		CapitalWithdrawn:      n,
		RebalanceExecuted:     n,
		RebalanceSkipped:      n,
		OperationFailed:       n,
		EmergencyActivated:    n,
		YieldDepositFailed:    n,
		AllocationCapBreached: n,
		TRSRolledOver:         n,
		PortfolioValue:        g,
		IdleCapital:           g,
	}
}
