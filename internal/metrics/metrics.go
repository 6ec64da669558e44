package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	Ticks             Counter
	TicksSkipped      Counter
	Decisions         Counter
	ActionsExecuted   Counter
	ExecFailures      Counter
	ProposalsCreated  Counter
	ProposalsApproved Counter
	ProposalsRejected Counter
	ProposalsExpired  Counter
	RiskFlags         Counter
	KillSwitchBlocks  Counter
	RoundRollovers    Counter
	RecorderDrops     Counter

	PortfolioPnL Gauge
	CombinedAsk  Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		Ticks:             n,
		TicksSkipped:      n,
		Decisions:         n,
		ActionsExecuted:   n,
		ExecFailures:      n,
		ProposalsCreated:  n,
		ProposalsApproved: n,
		ProposalsRejected: n,
		ProposalsExpired:  n,
		RiskFlags:         n,
		KillSwitchBlocks:  n,
		RoundRollovers:    n,
		RecorderDrops:     n,
		PortfolioPnL:      g,
		CombinedAsk:       g,
	}
}
