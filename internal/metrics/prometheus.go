package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "pm_arb_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
	p.Metrics = &Metrics{
		Ticks:             p.counter("ticks_total", "Total number of engine ticks evaluated."),
		TicksSkipped:      p.counter("ticks_skipped_total", "Ticks skipped for missing books or pause."),
		Decisions:         p.counter("decisions_total", "Total number of strategy decisions."),
		ActionsExecuted:   p.counter("actions_executed_total", "Buy actions filled by the execution sink."),
		ExecFailures:      p.counter("exec_failures_total", "Buy actions the execution sink rejected."),
		ProposalsCreated:  p.counter("proposals_created_total", "HITL proposals created."),
		ProposalsApproved: p.counter("proposals_approved_total", "HITL proposals approved."),
		ProposalsRejected: p.counter("proposals_rejected_total", "HITL proposals rejected."),
		ProposalsExpired:  p.counter("proposals_expired_total", "HITL proposals expired before a verdict."),
		RiskFlags:         p.counter("risk_flags_total", "Risk checks that tripped at least one limit."),
		KillSwitchBlocks:  p.counter("kill_switch_blocks_total", "Ticks whose buys were withheld by the kill switch."),
		RoundRollovers:    p.counter("round_rollovers_total", "Round boundaries crossed by the engine."),
		RecorderDrops:     p.counter("recorder_drops_total", "Event log lines dropped on a full queue."),
		PortfolioPnL:      p.gauge("portfolio_pnl", "Mark-to-mid portfolio PnL."),
		CombinedAsk:       p.gauge("combined_ask", "Sum of the UP and DOWN best asks."),
	}
	return p
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return promCounter{c}
}

func (p *Prometheus) gauge(name, help string) Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(g)
	p.gauges[name] = g
	return promGauge{g}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
