package hitl

import (
	"fmt"
	"time"

	"pm-arb-bot/internal/strategy"
)

const (
	DefaultTTL    = 30 * time.Second
	DefaultMinTTL = 3 * time.Second
)

// Gate turns buy actions into pending proposals while the engine runs in
// HITL mode.
type Gate struct {
	store  *Store
	ttl    time.Duration
	minTTL time.Duration
	now    func() time.Time
}

func NewGate(store *Store, ttl, minTTL time.Duration, now func() time.Time) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if minTTL <= 0 {
		minTTL = DefaultMinTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{store: store, ttl: ttl, minTTL: minTTL, now: now}
}

func (g *Gate) Store() *Store {
	return g.store
}

// TTLFor shrinks the proposal lifetime as the round runs out.
func TTLFor(secondsRemaining int64, ttl, minTTL time.Duration) time.Duration {
	switch {
	case secondsRemaining <= 10:
		return maxDuration(minTTL, ttl/4)
	case secondsRemaining <= 30:
		return maxDuration(minTTL, ttl/2)
	}
	return ttl
}

// Apply expires stale proposals first, then either passes the decision
// through untouched or swaps each buy for a NOOP pointing at its proposal.
func (g *Gate) Apply(d strategy.Modern, ctx strategy.Context, secondsRemaining int64) (strategy.Modern, []Proposal) {
	g.store.ExpireNow(g.now())
	if ctx.Mode != strategy.ModeHITL || ctx.AgentAutoApprove {
		return d, nil
	}
	ttl := TTLFor(secondsRemaining, g.ttl, g.minTTL)
	gated := make([]strategy.Action, 0, len(d.Actions))
	var created []Proposal
	for _, a := range d.Actions {
		if !a.IsBuy() {
			gated = append(gated, a)
			continue
		}
		p := g.store.Add(a, ttl)
		created = append(created, p)
		gated = append(gated, strategy.Noop(fmt.Sprintf("HITL: proposed %s (awaiting approval)", p.ID)))
	}
	d.Actions = gated
	return d, created
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
