package market

import (
	"math"
	"sync"
)

const (
	flowWindowMs     = 3000
	whaleNotional    = 250_000
	priceWindowLimit = 120
)

// ReferenceSignals is the derived view of the reference asset trade flow.
type ReferenceSignals struct {
	Price         float64 `json:"price"`
	CVD           float64 `json:"cvd"`
	FlowImbalance float64 `json:"flow_imbalance"`
	Momentum      float64 `json:"momentum"`
	Volatility    float64 `json:"volatility"`
	WhaleScore    float64 `json:"whale_score"`
	LastTradeMs   int64   `json:"last_trade_ms"`
}

type flowSample struct {
	tsMs int64
	qty  float64
}

// ReferenceTracker folds aggressor trades into flow signals.
type ReferenceTracker struct {
	mu      sync.RWMutex
	signals ReferenceSignals
	flow    []flowSample
	prices  []float64
}

func NewReferenceTracker() *ReferenceTracker {
	return &ReferenceTracker{}
}

// OnTrade applies one trade. buyerIsMaker marks a sell aggressor.
func (r *ReferenceTracker) OnTrade(price, qty float64, buyerIsMaker bool, tsMs int64) {
	if price <= 0 || qty <= 0 {
		return
	}
	signed := qty
	if buyerIsMaker {
		signed = -qty
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	// momentum uses the previous price, so compute before overwriting
	prev := r.signals.Price
	if prev > 0 {
		r.signals.Momentum = (price - prev) / math.Max(1e-9, prev)
	}
	r.signals.Price = price
	r.signals.CVD += signed
	r.signals.LastTradeMs = tsMs
	if price*qty > whaleNotional {
		r.signals.WhaleScore = 1
	} else {
		r.signals.WhaleScore = 0
	}

	r.flow = append(r.flow, flowSample{tsMs: tsMs, qty: signed})
	cutoff := tsMs - flowWindowMs
	drop := 0
	for drop < len(r.flow) && r.flow[drop].tsMs < cutoff {
		drop++
	}
	r.flow = r.flow[drop:]
	var buy, sell float64
	for _, s := range r.flow {
		if s.qty > 0 {
			buy += s.qty
		} else {
			sell -= s.qty
		}
	}
	if buy+sell > 0 {
		r.signals.FlowImbalance = (buy - sell) / (buy + sell)
	} else {
		r.signals.FlowImbalance = 0
	}

	r.prices = append(r.prices, price)
	if len(r.prices) > priceWindowLimit {
		r.prices = r.prices[len(r.prices)-priceWindowLimit:]
	}
	r.signals.Volatility = computeVolatility(r.prices)
}

func (r *ReferenceTracker) Snapshot() ReferenceSignals {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.signals
}

func computeVolatility(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	var sum, sumSq, count float64
	for i := 1; i < len(prices); i++ {
		prev := prices[i-1]
		if prev == 0 {
			continue
		}
		ret := (prices[i] - prev) / prev
		sum += ret
		sumSq += ret * ret
		count++
	}
	if count == 0 {
		return 0
	}
	mean := sum / count
	variance := sumSq/count - mean*mean
	if variance < 0 {
		return 0
	}
	return math.Sqrt(variance)
}
