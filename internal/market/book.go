package market

import (
	"sort"
	"sync"
)

// Level is one price rung of a book side.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookSnapshot is an immutable copy of a book taken at one instant.
type BookSnapshot struct {
	Bids         []Level `json:"bids"`
	Asks         []Level `json:"asks"`
	LastUpdateMs int64   `json:"last_update_ms"`
	Hash         string  `json:"hash,omitempty"`
}

// Book holds the latest full snapshot for one leg. The feed goroutine is the
// only writer; readers always get copies.
type Book struct {
	mu   sync.RWMutex
	snap BookSnapshot
}

func NewBook() *Book {
	return &Book{}
}

// ApplySnapshot replaces both sides wholesale.
func (b *Book) ApplySnapshot(bids, asks []Level, tsMs int64, hash string) {
	nextBids := append([]Level(nil), bids...)
	nextAsks := append([]Level(nil), asks...)
	sort.SliceStable(nextBids, func(i, j int) bool { return nextBids[i].Price > nextBids[j].Price })
	sort.SliceStable(nextAsks, func(i, j int) bool { return nextAsks[i].Price < nextAsks[j].Price })
	b.mu.Lock()
	b.snap = BookSnapshot{Bids: nextBids, Asks: nextAsks, LastUpdateMs: tsMs, Hash: hash}
	b.mu.Unlock()
}

func (b *Book) Snapshot() BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BookSnapshot{
		Bids:         append([]Level(nil), b.snap.Bids...),
		Asks:         append([]Level(nil), b.snap.Asks...),
		LastUpdateMs: b.snap.LastUpdateMs,
		Hash:         b.snap.Hash,
	}
}

func (b *Book) BestBid() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap.BestBid()
}

func (b *Book) BestAsk() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap.BestAsk()
}

func (b *Book) Mid() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap.Mid()
}

// BestBid is the top bid, or 0 for an empty side.
func (s BookSnapshot) BestBid() float64 {
	if len(s.Bids) == 0 {
		return 0
	}
	return s.Bids[0].Price
}

// BestAsk is the top ask, or 1 for an empty side.
func (s BookSnapshot) BestAsk() float64 {
	if len(s.Asks) == 0 {
		return 1
	}
	return s.Asks[0].Price
}

func (s BookSnapshot) Mid() float64 {
	bid, ask := s.BestBid(), s.BestAsk()
	if bid <= 0 && ask >= 1 {
		return 0.5
	}
	return (bid + ask) / 2
}

// Empty reports whether either side has no levels.
func (s BookSnapshot) Empty() bool {
	return len(s.Bids) == 0 || len(s.Asks) == 0
}

func (s BookSnapshot) TopBids(n int) []Level {
	return topN(s.Bids, n)
}

func (s BookSnapshot) TopAsks(n int) []Level {
	return topN(s.Asks, n)
}

func topN(levels []Level, n int) []Level {
	if n <= 0 || n > len(levels) {
		n = len(levels)
	}
	return append([]Level(nil), levels[:n]...)
}
