package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pm-arb-bot/internal/ws"

	"go.uber.org/zap"
)

// Leg names one outcome token of the binary market.
type Leg string

const (
	LegUp   Leg = "UP"
	LegDown Leg = "DOWN"
)

// Tokens maps the two outcome legs to their CLOB asset ids.
type Tokens struct {
	Up   string
	Down string
}

// MarketData keeps the latest book per leg plus reference flow. Feeds only
// ever overwrite state; readers see whichever snapshot landed last.
type MarketData struct {
	outcome   *ws.Client
	reference *ws.Client
	log       *zap.Logger
	tokens    Tokens

	up   *Book
	down *Book
	flow *ReferenceTracker
}

func New(outcome, reference *ws.Client, tokens Tokens, log *zap.Logger) *MarketData {
	if log == nil {
		log = zap.NewNop()
	}
	return &MarketData{
		outcome:   outcome,
		reference: reference,
		log:       log,
		tokens:    tokens,
		up:        NewBook(),
		down:      NewBook(),
		flow:      NewReferenceTracker(),
	}
}

// ReferenceStreamURL builds the aggregate trade stream URL. Only trades feed
// the reference price and CVD.
func ReferenceStreamURL(base, symbol string) string {
	sym := strings.ToLower(strings.TrimSpace(symbol))
	return fmt.Sprintf("%s?streams=%s@aggTrade", strings.TrimRight(base, "/"), sym)
}

func (m *MarketData) Start(ctx context.Context) error {
	if m.outcome != nil {
		assets := []string{m.tokens.Up, m.tokens.Down}
		sub := map[string]any{
			"type":                   "MARKET",
			"assets_ids":             assets,
			"asset_ids":              assets,
			"custom_feature_enabled": false,
		}
		if err := m.outcome.Subscribe(ctx, sub); err != nil {
			return err
		}
		go func() {
			_ = m.outcome.Run(ctx, m.handleOutcomeMessage)
		}()
	}
	if m.reference != nil {
		go func() {
			_ = m.reference.Run(ctx, m.handleReferenceMessage)
		}()
	}
	return nil
}

func (m *MarketData) Book(leg Leg) BookSnapshot {
	if leg == LegDown {
		return m.down.Snapshot()
	}
	return m.up.Snapshot()
}

func (m *MarketData) Reference() ReferenceSignals {
	return m.flow.Snapshot()
}

func (m *MarketData) Tokens() Tokens {
	return m.tokens
}

// FeedAge reports how long ago each feed delivered a frame; zero means never.
func (m *MarketData) FeedAge(now time.Time) (outcome, reference time.Duration) {
	age := func(c *ws.Client) time.Duration {
		if c == nil {
			return 0
		}
		last := c.LastMessageAt()
		if last.IsZero() {
			return 0
		}
		return now.Sub(last)
	}
	return age(m.outcome), age(m.reference)
}

func (m *MarketData) handleOutcomeMessage(data []byte) {
	text := strings.TrimSpace(string(data))
	if text == "" || strings.EqualFold(text, "PONG") {
		return
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		m.log.Debug("outcome feed decode error", zap.Error(err))
		return
	}
	for _, ev := range parseBookEvents(payload) {
		m.applyBook(ev)
	}
}

func (m *MarketData) applyBook(ev bookEvent) {
	ts := ev.TsMs
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	switch ev.AssetID {
	case m.tokens.Up:
		m.up.ApplySnapshot(ev.Bids, ev.Asks, ts, ev.Hash)
	case m.tokens.Down:
		m.down.ApplySnapshot(ev.Bids, ev.Asks, ts, ev.Hash)
	default:
		m.log.Debug("book for unknown asset", zap.String("asset_id", ev.AssetID))
	}
}

func (m *MarketData) handleReferenceMessage(data []byte) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		m.log.Debug("reference feed decode error", zap.Error(err))
		return
	}
	trade, ok := parseAggTrade(payload)
	if !ok {
		return
	}
	ts := trade.TsMs
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	m.flow.OnTrade(trade.Price, trade.Qty, trade.BuyerIsMaker, ts)
}
