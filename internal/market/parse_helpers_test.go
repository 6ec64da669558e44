package market

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestParseBookEventsArray(t *testing.T) {
	payload := decode(t, `[
		{"event_type":"book","asset_id":"up","timestamp":"1700000000123","hash":"h1",
		 "bids":[{"price":"0.45","size":"100"},{"price":"0.47","size":"10"}],
		 "asks":[{"price":"0.49","size":"5"}]},
		{"event_type":"price_change","asset_id":"up"},
		{"event_type":"book","asset_id":""}
	]`)
	events := parseBookEvents(payload)
	if len(events) != 1 {
		t.Fatalf("expected 1 book event, got %d", len(events))
	}
	ev := events[0]
	if ev.AssetID != "up" || ev.Hash != "h1" || ev.TsMs != 1700000000123 {
		t.Fatalf("unexpected event header %+v", ev)
	}
	if len(ev.Bids) != 2 || len(ev.Asks) != 1 {
		t.Fatalf("unexpected levels %+v", ev)
	}
}

func TestParseLevelsSkipsMalformed(t *testing.T) {
	levels := parseLevels(decode(t, `[{"price":"x","size":"1"},["0.5","3"],{"price":"0","size":"2"}]`))
	if len(levels) != 1 || levels[0].Price != 0.5 || levels[0].Size != 3 {
		t.Fatalf("unexpected levels %+v", levels)
	}
}

func TestParseAggTradeCombinedStream(t *testing.T) {
	payload, _ := toMap(decode(t, `{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","p":"65000.5","q":"0.25","m":true,"T":1700000000999}}`))
	trade, ok := parseAggTrade(payload)
	if !ok {
		t.Fatalf("expected trade")
	}
	if trade.Price != 65000.5 || trade.Qty != 0.25 || !trade.BuyerIsMaker || trade.TsMs != 1700000000999 {
		t.Fatalf("unexpected trade %+v", trade)
	}
	if _, ok := parseAggTrade(map[string]any{"e": "depthUpdate"}); ok {
		t.Fatalf("depth update should not parse as trade")
	}
}
