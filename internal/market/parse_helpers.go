package market

import (
	"encoding/json"
	"strconv"
	"strings"
)

type bookEvent struct {
	AssetID string
	Bids    []Level
	Asks    []Level
	TsMs    int64
	Hash    string
}

type aggTrade struct {
	Price        float64
	Qty          float64
	BuyerIsMaker bool
	TsMs         int64
}

// parseBookEvents accepts a single event object or an array of them and
// keeps only full book snapshots.
func parseBookEvents(payload any) []bookEvent {
	var items []any
	if arr, ok := toSlice(payload); ok {
		items = arr
	} else {
		items = []any{payload}
	}
	out := make([]bookEvent, 0, len(items))
	for _, item := range items {
		m, ok := toMap(item)
		if !ok {
			continue
		}
		if stringFromMap(m, "event_type", "type") != "book" {
			continue
		}
		assetID := stringFromMap(m, "asset_id", "assetId")
		if assetID == "" {
			continue
		}
		out = append(out, bookEvent{
			AssetID: assetID,
			Bids:    parseLevels(m["bids"]),
			Asks:    parseLevels(m["asks"]),
			TsMs:    int64(floatFromMap(m, "timestamp", "ts")),
			Hash:    stringFromMap(m, "hash"),
		})
	}
	return out
}

func parseLevels(v any) []Level {
	items, ok := toSlice(v)
	if !ok {
		return nil
	}
	levels := make([]Level, 0, len(items))
	for _, item := range items {
		var price, size float64
		var okPx, okSz bool
		switch lvl := item.(type) {
		case map[string]any:
			price, okPx = floatFromAny(lvl["price"])
			size, okSz = floatFromAny(lvl["size"])
		case []any:
			if len(lvl) >= 2 {
				price, okPx = floatFromAny(lvl[0])
				size, okSz = floatFromAny(lvl[1])
			}
		}
		if !okPx || !okSz || price <= 0 || size < 0 {
			continue
		}
		levels = append(levels, Level{Price: price, Size: size})
	}
	return levels
}

// parseAggTrade reads a futures aggTrade payload, optionally wrapped in a
// combined-stream envelope.
func parseAggTrade(payload map[string]any) (aggTrade, bool) {
	data := payload
	if inner, ok := toMap(payload["data"]); ok {
		data = inner
	}
	if stringFromMap(data, "e") != "aggTrade" {
		return aggTrade{}, false
	}
	price, okPx := floatFromAny(data["p"])
	qty, okQty := floatFromAny(data["q"])
	if !okPx || !okQty {
		return aggTrade{}, false
	}
	maker, _ := data["m"].(bool)
	ts := int64(floatFromMap(data, "T", "E"))
	return aggTrade{Price: price, Qty: qty, BuyerIsMaker: maker, TsMs: ts}, true
}

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := stringFromAny(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func floatFromMap(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := floatFromAny(v); ok {
				return f
			}
		}
	}
	return 0
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
