package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pm-arb-bot/internal/config"
	"pm-arb-bot/internal/strategy"
)

func doJSON(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, rr.Body.String(), err)
	}
	return rr.Code, out
}

func TestAPIHealthAndState(t *testing.T) {
	f := newEngineFixture(t, testConfig())
	h := NewAPI(f.engine, nil, t.TempDir(), nil).Router("")

	code, body := doJSON(t, h, http.MethodGet, "/health", "")
	if code != http.StatusOK || body["ok"] != true {
		t.Fatalf("unexpected health: %d %v", code, body)
	}
	code, body = doJSON(t, h, http.MethodGet, "/state", "")
	if code != http.StatusOK {
		t.Fatalf("unexpected state code: %d", code)
	}
	if body["activeStrategy"] != strategy.NamePairArbitrage || body["mode"] != "AUTO" || body["isPaused"] != false {
		t.Fatalf("unexpected state body: %v", body)
	}
}

func TestAPIControl(t *testing.T) {
	f := newEngineFixture(t, testConfig())
	h := NewAPI(f.engine, nil, t.TempDir(), nil).Router("")

	code, _ := doJSON(t, h, http.MethodPost, "/control", `{"type":"SET_MODE","payload":"hitl"}`)
	if code != http.StatusOK {
		t.Fatalf("set mode code %d", code)
	}
	if f.engine.Status().Mode != strategy.ModeHITL {
		t.Fatalf("expected HITL mode")
	}
	code, _ = doJSON(t, h, http.MethodPost, "/control", `{"type":"SET_STRATEGY","payload":{"name":"spread_farming","params":{"min_spread_bps":80}}}`)
	if code != http.StatusOK {
		t.Fatalf("set strategy code %d", code)
	}
	if f.engine.Status().ActiveStrategy != strategy.NameSpreadFarming {
		t.Fatalf("expected spread_farming")
	}
	code, body := doJSON(t, h, http.MethodPost, "/control", `{"type":"LAUNCH"}`)
	if code != http.StatusBadRequest || body["ok"] != false {
		t.Fatalf("expected bad request, got %d %v", code, body)
	}
}

func TestAPIDecisionsAndTrades(t *testing.T) {
	f := newEngineFixture(t, testConfig())
	f.tick(t)
	h := NewAPI(f.engine, nil, t.TempDir(), nil).Router("")

	_, body := doJSON(t, h, http.MethodGet, "/decisions?limit=5", "")
	if list, ok := body["decisions"].([]any); !ok || len(list) != 1 {
		t.Fatalf("unexpected decisions: %v", body)
	}
	_, body = doJSON(t, h, http.MethodGet, "/trades?hours=1000000", "")
	if list, ok := body["trades"].([]any); !ok || len(list) != 2 {
		t.Fatalf("unexpected trades: %v", body)
	}
}

func TestAPIApproveStatusCodes(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Mode = config.ModeHITL
	f := newEngineFixture(t, cfg)
	f.tick(t)
	h := NewAPI(f.engine, nil, t.TempDir(), nil).Router("")

	code, _ := doJSON(t, h, http.MethodPost, "/hitl/approve", `{}`)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 without id, got %d", code)
	}
	code, _ = doJSON(t, h, http.MethodPost, "/hitl/approve", `{"id":"nope"}`)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", code)
	}

	first := f.notified[0][0].ID
	second := f.notified[0][1].ID
	code, body := doJSON(t, h, http.MethodPost, "/hitl/approve", `{"id":"`+first+`"}`)
	if code != http.StatusOK || body["ok"] != true {
		t.Fatalf("expected approval, got %d %v", code, body)
	}
	code, _ = doJSON(t, h, http.MethodPost, "/hitl/reject", `{"id":"`+second+`","reason":"skip"}`)
	if code != http.StatusOK {
		t.Fatalf("expected reject ok, got %d", code)
	}
	code, _ = doJSON(t, h, http.MethodPost, "/hitl/approve", `{"id":"`+second+`"}`)
	if code != http.StatusConflict {
		t.Fatalf("expected 409 for rejected proposal, got %d", code)
	}

	code, body = doJSON(t, h, http.MethodGet, "/hitl/list?limit=500", "")
	if code != http.StatusOK {
		t.Fatalf("list code %d", code)
	}
	if list, ok := body["proposals"].([]any); !ok || len(list) != 2 {
		t.Fatalf("unexpected proposals: %v", body)
	}
	code, _ = doJSON(t, h, http.MethodGet, "/hitl/"+first, "")
	if code != http.StatusOK {
		t.Fatalf("get code %d", code)
	}
}

func TestAPIReplayMissingFile(t *testing.T) {
	f := newEngineFixture(t, testConfig())
	h := NewAPI(f.engine, nil, t.TempDir(), nil).Router("")

	code, body := doJSON(t, h, http.MethodPost, "/replay/run", `{"file":"missing.jsonl","strategy":"pair_arbitrage"}`)
	if code != http.StatusOK || body["ok"] != false || body["error"] == nil {
		t.Fatalf("expected replay error body, got %d %v", code, body)
	}
	code, _ = doJSON(t, h, http.MethodPost, "/replay/run", `{}`)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 without file, got %d", code)
	}
}

func TestAPIRecorderWithoutRecorder(t *testing.T) {
	f := newEngineFixture(t, testConfig())
	h := NewAPI(f.engine, nil, t.TempDir(), nil).Router("")
	code, _ := doJSON(t, h, http.MethodPost, "/recorder/start", "")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
}
