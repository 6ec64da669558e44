package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type marketSub struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

// feedServer hands each accepted connection to serve with its 1-based
// connection number.
func feedServer(t *testing.T, ctx context.Context, serve func(ctx context.Context, n int64, conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		serve(ctx, conns.Add(1), conn)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestOutcomeFeedPings(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	seen := make(chan string, 8)
	_, url := feedServer(t, ctx, func(ctx context.Context, _ int64, conn *websocket.Conn) {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			select {
			case seen <- string(data):
			default:
			}
		}
	})

	client := New(Options{Name: "outcome", URL: url, ReconnectDelay: 5 * time.Millisecond, PingInterval: 15 * time.Millisecond, PingText: "PING"}, zap.NewNop())
	go func() { _ = client.Run(ctx, nil) }()

	for {
		select {
		case msg := <-seen:
			if msg == "PING" {
				return
			}
		case <-ctx.Done():
			t.Fatalf("no ping received")
		}
	}
}

func TestSubscriptionReplayedAfterDrop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var subs atomic.Int64
	_, url := feedServer(t, ctx, func(ctx context.Context, n int64, conn *websocket.Conn) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var sub marketSub
		if json.Unmarshal(data, &sub) != nil || sub.Type != "market" {
			return
		}
		subs.Add(1)
		if n == 1 {
			return
		}
		book, _ := json.Marshal(map[string]any{
			"event_type": "book",
			"asset_id":   sub.AssetsIDs[0],
			"bids":       []map[string]string{{"price": "0.47", "size": "120"}},
			"asks":       []map[string]string{{"price": "0.49", "size": "80"}},
		})
		_ = conn.Write(ctx, websocket.MessageText, book)
		<-ctx.Done()
	})

	client := New(Options{Name: "outcome", URL: url, ReconnectDelay: 5 * time.Millisecond}, zap.NewNop())
	if err := client.Subscribe(ctx, marketSub{Type: "market", AssetsIDs: []string{"111", "222"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	frames := make(chan []byte, 1)
	go func() {
		_ = client.Run(ctx, func(data []byte) {
			select {
			case frames <- data:
			default:
			}
		})
	}()

	select {
	case data := <-frames:
		if !strings.Contains(string(data), `"asset_id":"111"`) {
			t.Fatalf("unexpected frame %s", data)
		}
	case <-ctx.Done():
		t.Fatalf("no book frame after reconnect")
	}
	if subs.Load() < 2 {
		t.Fatalf("expected subscription on both connections, got %d", subs.Load())
	}
	if client.Reconnects() < 1 {
		t.Fatalf("expected a recorded reconnect")
	}
	if client.LastMessageAt().IsZero() {
		t.Fatalf("expected last message time")
	}
}
