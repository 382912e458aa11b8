package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type fixedOracle struct {
	price decimal.Decimal
	calls int
}

func (f *fixedOracle) Price(ctx context.Context, asset string) (decimal.Decimal, error) {
	_ = ctx
	_ = asset
	f.calls++
	return f.price, nil
}

// priceServer answers a subscribe message with one batch of prices and then
// forwards everything else it reads to msgs.
func priceServer(t *testing.T, ctx context.Context, batch string, msgs chan<- map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg["method"] == "subscribe" && batch != "" {
				if err := conn.Write(ctx, websocket.MessageText, []byte(batch)); err != nil {
					return
				}
			}
			select {
			case msgs <- msg:
			default:
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClientSendsPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs := make(chan map[string]any, 8)
	server := priceServer(t, ctx, "", msgs)
	defer server.Close()

	client := NewClient(wsURL(server), 10*time.Millisecond, 20*time.Millisecond, zap.NewNop())
	go func() {
		_ = client.Run(ctx, nil)
	}()

	for {
		select {
		case msg := <-msgs:
			if msg["method"] == "ping" {
				return
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for ping")
		}
	}
}

func TestOracleServesStreamedPrices(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs := make(chan map[string]any, 8)
	batch := `{"channel":"prices","data":[{"asset":"RWA","price":"101.5"},{"asset":"USDC","price":"1"}]}`
	server := priceServer(t, ctx, batch, msgs)
	defer server.Close()

	fallback := &fixedOracle{price: decimal.NewFromInt(99)}
	client := NewClient(wsURL(server), 10*time.Millisecond, 0, zap.NewNop())
	oracle := NewOracle(client, fallback, []string{"RWA", "USDC"}, time.Minute, zap.NewNop())
	if err := oracle.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case msg := <-msgs:
		sub, _ := msg["subscription"].(map[string]any)
		if msg["method"] != "subscribe" || sub["type"] != "prices" {
			t.Fatalf("unexpected subscription %v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscription")
	}

	want := decimal.RequireFromString("101.5")
	for {
		price, err := oracle.Price(ctx, "RWA")
		if err != nil {
			t.Fatalf("price: %v", err)
		}
		if price.Equal(want) {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for streamed price, last %s", price)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestOracleFallsBackWhenStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fallback := &fixedOracle{price: decimal.NewFromInt(99)}
	oracle := NewOracle(NewClient("ws://unused", 0, 0, nil), fallback, nil, time.Minute, nil)
	oracle.clock = func() time.Time { return now }

	oracle.handle(json.RawMessage(`{"channel":"prices","data":{"asset":"RWA","price":"100","time":` +
		itoa(now.Add(-2*time.Minute).UnixMilli()) + `}}`))
	price, err := oracle.Price(context.Background(), "RWA")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(99)) || fallback.calls != 1 {
		t.Fatalf("expected fallback for stale price, got %s (%d calls)", price, fallback.calls)
	}

	oracle.handle(json.RawMessage(`{"channel":"prices","data":{"asset":"RWA","price":"100"}}`))
	price, err = oracle.Price(context.Background(), "RWA")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(100)) || fallback.calls != 1 {
		t.Fatalf("expected streamed price, got %s (%d calls)", price, fallback.calls)
	}

	oracle.handle(json.RawMessage(`{"channel":"prices","data":{"asset":"RWA","price":"90","time":1}}`))
	price, _ = oracle.Price(context.Background(), "RWA")
	if !price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected out-of-order update ignored, got %s", price)
	}
}

func itoa(v int64) string {
	return decimal.NewFromInt(v).String()
}
