package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"rwa-exposure-bundle/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type subscription struct {
	Method       string            `json:"method"`
	Subscription subscriptionTopic `json:"subscription"`
}

type subscriptionTopic struct {
	Type   string   `json:"type"`
	Assets []string `json:"assets"`
}

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type priceUpdate struct {
	Asset  string          `json:"asset"`
	Price  decimal.Decimal `json:"price"`
	TimeMS int64           `json:"time"`
}

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// Oracle serves streamed prices and falls back to another oracle when a
// price is missing or older than maxAge.
type Oracle struct {
	client   *Client
	fallback venue.PriceOracle
	assets   []string
	maxAge   time.Duration
	clock    func() time.Time
	log      *zap.Logger

	mu     sync.RWMutex
	prices map[string]quote
}

func NewOracle(client *Client, fallback venue.PriceOracle, assets []string, maxAge time.Duration, log *zap.Logger) *Oracle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Oracle{
		client:   client,
		fallback: fallback,
		assets:   append([]string(nil), assets...),
		maxAge:   maxAge,
		clock:    time.Now,
		log:      log,
		prices:   make(map[string]quote),
	}
}

// Start subscribes to the configured assets and consumes updates until ctx
// is done.
func (o *Oracle) Start(ctx context.Context) error {
	sub := subscription{Method: "subscribe", Subscription: subscriptionTopic{Type: "prices", Assets: o.assets}}
	if err := o.client.Subscribe(ctx, sub); err != nil {
		return err
	}
	go func() {
		if err := o.client.Run(ctx, o.handle); err != nil && ctx.Err() == nil {
			o.log.Warn("price stream stopped", zap.Error(err))
		}
	}()
	return nil
}

func (o *Oracle) handle(msg json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Channel != "prices" {
		return
	}
	var updates []priceUpdate
	if err := json.Unmarshal(env.Data, &updates); err != nil {
		var single priceUpdate
		if err := json.Unmarshal(env.Data, &single); err != nil {
			o.log.Debug("unparseable price update", zap.Error(err))
			return
		}
		updates = []priceUpdate{single}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, u := range updates {
		if u.Asset == "" || !u.Price.IsPositive() {
			continue
		}
		at := o.clock()
		if u.TimeMS > 0 {
			at = time.UnixMilli(u.TimeMS)
		}
		if prev, ok := o.prices[u.Asset]; ok && prev.at.After(at) {
			continue
		}
		o.prices[u.Asset] = quote{price: u.Price, at: at}
	}
}

func (o *Oracle) Price(ctx context.Context, asset string) (decimal.Decimal, error) {
	o.mu.RLock()
	q, ok := o.prices[asset]
	o.mu.RUnlock()
	if ok && (o.maxAge <= 0 || o.clock().Sub(q.at) <= o.maxAge) {
		return q.price, nil
	}
	if o.fallback == nil {
		return decimal.Zero, venue.ErrOracleUnavailable
	}
	return o.fallback.Price(ctx, asset)
}
