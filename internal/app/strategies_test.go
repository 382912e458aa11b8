package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"rwa-exposure-bundle/internal/config"
	"rwa-exposure-bundle/internal/events"
	"rwa-exposure-bundle/internal/exposure"
	"rwa-exposure-bundle/internal/metrics"
	"rwa-exposure-bundle/internal/venue/sim"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	counterpartyA = "0x1000000000000000000000000000000000000001"
	counterpartyB = "0x1000000000000000000000000000000000000002"
	counterpartyC = "0x1000000000000000000000000000000000000003"
)

func simTRSConfig() *config.Config {
	return &config.Config{
		Venue: config.VenueConfig{
			Mode: config.VenueModeSim,
			Sim: config.SimVenueConfig{
				Prices:     map[string]float64{"RWA": 100, "USDC": 1},
				TRSRateBps: 200,
			},
		},
		Strategies: config.StrategiesConfig{
			TRS: config.TRSConfig{
				AllocationConfig:     config.AllocationConfig{Enabled: true, Name: "trs", TargetBps: 10000, MaxBps: 10000},
				Underlying:           "RWA",
				Counterparties:       []string{counterpartyA, counterpartyB, counterpartyC},
				MaxCounterpartyBps:   4000,
				CollateralRatioBps:   2000,
				MinMaturity:          7 * 24 * time.Hour,
				MaxMaturity:          90 * 24 * time.Hour,
				FavorableRateBps:     300,
				UnfavorableRateBps:   800,
				RolloverThresholdBps: 50,
				RolloverWindow:       3 * 24 * time.Hour,
				Yield: config.YieldConfig{Entries: []config.YieldEntryConfig{
					{Vault: "trs-mm", WeightBps: 10000},
				}},
			},
		},
	}
}

type recordedEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordedEvents) sink() events.Sink {
	return events.SinkFunc(func(ctx context.Context, ev events.Event) error {
		_ = ctx
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		return nil
	})
}

func (r *recordedEvents) ofType(typ events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestTRSRolloverPublishesContractEvent(t *testing.T) {
	cfg := simTRSConfig()
	log := zap.NewNop()
	v, err := buildVenues(cfg, log)
	if err != nil {
		t.Fatalf("build venues: %v", err)
	}
	desk, ok := v.trs.(*sim.TRSDesk)
	if !ok {
		t.Fatalf("expected simulated trs desk, got %T", v.trs)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := exposure.Options{Log: log, Metrics: metrics.NewNoop(), Clock: func() time.Time { return now }}
	rec := &recordedEvents{}
	bus := events.NewBus(log)
	bus.Subscribe("test", rec.sink())

	regs, err := buildStrategies(cfg.Strategies, v, opts, bus)
	if err != nil {
		t.Fatalf("build strategies: %v", err)
	}
	if len(regs) != 1 {
		t.Fatalf("expected one strategy, got %d", len(regs))
	}
	trs, ok := regs[0].strategy.(*exposure.TRS)
	if !ok {
		t.Fatalf("expected trs strategy, got %T", regs[0].strategy)
	}
	ctx := context.Background()
	if _, err := trs.OpenExposure(ctx, decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("open: %v", err)
	}

	now = now.Add(88 * 24 * time.Hour)
	desk.SetRate(common.HexToAddress(counterpartyA), 100)
	n, err := trs.RolloverTRS(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one rollover, n=%d err=%v", n, err)
	}
	rolled := rec.ofType(events.TRSContractRolled)
	if len(rolled) != 1 {
		t.Fatalf("expected one contract event, got %d", len(rolled))
	}
	ev := rolled[0]
	if ev.Strategy != "trs" || ev.Bps != 100 || !ev.Amount.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Data["old_rate_bps"] != "200" || ev.Data["new_counterparty"] != common.HexToAddress(counterpartyA).Hex() {
		t.Fatalf("unexpected event data %v", ev.Data)
	}
	if ev.Data["old_contract"] == ev.Data["new_contract"] {
		t.Fatalf("rolled contract should get a new id")
	}
}
