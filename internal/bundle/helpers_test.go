package bundle

import (
	"context"
	"sync"
	"testing"
	"time"

	"rwa-exposure-bundle/internal/config"
	"rwa-exposure-bundle/internal/events"
	"rwa-exposure-bundle/internal/exec"
	"rwa-exposure-bundle/internal/exposure"
	"rwa-exposure-bundle/internal/optimizer"
	"rwa-exposure-bundle/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	testOperator = common.HexToAddress("0x2000000000000000000000000000000000000002")
	outsider     = common.HexToAddress("0x3000000000000000000000000000000000000003")
	testNow      = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// stubStrategy books value at par: opens add, closes subtract.
type stubStrategy struct {
	mu       sync.Mutex
	name     string
	value    decimal.Decimal
	costBps  int64
	leverage float64
	harvest  decimal.Decimal
	openErr  error
	closeErr error
	onOpen   func()
	opens    int
	closes   int
	exits    int
}

func newStub(name string, costBps int64) *stubStrategy {
	return &stubStrategy{name: name, costBps: costBps, leverage: 1}
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Type() exposure.Type { return exposure.TypePerpetual }

func (s *stubStrategy) OpenExposure(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	_ = ctx
	s.mu.Lock()
	hook := s.onOpen
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return decimal.Zero, s.openErr
	}
	s.opens++
	s.value = s.value.Add(amount)
	return amount, nil
}

func (s *stubStrategy) CloseExposure(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return decimal.Zero, s.closeErr
	}
	if amount.GreaterThan(s.value) {
		amount = s.value
	}
	s.closes++
	s.value = s.value.Sub(amount)
	return amount, nil
}

func (s *stubStrategy) AdjustExposure(ctx context.Context, delta decimal.Decimal) (decimal.Decimal, error) {
	if delta.IsNegative() {
		got, err := s.CloseExposure(ctx, delta.Neg())
		return got.Neg(), err
	}
	return s.OpenExposure(ctx, delta)
}

func (s *stubStrategy) CurrentExposureValue(ctx context.Context) (decimal.Decimal, error) {
	return s.ValueInBaseAsset(ctx)
}

func (s *stubStrategy) ValueInBaseAsset(ctx context.Context) (decimal.Decimal, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

func (s *stubStrategy) CollateralRequired(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	_ = ctx
	return amount, nil
}

func (s *stubStrategy) LiquidationPrice(ctx context.Context) (decimal.Decimal, error) {
	_ = ctx
	return decimal.Zero, nil
}

func (s *stubStrategy) HarvestYield(ctx context.Context) (decimal.Decimal, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.harvest
	s.harvest = decimal.Zero
	return h, nil
}

func (s *stubStrategy) EmergencyExit(ctx context.Context) (decimal.Decimal, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exits++
	v := s.value
	s.value = decimal.Zero
	return v, nil
}

func (s *stubStrategy) ExposureInfo(ctx context.Context) (exposure.Info, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return exposure.Info{
		Type:            exposure.TypePerpetual,
		Underlying:      "RWA",
		Leverage:        s.leverage,
		CurrentExposure: s.value,
		CurrentCostBps:  s.costBps,
		Active:          true,
	}, nil
}

func (s *stubStrategy) CostBreakdown(ctx context.Context) (exposure.CostBreakdown, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return exposure.CostBreakdown{FundingRateBps: s.costBps, TotalCostBps: s.costBps}, nil
}

func (s *stubStrategy) setCost(bps int64) {
	s.mu.Lock()
	s.costBps = bps
	s.mu.Unlock()
}

func (s *stubStrategy) current() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(ctx context.Context, ev events.Event) error {
	_ = ctx
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) count(typ events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func testOptimizer() *optimizer.Optimizer {
	return optimizer.New(optimizer.Config{
		GasThreshold:     decimal.Zero,
		MinCostSavingBps: 1,
		TimeHorizon:      365 * 24 * time.Hour,
		RiskPenalty:      0.25,
		CostWeight:       1,
		RiskWeight:       0.5,
		LiquidityWeight:  0.2,
		HistoryLimit:     16,
		NearCapBps:       9000,
	})
}

type harness struct {
	bundle *Bundle
	store  *state.Memory
	sink   *recordingSink
}

func newHarness(t *testing.T, cfg config.BundleConfig) *harness {
	t.Helper()
	return newHarnessWithStore(t, cfg, state.NewMemory())
}

func newHarnessWithStore(t *testing.T, cfg config.BundleConfig, store *state.Memory) *harness {
	t.Helper()
	if len(cfg.Operators) == 0 {
		cfg.Operators = []string{testOperator.Hex()}
	}
	sink := &recordingSink{}
	bus := events.NewBus(zap.NewNop())
	bus.Subscribe("test", sink)
	b, err := New(cfg, testOptimizer(), Options{
		Log:       zap.NewNop(),
		Events:    bus,
		Store:     store,
		Clock:     func() time.Time { return testNow },
		TxOptions: []exec.Option{exec.WithRetry(1, 0)},
	})
	if err != nil {
		t.Fatalf("new bundle: %v", err)
	}
	return &harness{bundle: b, store: store, sink: sink}
}

func (h *harness) add(t *testing.T, s exposure.Strategy, targetBps, maxBps int64, primary bool) {
	t.Helper()
	if err := h.bundle.AddExposureStrategy(context.Background(), s, targetBps, maxBps, primary); err != nil {
		t.Fatalf("add %s: %v", s.Name(), err)
	}
}

func (h *harness) allocation(t *testing.T, name string) Allocation {
	t.Helper()
	for _, a := range h.bundle.Allocations() {
		if a.Name == name {
			return a
		}
	}
	t.Fatalf("allocation %s not found", name)
	return Allocation{}
}

func assertInvariants(t *testing.T, b *Bundle) {
	t.Helper()
	var sum int64
	for _, a := range b.Allocations() {
		sum += a.CurrentBps
		if a.IsActive && a.CurrentBps > a.MaxBps {
			t.Fatalf("allocation %s above max: %d > %d", a.Name, a.CurrentBps, a.MaxBps)
		}
	}
	if sum > fullBps {
		t.Fatalf("allocations sum to %d bps", sum)
	}
}
