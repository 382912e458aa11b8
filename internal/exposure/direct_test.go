package exposure

import (
	"context"
	"errors"
	"testing"

	"rwa-exposure-bundle/internal/config"
	"rwa-exposure-bundle/internal/venue"
	"rwa-exposure-bundle/internal/venue/sim"
)

func directConfig() config.DirectTokenConfig {
	return config.DirectTokenConfig{
		AllocationConfig: config.AllocationConfig{Enabled: true, Name: "direct", TargetBps: 5000, MaxBps: 10000},
		TokenAsset:       "RWA",
		BaseAsset:        "USDC",
		PurchaseRatioBps: 8000,
		MaxSlippageBps:   200,
		ManagementFeeBps: 20,
		SlippageBps:      30,
		RiskScore:        10,
	}
}

func newDirect(t *testing.T, f *fixture, cfg config.DirectTokenConfig, slippageBps int64) (*DirectToken, *sim.Router) {
	t.Helper()
	router := sim.NewRouter(f.oracle, slippageBps)
	s, err := NewDirectToken(cfg, router, f.oracle, f.yield, f.opts)
	if err != nil {
		t.Fatalf("new direct: %v", err)
	}
	return s, router
}

func TestDirectOpenSplitsPurchaseAndYield(t *testing.T) {
	f := newFixture(t)
	s, router := newDirect(t, f, directConfig(), 50)
	ctx := context.Background()
	exposure, err := s.OpenExposure(ctx, d("1000"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !exposure.Equal(d("796")) {
		t.Fatalf("expected 796 of exposure after slippage, got %s", exposure)
	}
	tokens, basis := s.Holdings()
	if !tokens.Equal(d("7.96")) || !basis.Equal(d("800")) {
		t.Fatalf("unexpected holdings tokens=%s basis=%s", tokens, basis)
	}
	if !f.vault.Balance().Equal(d("200")) {
		t.Fatalf("expected 200 routed to yield, got %s", f.vault.Balance())
	}
	if router.Swaps() != 1 {
		t.Fatalf("expected one swap, got %d", router.Swaps())
	}
}

func TestDirectSlippageAboveBoundMovesNothing(t *testing.T) {
	f := newFixture(t)
	s, router := newDirect(t, f, directConfig(), 300)
	ctx := context.Background()
	_, err := s.OpenExposure(ctx, d("1000"))
	if !errors.Is(err, venue.ErrSlippageExceeded) {
		t.Fatalf("expected slippage exceeded, got %v", err)
	}
	tokens, _ := s.Holdings()
	if router.Swaps() != 0 || !tokens.IsZero() || !f.vault.Balance().IsZero() {
		t.Fatalf("no capital should move, swaps=%d tokens=%s vault=%s", router.Swaps(), tokens, f.vault.Balance())
	}
	value, _ := s.ValueInBaseAsset(ctx)
	if !value.IsZero() {
		t.Fatalf("expected zero value, got %s", value)
	}
}

func TestDirectFillCheckedAfterQuote(t *testing.T) {
	f := newFixture(t)
	s, router := newDirect(t, f, directConfig(), 50)
	router.SetSlippage(50, 400)
	if _, err := s.OpenExposure(context.Background(), d("1000")); !errors.Is(err, venue.ErrSlippageExceeded) {
		t.Fatalf("expected fill slippage to be rejected, got %v", err)
	}
	tokens, _ := s.Holdings()
	if !tokens.IsZero() || !f.vault.Balance().IsZero() {
		t.Fatalf("rejected fill should move nothing")
	}
}

func TestDirectCloseSellsProportionalSlice(t *testing.T) {
	f := newFixture(t)
	s, _ := newDirect(t, f, directConfig(), 50)
	ctx := context.Background()
	if _, err := s.OpenExposure(ctx, d("1000")); err != nil {
		t.Fatalf("open: %v", err)
	}
	value, _ := s.ValueInBaseAsset(ctx)
	if !value.Equal(d("996")) {
		t.Fatalf("expected value 996, got %s", value)
	}
	proceeds, err := s.CloseExposure(ctx, d("498"))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !proceeds.Equal(d("496.01")) {
		t.Fatalf("expected 496.01 proceeds, got %s", proceeds)
	}
	tokens, basis := s.Holdings()
	if !tokens.Equal(d("3.98")) || !basis.Equal(d("400")) {
		t.Fatalf("unexpected holdings tokens=%s basis=%s", tokens, basis)
	}
	if !f.vault.Balance().Equal(d("100")) {
		t.Fatalf("expected half of yield withdrawn, vault=%s", f.vault.Balance())
	}
}

func TestDirectCapacity(t *testing.T) {
	f := newFixture(t)
	cfg := directConfig()
	cfg.MaxCapacity = 500
	s, _ := newDirect(t, f, cfg, 0)
	if _, err := s.OpenExposure(context.Background(), d("1000")); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
}

func TestDirectEmergencyExit(t *testing.T) {
	f := newFixture(t)
	s, _ := newDirect(t, f, directConfig(), 0)
	ctx := context.Background()
	if _, err := s.OpenExposure(ctx, d("1000")); err != nil {
		t.Fatalf("open: %v", err)
	}
	recovered, err := s.EmergencyExit(ctx)
	if err != nil {
		t.Fatalf("emergency exit: %v", err)
	}
	if !recovered.Equal(d("1000")) {
		t.Fatalf("expected 1000 recovered, got %s", recovered)
	}
	tokens, _ := s.Holdings()
	if !tokens.IsZero() {
		t.Fatalf("expected all tokens sold, got %s", tokens)
	}
}

func TestDirectInfoAndCost(t *testing.T) {
	f := newFixture(t)
	s, _ := newDirect(t, f, directConfig(), 0)
	info, err := s.ExposureInfo(context.Background())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Type != TypeDirectToken || info.Leverage != 1 || info.CurrentCostBps != 50 || !info.Active {
		t.Fatalf("unexpected info %+v", info)
	}
	cost, err := s.CostBreakdown(context.Background())
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if info.CurrentCostBps != cost.TotalCostBps {
		t.Fatalf("info cost %d should match breakdown %d", info.CurrentCostBps, cost.TotalCostBps)
	}
	liq, _ := s.LiquidationPrice(context.Background())
	if !liq.IsZero() {
		t.Fatalf("unlevered holding has no liquidation price")
	}

	if _, err := s.OpenExposure(context.Background(), d("100")); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.oracle.SetError(errors.New("oracle offline"))
	if _, err := s.ExposureInfo(context.Background()); !errors.Is(err, venue.ErrOracleUnavailable) {
		t.Fatalf("expected info to surface oracle failure, got %v", err)
	}
}
