package bundle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"rwa-exposure-bundle/internal/config"
	"rwa-exposure-bundle/internal/events"
	"rwa-exposure-bundle/internal/state"

	"github.com/shopspring/decimal"
)

func TestAddExposureStrategyValidation(t *testing.T) {
	h := newHarness(t, config.BundleConfig{MaxStrategies: 3})
	ctx := context.Background()
	h.add(t, newStub("a", 100), 6000, 8000, true)

	if err := h.bundle.AddExposureStrategy(ctx, newStub("a", 100), 1000, 2000, false); !errors.Is(err, ErrDuplicateStrategy) {
		t.Fatalf("expected ErrDuplicateStrategy, got %v", err)
	}
	if err := h.bundle.AddExposureStrategy(ctx, newStub("b", 100), 5000, 6000, false); !errors.Is(err, ErrInvalidAllocation) {
		t.Fatalf("expected ErrInvalidAllocation for target sum, got %v", err)
	}
	if err := h.bundle.AddExposureStrategy(ctx, newStub("b", 100), 3000, 2000, false); !errors.Is(err, ErrInvalidAllocation) {
		t.Fatalf("expected ErrInvalidAllocation for target above max, got %v", err)
	}
	h.add(t, newStub("b", 100), 1000, 1000, false)
	h.add(t, newStub("c", 100), 0, 1000, true)
	if err := h.bundle.AddExposureStrategy(ctx, newStub("d", 100), 0, 1000, false); !errors.Is(err, ErrTooManyStrategies) {
		t.Fatalf("expected ErrTooManyStrategies, got %v", err)
	}
	if h.allocation(t, "a").IsPrimary || !h.allocation(t, "c").IsPrimary {
		t.Fatalf("expected the latest primary to replace the previous one")
	}
	if h.sink.count(events.StrategyAdded) != 3 {
		t.Fatalf("expected 3 StrategyAdded events, got %d", h.sink.count(events.StrategyAdded))
	}
	if h.allocation(t, "a").State != StateActiveEmpty {
		t.Fatalf("expected new strategy to be active and empty, got %s", h.allocation(t, "a").State)
	}
}

func TestAllocateZeroIsNoop(t *testing.T) {
	h := newHarness(t, config.BundleConfig{})
	if err := h.bundle.AllocateCapital(context.Background(), decimal.Zero); err != nil {
		t.Fatalf("expected no-op without strategies, got %v", err)
	}
	s := newStub("perpetual", 150)
	h.add(t, s, 5000, 10000, false)
	before := h.bundle.Snapshot()
	if err := h.bundle.AllocateCapital(context.Background(), decimal.Zero); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.opens != 0 || h.sink.count(events.CapitalAllocated) != 0 {
		t.Fatalf("expected no capital movement")
	}
	after := h.bundle.Snapshot()
	if !after.Idle.Equal(before.Idle) || after.Allocations[0].CurrentBps != before.Allocations[0].CurrentBps {
		t.Fatalf("expected allocations unchanged")
	}
	if err := h.bundle.AllocateCapital(context.Background(), d("-1")); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestAllocateSplitsAcrossStrategies(t *testing.T) {
	h := newHarness(t, config.BundleConfig{})
	perp := newStub("perpetual", 150)
	trs := newStub("trs", 150)
	h.add(t, perp, 5000, 10000, true)
	h.add(t, trs, 5000, 10000, false)

	if err := h.bundle.AllocateCapital(context.Background(), d("1000")); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !perp.current().Equal(d("500")) || !trs.current().Equal(d("500")) {
		t.Fatalf("expected 500/500, got %s/%s", perp.current(), trs.current())
	}
	if h.allocation(t, "perpetual").CurrentBps != 5000 || h.allocation(t, "trs").CurrentBps != 5000 {
		t.Fatalf("unexpected current bps: %+v", h.bundle.Allocations())
	}
	if h.allocation(t, "perpetual").State != StateActiveFunded {
		t.Fatalf("expected funded state, got %s", h.allocation(t, "perpetual").State)
	}
	if !h.bundle.Idle().IsZero() {
		t.Fatalf("expected no idle capital, got %s", h.bundle.Idle())
	}
	assertInvariants(t, h.bundle)
}

func TestAllocateKeepsUnplaceableCapitalIdle(t *testing.T) {
	h := newHarness(t, config.BundleConfig{})
	a := newStub("a", 100)
	b := newStub("b", 100)
	h.add(t, a, 3000, 3000, false)
	h.add(t, b, 3000, 3000, false)
	if err := h.bundle.AllocateCapital(context.Background(), d("1000")); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !a.current().Equal(d("300")) || !b.current().Equal(d("300")) || !h.bundle.Idle().Equal(d("400")) {
		t.Fatalf("expected 300/300 with 400 idle, got %s/%s idle %s", a.current(), b.current(), h.bundle.Idle())
	}
	assertInvariants(t, h.bundle)

	proceeds, err := h.bundle.WithdrawCapital(context.Background(), d("500"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !proceeds.Equal(d("500")) {
		t.Fatalf("expected proceeds 500, got %s", proceeds)
	}
	if !a.current().Equal(d("150")) || !b.current().Equal(d("150")) || !h.bundle.Idle().Equal(d("200")) {
		t.Fatalf("expected 150/150 with 200 idle, got %s/%s idle %s", a.current(), b.current(), h.bundle.Idle())
	}
	assertInvariants(t, h.bundle)
}

func TestAllocateRollsBackOnStrategyFailure(t *testing.T) {
	h := newHarness(t, config.BundleConfig{})
	good := newStub("good", 100)
	bad := newStub("bad", 100)
	bad.openErr = errors.New("venue down")
	h.add(t, good, 5000, 10000, false)
	h.add(t, bad, 5000, 10000, false)

	err := h.bundle.AllocateCapital(context.Background(), d("1000"))
	if err == nil || !errors.Is(err, bad.openErr) {
		t.Fatalf("expected venue failure, got %v", err)
	}
	if !good.current().IsZero() || good.closes != 1 {
		t.Fatalf("expected compensated open on good strategy, value %s closes %d", good.current(), good.closes)
	}
	value, err := h.bundle.ValueInBaseAsset(context.Background())
	if err != nil || !value.IsZero() {
		t.Fatalf("expected no capital retained, got %s err=%v", value, err)
	}
	if h.sink.count(events.CapitalAllocated) != 0 {
		t.Fatalf("expected no allocation event")
	}
}

func TestRiskLimitsRejectBeforeCapitalMoves(t *testing.T) {
	h := newHarness(t, config.BundleConfig{MaxStrategyBps: 6000})
	s := newStub("solo", 100)
	h.add(t, s, 5000, 10000, false)
	if err := h.bundle.AllocateCapital(context.Background(), d("1000")); !errors.Is(err, ErrRiskLimit) {
		t.Fatalf("expected ErrRiskLimit for concentration, got %v", err)
	}
	if s.opens != 0 {
		t.Fatalf("expected no opens, got %d", s.opens)
	}

	h = newHarness(t, config.BundleConfig{MaxPortfolioLeverage: 2})
	levered := newStub("levered", 100)
	levered.leverage = 3
	h.add(t, levered, 5000, 10000, false)
	if err := h.bundle.AllocateCapital(context.Background(), d("1000")); !errors.Is(err, ErrRiskLimit) {
		t.Fatalf("expected ErrRiskLimit for leverage, got %v", err)
	}
	if levered.opens != 0 {
		t.Fatalf("expected no opens, got %d", levered.opens)
	}
}

func TestWithdrawCapsAtValueAndRoundTrips(t *testing.T) {
	h := newHarness(t, config.BundleConfig{})
	a := newStub("a", 100)
	b := newStub("b", 120)
	h.add(t, a, 5000, 10000, false)
	h.add(t, b, 5000, 10000, false)
	ctx := context.Background()
	if err := h.bundle.AllocateCapital(ctx, d("1000")); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	value, err := h.bundle.ValueInBaseAsset(ctx)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	proceeds, err := h.bundle.WithdrawCapital(ctx, value.Add(d("5000")))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !proceeds.Equal(d("1000")) {
		t.Fatalf("expected round trip of 1000, got %s", proceeds)
	}
	remaining, _ := h.bundle.ValueInBaseAsset(ctx)
	if !remaining.IsZero() {
		t.Fatalf("expected empty bundle, got %s", remaining)
	}
	for _, alloc := range h.bundle.Allocations() {
		if alloc.CurrentBps != 0 || alloc.State != StateActiveEmpty {
			t.Fatalf("expected drained allocation, got %+v", alloc)
		}
	}
}

func TestWithdrawRollsBackOnStrategyFailure(t *testing.T) {
	h := newHarness(t, config.BundleConfig{})
	a := newStub("a", 100)
	b := newStub("b", 100)
	h.add(t, a, 5000, 10000, false)
	h.add(t, b, 5000, 10000, false)
	ctx := context.Background()
	if err := h.bundle.AllocateCapital(ctx, d("1000")); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	b.closeErr = errors.New("settlement halted")
	if _, err := h.bundle.WithdrawCapital(ctx, d("500")); !errors.Is(err, b.closeErr) {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	if !a.current().Equal(d("500")) {
		t.Fatalf("expected compensated close on a, got %s", a.current())
	}
	if h.sink.count(events.CapitalWithdrawn) != 0 {
		t.Fatalf("expected no withdrawal event")
	}
}

func TestScenarioOptimizeFavorsCheaperStrategy(t *testing.T) {
	h := newHarness(t, config.BundleConfig{})
	perp := newStub("perpetual", 150)
	trs := newStub("trs", 150)
	h.add(t, trs, 5000, 10000, false)
	h.add(t, perp, 5000, 10000, false)
	ctx := context.Background()
	if err := h.bundle.AllocateCapital(ctx, d("1000")); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	trs.setCost(200)

	res, err := h.bundle.OptimizeAllocations(ctx)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if !res.Executed || !res.Saving.IsPositive() {
		t.Fatalf("expected executed rebalance with positive saving, got %+v", res)
	}
	perpAlloc := h.allocation(t, "perpetual")
	trsAlloc := h.allocation(t, "trs")
	if perpAlloc.CurrentBps != 5715 || trsAlloc.CurrentBps != 4285 {
		t.Fatalf("expected 5715/4285, got %d/%d", perpAlloc.CurrentBps, trsAlloc.CurrentBps)
	}
	if perpAlloc.TargetBps != 5715 || trsAlloc.TargetBps != 4285 {
		t.Fatalf("expected targets updated, got %d/%d", perpAlloc.TargetBps, trsAlloc.TargetBps)
	}
	if len(res.Moves) != 1 || !res.Moves[0].Amount.Equal(d("71.5")) {
		t.Fatalf("expected a single 71.5 move, got %+v", res.Moves)
	}
	assertInvariants(t, h.bundle)
	if h.sink.count(events.RebalanceExecuted) != 1 || h.sink.count(events.AllocationAdjusted) != 2 {
		t.Fatalf("unexpected events: executed=%d adjusted=%d",
			h.sink.count(events.RebalanceExecuted), h.sink.count(events.AllocationAdjusted))
	}

	opens, closes := perp.opens+trs.opens, perp.closes+trs.closes
	res, err = h.bundle.OptimizeAllocations(ctx)
	if err != nil {
		t.Fatalf("second optimize: %v", err)
	}
	if res.Executed {
		t.Fatalf("expected second optimize to skip, got %+v", res)
	}
	if perp.opens+trs.opens != opens || perp.closes+trs.closes != closes {
		t.Fatalf("expected no capital movement on second optimize")
	}
	if h.sink.count(events.RebalanceSkipped) != 1 {
		t.Fatalf("expected one skipped event, got %d", h.sink.count(events.RebalanceSkipped))
	}
}

func TestRebalanceMovesTowardTargets(t *testing.T) {
	h := newHarness(t, config.BundleConfig{})
	a := newStub("a", 100)
	b := newStub("b", 300)
	h.add(t, a, 5000, 10000, false)
	h.add(t, b, 5000, 10000, false)
	ctx := context.Background()
	if err := h.bundle.AllocateCapital(ctx, d("1000")); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := h.bundle.SetTargetAllocation(ctx, "b", 2000); err != nil {
		t.Fatalf("set target b: %v", err)
	}
	if err := h.bundle.SetTargetAllocation(ctx, "a", 8000); err != nil {
		t.Fatalf("set target a: %v", err)
	}
	if err := h.bundle.SetTargetAllocation(ctx, "a", 9000); !errors.Is(err, ErrInvalidAllocation) {
		t.Fatalf("expected target sum rejection, got %v", err)
	}
	beforeA := a.current()
	res, err := h.bundle.RebalanceStrategies(ctx)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if !res.Executed {
		t.Fatalf("expected rebalance toward cheaper target, got %+v", res)
	}
	if !a.current().GreaterThan(beforeA) || !b.current().Equal(d("200")) {
		t.Fatalf("expected b reduced to 200, got a=%s b=%s", a.current(), b.current())
	}
	assertInvariants(t, h.bundle)
}

func TestRemoveRequiresUnwind(t *testing.T) {
	h := newHarness(t, config.BundleConfig{})
	a := newStub("a", 100)
	b := newStub("b", 100)
	h.add(t, a, 5000, 10000, false)
	h.add(t, b, 5000, 10000, false)
	ctx := context.Background()
	if err := h.bundle.AllocateCapital(ctx, d("1000")); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := h.bundle.RemoveExposureStrategy(ctx, "a"); !errors.Is(err, ErrNonZeroBalance) {
		t.Fatalf("expected ErrNonZeroBalance, got %v", err)
	}
	proceeds, err := h.bundle.UnwindStrategy(ctx, "a")
	if err != nil || !proceeds.Equal(d("500")) {
		t.Fatalf("expected unwind of 500, got %s err=%v", proceeds, err)
	}
	if !h.bundle.Idle().Equal(d("500")) {
		t.Fatalf("expected proceeds in custody, got %s", h.bundle.Idle())
	}
	alloc := h.allocation(t, "a")
	if alloc.IsActive || alloc.TargetBps != 0 || alloc.State != StateActiveEmpty {
		t.Fatalf("unexpected unwound allocation: %+v", alloc)
	}
	if err := h.bundle.RemoveExposureStrategy(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(h.bundle.Allocations()) != 1 || h.sink.count(events.StrategyRemoved) != 1 {
		t.Fatalf("expected a removed")
	}
	if err := h.bundle.RemoveExposureStrategy(ctx, "a"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestReentrantCallsAreRejected(t *testing.T) {
	h := newHarness(t, config.BundleConfig{})
	s := newStub("a", 100)
	h.add(t, s, 5000, 10000, false)
	ctx := context.Background()
	var allocErr, withdrawErr error
	s.onOpen = func() {
		allocErr = h.bundle.AllocateCapital(ctx, d("10"))
		_, withdrawErr = h.bundle.WithdrawCapital(ctx, d("10"))
	}
	if err := h.bundle.AllocateCapital(ctx, d("100")); err != nil {
		t.Fatalf("outer allocate: %v", err)
	}
	if !errors.Is(allocErr, ErrReentrant) || !errors.Is(withdrawErr, ErrReentrant) {
		t.Fatalf("expected ErrReentrant, got %v / %v", allocErr, withdrawErr)
	}
	if !s.current().Equal(d("100")) {
		t.Fatalf("expected only the outer allocation, got %s", s.current())
	}
}

func TestScenarioEmergencyMode(t *testing.T) {
	h := newHarness(t, config.BundleConfig{})
	a := newStub("a", 100)
	b := newStub("b", 100)
	h.add(t, a, 5000, 10000, false)
	h.add(t, b, 5000, 10000, false)
	ctx := context.Background()
	if err := h.bundle.AllocateCapital(ctx, d("1000")); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if _, err := h.bundle.ActivateEmergency(ctx, outsider); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	recovered, err := h.bundle.ActivateEmergency(ctx, testOperator)
	if err != nil || !recovered.Equal(d("1000")) {
		t.Fatalf("expected 1000 recovered, got %s err=%v", recovered, err)
	}
	if err := h.bundle.AllocateCapital(ctx, d("100")); !errors.Is(err, ErrEmergencyMode) {
		t.Fatalf("expected ErrEmergencyMode on allocate, got %v", err)
	}
	if _, err := h.bundle.OptimizeAllocations(ctx); !errors.Is(err, ErrEmergencyMode) {
		t.Fatalf("expected ErrEmergencyMode on optimize, got %v", err)
	}
	if err := h.bundle.AddExposureStrategy(ctx, newStub("c", 100), 0, 1000, false); !errors.Is(err, ErrEmergencyMode) {
		t.Fatalf("expected ErrEmergencyMode on add, got %v", err)
	}
	proceeds, err := h.bundle.WithdrawCapital(ctx, d("1000"))
	if err != nil || !proceeds.Equal(d("1000")) {
		t.Fatalf("expected full withdrawal in emergency, got %s err=%v", proceeds, err)
	}
	if err := h.bundle.ClearEmergency(ctx, outsider); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on clear, got %v", err)
	}
	if err := h.bundle.ClearEmergency(ctx, testOperator); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := h.bundle.ClearEmergency(ctx, testOperator); !errors.Is(err, ErrNotInEmergency) {
		t.Fatalf("expected ErrNotInEmergency, got %v", err)
	}
	if err := h.bundle.AllocateCapital(ctx, d("100")); err != nil {
		t.Fatalf("allocate after clear: %v", err)
	}
	if h.sink.count(events.EmergencyActivated) != 1 || h.sink.count(events.EmergencyCleared) != 1 {
		t.Fatalf("expected emergency events")
	}
}

func TestEmergencyDuringAllocation(t *testing.T) {
	h := newHarness(t, config.BundleConfig{})
	a := newStub("a", 100)
	b := newStub("b", 100)
	h.add(t, a, 5000, 10000, false)
	h.add(t, b, 5000, 10000, false)
	ctx := context.Background()
	var (
		once        sync.Once
		activateErr error
	)
	a.onOpen = func() {
		once.Do(func() {
			_, activateErr = h.bundle.ActivateEmergency(ctx, testOperator)
		})
	}
	err := h.bundle.AllocateCapital(ctx, d("1000"))
	if !errors.Is(err, ErrEmergencyMode) {
		t.Fatalf("expected allocation aborted by emergency, got %v", err)
	}
	if activateErr != nil {
		t.Fatalf("expected deferred activation to succeed, got %v", activateErr)
	}
	if !h.bundle.InEmergency() {
		t.Fatalf("expected emergency mode")
	}
	if !a.current().IsZero() || !b.current().IsZero() || a.exits == 0 {
		t.Fatalf("expected unwound strategies, a=%s b=%s exits=%d", a.current(), b.current(), a.exits)
	}
}

func TestHarvestForwardsYield(t *testing.T) {
	h := newHarness(t, config.BundleConfig{})
	a := newStub("a", 100)
	b := newStub("b", 100)
	h.add(t, a, 5000, 10000, false)
	h.add(t, b, 5000, 10000, false)
	ctx := context.Background()
	if err := h.bundle.AllocateCapital(ctx, d("1000")); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.harvest = d("10")
	b.harvest = d("10")
	harvested, err := h.bundle.HarvestYield(ctx)
	if err != nil || !harvested.Equal(d("20")) {
		t.Fatalf("expected 20 harvested, got %s err=%v", harvested, err)
	}
	if h.sink.count(events.YieldHarvested) != 1 {
		t.Fatalf("expected harvest event")
	}
}

func TestHarvestReinvests(t *testing.T) {
	h := newHarness(t, config.BundleConfig{ReinvestYield: true})
	a := newStub("a", 100)
	b := newStub("b", 100)
	h.add(t, a, 5000, 10000, false)
	h.add(t, b, 5000, 10000, false)
	ctx := context.Background()
	if err := h.bundle.AllocateCapital(ctx, d("1000")); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.harvest = d("10")
	b.harvest = d("10")
	forwarded, err := h.bundle.HarvestYield(ctx)
	if err != nil || !forwarded.IsZero() {
		t.Fatalf("expected nothing forwarded, got %s err=%v", forwarded, err)
	}
	if !a.current().Equal(d("510")) || !b.current().Equal(d("510")) {
		t.Fatalf("expected reinvested 510/510, got %s/%s", a.current(), b.current())
	}
}

func TestSnapshotRestoresAllocationTable(t *testing.T) {
	store := state.NewMemory()
	h := newHarnessWithStore(t, config.BundleConfig{}, store)
	a := newStub("a", 100)
	b := newStub("b", 100)
	h.add(t, a, 3000, 3000, false)
	h.add(t, b, 5000, 10000, true)
	ctx := context.Background()
	if err := h.bundle.AllocateCapital(ctx, d("1000")); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := h.bundle.SetTargetAllocation(ctx, "b", 6000); err != nil {
		t.Fatalf("set target: %v", err)
	}
	saved, ok, err := state.LoadBundleSnapshot(ctx, store)
	if err != nil || !ok || len(saved.Allocations) != 2 {
		t.Fatalf("expected persisted snapshot, got %+v ok=%v err=%v", saved, ok, err)
	}
	if _, ok, _ := state.LoadOptimizerSnapshot(ctx, store); !ok {
		t.Fatalf("expected persisted optimizer snapshot")
	}

	restarted := newHarnessWithStore(t, config.BundleConfig{}, store)
	if err := restarted.bundle.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	restarted.add(t, a, 1000, 2000, false)
	restarted.add(t, b, 1000, 2000, false)
	gotA := restarted.allocation(t, "a")
	gotB := restarted.allocation(t, "b")
	if gotA.TargetBps != 3000 || gotA.MaxBps != 3000 {
		t.Fatalf("expected restored a target/max 3000/3000, got %+v", gotA)
	}
	if gotB.TargetBps != 6000 || gotB.MaxBps != 10000 || !gotB.IsPrimary {
		t.Fatalf("expected restored b, got %+v", gotB)
	}
	if !restarted.bundle.Idle().Equal(h.bundle.Idle()) {
		t.Fatalf("expected idle %s restored, got %s", h.bundle.Idle(), restarted.bundle.Idle())
	}
	value, err := restarted.bundle.ValueInBaseAsset(ctx)
	if err != nil || !value.Equal(d("1000")) {
		t.Fatalf("expected value 1000 after restore, got %s err=%v", value, err)
	}
}

func TestAsVault(t *testing.T) {
	h := newHarness(t, config.BundleConfig{})
	s := newStub("a", 100)
	h.add(t, s, 5000, 10000, false)
	ctx := context.Background()
	v := h.bundle.AsVault()
	if err := v.Deposit(ctx, d("400")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	value, err := v.ValueInBaseAsset(ctx)
	if err != nil || !value.Equal(d("400")) {
		t.Fatalf("expected value 400, got %s err=%v", value, err)
	}
	got, err := v.Withdraw(ctx, d("100"))
	if err != nil || !got.Equal(d("100")) {
		t.Fatalf("expected 100 withdrawn, got %s err=%v", got, err)
	}
	harvested, err := v.HarvestYield(ctx)
	if err != nil || !harvested.IsZero() {
		t.Fatalf("expected no yield, got %s err=%v", harvested, err)
	}
}

type rollingStub struct {
	*stubStrategy
	rolls int
}

func (r *rollingStub) RolloverTRS(ctx context.Context) (int, error) {
	_ = ctx
	return r.rolls, nil
}

func TestRolloverTRSEmitsPerStrategy(t *testing.T) {
	h := newHarness(t, config.BundleConfig{})
	h.add(t, &rollingStub{stubStrategy: newStub("trs", 100), rolls: 2}, 5000, 10000, false)
	h.add(t, newStub("perpetual", 100), 5000, 10000, false)
	rolled, err := h.bundle.RolloverTRS(context.Background())
	if err != nil || rolled != 2 {
		t.Fatalf("expected 2 rolled, got %d err=%v", rolled, err)
	}
	if h.sink.count(events.TRSRolledOver) != 1 {
		t.Fatalf("expected one rollover event, got %d", h.sink.count(events.TRSRolledOver))
	}
}
