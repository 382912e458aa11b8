// Package bundle holds pooled capital in custody, splits it across exposure
// strategies on the optimizer's advice and owns emergency controls.
package bundle

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"rwa-exposure-bundle/internal/config"
	"rwa-exposure-bundle/internal/events"
	"rwa-exposure-bundle/internal/exec"
	"rwa-exposure-bundle/internal/exposure"
	"rwa-exposure-bundle/internal/metrics"
	"rwa-exposure-bundle/internal/optimizer"
	"rwa-exposure-bundle/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	fullBps              = 10000
	defaultMaxStrategies = 5
)

var bpsDenominator = decimal.NewFromInt(fullBps)

type entry struct {
	strategy   exposure.Strategy
	targetBps  int64
	currentBps int64
	maxBps     int64
	primary    bool
	active     bool
	value      decimal.Decimal
	lifecycle  *StateMachine
}

// Allocation is a read-only view of one registered strategy.
type Allocation struct {
	Name       string          `json:"name"`
	Type       exposure.Type   `json:"type"`
	TargetBps  int64           `json:"target_bps"`
	CurrentBps int64           `json:"current_bps"`
	MaxBps     int64           `json:"max_bps"`
	IsPrimary  bool            `json:"is_primary"`
	IsActive   bool            `json:"is_active"`
	State      State           `json:"state"`
	Value      decimal.Decimal `json:"value"`
}

type Options struct {
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Events    *events.Bus
	Store     state.Store
	Clock     func() time.Time
	TxOptions []exec.Option
}

type Bundle struct {
	cfg       config.BundleConfig
	limits    RiskLimits
	optimizer *optimizer.Optimizer
	log       *zap.Logger
	metrics   *metrics.Metrics
	events    *events.Bus
	store     state.Store
	clock     func() time.Time
	txOpts    []exec.Option
	operators map[common.Address]struct{}

	busy        atomic.Bool
	emergency   atomic.Bool
	exitPending atomic.Bool

	mu       sync.RWMutex
	entries  []*entry
	idle     decimal.Decimal
	restored map[string]state.AllocationRecord
}

func New(cfg config.BundleConfig, opt *optimizer.Optimizer, opts Options) (*Bundle, error) {
	if opt == nil {
		return nil, fmt.Errorf("optimizer is required")
	}
	if cfg.MaxStrategies <= 0 {
		cfg.MaxStrategies = defaultMaxStrategies
	}
	operators := make(map[common.Address]struct{}, len(cfg.Operators))
	for _, raw := range cfg.Operators {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid operator address %q", raw)
		}
		operators[common.HexToAddress(raw)] = struct{}{}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Bundle{
		cfg:       cfg,
		limits:    riskLimitsFrom(cfg),
		optimizer: opt,
		log:       opts.Log,
		metrics:   opts.Metrics,
		events:    opts.Events,
		store:     opts.Store,
		clock:     opts.Clock,
		txOpts:    opts.TxOptions,
		operators: operators,
		restored:  make(map[string]state.AllocationRecord),
	}, nil
}

func (b *Bundle) enter() error {
	if !b.busy.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	return nil
}

// leave releases the guard, first running an emergency exit that was
// requested while the operation was in flight.
func (b *Bundle) leave(ctx context.Context) {
	for {
		if b.exitPending.Swap(false) && b.emergency.Load() {
			if _, err := b.emergencyExitLocked(ctx); err != nil {
				b.log.Error("deferred emergency exit incomplete", zap.Error(err))
			}
			b.persist(ctx)
		}
		b.busy.Store(false)
		if !b.exitPending.Load() || !b.busy.CompareAndSwap(false, true) {
			return
		}
	}
}

// AddExposureStrategy registers a strategy. A previously persisted
// allocation record with the same name takes precedence over the arguments.
func (b *Bundle) AddExposureStrategy(ctx context.Context, s exposure.Strategy, targetBps, maxBps int64, isPrimary bool) error {
	if s == nil {
		return fmt.Errorf("nil strategy: %w", ErrInvalidAllocation)
	}
	if err := b.enter(); err != nil {
		return err
	}
	defer b.leave(ctx)
	if b.emergency.Load() {
		return ErrEmergencyMode
	}
	name := s.Name()

	b.mu.Lock()
	rec, restored := b.restored[name]
	active := true
	if restored {
		targetBps, maxBps, isPrimary, active = rec.TargetBps, rec.MaxBps, rec.IsPrimary, rec.IsActive
	}
	if targetBps < 0 || maxBps <= 0 || maxBps > fullBps || targetBps > maxBps {
		b.mu.Unlock()
		return fmt.Errorf("strategy %s target %d max %d: %w", name, targetBps, maxBps, ErrInvalidAllocation)
	}
	if len(b.entries) >= b.cfg.MaxStrategies {
		b.mu.Unlock()
		return fmt.Errorf("limit %d: %w", b.cfg.MaxStrategies, ErrTooManyStrategies)
	}
	sum := targetBps
	for _, e := range b.entries {
		if e.strategy.Name() == name {
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", name, ErrDuplicateStrategy)
		}
		sum += e.targetBps
	}
	if sum > fullBps {
		b.mu.Unlock()
		return fmt.Errorf("target sum %d bps above %d: %w", sum, fullBps, ErrInvalidAllocation)
	}
	if isPrimary {
		for _, e := range b.entries {
			e.primary = false
		}
	}
	e := &entry{
		strategy:  s,
		targetBps: targetBps,
		maxBps:    maxBps,
		primary:   isPrimary,
		active:    active,
		lifecycle: NewStateMachine(),
	}
	e.lifecycle.Apply(EventRegister)
	if restored {
		e.currentBps = rec.CurrentBps
		delete(b.restored, name)
	}
	b.entries = append(b.entries, e)
	b.mu.Unlock()

	if p, ok := s.(exposure.Persistent); ok && b.store != nil {
		if err := p.Restore(ctx, b.store); err != nil {
			b.log.Warn("strategy restore failed", zap.String("strategy", name), zap.Error(err))
		}
	}
	b.refreshQuietly(ctx)
	b.log.Info("strategy added",
		zap.String("strategy", name),
		zap.String("type", string(s.Type())),
		zap.Int64("target_bps", targetBps),
		zap.Int64("max_bps", maxBps),
		zap.Bool("primary", isPrimary),
		zap.Bool("restored", restored),
	)
	b.emit(ctx, events.Event{
		Type:     events.StrategyAdded,
		Strategy: name,
		Bps:      targetBps,
		Data: map[string]string{
			"type":    string(s.Type()),
			"max_bps": strconv.FormatInt(maxBps, 10),
			"primary": strconv.FormatBool(isPrimary),
		},
	})
	b.persist(ctx)
	return nil
}

// RemoveExposureStrategy drops a strategy that holds nothing.
func (b *Bundle) RemoveExposureStrategy(ctx context.Context, name string) error {
	if err := b.enter(); err != nil {
		return err
	}
	defer b.leave(ctx)
	e, idx := b.find(name)
	if e == nil {
		return fmt.Errorf("%s: %w", name, ErrUnknownStrategy)
	}
	if _, err := b.refresh(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	value := e.value
	if e.currentBps != 0 || value.IsPositive() {
		b.mu.Unlock()
		return fmt.Errorf("strategy %s holds %s (%d bps): %w", name, value, e.currentBps, ErrNonZeroBalance)
	}
	b.entries = append(b.entries[:idx], b.entries[idx+1:]...)
	b.mu.Unlock()
	e.lifecycle.Apply(EventRemove)
	b.optimizer.Forget(name)
	b.log.Info("strategy removed", zap.String("strategy", name))
	b.emit(ctx, events.Event{Type: events.StrategyRemoved, Strategy: name})
	b.persist(ctx)
	return nil
}

// SetTargetAllocation changes a strategy's target share. Capital moves on
// the next rebalance.
func (b *Bundle) SetTargetAllocation(ctx context.Context, name string, targetBps int64) error {
	if err := b.enter(); err != nil {
		return err
	}
	defer b.leave(ctx)
	b.mu.Lock()
	var target *entry
	sum := targetBps
	for _, e := range b.entries {
		if e.strategy.Name() == name {
			target = e
			continue
		}
		sum += e.targetBps
	}
	switch {
	case target == nil:
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrUnknownStrategy)
	case targetBps < 0 || targetBps > target.maxBps:
		b.mu.Unlock()
		return fmt.Errorf("target %d above max %d: %w", targetBps, target.maxBps, ErrInvalidAllocation)
	case sum > fullBps:
		b.mu.Unlock()
		return fmt.Errorf("target sum %d bps above %d: %w", sum, fullBps, ErrInvalidAllocation)
	}
	previous := target.targetBps
	target.targetBps = targetBps
	b.mu.Unlock()
	if previous != targetBps {
		b.emitAdjusted(ctx, name, previous, targetBps)
	}
	b.persist(ctx)
	return nil
}

// SetStrategyActive includes or excludes a strategy from new allocations.
// An inactive strategy keeps what it holds until unwound.
func (b *Bundle) SetStrategyActive(ctx context.Context, name string, active bool) error {
	if err := b.enter(); err != nil {
		return err
	}
	defer b.leave(ctx)
	e, _ := b.find(name)
	if e == nil {
		return fmt.Errorf("%s: %w", name, ErrUnknownStrategy)
	}
	b.mu.Lock()
	e.active = active
	b.mu.Unlock()
	b.log.Info("strategy activation changed", zap.String("strategy", name), zap.Bool("active", active))
	b.persist(ctx)
	return nil
}

func (b *Bundle) find(name string) (*entry, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i, e := range b.entries {
		if e.strategy.Name() == name {
			return e, i
		}
	}
	return nil, -1
}

func (b *Bundle) allEntries() []*entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*entry(nil), b.entries...)
}

func (b *Bundle) activeEntries() []*entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*entry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.active {
			out = append(out, e)
		}
	}
	return out
}

func (b *Bundle) addIdle(delta decimal.Decimal) {
	b.mu.Lock()
	b.idle = b.idle.Add(delta)
	b.mu.Unlock()
}

func (b *Bundle) idleBalance() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.idle
}

func (b *Bundle) candidates(ctx context.Context, list []*entry) ([]optimizer.Candidate, error) {
	out := make([]optimizer.Candidate, len(list))
	for i, e := range list {
		info, err := e.strategy.ExposureInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("exposure info %s: %w", e.strategy.Name(), err)
		}
		cost, err := e.strategy.CostBreakdown(ctx)
		if err != nil {
			return nil, fmt.Errorf("cost breakdown %s: %w", e.strategy.Name(), err)
		}
		b.mu.RLock()
		out[i] = optimizer.Candidate{
			Name:       e.strategy.Name(),
			Info:       info,
			Cost:       cost,
			CurrentBps: e.currentBps,
			MaxBps:     e.maxBps,
			IsPrimary:  e.primary,
		}
		b.mu.RUnlock()
	}
	return out, nil
}

// refresh re-reads every strategy's value and recomputes current shares of
// total value. It returns the total, idle custody included.
func (b *Bundle) refresh(ctx context.Context) (decimal.Decimal, error) {
	list := b.allEntries()
	total := b.idleBalance()
	values := make([]decimal.Decimal, len(list))
	for i, e := range list {
		v, err := e.strategy.ValueInBaseAsset(ctx)
		if err != nil {
			return decimal.Zero, fmt.Errorf("value %s: %w", e.strategy.Name(), err)
		}
		if v.IsNegative() {
			v = decimal.Zero
		}
		values[i] = v
		total = total.Add(v)
	}
	bps := make([]int64, len(list))
	var sum int64
	if total.IsPositive() {
		for i, v := range values {
			bps[i] = v.Mul(bpsDenominator).Div(total).IntPart()
			sum += bps[i]
		}
	}
	if sum > fullBps {
		return decimal.Zero, fmt.Errorf("current allocations sum to %d bps: %w", sum, ErrInvariantViolation)
	}
	b.mu.Lock()
	for i, e := range list {
		e.value = values[i]
		e.currentBps = bps[i]
		if values[i].IsPositive() {
			e.lifecycle.Apply(EventFund)
		} else {
			e.lifecycle.Apply(EventDrain)
		}
	}
	idle := b.idle
	b.mu.Unlock()
	for i, e := range list {
		if bps[i] > e.maxBps {
			b.metrics.AllocationCapBreached.Inc()
			b.log.Warn("allocation above max",
				zap.String("strategy", e.strategy.Name()),
				zap.Int64("current_bps", bps[i]),
				zap.Int64("max_bps", e.maxBps),
			)
		}
	}
	totalF, _ := total.Float64()
	idleF, _ := idle.Float64()
	b.metrics.PortfolioValue.Set(totalF)
	b.metrics.IdleCapital.Set(idleF)
	return total, nil
}

func (b *Bundle) refreshQuietly(ctx context.Context) {
	if _, err := b.refresh(ctx); err != nil {
		b.log.Warn("allocation refresh failed", zap.Error(err))
	}
}

// ValueInBaseAsset is idle custody plus every strategy's value.
func (b *Bundle) ValueInBaseAsset(ctx context.Context) (decimal.Decimal, error) {
	total := b.idleBalance()
	for _, e := range b.allEntries() {
		v, err := e.strategy.ValueInBaseAsset(ctx)
		if err != nil {
			return decimal.Zero, fmt.Errorf("value %s: %w", e.strategy.Name(), err)
		}
		if v.IsPositive() {
			total = total.Add(v)
		}
	}
	return total, nil
}

func (b *Bundle) Allocations() []Allocation {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Allocation, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, Allocation{
			Name:       e.strategy.Name(),
			Type:       e.strategy.Type(),
			TargetBps:  e.targetBps,
			CurrentBps: e.currentBps,
			MaxBps:     e.maxBps,
			IsPrimary:  e.primary,
			IsActive:   e.active,
			State:      e.lifecycle.Current(),
			Value:      e.value,
		})
	}
	return out
}

func (b *Bundle) Idle() decimal.Decimal {
	return b.idleBalance()
}

func (b *Bundle) InEmergency() bool {
	return b.emergency.Load()
}

func (b *Bundle) Snapshot() state.BundleSnapshot {
	snap := state.BundleSnapshot{
		Idle:        b.idleBalance(),
		Emergency:   b.emergency.Load(),
		UpdatedAtMS: b.clock().UnixMilli(),
	}
	for _, a := range b.Allocations() {
		snap.Allocations = append(snap.Allocations, state.AllocationRecord{
			Name:       a.Name,
			Type:       string(a.Type),
			TargetBps:  a.TargetBps,
			CurrentBps: a.CurrentBps,
			MaxBps:     a.MaxBps,
			IsPrimary:  a.IsPrimary,
			IsActive:   a.IsActive,
			State:      string(a.State),
		})
	}
	return snap
}

// Restore loads custody, the emergency flag and optimizer history. Allocation
// records apply when their strategy is registered.
func (b *Bundle) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	snap, ok, err := state.LoadBundleSnapshot(ctx, b.store)
	if err != nil {
		return fmt.Errorf("load bundle snapshot: %w", err)
	}
	if ok {
		b.mu.Lock()
		b.idle = snap.Idle
		for _, rec := range snap.Allocations {
			b.restored[rec.Name] = rec
		}
		b.mu.Unlock()
		b.emergency.Store(snap.Emergency)
		b.log.Info("bundle snapshot restored",
			zap.Int("allocations", len(snap.Allocations)),
			zap.String("idle", snap.Idle.String()),
			zap.Bool("emergency", snap.Emergency),
		)
	}
	optSnap, ok, err := state.LoadOptimizerSnapshot(ctx, b.store)
	if err != nil {
		return fmt.Errorf("load optimizer snapshot: %w", err)
	}
	if ok {
		b.optimizer.Restore(optSnap)
	}
	return nil
}

func (b *Bundle) persist(ctx context.Context) {
	if b.store == nil {
		return
	}
	if err := state.SaveBundleSnapshot(ctx, b.store, b.Snapshot()); err != nil {
		b.log.Warn("failed to persist bundle snapshot", zap.Error(err))
	}
	for _, e := range b.allEntries() {
		p, ok := e.strategy.(exposure.Persistent)
		if !ok {
			continue
		}
		if err := p.Persist(ctx, b.store); err != nil {
			b.log.Warn("failed to persist strategy", zap.String("strategy", e.strategy.Name()), zap.Error(err))
		}
	}
	if err := state.SaveOptimizerSnapshot(ctx, b.store, b.optimizer.Snapshot(b.clock())); err != nil {
		b.log.Warn("failed to persist optimizer snapshot", zap.Error(err))
	}
}

func (b *Bundle) emit(ctx context.Context, ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = b.clock()
	}
	b.events.Publish(ctx, ev)
}

func (b *Bundle) emitAdjusted(ctx context.Context, name string, from, to int64) {
	b.emit(ctx, events.Event{
		Type:     events.AllocationAdjusted,
		Strategy: name,
		Bps:      to,
		Data:     map[string]string{"previous_bps": strconv.FormatInt(from, 10)},
	})
}
