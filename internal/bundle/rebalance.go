package bundle

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"rwa-exposure-bundle/internal/events"
	"rwa-exposure-bundle/internal/exec"
	"rwa-exposure-bundle/internal/exposure"
	"rwa-exposure-bundle/internal/optimizer"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RebalanceResult struct {
	Executed bool                    `json:"executed"`
	Saving   decimal.Decimal         `json:"saving"`
	Current  []int64                 `json:"current"`
	Target   []int64                 `json:"target"`
	Moves    []optimizer.Instruction `json:"moves,omitempty"`
}

// OptimizeAllocations sets every active strategy's target to the optimizer's
// split and moves capital only when the optimizer judges it worth the cost.
func (b *Bundle) OptimizeAllocations(ctx context.Context) (RebalanceResult, error) {
	if err := b.enter(); err != nil {
		return RebalanceResult{}, err
	}
	defer b.leave(ctx)
	if b.emergency.Load() {
		return RebalanceResult{}, ErrEmergencyMode
	}
	active := b.activeEntries()
	if len(active) == 0 {
		return RebalanceResult{}, ErrNoActiveStrategies
	}
	total, err := b.refresh(ctx)
	if err != nil {
		return RebalanceResult{}, err
	}
	cands, err := b.candidates(ctx, active)
	if err != nil {
		return RebalanceResult{}, err
	}
	b.recordCosts(cands)
	if !total.IsPositive() {
		b.skip(ctx, decimal.Zero, "no capital")
		b.persist(ctx)
		return RebalanceResult{}, nil
	}
	optimal := b.optimizer.CalculateOptimalAllocation(cands, total, total)
	b.setTargets(ctx, active, optimal)
	res, err := b.rebalanceLocked(ctx, active, cands, optimal, total)
	if err != nil {
		b.metrics.OperationFailed.Inc()
	}
	b.persist(ctx)
	return res, err
}

// RebalanceStrategies moves capital toward the current targets under the
// same economic check as optimization.
func (b *Bundle) RebalanceStrategies(ctx context.Context) (RebalanceResult, error) {
	if err := b.enter(); err != nil {
		return RebalanceResult{}, err
	}
	defer b.leave(ctx)
	if b.emergency.Load() {
		return RebalanceResult{}, ErrEmergencyMode
	}
	active := b.activeEntries()
	if len(active) == 0 {
		return RebalanceResult{}, ErrNoActiveStrategies
	}
	total, err := b.refresh(ctx)
	if err != nil {
		return RebalanceResult{}, err
	}
	if !total.IsPositive() {
		return RebalanceResult{}, nil
	}
	cands, err := b.candidates(ctx, active)
	if err != nil {
		return RebalanceResult{}, err
	}
	targets := make([]int64, len(active))
	b.mu.RLock()
	for i, e := range active {
		targets[i] = e.targetBps
	}
	b.mu.RUnlock()
	res, err := b.rebalanceLocked(ctx, active, cands, targets, total)
	if err != nil {
		b.metrics.OperationFailed.Inc()
	}
	b.persist(ctx)
	return res, err
}

func (b *Bundle) rebalanceLocked(ctx context.Context, active []*entry, cands []optimizer.Candidate, target []int64, total decimal.Decimal) (RebalanceResult, error) {
	current := make([]int64, len(active))
	for i, c := range cands {
		current[i] = c.CurrentBps
	}
	res := RebalanceResult{Current: current, Target: target}
	ok, saving := b.optimizer.ShouldRebalance(cands, current, target, total)
	res.Saving = saving
	if !ok {
		b.skip(ctx, saving, "saving below threshold")
		return res, nil
	}
	plan := make([]PlannedAllocation, len(active))
	for i, c := range cands {
		plan[i] = PlannedAllocation{Name: c.Name, Bps: target[i], Leverage: c.Info.Leverage}
	}
	if err := CheckRisk(b.limits, plan); err != nil {
		return res, err
	}
	moves := optimizer.RebalanceInstructions(current, target, total)
	if err := b.executeMoves(ctx, active, moves); err != nil {
		return res, err
	}
	res.Executed = true
	res.Moves = moves
	b.refreshQuietly(ctx)
	b.metrics.RebalanceExecuted.Inc()
	b.log.Info("rebalance executed",
		zap.Int("moves", len(moves)),
		zap.String("saving", saving.String()),
	)
	b.emit(ctx, events.Event{
		Type:   events.RebalanceExecuted,
		Amount: saving,
		Data:   map[string]string{"moves": strconv.Itoa(len(moves))},
	})
	return res, nil
}

func (b *Bundle) skip(ctx context.Context, saving decimal.Decimal, reason string) {
	b.metrics.RebalanceSkipped.Inc()
	b.log.Info("rebalance skipped", zap.String("reason", reason), zap.String("saving", saving.String()))
	b.emit(ctx, events.Event{
		Type:   events.RebalanceSkipped,
		Amount: saving,
		Data:   map[string]string{"reason": reason},
	})
}

// executeMoves runs the instructions as one compensated transaction.
// Strategy-to-strategy moves hand close proceeds straight to the open.
func (b *Bundle) executeMoves(ctx context.Context, active []*entry, moves []optimizer.Instruction) error {
	tx := exec.New(b.log, b.txOpts...)
	for _, m := range moves {
		if b.emergency.Load() {
			b.rollback(ctx, tx)
			return ErrEmergencyMode
		}
		var err error
		switch {
		case m.From == optimizer.IdleIndex && m.To == optimizer.IdleIndex:
			continue
		case m.From == optimizer.IdleIndex:
			err = b.moveFromIdle(ctx, tx, active[m.To].strategy, m.Amount)
		case m.To == optimizer.IdleIndex:
			err = b.moveToIdle(ctx, tx, active[m.From].strategy, m.Amount)
		default:
			err = b.moveBetween(ctx, tx, active[m.From].strategy, active[m.To].strategy, m.Amount)
		}
		if err != nil {
			b.rollback(ctx, tx)
			return fmt.Errorf("rebalance: %w", err)
		}
	}
	tx.Commit()
	return nil
}

func (b *Bundle) moveFromIdle(ctx context.Context, tx *exec.Tx, to exposure.Strategy, amount decimal.Decimal) error {
	if idle := b.idleBalance(); amount.GreaterThan(idle) {
		amount = idle
	}
	if !amount.IsPositive() {
		return nil
	}
	return tx.Do(ctx, "fund "+to.Name(),
		func(ctx context.Context) error {
			if _, err := to.OpenExposure(ctx, amount); err != nil {
				return err
			}
			b.addIdle(amount.Neg())
			return nil
		},
		func(ctx context.Context) error {
			got, err := to.CloseExposure(ctx, amount)
			if err != nil {
				return err
			}
			b.addIdle(got)
			return nil
		},
	)
}

func (b *Bundle) moveToIdle(ctx context.Context, tx *exec.Tx, from exposure.Strategy, amount decimal.Decimal) error {
	var got decimal.Decimal
	return tx.Do(ctx, "drain "+from.Name(),
		func(ctx context.Context) error {
			var err error
			got, err = from.CloseExposure(ctx, amount)
			if err != nil {
				return err
			}
			b.addIdle(got)
			return nil
		},
		func(ctx context.Context) error {
			if !got.IsPositive() {
				return nil
			}
			if _, err := from.OpenExposure(ctx, got); err != nil {
				return err
			}
			b.addIdle(got.Neg())
			return nil
		},
	)
}

func (b *Bundle) moveBetween(ctx context.Context, tx *exec.Tx, from, to exposure.Strategy, amount decimal.Decimal) error {
	// carry is the capital in flight between the two legs.
	var carry decimal.Decimal
	err := tx.Do(ctx, "close "+from.Name(),
		func(ctx context.Context) error {
			var err error
			carry, err = from.CloseExposure(ctx, amount)
			return err
		},
		func(ctx context.Context) error {
			if !carry.IsPositive() {
				return nil
			}
			_, err := from.OpenExposure(ctx, carry)
			return err
		},
	)
	if err != nil || !carry.IsPositive() {
		return err
	}
	return tx.Do(ctx, "open "+to.Name(),
		func(ctx context.Context) error {
			_, err := to.OpenExposure(ctx, carry)
			return err
		},
		func(ctx context.Context) error {
			got, err := to.CloseExposure(ctx, carry)
			if err != nil {
				return err
			}
			carry = got
			return nil
		},
	)
}

// UnwindStrategy closes everything a strategy holds into custody and stops
// new allocations to it, so it can be removed.
func (b *Bundle) UnwindStrategy(ctx context.Context, name string) (decimal.Decimal, error) {
	if err := b.enter(); err != nil {
		return decimal.Zero, err
	}
	defer b.leave(ctx)
	e, _ := b.find(name)
	if e == nil {
		return decimal.Zero, fmt.Errorf("%s: %w", name, ErrUnknownStrategy)
	}
	value, err := e.strategy.ValueInBaseAsset(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("value %s: %w", name, err)
	}
	proceeds := decimal.Zero
	if value.IsPositive() {
		proceeds, err = e.strategy.CloseExposure(ctx, value)
		if err != nil {
			b.metrics.OperationFailed.Inc()
			return decimal.Zero, fmt.Errorf("unwind %s: %w", name, err)
		}
	}
	b.addIdle(proceeds)
	b.mu.Lock()
	previous := e.targetBps
	e.targetBps = 0
	e.active = false
	b.mu.Unlock()
	b.refreshQuietly(ctx)
	b.log.Info("strategy unwound", zap.String("strategy", name), zap.String("proceeds", proceeds.String()))
	if previous != 0 {
		b.emitAdjusted(ctx, name, previous, 0)
	}
	b.persist(ctx)
	return proceeds, nil
}

// RolloverTRS rolls maturing contracts on every strategy that has them.
func (b *Bundle) RolloverTRS(ctx context.Context) (int, error) {
	if err := b.enter(); err != nil {
		return 0, err
	}
	defer b.leave(ctx)
	rolled := 0
	var errs []error
	for _, e := range b.allEntries() {
		r, ok := e.strategy.(exposure.Roller)
		if !ok {
			continue
		}
		n, err := r.RolloverTRS(ctx)
		rolled += n
		if err != nil {
			errs = append(errs, fmt.Errorf("rollover %s: %w", e.strategy.Name(), err))
		}
		if n > 0 {
			b.emit(ctx, events.Event{
				Type:     events.TRSRolledOver,
				Strategy: e.strategy.Name(),
				Data:     map[string]string{"contracts": strconv.Itoa(n)},
			})
		}
	}
	b.refreshQuietly(ctx)
	b.persist(ctx)
	return rolled, errors.Join(errs...)
}

// RecordCosts samples every active strategy's running cost into the
// optimizer's history.
func (b *Bundle) RecordCosts(ctx context.Context) error {
	var errs []error
	for _, e := range b.activeEntries() {
		cost, err := e.strategy.CostBreakdown(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("cost %s: %w", e.strategy.Name(), err))
			continue
		}
		b.optimizer.RecordCost(e.strategy.Name(), b.clock(), cost.TotalCostBps)
	}
	return errors.Join(errs...)
}

func (b *Bundle) recordCosts(cands []optimizer.Candidate) {
	now := b.clock()
	for _, c := range cands {
		b.optimizer.RecordCost(c.Name, now, c.Cost.TotalCostBps)
	}
}
