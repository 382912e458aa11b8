package bundle

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"rwa-exposure-bundle/internal/events"
	"rwa-exposure-bundle/internal/exec"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AllocateCapital takes amount into custody and opens exposure across active
// strategies on the optimizer's split. Either every leg opens or none is kept.
// Capacity the optimizer could not place stays idle.
func (b *Bundle) AllocateCapital(ctx context.Context, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if err := b.enter(); err != nil {
		return err
	}
	defer b.leave(ctx)
	if b.emergency.Load() {
		return ErrEmergencyMode
	}
	if err := b.allocateLocked(ctx, amount); err != nil {
		b.metrics.OperationFailed.Inc()
		b.log.Warn("allocation failed", zap.String("amount", amount.String()), zap.Error(err))
		return err
	}
	b.persist(ctx)
	return nil
}

func (b *Bundle) allocateLocked(ctx context.Context, amount decimal.Decimal) error {
	active := b.activeEntries()
	if len(active) == 0 {
		return ErrNoActiveStrategies
	}
	total, err := b.refresh(ctx)
	if err != nil {
		return err
	}
	total = total.Add(amount)
	cands, err := b.candidates(ctx, active)
	if err != nil {
		return err
	}
	optimal := b.optimizer.CalculateOptimalAllocation(cands, total, total)

	shares := make([]decimal.Decimal, len(active))
	plan := make([]PlannedAllocation, len(active))
	b.mu.RLock()
	for i, e := range active {
		shares[i] = amount.Mul(decimal.NewFromInt(optimal[i])).Div(bpsDenominator)
		plan[i] = PlannedAllocation{
			Name:     e.strategy.Name(),
			Bps:      e.value.Add(shares[i]).Mul(bpsDenominator).Div(total).IntPart(),
			Leverage: cands[i].Info.Leverage,
		}
	}
	b.mu.RUnlock()
	if err := CheckRisk(b.limits, plan); err != nil {
		return err
	}

	tx := exec.New(b.log, b.txOpts...)
	deployed := decimal.Zero
	for i, e := range active {
		share := shares[i]
		if !share.IsPositive() {
			continue
		}
		if b.emergency.Load() {
			b.rollback(ctx, tx)
			return ErrEmergencyMode
		}
		s := e.strategy
		err := tx.Do(ctx, "open "+s.Name(),
			func(ctx context.Context) error {
				_, err := s.OpenExposure(ctx, share)
				return err
			},
			func(ctx context.Context) error {
				_, err := s.CloseExposure(ctx, share)
				return err
			},
		)
		if err != nil {
			b.rollback(ctx, tx)
			return fmt.Errorf("allocate: %w", err)
		}
		deployed = deployed.Add(share)
	}
	tx.Commit()
	b.addIdle(amount.Sub(deployed))
	b.setTargets(ctx, active, optimal)
	b.refreshQuietly(ctx)
	b.metrics.CapitalAllocated.Inc()
	b.log.Info("capital allocated",
		zap.String("amount", amount.String()),
		zap.String("deployed", deployed.String()),
	)
	b.emit(ctx, events.Event{
		Type:   events.CapitalAllocated,
		Amount: amount,
		Data:   map[string]string{"deployed": deployed.String()},
	})
	return nil
}

// WithdrawCapital closes each strategy's value-proportional share of amount
// and pays idle custody's share directly. Requests above total value are
// capped. Losses pass through to the caller.
func (b *Bundle) WithdrawCapital(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := b.enter(); err != nil {
		return decimal.Zero, err
	}
	defer b.leave(ctx)

	var proceeds decimal.Decimal
	if b.emergency.Load() {
		if _, err := b.emergencyExitLocked(ctx); err != nil {
			b.log.Warn("emergency exit incomplete, paying recoverable capital", zap.Error(err))
		}
		proceeds = b.payFromIdle(amount)
	} else {
		var err error
		proceeds, err = b.withdrawLocked(ctx, amount)
		if err != nil {
			b.metrics.OperationFailed.Inc()
			b.log.Warn("withdrawal failed", zap.String("amount", amount.String()), zap.Error(err))
			return decimal.Zero, err
		}
	}
	b.refreshQuietly(ctx)
	b.metrics.CapitalWithdrawn.Inc()
	b.log.Info("capital withdrawn",
		zap.String("requested", amount.String()),
		zap.String("proceeds", proceeds.String()),
	)
	b.emit(ctx, events.Event{
		Type:   events.CapitalWithdrawn,
		Amount: proceeds,
		Data:   map[string]string{"requested": amount.String()},
	})
	b.persist(ctx)
	return proceeds, nil
}

func (b *Bundle) withdrawLocked(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	total, err := b.refresh(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if !total.IsPositive() {
		return decimal.Zero, nil
	}
	if amount.GreaterThan(total) {
		amount = total
	}
	tx := exec.New(b.log, b.txOpts...)
	proceeds := decimal.Zero
	for _, e := range b.allEntries() {
		b.mu.RLock()
		value := e.value
		b.mu.RUnlock()
		if !value.IsPositive() {
			continue
		}
		share := amount.Mul(value).Div(total)
		s := e.strategy
		var got decimal.Decimal
		err := tx.Do(ctx, "close "+s.Name(),
			func(ctx context.Context) error {
				var err error
				got, err = s.CloseExposure(ctx, share)
				return err
			},
			func(ctx context.Context) error {
				if !got.IsPositive() {
					return nil
				}
				_, err := s.OpenExposure(ctx, got)
				return err
			},
		)
		if err != nil {
			b.rollback(ctx, tx)
			return decimal.Zero, fmt.Errorf("withdraw: %w", err)
		}
		proceeds = proceeds.Add(got)
	}
	tx.Commit()
	idleShare := amount.Mul(b.idleBalance()).Div(total)
	b.addIdle(idleShare.Neg())
	return proceeds.Add(idleShare), nil
}

func (b *Bundle) payFromIdle(amount decimal.Decimal) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	paid := amount
	if paid.GreaterThan(b.idle) {
		paid = b.idle
	}
	if paid.IsNegative() {
		paid = decimal.Zero
	}
	b.idle = b.idle.Sub(paid)
	return paid
}

// HarvestYield collects yield from every strategy and forwards it, or
// reinvests it when configured. A failing strategy fails the call; what the
// others released stays in custody.
func (b *Bundle) HarvestYield(ctx context.Context) (decimal.Decimal, error) {
	if err := b.enter(); err != nil {
		return decimal.Zero, err
	}
	defer b.leave(ctx)
	if b.emergency.Load() {
		if _, err := b.emergencyExitLocked(ctx); err != nil {
			b.log.Warn("emergency exit incomplete during harvest", zap.Error(err))
		}
		b.persist(ctx)
		return decimal.Zero, nil
	}

	harvested := decimal.Zero
	var errs []error
	for _, e := range b.allEntries() {
		h, err := e.strategy.HarvestYield(ctx)
		harvested = harvested.Add(h)
		if err != nil {
			errs = append(errs, fmt.Errorf("harvest %s: %w", e.strategy.Name(), err))
		}
	}
	if len(errs) > 0 {
		b.addIdle(harvested)
		b.metrics.OperationFailed.Inc()
		b.persist(ctx)
		return decimal.Zero, errors.Join(errs...)
	}
	if !harvested.IsPositive() {
		return decimal.Zero, nil
	}
	b.emit(ctx, events.Event{
		Type:   events.YieldHarvested,
		Amount: harvested,
		Data:   map[string]string{"reinvested": strconv.FormatBool(b.cfg.ReinvestYield)},
	})
	if !b.cfg.ReinvestYield {
		b.refreshQuietly(ctx)
		b.persist(ctx)
		return harvested, nil
	}
	if err := b.allocateLocked(ctx, harvested); err != nil {
		b.log.Warn("reinvest failed, keeping harvest idle", zap.String("amount", harvested.String()), zap.Error(err))
		b.addIdle(harvested)
		b.refreshQuietly(ctx)
	}
	b.persist(ctx)
	return decimal.Zero, nil
}

func (b *Bundle) rollback(ctx context.Context, tx *exec.Tx) {
	if err := tx.Rollback(ctx); err != nil {
		b.log.Error("rollback incomplete", zap.Error(err))
	}
}

func (b *Bundle) setTargets(ctx context.Context, list []*entry, targets []int64) {
	type change struct {
		name     string
		from, to int64
	}
	var changes []change
	b.mu.Lock()
	for i, e := range list {
		if i >= len(targets) || e.targetBps == targets[i] {
			continue
		}
		changes = append(changes, change{name: e.strategy.Name(), from: e.targetBps, to: targets[i]})
		e.targetBps = targets[i]
	}
	b.mu.Unlock()
	for _, c := range changes {
		b.emitAdjusted(ctx, c.name, c.from, c.to)
	}
}
