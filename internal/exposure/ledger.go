package exposure

import (
	"context"
	"errors"
	"fmt"

	"rwa-exposure-bundle/internal/metrics"
	"rwa-exposure-bundle/internal/yield"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ledger is the collateral side every strategy shares: capital placed with
// the yield bundle plus cash the strategy holds directly.
type ledger struct {
	name    string
	log     *zap.Logger
	metrics *metrics.Metrics
	yield   *yield.Bundle
	idle    decimal.Decimal
}

func newLedger(name string, yb *yield.Bundle, opts Options) ledger {
	return ledger{
		name:    name,
		log:     opts.Log.With(zap.String("strategy", name)),
		metrics: opts.Metrics,
		yield:   yb,
		idle:    decimal.Zero,
	}
}

// place routes amount into the yield bundle. A failed deposit keeps the
// unplaced part as idle cash; the exposure leg is never unwound for it.
func (l *ledger) place(ctx context.Context, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	placed, err := l.yield.Deposit(ctx, amount)
	if err != nil {
		l.metrics.YieldDepositFailed.Inc()
		l.log.Warn("yield deposit failed, keeping remainder idle",
			zap.String("amount", amount.String()),
			zap.String("placed", placed.String()),
			zap.Error(err),
		)
	}
	l.idle = l.idle.Add(amount.Sub(placed))
}

// release withdraws fraction of both yield capital and idle cash. Anything
// withdrawn before a failure moves to idle cash.
func (l *ledger) release(ctx context.Context, fraction decimal.Decimal) (decimal.Decimal, error) {
	if !fraction.IsPositive() {
		return decimal.Zero, nil
	}
	if fraction.GreaterThan(one) {
		fraction = one
	}
	fromYield, err := l.yield.WithdrawFraction(ctx, fraction)
	if err != nil {
		l.idle = l.idle.Add(fromYield)
		return decimal.Zero, fmt.Errorf("release yield: %w", err)
	}
	fromIdle := l.idle.Mul(fraction)
	if fraction.Equal(one) {
		fromIdle = l.idle
	}
	l.idle = l.idle.Sub(fromIdle)
	return fromYield.Add(fromIdle), nil
}

// drain empties the ledger, collecting as much as possible.
func (l *ledger) drain(ctx context.Context) (decimal.Decimal, error) {
	var errs []error
	fromYield, err := l.yield.WithdrawAll(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("drain yield: %w", err))
	}
	out := fromYield.Add(l.idle)
	l.idle = decimal.Zero
	return out, errors.Join(errs...)
}

func (l *ledger) harvest(ctx context.Context) (decimal.Decimal, error) {
	harvested, err := l.yield.Harvest(ctx)
	if err != nil {
		l.log.Warn("yield harvest incomplete", zap.String("harvested", harvested.String()), zap.Error(err))
	}
	return harvested, err
}

func (l *ledger) value(ctx context.Context) (decimal.Decimal, error) {
	value, err := l.yield.Value(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return value.Add(l.idle), nil
}
