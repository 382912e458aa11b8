package bundle

import (
	"context"
	"errors"
	"fmt"

	"rwa-exposure-bundle/internal/events"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (b *Bundle) authorized(operator common.Address) bool {
	_, ok := b.operators[operator]
	return ok
}

// ActivateEmergency blocks new allocations and unwinds every strategy into
// custody. When another operation is running the unwind runs as soon as it
// finishes.
func (b *Bundle) ActivateEmergency(ctx context.Context, operator common.Address) (decimal.Decimal, error) {
	if !b.authorized(operator) {
		return decimal.Zero, fmt.Errorf("%s: %w", operator.Hex(), ErrUnauthorized)
	}
	if b.emergency.CompareAndSwap(false, true) {
		b.metrics.EmergencyActivated.Inc()
		b.log.Warn("emergency mode activated", zap.String("operator", operator.Hex()))
		b.emit(ctx, events.Event{
			Type: events.EmergencyActivated,
			Data: map[string]string{"operator": operator.Hex()},
		})
	}
	if err := b.enter(); err != nil {
		b.exitPending.Store(true)
		b.log.Warn("emergency exit deferred until the running operation completes")
		return decimal.Zero, nil
	}
	defer b.leave(ctx)
	recovered, err := b.emergencyExitLocked(ctx)
	b.persist(ctx)
	return recovered, err
}

func (b *Bundle) ClearEmergency(ctx context.Context, operator common.Address) error {
	if !b.authorized(operator) {
		return fmt.Errorf("%s: %w", operator.Hex(), ErrUnauthorized)
	}
	if err := b.enter(); err != nil {
		return err
	}
	defer b.leave(ctx)
	if !b.emergency.Load() {
		return ErrNotInEmergency
	}
	b.exitPending.Store(false)
	b.emergency.Store(false)
	b.log.Info("emergency mode cleared", zap.String("operator", operator.Hex()))
	b.emit(ctx, events.Event{
		Type: events.EmergencyCleared,
		Data: map[string]string{"operator": operator.Hex()},
	})
	b.persist(ctx)
	return nil
}

// EmergencyExit repeats the unwind while emergency mode is active, picking
// up anything a previous pass could not recover.
func (b *Bundle) EmergencyExit(ctx context.Context) (decimal.Decimal, error) {
	if err := b.enter(); err != nil {
		return decimal.Zero, err
	}
	defer b.leave(ctx)
	if !b.emergency.Load() {
		return decimal.Zero, ErrNotInEmergency
	}
	recovered, err := b.emergencyExitLocked(ctx)
	b.persist(ctx)
	return recovered, err
}

func (b *Bundle) emergencyExitLocked(ctx context.Context) (decimal.Decimal, error) {
	recovered := decimal.Zero
	var errs []error
	for _, e := range b.allEntries() {
		r, err := e.strategy.EmergencyExit(ctx)
		recovered = recovered.Add(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("exit %s: %w", e.strategy.Name(), err))
		}
	}
	b.addIdle(recovered)
	b.refreshQuietly(ctx)
	err := errors.Join(errs...)
	if err != nil {
		b.metrics.OperationFailed.Inc()
	}
	b.log.Warn("emergency exit",
		zap.String("recovered", recovered.String()),
		zap.String("idle", b.idleBalance().String()),
		zap.Error(err),
	)
	return recovered, err
}
