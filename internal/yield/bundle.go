// Package yield places idle collateral into a weighted set of yield vaults.
package yield

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"rwa-exposure-bundle/internal/venue"

	"github.com/shopspring/decimal"
)

const fullBps = 10000

var (
	ErrInvalidWeights = errors.New("yield weights must be >= 0 and sum to <= 10000")
	ErrVaultNotEmpty  = errors.New("yield vault still holds capital")
)

var bpsDenominator = decimal.NewFromInt(fullBps)

type Entry struct {
	Name      string
	Vault     venue.YieldVault
	WeightBps int64
}

type EntrySnapshot struct {
	Name      string          `json:"name"`
	WeightBps int64           `json:"weight_bps"`
	Allocated decimal.Decimal `json:"allocated"`
}

type Snapshot struct {
	Entries        []EntrySnapshot `json:"entries"`
	TotalAllocated decimal.Decimal `json:"total_allocated"`
	LeverageRatio  float64         `json:"leverage_ratio"`
}

// Bundle tracks the principal placed with each vault. Vault values are
// always read from the vault itself.
type Bundle struct {
	mu            sync.Mutex
	entries       []Entry
	allocated     map[string]decimal.Decimal
	leverageRatio float64
	observer      func(Snapshot)
}

func New(entries []Entry, leverageRatio float64) (*Bundle, error) {
	if err := validateEntries(entries); err != nil {
		return nil, err
	}
	return &Bundle{
		entries:       append([]Entry(nil), entries...),
		allocated:     make(map[string]decimal.Decimal),
		leverageRatio: leverageRatio,
	}, nil
}

func validateEntries(entries []Entry) error {
	var total int64
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.WeightBps < 0 {
			return ErrInvalidWeights
		}
		if entry.Vault == nil {
			return fmt.Errorf("yield vault %q is nil", entry.Name)
		}
		if _, ok := seen[entry.Name]; ok {
			return fmt.Errorf("duplicate yield vault %q", entry.Name)
		}
		seen[entry.Name] = struct{}{}
		total += entry.WeightBps
	}
	if total > fullBps {
		return ErrInvalidWeights
	}
	return nil
}

// SetObserver registers a callback invoked after every configuration change.
func (b *Bundle) SetObserver(fn func(Snapshot)) {
	b.mu.Lock()
	b.observer = fn
	b.mu.Unlock()
}

// Deposit splits amount by weight and returns what was actually placed.
// Failing vaults are skipped; their failures are joined into the error.
func (b *Bundle) Deposit(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if b == nil || !amount.IsPositive() {
		return decimal.Zero, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	placed := decimal.Zero
	var errs []error
	for _, entry := range b.entries {
		if entry.WeightBps == 0 {
			continue
		}
		share := amount.Mul(decimal.NewFromInt(entry.WeightBps)).Div(bpsDenominator)
		if !share.IsPositive() {
			continue
		}
		if err := entry.Vault.Deposit(ctx, share); err != nil {
			errs = append(errs, fmt.Errorf("deposit %s into %s: %w", share, entry.Name, err))
			continue
		}
		b.allocated[entry.Name] = b.allocated[entry.Name].Add(share)
		placed = placed.Add(share)
	}
	return placed, errors.Join(errs...)
}

// Withdraw takes amount from the vaults pro rata by value. On error the
// amount already withdrawn is returned alongside it.
func (b *Bundle) Withdraw(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if b == nil || !amount.IsPositive() {
		return decimal.Zero, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	values, total, err := b.valuesLocked(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if !total.IsPositive() {
		return decimal.Zero, nil
	}
	if amount.GreaterThan(total) {
		amount = total
	}
	withdrawn := decimal.Zero
	for i, entry := range b.entries {
		if !values[i].IsPositive() {
			continue
		}
		share := amount.Mul(values[i]).Div(total)
		if share.GreaterThan(values[i]) {
			share = values[i]
		}
		got, err := entry.Vault.Withdraw(ctx, share)
		if err != nil {
			return withdrawn, fmt.Errorf("withdraw %s from %s: %w", share, entry.Name, err)
		}
		b.reduceAllocatedLocked(entry.Name, got)
		withdrawn = withdrawn.Add(got)
	}
	return withdrawn, nil
}

// WithdrawFraction withdraws the given fraction (0..1] of every vault's value.
func (b *Bundle) WithdrawFraction(ctx context.Context, fraction decimal.Decimal) (decimal.Decimal, error) {
	if b == nil || !fraction.IsPositive() {
		return decimal.Zero, nil
	}
	if fraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return b.WithdrawAll(ctx)
	}
	value, err := b.Value(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Withdraw(ctx, value.Mul(fraction))
}

func (b *Bundle) WithdrawAll(ctx context.Context) (decimal.Decimal, error) {
	if b == nil {
		return decimal.Zero, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	values, _, err := b.valuesLocked(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	withdrawn := decimal.Zero
	for i, entry := range b.entries {
		if !values[i].IsPositive() {
			continue
		}
		got, err := entry.Vault.Withdraw(ctx, values[i])
		if err != nil {
			return withdrawn, fmt.Errorf("withdraw all from %s: %w", entry.Name, err)
		}
		delete(b.allocated, entry.Name)
		withdrawn = withdrawn.Add(got)
	}
	return withdrawn, nil
}

// Harvest collects yield from every vault. Harvested amounts are returned
// even when some vaults fail.
func (b *Bundle) Harvest(ctx context.Context) (decimal.Decimal, error) {
	if b == nil {
		return decimal.Zero, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	harvested := decimal.Zero
	var errs []error
	for _, entry := range b.entries {
		got, err := entry.Vault.HarvestYield(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("harvest %s: %w", entry.Name, err))
			continue
		}
		harvested = harvested.Add(got)
	}
	return harvested, errors.Join(errs...)
}

func (b *Bundle) Value(ctx context.Context) (decimal.Decimal, error) {
	if b == nil {
		return decimal.Zero, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, total, err := b.valuesLocked(ctx)
	return total, err
}

// Update replaces the vault set. Vaults dropped from the set must be empty.
func (b *Bundle) Update(ctx context.Context, entries []Entry, leverageRatio float64) error {
	if err := validateEntries(entries); err != nil {
		return err
	}
	b.mu.Lock()
	keep := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		keep[entry.Name] = struct{}{}
	}
	for _, entry := range b.entries {
		if _, ok := keep[entry.Name]; ok {
			continue
		}
		value, err := entry.Vault.ValueInBaseAsset(ctx)
		if err != nil {
			b.mu.Unlock()
			return fmt.Errorf("value %s: %w", entry.Name, err)
		}
		if value.IsPositive() {
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", entry.Name, ErrVaultNotEmpty)
		}
		delete(b.allocated, entry.Name)
	}
	b.entries = append([]Entry(nil), entries...)
	b.leverageRatio = leverageRatio
	snap, observer := b.snapshotLocked(), b.observer
	b.mu.Unlock()
	if observer != nil {
		observer(snap)
	}
	return nil
}

// SetLeverageRatio records how much yield capital leverage unlocks.
func (b *Bundle) SetLeverageRatio(ratio float64) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.leverageRatio == ratio {
		b.mu.Unlock()
		return
	}
	b.leverageRatio = ratio
	snap, observer := b.snapshotLocked(), b.observer
	b.mu.Unlock()
	if observer != nil {
		observer(snap)
	}
}

func (b *Bundle) Snapshot() Snapshot {
	if b == nil {
		return Snapshot{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Bundle) snapshotLocked() Snapshot {
	snap := Snapshot{
		Entries:        make([]EntrySnapshot, 0, len(b.entries)),
		TotalAllocated: decimal.Zero,
		LeverageRatio:  b.leverageRatio,
	}
	for _, entry := range b.entries {
		allocated := b.allocated[entry.Name]
		snap.Entries = append(snap.Entries, EntrySnapshot{Name: entry.Name, WeightBps: entry.WeightBps, Allocated: allocated})
		snap.TotalAllocated = snap.TotalAllocated.Add(allocated)
	}
	return snap
}

func (b *Bundle) valuesLocked(ctx context.Context) ([]decimal.Decimal, decimal.Decimal, error) {
	values := make([]decimal.Decimal, len(b.entries))
	total := decimal.Zero
	for i, entry := range b.entries {
		value, err := entry.Vault.ValueInBaseAsset(ctx)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("value %s: %w", entry.Name, err)
		}
		values[i] = value
		total = total.Add(value)
	}
	return values, total, nil
}

func (b *Bundle) reduceAllocatedLocked(name string, amount decimal.Decimal) {
	remaining := b.allocated[name].Sub(amount)
	if !remaining.IsPositive() {
		delete(b.allocated, name)
		return
	}
	b.allocated[name] = remaining
}
