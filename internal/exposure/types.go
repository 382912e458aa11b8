// Package exposure implements the interchangeable ways of holding exposure
// to a real-world asset: perpetual futures, total-return swaps and direct
// token purchases.
package exposure

import (
	"context"
	"errors"
	"time"

	"rwa-exposure-bundle/internal/metrics"
	"rwa-exposure-bundle/internal/state"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Type string

const (
	TypePerpetual      Type = "PERPETUAL"
	TypeTRS            Type = "TRS"
	TypeDirectToken    Type = "DIRECT_TOKEN"
	TypeSyntheticToken Type = "SYNTHETIC_TOKEN"
	TypeOptions        Type = "OPTIONS"
)

const fullBps = 10000

var (
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrCapacityExceeded   = errors.New("strategy capacity exceeded")
	ErrConcentrationLimit = errors.New("counterparty concentration limit exceeded")
)

var (
	bpsDenominator = decimal.NewFromInt(fullBps)
	one            = decimal.NewFromInt(1)
)

type Info struct {
	Type               Type            `json:"type"`
	Underlying         string          `json:"underlying"`
	Leverage           float64         `json:"leverage"`
	CollateralRatioBps int64           `json:"collateral_ratio_bps"`
	CurrentExposure    decimal.Decimal `json:"current_exposure"`
	MaxCapacity        decimal.Decimal `json:"max_capacity"`
	CurrentCostBps     int64           `json:"current_cost_bps"`
	RiskScore          float64         `json:"risk_score"`
	Active             bool            `json:"active"`
}

// CostBreakdown ranks strategies; it is never used for accounting.
type CostBreakdown struct {
	FundingRateBps   int64 `json:"funding_rate_bps"`
	BorrowRateBps    int64 `json:"borrow_rate_bps"`
	ManagementFeeBps int64 `json:"management_fee_bps"`
	SlippageBps      int64 `json:"slippage_bps"`
	TotalCostBps     int64 `json:"total_cost_bps"`
}

func (c CostBreakdown) withTotal() CostBreakdown {
	c.TotalCostBps = c.FundingRateBps + c.BorrowRateBps + c.ManagementFeeBps + c.SlippageBps
	return c
}

// Strategy is one method of holding exposure. A failed call returns an
// error and leaves the strategy's books unchanged, except that capital
// already released by a venue is kept as idle cash inside the strategy.
type Strategy interface {
	Name() string
	Type() Type
	OpenExposure(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)
	// CloseExposure releases amount of base-asset value and returns the
	// proceeds actually received.
	CloseExposure(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)
	// AdjustExposure opens for a positive delta and closes for a negative
	// one. It returns the signed capital moved into the strategy.
	AdjustExposure(ctx context.Context, delta decimal.Decimal) (decimal.Decimal, error)
	CurrentExposureValue(ctx context.Context) (decimal.Decimal, error)
	ValueInBaseAsset(ctx context.Context) (decimal.Decimal, error)
	CollateralRequired(ctx context.Context, exposure decimal.Decimal) (decimal.Decimal, error)
	LiquidationPrice(ctx context.Context) (decimal.Decimal, error)
	HarvestYield(ctx context.Context) (decimal.Decimal, error)
	// EmergencyExit unwinds everything it can and returns what it recovered,
	// together with any failures.
	EmergencyExit(ctx context.Context) (decimal.Decimal, error)
	ExposureInfo(ctx context.Context) (Info, error)
	CostBreakdown(ctx context.Context) (CostBreakdown, error)
}

// Roller is implemented by strategies holding contracts with a maturity.
type Roller interface {
	RolloverTRS(ctx context.Context) (int, error)
}

// Persistent strategies save and restore their books through the kv store.
type Persistent interface {
	Persist(ctx context.Context, store state.Store) error
	Restore(ctx context.Context, store state.Store) error
}

type Options struct {
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewNoop()
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	return o
}

func adjust(ctx context.Context, s Strategy, delta decimal.Decimal) (decimal.Decimal, error) {
	switch {
	case delta.IsPositive():
		if _, err := s.OpenExposure(ctx, delta); err != nil {
			return decimal.Zero, err
		}
		return delta, nil
	case delta.IsNegative():
		proceeds, err := s.CloseExposure(ctx, delta.Neg())
		if err != nil {
			return decimal.Zero, err
		}
		return proceeds.Neg(), nil
	default:
		return decimal.Zero, nil
	}
}

func capacityOf(maxCapacity float64) decimal.Decimal {
	if maxCapacity <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(maxCapacity)
}

// checkCapacity fails when opening amount would push exposure past a
// non-zero capacity.
func checkCapacity(name string, current, amount, capacity decimal.Decimal) error {
	if !capacity.IsPositive() {
		return nil
	}
	if current.Add(amount).GreaterThan(capacity) {
		return &CapacityError{Strategy: name, Current: current, Requested: amount, Capacity: capacity}
	}
	return nil
}

type CapacityError struct {
	Strategy  string
	Current   decimal.Decimal
	Requested decimal.Decimal
	Capacity  decimal.Decimal
}

func (e *CapacityError) Error() string {
	return "strategy " + e.Strategy + ": exposure " + e.Current.String() + " + " + e.Requested.String() +
		" exceeds capacity " + e.Capacity.String()
}

func (e *CapacityError) Unwrap() error {
	return ErrCapacityExceeded
}

// closeFraction is the share of value a close of amount represents, capped at 1.
func closeFraction(amount, value decimal.Decimal) decimal.Decimal {
	if !value.IsPositive() || !amount.IsPositive() {
		return decimal.Zero
	}
	if amount.GreaterThanOrEqual(value) {
		return one
	}
	return amount.Div(value)
}

func bpsOf(amount decimal.Decimal, bps int64) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(bps)).Div(bpsDenominator)
}
