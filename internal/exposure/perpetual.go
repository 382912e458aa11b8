package exposure

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"rwa-exposure-bundle/internal/config"
	"rwa-exposure-bundle/internal/state"
	"rwa-exposure-bundle/internal/venue"
	"rwa-exposure-bundle/internal/yield"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	fundingHighFactor = decimal.RequireFromString("0.8")
	fundingLowFactor  = decimal.RequireFromString("1.2")
)

type perpPosition struct {
	id         string
	notional   decimal.Decimal
	collateral decimal.Decimal
	leverage   decimal.Decimal
	entryPrice decimal.Decimal
	units      decimal.Decimal
}

// Perpetual holds exposure through isolated perpetual positions. Each open
// posts notional/leverage as collateral and routes the rest to yield.
type Perpetual struct {
	cfg    config.PerpetualConfig
	perp   venue.PerpRouter
	oracle venue.PriceOracle
	opts   Options

	mu        sync.Mutex
	ledger    ledger
	positions []perpPosition
	exited    bool
}

func NewPerpetual(cfg config.PerpetualConfig, perp venue.PerpRouter, oracle venue.PriceOracle, yb *yield.Bundle, opts Options) (*Perpetual, error) {
	if perp == nil || oracle == nil {
		return nil, errors.New("perpetual strategy requires a perp router and price oracle")
	}
	if cfg.BaseLeverage < 1 || cfg.MaxLeverage < cfg.BaseLeverage {
		return nil, fmt.Errorf("perpetual %s: invalid leverage bounds", cfg.Name)
	}
	opts = opts.withDefaults()
	return &Perpetual{
		cfg:    cfg,
		perp:   perp,
		oracle: oracle,
		opts:   opts,
		ledger: newLedger(cfg.Name, yb, opts),
	}, nil
}

func (p *Perpetual) Name() string { return p.cfg.Name }

func (p *Perpetual) Type() Type { return TypePerpetual }

// OptimalLeverage scales base leverage down when funding is above the
// threshold and up when funding is negative, bounded to [1, max].
func (p *Perpetual) OptimalLeverage(fundingBps int64) decimal.Decimal {
	lev := decimal.NewFromFloat(p.cfg.BaseLeverage)
	switch {
	case fundingBps > p.cfg.FundingThresholdBps:
		lev = lev.Mul(fundingHighFactor)
	case fundingBps < 0:
		lev = lev.Mul(fundingLowFactor)
	}
	maxLev := decimal.NewFromFloat(p.cfg.MaxLeverage)
	if lev.GreaterThan(maxLev) {
		lev = maxLev
	}
	if lev.LessThan(one) {
		lev = one
	}
	return lev
}

func (p *Perpetual) OpenExposure(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	price, err := venue.CheckedPrice(ctx, p.oracle, p.cfg.Underlying)
	if err != nil {
		return decimal.Zero, err
	}
	if err := checkCapacity(p.cfg.Name, p.exposureLocked(price), amount, capacityOf(p.cfg.MaxCapacity)); err != nil {
		return decimal.Zero, err
	}
	funding, err := p.perp.FundingRate(ctx, p.cfg.MarketID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("funding rate %s: %w", p.cfg.MarketID, err)
	}
	lev := p.OptimalLeverage(funding)
	collateral := amount.Div(lev)
	id, err := p.perp.OpenPosition(ctx, p.cfg.MarketID, amount, lev, collateral)
	if err != nil {
		return decimal.Zero, fmt.Errorf("open position %s: %w", p.cfg.MarketID, err)
	}
	p.positions = append(p.positions, perpPosition{
		id:         id,
		notional:   amount,
		collateral: collateral,
		leverage:   lev,
		entryPrice: price,
		units:      amount.Div(price),
	})
	p.exited = false
	p.ledger.place(ctx, amount.Sub(collateral))
	levFloat, _ := lev.Float64()
	p.ledger.yield.SetLeverageRatio(levFloat)
	p.opts.Log.Debug("perpetual exposure opened",
		zap.String("strategy", p.cfg.Name),
		zap.String("position_id", id),
		zap.String("notional", amount.String()),
		zap.String("leverage", lev.String()),
		zap.Int64("funding_bps", funding),
	)
	return amount, nil
}

func (p *Perpetual) CloseExposure(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	price, err := venue.CheckedPrice(ctx, p.oracle, p.cfg.Underlying)
	if err != nil {
		return decimal.Zero, err
	}
	value, err := p.valueLocked(ctx, price)
	if err != nil {
		return decimal.Zero, err
	}
	fraction := closeFraction(amount, value)
	if fraction.IsZero() {
		return decimal.Zero, nil
	}
	proceeds, err := p.reduceLocked(ctx, fraction)
	if err != nil {
		p.ledger.idle = p.ledger.idle.Add(proceeds)
		return decimal.Zero, err
	}
	released, err := p.ledger.release(ctx, fraction)
	if err != nil {
		p.ledger.idle = p.ledger.idle.Add(proceeds)
		return decimal.Zero, err
	}
	return proceeds.Add(released), nil
}

// reduceLocked shrinks every position by fraction. Proceeds of positions
// reduced before a failure are returned with the error.
func (p *Perpetual) reduceLocked(ctx context.Context, fraction decimal.Decimal) (decimal.Decimal, error) {
	proceeds := decimal.Zero
	full := fraction.GreaterThanOrEqual(one)
	kept := p.positions[:0:0]
	for i, pos := range p.positions {
		var got decimal.Decimal
		var err error
		if full {
			got, err = p.perp.ClosePosition(ctx, pos.id)
		} else {
			got, err = p.perp.ReducePosition(ctx, pos.id, fraction)
		}
		if err != nil {
			p.positions = append(kept, p.positions[i:]...)
			return proceeds, fmt.Errorf("reduce position %s: %w", pos.id, err)
		}
		proceeds = proceeds.Add(got)
		if full {
			continue
		}
		keep := one.Sub(fraction)
		pos.notional = pos.notional.Mul(keep)
		pos.collateral = pos.collateral.Mul(keep)
		pos.units = pos.units.Mul(keep)
		kept = append(kept, pos)
	}
	p.positions = kept
	return proceeds, nil
}

func (p *Perpetual) AdjustExposure(ctx context.Context, delta decimal.Decimal) (decimal.Decimal, error) {
	return adjust(ctx, p, delta)
}

func (p *Perpetual) CurrentExposureValue(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.positions) == 0 {
		return decimal.Zero, nil
	}
	price, err := venue.CheckedPrice(ctx, p.oracle, p.cfg.Underlying)
	if err != nil {
		return decimal.Zero, err
	}
	return p.exposureLocked(price), nil
}

func (p *Perpetual) ValueInBaseAsset(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var price decimal.Decimal
	if len(p.positions) > 0 {
		var err error
		price, err = venue.CheckedPrice(ctx, p.oracle, p.cfg.Underlying)
		if err != nil {
			return decimal.Zero, err
		}
	}
	return p.valueLocked(ctx, price)
}

func (p *Perpetual) CollateralRequired(ctx context.Context, exposure decimal.Decimal) (decimal.Decimal, error) {
	funding, err := p.perp.FundingRate(ctx, p.cfg.MarketID)
	if err != nil {
		return decimal.Zero, err
	}
	return exposure.Div(p.OptimalLeverage(funding)), nil
}

// LiquidationPrice is the unit-weighted entry * (1 - 1/leverage + maintenance).
func (p *Perpetual) LiquidationPrice(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	maintenance := decimal.NewFromInt(p.cfg.MaintenanceMarginBps).Div(bpsDenominator)
	weighted, units := decimal.Zero, decimal.Zero
	for _, pos := range p.positions {
		liq := pos.entryPrice.Mul(one.Sub(one.Div(pos.leverage)).Add(maintenance))
		weighted = weighted.Add(liq.Mul(pos.units))
		units = units.Add(pos.units)
	}
	if !units.IsPositive() {
		return decimal.Zero, nil
	}
	return weighted.Div(units), nil
}

func (p *Perpetual) HarvestYield(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.harvest(ctx)
}

func (p *Perpetual) EmergencyExit(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	recovered := decimal.Zero
	var remaining []perpPosition
	for _, pos := range p.positions {
		got, err := p.perp.ClosePosition(ctx, pos.id)
		if err != nil {
			errs = append(errs, fmt.Errorf("close position %s: %w", pos.id, err))
			remaining = append(remaining, pos)
			continue
		}
		recovered = recovered.Add(got)
	}
	p.positions = remaining
	drained, err := p.ledger.drain(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	p.exited = true
	return recovered.Add(drained), errors.Join(errs...)
}

func (p *Perpetual) ExposureInfo(ctx context.Context) (Info, error) {
	funding, err := p.perp.FundingRate(ctx, p.cfg.MarketID)
	if err != nil {
		return Info{}, fmt.Errorf("funding rate %s: %w", p.cfg.MarketID, err)
	}
	exposure, err := p.CurrentExposureValue(ctx)
	if err != nil {
		return Info{}, err
	}
	lev := p.OptimalLeverage(funding)
	levFloat, _ := lev.Float64()
	p.mu.Lock()
	active := !p.exited
	p.mu.Unlock()
	return Info{
		Type:               TypePerpetual,
		Underlying:         p.cfg.Underlying,
		Leverage:           levFloat,
		CollateralRatioBps: bpsDenominator.Div(lev).IntPart(),
		CurrentExposure:    exposure,
		MaxCapacity:        capacityOf(p.cfg.MaxCapacity),
		CurrentCostBps:     p.costFrom(funding).TotalCostBps,
		RiskScore:          p.cfg.RiskScore,
		Active:             active,
	}, nil
}

func (p *Perpetual) CostBreakdown(ctx context.Context) (CostBreakdown, error) {
	funding, err := p.perp.FundingRate(ctx, p.cfg.MarketID)
	if err != nil {
		return CostBreakdown{}, fmt.Errorf("funding rate %s: %w", p.cfg.MarketID, err)
	}
	return p.costFrom(funding), nil
}

// costFrom counts funding only when it is paid, not received.
func (p *Perpetual) costFrom(fundingBps int64) CostBreakdown {
	if fundingBps < 0 {
		fundingBps = 0
	}
	return CostBreakdown{
		FundingRateBps:   fundingBps,
		ManagementFeeBps: p.cfg.ManagementFeeBps,
		SlippageBps:      p.cfg.SlippageBps,
	}.withTotal()
}

func (p *Perpetual) Persist(ctx context.Context, store state.Store) error {
	p.mu.Lock()
	snap := state.PerpSnapshot{Idle: p.ledger.idle, UpdatedAtMS: p.opts.Clock().UnixMilli()}
	for _, pos := range p.positions {
		snap.Positions = append(snap.Positions, state.PerpPositionRecord{
			ID:         pos.id,
			Notional:   pos.notional,
			Collateral: pos.collateral,
			Leverage:   pos.leverage,
			EntryPrice: pos.entryPrice,
			Units:      pos.units,
		})
	}
	p.mu.Unlock()
	return state.SavePerpSnapshot(ctx, store, p.cfg.Name, snap)
}

func (p *Perpetual) Restore(ctx context.Context, store state.Store) error {
	snap, ok, err := state.LoadPerpSnapshot(ctx, store, p.cfg.Name)
	if err != nil || !ok {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions = p.positions[:0]
	for _, rec := range snap.Positions {
		p.positions = append(p.positions, perpPosition{
			id:         rec.ID,
			notional:   rec.Notional,
			collateral: rec.Collateral,
			leverage:   rec.Leverage,
			entryPrice: rec.EntryPrice,
			units:      rec.Units,
		})
	}
	p.ledger.idle = snap.Idle
	return nil
}

func (p *Perpetual) exposureLocked(price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.positions {
		total = total.Add(pos.units.Mul(price))
	}
	return total
}

func (p *Perpetual) valueLocked(ctx context.Context, price decimal.Decimal) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, pos := range p.positions {
		equity := pos.collateral.Add(pos.units.Mul(price)).Sub(pos.notional)
		if equity.IsNegative() {
			equity = decimal.Zero
		}
		total = total.Add(equity)
	}
	reserve, err := p.ledger.value(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return total.Add(reserve), nil
}
