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

// DirectToken buys the asset outright. Each open splits capital between the
// token purchase and the yield bundle by PurchaseRatioBps.
type DirectToken struct {
	cfg    config.DirectTokenConfig
	router venue.ExchangeRouter
	oracle venue.PriceOracle
	opts   Options

	mu        sync.Mutex
	ledger    ledger
	tokens    decimal.Decimal
	costBasis decimal.Decimal
	exited    bool
}

func NewDirectToken(cfg config.DirectTokenConfig, router venue.ExchangeRouter, oracle venue.PriceOracle, yb *yield.Bundle, opts Options) (*DirectToken, error) {
	if router == nil || oracle == nil {
		return nil, errors.New("direct token strategy requires an exchange router and price oracle")
	}
	if cfg.PurchaseRatioBps <= 0 || cfg.PurchaseRatioBps > fullBps {
		return nil, fmt.Errorf("direct %s: purchase ratio bps out of range", cfg.Name)
	}
	if cfg.MaxSlippageBps < 0 || cfg.MaxSlippageBps >= fullBps {
		return nil, fmt.Errorf("direct %s: max slippage bps out of range", cfg.Name)
	}
	opts = opts.withDefaults()
	return &DirectToken{
		cfg:       cfg,
		router:    router,
		oracle:    oracle,
		opts:      opts,
		ledger:    newLedger(cfg.Name, yb, opts),
		tokens:    decimal.Zero,
		costBasis: decimal.Zero,
	}, nil
}

func (s *DirectToken) Name() string { return s.cfg.Name }

func (s *DirectToken) Type() Type { return TypeDirectToken }

// minReturn is expected output at oracle prices less the slippage bound.
func (s *DirectToken) minReturn(expected decimal.Decimal) decimal.Decimal {
	return bpsOf(expected, fullBps-s.cfg.MaxSlippageBps)
}

// swap quotes first and refuses to trade when the quote already breaches
// the bound; the fill is checked against the same bound.
func (s *DirectToken) swap(ctx context.Context, from, to string, amount, expected decimal.Decimal) (decimal.Decimal, error) {
	minOut := s.minReturn(expected)
	quoted, err := s.router.AmountOut(ctx, from, to, amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s->%s: %w", from, to, err)
	}
	if quoted.LessThan(minOut) {
		return decimal.Zero, fmt.Errorf("quote %s->%s of %s below %s: %w", from, to, quoted, minOut, venue.ErrSlippageExceeded)
	}
	return venue.CheckedSwap(ctx, s.router, from, to, amount, minOut)
}

func (s *DirectToken) prices(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	tokenPrice, err := venue.CheckedPrice(ctx, s.oracle, s.cfg.TokenAsset)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	basePrice, err := venue.CheckedPrice(ctx, s.oracle, s.cfg.BaseAsset)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return tokenPrice, basePrice, nil
}

func (s *DirectToken) OpenExposure(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tokenPrice, basePrice, err := s.prices(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	purchase := bpsOf(amount, s.cfg.PurchaseRatioBps)
	current := s.tokens.Mul(tokenPrice).Div(basePrice)
	if err := checkCapacity(s.cfg.Name, current, purchase, capacityOf(s.cfg.MaxCapacity)); err != nil {
		return decimal.Zero, err
	}
	expected := purchase.Mul(basePrice).Div(tokenPrice)
	bought, err := s.swap(ctx, s.cfg.BaseAsset, s.cfg.TokenAsset, purchase, expected)
	if err != nil {
		return decimal.Zero, err
	}
	s.tokens = s.tokens.Add(bought)
	s.costBasis = s.costBasis.Add(purchase)
	s.exited = false
	s.ledger.place(ctx, amount.Sub(purchase))
	exposure := bought.Mul(tokenPrice).Div(basePrice)
	s.opts.Log.Debug("direct exposure opened",
		zap.String("strategy", s.cfg.Name),
		zap.String("purchase", purchase.String()),
		zap.String("tokens", bought.String()),
	)
	return exposure, nil
}

// CloseExposure sells a proportional slice of tokens and withdraws the same
// proportion from yield.
func (s *DirectToken) CloseExposure(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tokenPrice, basePrice, err := s.prices(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	value, err := s.valueLocked(ctx, tokenPrice, basePrice)
	if err != nil {
		return decimal.Zero, err
	}
	fraction := closeFraction(amount, value)
	if fraction.IsZero() {
		return decimal.Zero, nil
	}
	sold, proceeds, err := s.sellLocked(ctx, fraction, tokenPrice, basePrice)
	if err != nil {
		return decimal.Zero, err
	}
	released, err := s.ledger.release(ctx, fraction)
	if err != nil {
		s.ledger.idle = s.ledger.idle.Add(proceeds)
		s.reduceTokensLocked(sold)
		return decimal.Zero, err
	}
	s.reduceTokensLocked(sold)
	return proceeds.Add(released), nil
}

func (s *DirectToken) sellLocked(ctx context.Context, fraction, tokenPrice, basePrice decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	sell := s.tokens.Mul(fraction)
	if fraction.GreaterThanOrEqual(one) {
		sell = s.tokens
	}
	if !sell.IsPositive() {
		return decimal.Zero, decimal.Zero, nil
	}
	expected := sell.Mul(tokenPrice).Div(basePrice)
	proceeds, err := s.swap(ctx, s.cfg.TokenAsset, s.cfg.BaseAsset, sell, expected)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return sell, proceeds, nil
}

func (s *DirectToken) reduceTokensLocked(sold decimal.Decimal) {
	if !s.tokens.IsPositive() || !sold.IsPositive() {
		return
	}
	fraction := sold.Div(s.tokens)
	s.costBasis = s.costBasis.Sub(s.costBasis.Mul(fraction))
	s.tokens = s.tokens.Sub(sold)
	if !s.tokens.IsPositive() {
		s.tokens = decimal.Zero
		s.costBasis = decimal.Zero
	}
}

func (s *DirectToken) AdjustExposure(ctx context.Context, delta decimal.Decimal) (decimal.Decimal, error) {
	return adjust(ctx, s, delta)
}

func (s *DirectToken) CurrentExposureValue(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tokens.IsPositive() {
		return decimal.Zero, nil
	}
	tokenPrice, basePrice, err := s.prices(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return s.tokens.Mul(tokenPrice).Div(basePrice), nil
}

func (s *DirectToken) ValueInBaseAsset(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tokens.IsPositive() {
		return s.ledger.value(ctx)
	}
	tokenPrice, basePrice, err := s.prices(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return s.valueLocked(ctx, tokenPrice, basePrice)
}

// CollateralRequired is the full exposure; tokens are held unlevered.
func (s *DirectToken) CollateralRequired(ctx context.Context, exposure decimal.Decimal) (decimal.Decimal, error) {
	return exposure, nil
}

// LiquidationPrice is zero: an unlevered token holding cannot be liquidated.
func (s *DirectToken) LiquidationPrice(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (s *DirectToken) HarvestYield(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.harvest(ctx)
}

// EmergencyExit sells every token under the same slippage bound. Tokens
// that cannot be sold within it stay on the books.
func (s *DirectToken) EmergencyExit(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	recovered := decimal.Zero
	if s.tokens.IsPositive() {
		tokenPrice, basePrice, err := s.prices(ctx)
		if err != nil {
			errs = append(errs, err)
		} else if sold, proceeds, err := s.sellLocked(ctx, one, tokenPrice, basePrice); err != nil {
			errs = append(errs, fmt.Errorf("sell tokens: %w", err))
		} else {
			s.reduceTokensLocked(sold)
			recovered = recovered.Add(proceeds)
		}
	}
	drained, err := s.ledger.drain(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	s.exited = true
	return recovered.Add(drained), errors.Join(errs...)
}

func (s *DirectToken) ExposureInfo(ctx context.Context) (Info, error) {
	exposure, err := s.CurrentExposureValue(ctx)
	if err != nil {
		return Info{}, err
	}
	cost, err := s.CostBreakdown(ctx)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	active := !s.exited
	s.mu.Unlock()
	return Info{
		Type:               TypeDirectToken,
		Underlying:         s.cfg.TokenAsset,
		Leverage:           1,
		CollateralRatioBps: fullBps,
		CurrentExposure:    exposure,
		MaxCapacity:        capacityOf(s.cfg.MaxCapacity),
		CurrentCostBps:     cost.TotalCostBps,
		RiskScore:          s.cfg.RiskScore,
		Active:             active,
	}, nil
}

func (s *DirectToken) CostBreakdown(ctx context.Context) (CostBreakdown, error) {
	return CostBreakdown{
		ManagementFeeBps: s.cfg.ManagementFeeBps,
		SlippageBps:      s.cfg.SlippageBps,
	}.withTotal(), nil
}

// Holdings returns the token balance and its remaining cost basis.
func (s *DirectToken) Holdings() (decimal.Decimal, decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens, s.costBasis
}

func (s *DirectToken) Persist(ctx context.Context, store state.Store) error {
	s.mu.Lock()
	snap := state.DirectSnapshot{
		Tokens:      s.tokens,
		CostBasis:   s.costBasis,
		Idle:        s.ledger.idle,
		UpdatedAtMS: s.opts.Clock().UnixMilli(),
	}
	s.mu.Unlock()
	return state.SaveDirectSnapshot(ctx, store, s.cfg.Name, snap)
}

func (s *DirectToken) Restore(ctx context.Context, store state.Store) error {
	snap, ok, err := state.LoadDirectSnapshot(ctx, store, s.cfg.Name)
	if err != nil || !ok {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = snap.Tokens
	s.costBasis = snap.CostBasis
	s.ledger.idle = snap.Idle
	return nil
}

func (s *DirectToken) valueLocked(ctx context.Context, tokenPrice, basePrice decimal.Decimal) (decimal.Decimal, error) {
	reserve, err := s.ledger.value(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return s.tokens.Mul(tokenPrice).Div(basePrice).Add(reserve), nil
}
