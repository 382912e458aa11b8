// Package sim is an in-memory venue used for dry runs and tests. Prices are
// set explicitly and every collaborator settles against them.
package sim

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"rwa-exposure-bundle/internal/venue"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var bps = decimal.NewFromInt(10000)

type Oracle struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
}

func NewOracle() *Oracle {
	return &Oracle{prices: make(map[string]decimal.Decimal)}
}

func (o *Oracle) SetPrice(asset string, price decimal.Decimal) {
	o.mu.Lock()
	o.prices[asset] = price
	o.mu.Unlock()
}

func (o *Oracle) SetError(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *Oracle) Price(ctx context.Context, asset string) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return decimal.Zero, o.err
	}
	price, ok := o.prices[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", asset)
	}
	return price, nil
}

// Router fills swaps at oracle prices. Quotes apply QuoteSlippageBps and
// fills apply FillSlippageBps.
type Router struct {
	oracle *Oracle

	mu               sync.Mutex
	quoteSlippageBps int64
	fillSlippageBps  int64
	swaps            int
}

func NewRouter(oracle *Oracle, slippageBps int64) *Router {
	return &Router{oracle: oracle, quoteSlippageBps: slippageBps, fillSlippageBps: slippageBps}
}

func (r *Router) SetSlippage(quoteBps, fillBps int64) {
	r.mu.Lock()
	r.quoteSlippageBps = quoteBps
	r.fillSlippageBps = fillBps
	r.mu.Unlock()
}

func (r *Router) Swaps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.swaps
}

func (r *Router) AmountOut(ctx context.Context, fromAsset, toAsset string, amountIn decimal.Decimal) (decimal.Decimal, error) {
	r.mu.Lock()
	slip := r.quoteSlippageBps
	r.mu.Unlock()
	return r.convert(ctx, fromAsset, toAsset, amountIn, slip)
}

func (r *Router) Swap(ctx context.Context, fromAsset, toAsset string, amount, minReturn decimal.Decimal) (decimal.Decimal, error) {
	r.mu.Lock()
	slip := r.fillSlippageBps
	r.mu.Unlock()
	out, err := r.convert(ctx, fromAsset, toAsset, amount, slip)
	if err != nil {
		return decimal.Zero, err
	}
	if out.LessThan(minReturn) {
		return decimal.Zero, fmt.Errorf("swap returned %s below %s: %w", out, minReturn, venue.ErrSlippageExceeded)
	}
	r.mu.Lock()
	r.swaps++
	r.mu.Unlock()
	return out, nil
}

func (r *Router) convert(ctx context.Context, fromAsset, toAsset string, amount decimal.Decimal, slipBps int64) (decimal.Decimal, error) {
	fromPrice, err := r.oracle.Price(ctx, fromAsset)
	if err != nil {
		return decimal.Zero, err
	}
	toPrice, err := r.oracle.Price(ctx, toAsset)
	if err != nil {
		return decimal.Zero, err
	}
	if !toPrice.IsPositive() {
		return decimal.Zero, errors.New("zero destination price")
	}
	out := amount.Mul(fromPrice).Div(toPrice)
	return out.Mul(bps.Sub(decimal.NewFromInt(slipBps))).Div(bps), nil
}

type trsContract struct {
	counterparty common.Address
	underlying   string
	entry      decimal.Decimal
	collateral decimal.Decimal
}

// TRSDesk quotes a fixed rate per counterparty and settles against the
// oracle price of the underlying.
type TRSDesk struct {
	oracle     *Oracle
	underlying string

	mu            sync.Mutex
	rates         map[common.Address]int64
	collateralErr map[common.Address]error
	settleErr     map[common.Address]settleFailure
	contracts     map[common.Hash]*trsContract
	quotes        int
}

func NewTRSDesk(oracle *Oracle, underlying string) *TRSDesk {
	return &TRSDesk{
		oracle:        oracle,
		underlying:    underlying,
		rates:         make(map[common.Address]int64),
		collateralErr: make(map[common.Address]error),
		settleErr:     make(map[common.Address]settleFailure),
		contracts:     make(map[common.Hash]*trsContract),
	}
}

func (d *TRSDesk) SetRate(counterparty common.Address, rateBps int64) {
	d.mu.Lock()
	d.rates[counterparty] = rateBps
	d.mu.Unlock()
}

func (d *TRSDesk) RemoveCounterparty(counterparty common.Address) {
	d.mu.Lock()
	delete(d.rates, counterparty)
	d.mu.Unlock()
}

func (d *TRSDesk) FailCollateral(counterparty common.Address, err error) {
	d.mu.Lock()
	if err == nil {
		delete(d.collateralErr, counterparty)
	} else {
		d.collateralErr[counterparty] = err
	}
	d.mu.Unlock()
}

type settleFailure struct {
	err   error
	times int
}

// FailSettle makes the next `times` settlements with counterparty return err.
func (d *TRSDesk) FailSettle(counterparty common.Address, err error, times int) {
	d.mu.Lock()
	if err == nil || times <= 0 {
		delete(d.settleErr, counterparty)
	} else {
		d.settleErr[counterparty] = settleFailure{err: err, times: times}
	}
	d.mu.Unlock()
}

func (d *TRSDesk) Quotes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quotes
}

func (d *TRSDesk) OpenContracts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.contracts)
}

func (d *TRSDesk) Quote(ctx context.Context, counterparty common.Address, notional decimal.Decimal, maturity time.Duration) (venue.Quote, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quotes++
	rate, ok := d.rates[counterparty]
	if !ok {
		return venue.Quote{}, fmt.Errorf("%s: %w", counterparty.Hex(), venue.ErrQuoteUnavailable)
	}
	return venue.Quote{Counterparty: counterparty, RateBps: rate}, nil
}

func (d *TRSDesk) PostCollateral(ctx context.Context, counterparty common.Address, contractID common.Hash, amount decimal.Decimal) error {
	price, err := d.oracle.Price(ctx, d.underlying)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.collateralErr[counterparty]; err != nil {
		return err
	}
	d.contracts[contractID] = &trsContract{counterparty: counterparty, underlying: d.underlying, entry: price, collateral: amount}
	return nil
}

func (d *TRSDesk) Settle(ctx context.Context, req venue.SettleRequest) (decimal.Decimal, error) {
	price, err := d.oracle.Price(ctx, d.underlying)
	if err != nil {
		return decimal.Zero, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	contract, ok := d.contracts[req.ContractID]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown contract %s", req.ContractID.Hex())
	}
	if f, ok := d.settleErr[contract.counterparty]; ok {
		f.times--
		if f.times <= 0 {
			delete(d.settleErr, contract.counterparty)
		} else {
			d.settleErr[contract.counterparty] = f
		}
		return decimal.Zero, f.err
	}
	pnl := req.Notional.Mul(price.Sub(contract.entry)).Div(contract.entry)
	contract.collateral = contract.collateral.Sub(req.Collateral)
	if !contract.collateral.IsPositive() {
		delete(d.contracts, req.ContractID)
	}
	proceeds := req.Collateral.Add(pnl)
	if proceeds.IsNegative() {
		proceeds = decimal.Zero
	}
	return proceeds, nil
}

type perpPosition struct {
	asset      string
	units      decimal.Decimal
	notional   decimal.Decimal
	collateral decimal.Decimal
}

// PerpVenue keeps isolated positions marked at oracle prices.
type PerpVenue struct {
	oracle *Oracle

	mu        sync.Mutex
	markets   map[string]string
	funding   map[string]int64
	positions map[string]*perpPosition
	seq       int
	openErr   error
}

func NewPerpVenue(oracle *Oracle) *PerpVenue {
	return &PerpVenue{
		oracle:    oracle,
		markets:   make(map[string]string),
		funding:   make(map[string]int64),
		positions: make(map[string]*perpPosition),
	}
}

func (p *PerpVenue) AddMarket(marketID, asset string, fundingBps int64) {
	p.mu.Lock()
	p.markets[marketID] = asset
	p.funding[marketID] = fundingBps
	p.mu.Unlock()
}

func (p *PerpVenue) SetFunding(marketID string, fundingBps int64) {
	p.mu.Lock()
	p.funding[marketID] = fundingBps
	p.mu.Unlock()
}

func (p *PerpVenue) FailOpen(err error) {
	p.mu.Lock()
	p.openErr = err
	p.mu.Unlock()
}

func (p *PerpVenue) OpenPositions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.positions)
}

func (p *PerpVenue) OpenPosition(ctx context.Context, marketID string, size, leverage, collateral decimal.Decimal) (string, error) {
	_ = leverage
	p.mu.Lock()
	asset, ok := p.markets[marketID]
	openErr := p.openErr
	p.mu.Unlock()
	if openErr != nil {
		return "", openErr
	}
	if !ok {
		return "", fmt.Errorf("unknown market %s", marketID)
	}
	price, err := p.oracle.Price(ctx, asset)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := marketID + "-" + strconv.Itoa(p.seq)
	p.positions[id] = &perpPosition{
		asset:      asset,
		units:      size.Div(price),
		notional:   size,
		collateral: collateral,
	}
	return id, nil
}

func (p *PerpVenue) ReducePosition(ctx context.Context, positionID string, fraction decimal.Decimal) (decimal.Decimal, error) {
	p.mu.Lock()
	pos, ok := p.positions[positionID]
	p.mu.Unlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown position %s", positionID)
	}
	price, err := p.oracle.Price(ctx, pos.asset)
	if err != nil {
		return decimal.Zero, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if fraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		delete(p.positions, positionID)
		return equity(pos, price), nil
	}
	released := equity(pos, price).Mul(fraction)
	keep := decimal.NewFromInt(1).Sub(fraction)
	pos.units = pos.units.Mul(keep)
	pos.notional = pos.notional.Mul(keep)
	pos.collateral = pos.collateral.Mul(keep)
	return released, nil
}

func (p *PerpVenue) ClosePosition(ctx context.Context, positionID string) (decimal.Decimal, error) {
	return p.ReducePosition(ctx, positionID, decimal.NewFromInt(1))
}

func (p *PerpVenue) FundingRate(ctx context.Context, marketID string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rate, ok := p.funding[marketID]
	if !ok {
		return 0, fmt.Errorf("unknown market %s", marketID)
	}
	return rate, nil
}

func equity(pos *perpPosition, price decimal.Decimal) decimal.Decimal {
	value := pos.collateral.Add(pos.units.Mul(price).Sub(pos.notional))
	if value.IsNegative() {
		return decimal.Zero
	}
	return value
}

// Vault is a yield vault whose yield accrues only through Accrue.
type Vault struct {
	mu          sync.Mutex
	balance     decimal.Decimal
	pending     decimal.Decimal
	depositErr  error
	withdrawErr error
}

func NewVault() *Vault {
	return &Vault{}
}

func (v *Vault) Accrue(amount decimal.Decimal) {
	v.mu.Lock()
	v.pending = v.pending.Add(amount)
	v.mu.Unlock()
}

func (v *Vault) FailDeposit(err error) {
	v.mu.Lock()
	v.depositErr = err
	v.mu.Unlock()
}

func (v *Vault) FailWithdraw(err error) {
	v.mu.Lock()
	v.withdrawErr = err
	v.mu.Unlock()
}

func (v *Vault) Balance() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance
}

func (v *Vault) Deposit(ctx context.Context, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.depositErr != nil {
		return v.depositErr
	}
	v.balance = v.balance.Add(amount)
	return nil
}

func (v *Vault) Withdraw(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.withdrawErr != nil {
		return decimal.Zero, v.withdrawErr
	}
	if amount.GreaterThan(v.balance) {
		amount = v.balance
	}
	v.balance = v.balance.Sub(amount)
	return amount, nil
}

func (v *Vault) HarvestYield(ctx context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.pending
	v.pending = decimal.Zero
	return out, nil
}

func (v *Vault) ValueInBaseAsset(ctx context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance, nil
}

var (
	_ venue.PriceOracle    = (*Oracle)(nil)
	_ venue.ExchangeRouter = (*Router)(nil)
	_ venue.TRSProvider    = (*TRSDesk)(nil)
	_ venue.PerpRouter     = (*PerpVenue)(nil)
	_ venue.YieldVault     = (*Vault)(nil)
)
