// Package venue declares the external collaborators an exposure bundle trades
// against: price oracle, exchange router, TRS counterparty network, perpetual
// venue and yield vaults.
package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrOracleUnavailable = errors.New("price oracle unavailable")
	ErrSlippageExceeded  = errors.New("slippage exceeds bound")
	ErrQuoteUnavailable  = errors.New("counterparty quote unavailable")
)

type PriceOracle interface {
	Price(ctx context.Context, asset string) (decimal.Decimal, error)
}

type ExchangeRouter interface {
	Swap(ctx context.Context, fromAsset, toAsset string, amount, minReturn decimal.Decimal) (decimal.Decimal, error)
	AmountOut(ctx context.Context, fromAsset, toAsset string, amountIn decimal.Decimal) (decimal.Decimal, error)
}

type Quote struct {
	Counterparty common.Address
	RateBps      int64
}

type SettleRequest struct {
	Counterparty common.Address
	ContractID   common.Hash
	Notional     decimal.Decimal
	Collateral   decimal.Decimal
}

type TRSProvider interface {
	Quote(ctx context.Context, counterparty common.Address, notional decimal.Decimal, maturity time.Duration) (Quote, error)
	PostCollateral(ctx context.Context, counterparty common.Address, contractID common.Hash, amount decimal.Decimal) error
	// Settle closes the requested notional of a contract and returns the
	// base asset released to the caller.
	Settle(ctx context.Context, req SettleRequest) (decimal.Decimal, error)
}

type PerpRouter interface {
	OpenPosition(ctx context.Context, marketID string, size, leverage, collateral decimal.Decimal) (string, error)
	ReducePosition(ctx context.Context, positionID string, fraction decimal.Decimal) (decimal.Decimal, error)
	ClosePosition(ctx context.Context, positionID string) (decimal.Decimal, error)
	// FundingRate is annualized, in basis points.
	FundingRate(ctx context.Context, marketID string) (int64, error)
}

type YieldVault interface {
	Deposit(ctx context.Context, amount decimal.Decimal) error
	Withdraw(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)
	HarvestYield(ctx context.Context) (decimal.Decimal, error)
	ValueInBaseAsset(ctx context.Context) (decimal.Decimal, error)
}

// CheckedPrice returns a strictly positive price or ErrOracleUnavailable.
func CheckedPrice(ctx context.Context, oracle PriceOracle, asset string) (decimal.Decimal, error) {
	if oracle == nil {
		return decimal.Zero, ErrOracleUnavailable
	}
	price, err := oracle.Price(ctx, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %s: %w: %v", asset, ErrOracleUnavailable, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("price %s is %s: %w", asset, price, ErrOracleUnavailable)
	}
	return price, nil
}

// CheckedSwap rejects a fill below minReturn even when the router accepted it.
func CheckedSwap(ctx context.Context, router ExchangeRouter, fromAsset, toAsset string, amount, minReturn decimal.Decimal) (decimal.Decimal, error) {
	out, err := router.Swap(ctx, fromAsset, toAsset, amount, minReturn)
	if err != nil {
		return decimal.Zero, err
	}
	if out.LessThan(minReturn) {
		return out, fmt.Errorf("swap %s->%s returned %s below %s: %w", fromAsset, toAsset, out, minReturn, ErrSlippageExceeded)
	}
	return out, nil
}
