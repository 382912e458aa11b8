package bundle

import (
	"context"

	"rwa-exposure-bundle/internal/venue"

	"github.com/shopspring/decimal"
)

type vault struct {
	b *Bundle
}

// AsVault exposes the bundle with the yield-vault shape, so it can sit under
// a share-issuing wrapper or inside another strategy's yield allocation.
func (b *Bundle) AsVault() venue.YieldVault {
	return vault{b: b}
}

func (v vault) Deposit(ctx context.Context, amount decimal.Decimal) error {
	return v.b.AllocateCapital(ctx, amount)
}

func (v vault) Withdraw(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	return v.b.WithdrawCapital(ctx, amount)
}

func (v vault) HarvestYield(ctx context.Context) (decimal.Decimal, error) {
	return v.b.HarvestYield(ctx)
}

func (v vault) ValueInBaseAsset(ctx context.Context) (decimal.Decimal, error) {
	return v.b.ValueInBaseAsset(ctx)
}
