package exposure

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"rwa-exposure-bundle/internal/config"
	"rwa-exposure-bundle/internal/state"
	"rwa-exposure-bundle/internal/venue"
	"rwa-exposure-bundle/internal/yield"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const year = 365 * 24 * time.Hour

type TRSContract struct {
	ID            common.Hash
	Counterparty  common.Address
	Notional      decimal.Decimal
	Leverage      decimal.Decimal
	Collateral    decimal.Decimal
	BorrowRateBps int64
	EntryPrice    decimal.Decimal
	Start         time.Time
	Maturity      time.Time
	Active        bool
}

type Rollover struct {
	Old TRSContract
	New TRSContract
}

type fill struct {
	quote    venue.Quote
	notional decimal.Decimal
}

// TRS holds exposure through total-return swaps spread across counterparties
// so that no counterparty carries more than its concentration cap.
type TRS struct {
	cfg            config.TRSConfig
	provider       venue.TRSProvider
	oracle         venue.PriceOracle
	opts           Options
	counterparties []common.Address

	mu         sync.Mutex
	ledger     ledger
	contracts  []TRSContract
	exposure   map[common.Address]decimal.Decimal
	seq        uint64
	exited     bool
	onRollover func(Rollover)
}

func NewTRS(cfg config.TRSConfig, provider venue.TRSProvider, oracle venue.PriceOracle, yb *yield.Bundle, opts Options) (*TRS, error) {
	if provider == nil || oracle == nil {
		return nil, errors.New("trs strategy requires a provider and price oracle")
	}
	if len(cfg.Counterparties) == 0 {
		return nil, fmt.Errorf("trs %s: no counterparties configured", cfg.Name)
	}
	if cfg.MaxCounterpartyBps <= 0 || cfg.MaxCounterpartyBps > fullBps {
		return nil, fmt.Errorf("trs %s: max counterparty bps out of range", cfg.Name)
	}
	if cfg.CollateralRatioBps <= 0 || cfg.CollateralRatioBps > fullBps {
		return nil, fmt.Errorf("trs %s: collateral ratio bps out of range", cfg.Name)
	}
	cps := make([]common.Address, 0, len(cfg.Counterparties))
	for _, raw := range cfg.Counterparties {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("trs %s: invalid counterparty %q", cfg.Name, raw)
		}
		cps = append(cps, common.HexToAddress(raw))
	}
	opts = opts.withDefaults()
	return &TRS{
		cfg:            cfg,
		provider:       provider,
		oracle:         oracle,
		opts:           opts,
		counterparties: cps,
		ledger:         newLedger(cfg.Name, yb, opts),
		exposure:       make(map[common.Address]decimal.Decimal),
	}, nil
}

func (t *TRS) Name() string { return t.cfg.Name }

func (t *TRS) Type() Type { return TypeTRS }

// OnRollover registers a callback for every contract replaced by RolloverTRS.
func (t *TRS) OnRollover(fn func(Rollover)) {
	t.mu.Lock()
	t.onRollover = fn
	t.mu.Unlock()
}

// OptimalMaturity is longest at or below the favorable rate, shortest at or
// above the unfavorable rate and linear in between.
func (t *TRS) OptimalMaturity(rateBps int64) time.Duration {
	minM, maxM := t.cfg.MinMaturity, t.cfg.MaxMaturity
	fav, unfav := t.cfg.FavorableRateBps, t.cfg.UnfavorableRateBps
	switch {
	case rateBps <= fav:
		return maxM
	case rateBps >= unfav:
		return minM
	}
	span := maxM - minM
	return maxM - time.Duration(float64(span)*float64(rateBps-fav)/float64(unfav-fav))
}

func (t *TRS) leverage() decimal.Decimal {
	return bpsDenominator.Div(decimal.NewFromInt(t.cfg.CollateralRatioBps))
}

// counterpartyCap is the most any single counterparty may hold once the
// strategy's total notional reaches total.
func (t *TRS) counterpartyCap(total decimal.Decimal) decimal.Decimal {
	limit := bpsOf(total, t.cfg.MaxCounterpartyBps)
	if t.cfg.MaxCounterpartyAmount > 0 {
		abs := decimal.NewFromFloat(t.cfg.MaxCounterpartyAmount)
		if abs.LessThan(limit) {
			limit = abs
		}
	}
	return limit
}

func (t *TRS) OpenExposure(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	price, err := venue.CheckedPrice(ctx, t.oracle, t.cfg.Underlying)
	if err != nil {
		return decimal.Zero, err
	}
	if err := checkCapacity(t.cfg.Name, t.exposureLocked(price), amount, capacityOf(t.cfg.MaxCapacity)); err != nil {
		return decimal.Zero, err
	}
	quotes, err := t.quoteAll(ctx, amount)
	if err != nil {
		return decimal.Zero, err
	}
	fills, err := t.planFills(quotes, amount)
	if err != nil {
		return decimal.Zero, err
	}
	now := t.opts.Clock()
	seq := t.seq
	opened := make([]TRSContract, 0, len(fills))
	for _, f := range fills {
		seq++
		contract := TRSContract{
			ID:            t.contractID(f.quote.Counterparty, seq, now),
			Counterparty:  f.quote.Counterparty,
			Notional:      f.notional,
			Leverage:      t.leverage(),
			Collateral:    bpsOf(f.notional, t.cfg.CollateralRatioBps),
			BorrowRateBps: f.quote.RateBps,
			EntryPrice:    price,
			Start:         now,
			Maturity:      now.Add(t.OptimalMaturity(f.quote.RateBps)),
			Active:        true,
		}
		if err := t.provider.PostCollateral(ctx, contract.Counterparty, contract.ID, contract.Collateral); err != nil {
			t.unwindLocked(ctx, opened)
			return decimal.Zero, fmt.Errorf("post collateral to %s: %w", contract.Counterparty.Hex(), err)
		}
		opened = append(opened, contract)
	}
	collateral := decimal.Zero
	for _, contract := range opened {
		t.contracts = append(t.contracts, contract)
		t.exposure[contract.Counterparty] = t.exposure[contract.Counterparty].Add(contract.Notional)
		collateral = collateral.Add(contract.Collateral)
	}
	t.seq = seq
	t.exited = false
	t.ledger.place(ctx, amount.Sub(collateral))
	levFloat, _ := t.leverage().Float64()
	t.ledger.yield.SetLeverageRatio(levFloat)
	t.opts.Log.Debug("trs exposure opened",
		zap.String("strategy", t.cfg.Name),
		zap.String("notional", amount.String()),
		zap.Int("contracts", len(opened)),
	)
	return amount, nil
}

// quoteAll asks every counterparty for a rate. Individual failures are
// skipped; no quotes at all is ErrQuoteUnavailable.
func (t *TRS) quoteAll(ctx context.Context, notional decimal.Decimal) ([]venue.Quote, error) {
	quotes := make([]venue.Quote, 0, len(t.counterparties))
	var errs []error
	for _, cp := range t.counterparties {
		q, err := t.provider.Quote(ctx, cp, notional, t.cfg.MaxMaturity)
		if err != nil {
			errs = append(errs, err)
			t.opts.Log.Debug("trs quote failed", zap.String("counterparty", cp.Hex()), zap.Error(err))
			continue
		}
		q.Counterparty = cp
		quotes = append(quotes, q)
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("trs %s: %w: %v", t.cfg.Name, venue.ErrQuoteUnavailable, errors.Join(errs...))
	}
	sort.SliceStable(quotes, func(i, j int) bool {
		if quotes[i].RateBps != quotes[j].RateBps {
			return quotes[i].RateBps < quotes[j].RateBps
		}
		return quotes[i].Counterparty.Hex() < quotes[j].Counterparty.Hex()
	})
	return quotes, nil
}

// planFills gives each counterparty, cheapest first, as much of amount as
// its cap allows.
func (t *TRS) planFills(quotes []venue.Quote, amount decimal.Decimal) ([]fill, error) {
	limit := t.counterpartyCap(t.totalNotionalLocked().Add(amount))
	remaining := amount
	var fills []fill
	for _, q := range quotes {
		if !remaining.IsPositive() {
			break
		}
		room := limit.Sub(t.exposure[q.Counterparty])
		if !room.IsPositive() {
			continue
		}
		size := decimal.Min(room, remaining)
		fills = append(fills, fill{quote: q, notional: size})
		remaining = remaining.Sub(size)
	}
	if remaining.IsPositive() {
		return nil, fmt.Errorf("trs %s: %s of %s has no counterparty room under cap %s: %w",
			t.cfg.Name, remaining, amount, limit, ErrConcentrationLimit)
	}
	return fills, nil
}

// unwindLocked settles contracts posted earlier in a failed open. Their
// collateral belongs to the caller's amount, so nothing is booked here.
func (t *TRS) unwindLocked(ctx context.Context, opened []TRSContract) {
	for _, contract := range opened {
		_, err := t.provider.Settle(ctx, venue.SettleRequest{
			Counterparty: contract.Counterparty,
			ContractID:   contract.ID,
			Notional:     contract.Notional,
			Collateral:   contract.Collateral,
		})
		if err != nil {
			t.opts.Log.Error("trs unwind failed",
				zap.String("contract_id", contract.ID.Hex()),
				zap.Error(err),
			)
		}
	}
}

func (t *TRS) contractID(cp common.Address, seq uint64, at time.Time) common.Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], seq)
	binary.BigEndian.PutUint64(buf[8:], uint64(at.UnixNano()))
	return crypto.Keccak256Hash([]byte(t.cfg.Name), cp.Bytes(), buf[:])
}

func (t *TRS) CloseExposure(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	price, err := venue.CheckedPrice(ctx, t.oracle, t.cfg.Underlying)
	if err != nil {
		return decimal.Zero, err
	}
	value, err := t.valueLocked(ctx, price)
	if err != nil {
		return decimal.Zero, err
	}
	fraction := closeFraction(amount, value)
	if fraction.IsZero() {
		return decimal.Zero, nil
	}
	proceeds, err := t.settleFractionLocked(ctx, fraction)
	if err != nil {
		t.ledger.idle = t.ledger.idle.Add(proceeds)
		return decimal.Zero, err
	}
	released, err := t.ledger.release(ctx, fraction)
	if err != nil {
		t.ledger.idle = t.ledger.idle.Add(proceeds)
		return decimal.Zero, err
	}
	return proceeds.Add(released), nil
}

// settleFractionLocked settles the same fraction of every contract, which
// keeps every counterparty's share of notional unchanged.
func (t *TRS) settleFractionLocked(ctx context.Context, fraction decimal.Decimal) (decimal.Decimal, error) {
	return t.settleLocked(ctx, fraction, nil)
}

// settleLocked settles fraction of every contract match accepts, or of all
// contracts when match is nil.
func (t *TRS) settleLocked(ctx context.Context, fraction decimal.Decimal, match func(TRSContract) bool) (decimal.Decimal, error) {
	full := fraction.GreaterThanOrEqual(one)
	proceeds := decimal.Zero
	for i := 0; i < len(t.contracts); {
		contract := t.contracts[i]
		if match != nil && !match(contract) {
			i++
			continue
		}
		notional := contract.Notional.Mul(fraction)
		collateral := contract.Collateral.Mul(fraction)
		if full {
			notional, collateral = contract.Notional, contract.Collateral
		}
		got, err := t.provider.Settle(ctx, venue.SettleRequest{
			Counterparty: contract.Counterparty,
			ContractID:   contract.ID,
			Notional:     notional,
			Collateral:   collateral,
		})
		if err != nil {
			return proceeds, fmt.Errorf("settle %s: %w", contract.ID.Hex(), err)
		}
		proceeds = proceeds.Add(got)
		t.reduceExposureLocked(contract.Counterparty, notional)
		if full {
			t.contracts = append(t.contracts[:i], t.contracts[i+1:]...)
			continue
		}
		t.contracts[i].Notional = contract.Notional.Sub(notional)
		t.contracts[i].Collateral = contract.Collateral.Sub(collateral)
		i++
	}
	return proceeds, nil
}

// settleCounterpartyLocked settles amount of notional held with cp, spread
// pro rata over its contracts.
func (t *TRS) settleCounterpartyLocked(ctx context.Context, cp common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	held := t.exposure[cp]
	if !held.IsPositive() || !amount.IsPositive() {
		return decimal.Zero, nil
	}
	fraction := one
	if amount.LessThan(held) {
		fraction = amount.Div(held)
	}
	return t.settleLocked(ctx, fraction, func(c TRSContract) bool { return c.Counterparty == cp })
}

// sortedCounterpartiesLocked lists counterparties with exposure, largest
// holding first.
func (t *TRS) sortedCounterpartiesLocked() []common.Address {
	cps := make([]common.Address, 0, len(t.exposure))
	for cp := range t.exposure {
		cps = append(cps, cp)
	}
	sort.Slice(cps, func(i, j int) bool {
		a, b := t.exposure[cps[i]], t.exposure[cps[j]]
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		return cps[i].Hex() < cps[j].Hex()
	})
	return cps
}

func (t *TRS) overCapLocked() bool {
	limit := t.counterpartyCap(t.totalNotionalLocked())
	for _, held := range t.exposure {
		if held.GreaterThan(limit) {
			return true
		}
	}
	return false
}

// restoreConcentrationLocked brings every counterparty back under the cap
// after total notional shrank. Excess first moves to counterparties with
// room; whatever cannot move is settled into idle cash.
func (t *TRS) restoreConcentrationLocked(ctx context.Context, price decimal.Decimal, now time.Time) error {
	if !t.overCapLocked() {
		return nil
	}
	if err := t.moveExcessLocked(ctx, price, now); err != nil {
		t.opts.Log.Warn("trs excess not moved, trimming instead",
			zap.String("strategy", t.cfg.Name),
			zap.Error(err),
		)
	}
	return t.trimToCapLocked(ctx)
}

// moveExcessLocked settles the notional each counterparty holds above the
// cap and reopens it with counterparties that have room, cheapest first.
// Total notional, and with it the cap, stays unchanged.
func (t *TRS) moveExcessLocked(ctx context.Context, price decimal.Decimal, now time.Time) error {
	limit := t.counterpartyCap(t.totalNotionalLocked())
	over := make(map[common.Address]decimal.Decimal)
	excess := decimal.Zero
	for _, cp := range t.sortedCounterpartiesLocked() {
		if held := t.exposure[cp]; held.GreaterThan(limit) {
			over[cp] = held.Sub(limit)
			excess = excess.Add(held.Sub(limit))
		}
	}
	quotes, err := t.quoteAll(ctx, excess)
	if err != nil {
		return err
	}
	var fills []fill
	remaining := excess
	for _, q := range quotes {
		if !remaining.IsPositive() {
			break
		}
		if _, ok := over[q.Counterparty]; ok {
			continue
		}
		room := limit.Sub(t.exposure[q.Counterparty])
		if !room.IsPositive() {
			continue
		}
		size := decimal.Min(room, remaining)
		fills = append(fills, fill{quote: q, notional: size})
		remaining = remaining.Sub(size)
	}
	if remaining.IsPositive() {
		return fmt.Errorf("trs %s: %s of excess %s has no counterparty room under cap %s: %w",
			t.cfg.Name, remaining, excess, limit, ErrConcentrationLimit)
	}
	for _, cp := range t.sortedCounterpartiesLocked() {
		amount, ok := over[cp]
		if !ok {
			continue
		}
		got, err := t.settleCounterpartyLocked(ctx, cp, amount)
		t.ledger.idle = t.ledger.idle.Add(got)
		if err != nil {
			return err
		}
	}
	var errs []error
	for _, f := range fills {
		t.seq++
		contract := TRSContract{
			ID:            t.contractID(f.quote.Counterparty, t.seq, now),
			Counterparty:  f.quote.Counterparty,
			Notional:      f.notional,
			Leverage:      t.leverage(),
			Collateral:    bpsOf(f.notional, t.cfg.CollateralRatioBps),
			BorrowRateBps: f.quote.RateBps,
			EntryPrice:    price,
			Start:         now,
			Maturity:      now.Add(t.OptimalMaturity(f.quote.RateBps)),
			Active:        true,
		}
		// Losses on the settled legs shrink what can be reopened.
		if contract.Collateral.GreaterThan(t.ledger.idle) {
			contract.Collateral = t.ledger.idle
			contract.Notional = contract.Collateral.Mul(t.leverage())
		}
		if !contract.Notional.IsPositive() {
			break
		}
		if err := t.provider.PostCollateral(ctx, contract.Counterparty, contract.ID, contract.Collateral); err != nil {
			errs = append(errs, fmt.Errorf("post collateral to %s: %w", contract.Counterparty.Hex(), err))
			continue
		}
		t.ledger.idle = t.ledger.idle.Sub(contract.Collateral)
		t.contracts = append(t.contracts, contract)
		t.exposure[contract.Counterparty] = t.exposure[contract.Counterparty].Add(contract.Notional)
		t.opts.Log.Info("trs excess moved",
			zap.String("strategy", t.cfg.Name),
			zap.String("counterparty", contract.Counterparty.Hex()),
			zap.String("notional", contract.Notional.String()),
		)
	}
	return errors.Join(errs...)
}

// trimToCapLocked settles every counterparty down to concentrationLevelLocked.
func (t *TRS) trimToCapLocked(ctx context.Context) error {
	if !t.overCapLocked() {
		return nil
	}
	level := t.concentrationLevelLocked()
	var errs []error
	for _, cp := range t.sortedCounterpartiesLocked() {
		held := t.exposure[cp]
		if held.LessThanOrEqual(level) {
			continue
		}
		got, err := t.settleCounterpartyLocked(ctx, cp, held.Sub(level))
		t.ledger.idle = t.ledger.idle.Add(got)
		if err != nil {
			errs = append(errs, err)
		}
	}
	t.opts.Log.Warn("trs exposure trimmed to concentration cap",
		zap.String("strategy", t.cfg.Name),
		zap.String("level", level.String()),
		zap.String("notional", t.totalNotionalLocked().String()),
	)
	return errors.Join(errs...)
}

// concentrationLevelLocked is the largest holding L such that capping every
// counterparty at L leaves each one within the cap on the reduced total.
// It is zero when too few counterparties remain to satisfy the cap at all.
func (t *TRS) concentrationLevelLocked() decimal.Decimal {
	held := make([]decimal.Decimal, 0, len(t.exposure))
	for _, cp := range t.sortedCounterpartiesLocked() {
		held = append(held, t.exposure[cp])
	}
	var abs decimal.Decimal
	if t.cfg.MaxCounterpartyAmount > 0 {
		abs = decimal.NewFromFloat(t.cfg.MaxCounterpartyAmount)
		for i := range held {
			held[i] = decimal.Min(held[i], abs)
		}
	}
	ratio := decimal.NewFromInt(t.cfg.MaxCounterpartyBps).Div(bpsDenominator)
	rest := decimal.Sum(decimal.Zero, held...)
	level := decimal.Zero
	for j := 1; j <= len(held); j++ {
		rest = rest.Sub(held[j-1])
		upper := held[j-1]
		lower := decimal.Zero
		if j < len(held) {
			lower = held[j]
		}
		denom := one.Sub(ratio.Mul(decimal.NewFromInt(int64(j))))
		if !denom.IsPositive() {
			level = upper
			break
		}
		if candidate := ratio.Mul(rest).Div(denom); candidate.GreaterThanOrEqual(lower) {
			level = decimal.Min(candidate, upper)
			break
		}
	}
	if abs.IsPositive() && level.GreaterThan(abs) {
		level = abs
	}
	return level
}

func (t *TRS) reduceExposureLocked(cp common.Address, notional decimal.Decimal) {
	left := t.exposure[cp].Sub(notional)
	if !left.IsPositive() {
		delete(t.exposure, cp)
		return
	}
	t.exposure[cp] = left
}

func (t *TRS) AdjustExposure(ctx context.Context, delta decimal.Decimal) (decimal.Decimal, error) {
	return adjust(ctx, t, delta)
}

// RolloverTRS re-quotes contracts inside the rollover window and replaces a
// contract only when the rate improves by more than the threshold. Matured
// contracts that were not replaced are settled into idle cash.
func (t *TRS) RolloverTRS(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.opts.Clock()
	price, err := venue.CheckedPrice(ctx, t.oracle, t.cfg.Underlying)
	if err != nil {
		return 0, err
	}
	var rolled []Rollover
	var errs []error
	for i := 0; i < len(t.contracts); {
		contract := t.contracts[i]
		if contract.Maturity.Sub(now) > t.cfg.RolloverWindow {
			i++
			continue
		}
		replacement, outcome, err := t.tryRollLocked(ctx, contract, price, now)
		if err != nil {
			errs = append(errs, err)
		}
		switch outcome {
		case rollReplaced:
			t.contracts[i] = replacement
			rolled = append(rolled, Rollover{Old: contract, New: replacement})
			i++
			continue
		case rollSettled:
			t.contracts = append(t.contracts[:i], t.contracts[i+1:]...)
			continue
		}
		if now.Before(contract.Maturity) {
			i++
			continue
		}
		got, err := t.provider.Settle(ctx, venue.SettleRequest{
			Counterparty: contract.Counterparty,
			ContractID:   contract.ID,
			Notional:     contract.Notional,
			Collateral:   contract.Collateral,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("settle matured %s: %w", contract.ID.Hex(), err))
			i++
			continue
		}
		t.ledger.idle = t.ledger.idle.Add(got)
		t.reduceExposureLocked(contract.Counterparty, contract.Notional)
		t.contracts = append(t.contracts[:i], t.contracts[i+1:]...)
		t.opts.Log.Info("trs contract matured", zap.String("contract_id", contract.ID.Hex()), zap.String("proceeds", got.String()))
	}
	if err := t.restoreConcentrationLocked(ctx, price, now); err != nil {
		errs = append(errs, err)
	}
	for range rolled {
		t.opts.Metrics.TRSRolledOver.Inc()
	}
	if t.onRollover != nil {
		for _, r := range rolled {
			t.onRollover(r)
		}
	}
	return len(rolled), errors.Join(errs...)
}

type rollOutcome int

const (
	rollKept rollOutcome = iota
	rollReplaced
	// rollSettled means the old contract was settled but no replacement was
	// posted; its proceeds are idle cash.
	rollSettled
)

func (t *TRS) tryRollLocked(ctx context.Context, contract TRSContract, price decimal.Decimal, now time.Time) (TRSContract, rollOutcome, error) {
	quotes, err := t.quoteAll(ctx, contract.Notional)
	if err != nil {
		return TRSContract{}, rollKept, err
	}
	limit := t.counterpartyCap(t.totalNotionalLocked())
	var best *venue.Quote
	for i := range quotes {
		q := quotes[i]
		held := t.exposure[q.Counterparty]
		if q.Counterparty == contract.Counterparty {
			held = held.Sub(contract.Notional)
		}
		if held.Add(contract.Notional).GreaterThan(limit) {
			continue
		}
		best = &q
		break
	}
	if best == nil || contract.BorrowRateBps-best.RateBps <= t.cfg.RolloverThresholdBps {
		return TRSContract{}, rollKept, nil
	}
	proceeds, err := t.provider.Settle(ctx, venue.SettleRequest{
		Counterparty: contract.Counterparty,
		ContractID:   contract.ID,
		Notional:     contract.Notional,
		Collateral:   contract.Collateral,
	})
	if err != nil {
		return TRSContract{}, rollKept, fmt.Errorf("settle for rollover %s: %w", contract.ID.Hex(), err)
	}
	t.reduceExposureLocked(contract.Counterparty, contract.Notional)
	t.seq++
	next := TRSContract{
		ID:            t.contractID(best.Counterparty, t.seq, now),
		Counterparty:  best.Counterparty,
		Notional:      contract.Notional,
		Leverage:      contract.Leverage,
		Collateral:    contract.Collateral,
		BorrowRateBps: best.RateBps,
		EntryPrice:    price,
		Start:         now,
		Maturity:      now.Add(t.OptimalMaturity(best.RateBps)),
		Active:        true,
	}
	if proceeds.LessThan(next.Collateral) {
		next.Collateral = proceeds
		next.Notional = proceeds.Mul(t.leverage())
	}
	if err := t.provider.PostCollateral(ctx, next.Counterparty, next.ID, next.Collateral); err != nil {
		t.ledger.idle = t.ledger.idle.Add(proceeds)
		return TRSContract{}, rollSettled, fmt.Errorf("post rollover collateral: %w", err)
	}
	t.ledger.idle = t.ledger.idle.Add(proceeds.Sub(next.Collateral))
	t.exposure[next.Counterparty] = t.exposure[next.Counterparty].Add(next.Notional)
	t.opts.Log.Info("trs contract rolled",
		zap.String("old_id", contract.ID.Hex()),
		zap.String("new_id", next.ID.Hex()),
		zap.Int64("old_rate_bps", contract.BorrowRateBps),
		zap.Int64("new_rate_bps", next.BorrowRateBps),
	)
	return next, rollReplaced, nil
}

func (t *TRS) CurrentExposureValue(ctx context.Context) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.contracts) == 0 {
		return decimal.Zero, nil
	}
	price, err := venue.CheckedPrice(ctx, t.oracle, t.cfg.Underlying)
	if err != nil {
		return decimal.Zero, err
	}
	return t.exposureLocked(price), nil
}

func (t *TRS) ValueInBaseAsset(ctx context.Context) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var price decimal.Decimal
	if len(t.contracts) > 0 {
		var err error
		price, err = venue.CheckedPrice(ctx, t.oracle, t.cfg.Underlying)
		if err != nil {
			return decimal.Zero, err
		}
	}
	return t.valueLocked(ctx, price)
}

func (t *TRS) CollateralRequired(ctx context.Context, exposure decimal.Decimal) (decimal.Decimal, error) {
	return bpsOf(exposure, t.cfg.CollateralRatioBps), nil
}

// LiquidationPrice is the notional-weighted price at which losses consume
// the posted collateral.
func (t *TRS) LiquidationPrice(ctx context.Context) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	weighted, total := decimal.Zero, decimal.Zero
	for _, c := range t.contracts {
		if !c.Notional.IsPositive() {
			continue
		}
		liq := c.EntryPrice.Mul(one.Sub(c.Collateral.Div(c.Notional)))
		weighted = weighted.Add(liq.Mul(c.Notional))
		total = total.Add(c.Notional)
	}
	if !total.IsPositive() {
		return decimal.Zero, nil
	}
	return weighted.Div(total), nil
}

func (t *TRS) HarvestYield(ctx context.Context) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ledger.harvest(ctx)
}

// EmergencyExit settles every contract and drains the ledger. Contracts a
// counterparty refuses to settle stay open, trimmed again to the cap on
// what remains.
func (t *TRS) EmergencyExit(ctx context.Context) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	failed := make(map[common.Hash]error)
	recovered := decimal.Zero
	var remaining []TRSContract
	for _, c := range t.contracts {
		got, err := t.provider.Settle(ctx, venue.SettleRequest{
			Counterparty: c.Counterparty,
			ContractID:   c.ID,
			Notional:     c.Notional,
			Collateral:   c.Collateral,
		})
		if err != nil {
			failed[c.ID] = fmt.Errorf("settle %s: %w", c.ID.Hex(), err)
			remaining = append(remaining, c)
			continue
		}
		t.reduceExposureLocked(c.Counterparty, c.Notional)
		recovered = recovered.Add(got)
	}
	t.contracts = remaining
	var errs []error
	if err := t.trimToCapLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, c := range t.contracts {
		if err, ok := failed[c.ID]; ok {
			errs = append(errs, err)
		}
	}
	drained, err := t.ledger.drain(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	t.exited = true
	return recovered.Add(drained), errors.Join(errs...)
}

func (t *TRS) ExposureInfo(ctx context.Context) (Info, error) {
	cost, err := t.CostBreakdown(ctx)
	if err != nil {
		return Info{}, err
	}
	exposure, err := t.CurrentExposureValue(ctx)
	if err != nil {
		return Info{}, err
	}
	levFloat, _ := t.leverage().Float64()
	t.mu.Lock()
	active := !t.exited
	t.mu.Unlock()
	return Info{
		Type:               TypeTRS,
		Underlying:         t.cfg.Underlying,
		Leverage:           levFloat,
		CollateralRatioBps: t.cfg.CollateralRatioBps,
		CurrentExposure:    exposure,
		MaxCapacity:        capacityOf(t.cfg.MaxCapacity),
		CurrentCostBps:     cost.TotalCostBps,
		RiskScore:          t.cfg.RiskScore,
		Active:             active,
	}, nil
}

// CostBreakdown uses the notional-weighted rate of open contracts, or the
// best live quote when none are open.
func (t *TRS) CostBreakdown(ctx context.Context) (CostBreakdown, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var borrow int64
	total := t.totalNotionalLocked()
	if total.IsPositive() {
		weighted := decimal.Zero
		for _, c := range t.contracts {
			weighted = weighted.Add(c.Notional.Mul(decimal.NewFromInt(c.BorrowRateBps)))
		}
		borrow = weighted.Div(total).Round(0).IntPart()
	} else {
		quotes, err := t.quoteAll(ctx, one)
		if err != nil {
			return CostBreakdown{}, err
		}
		borrow = quotes[0].RateBps
	}
	return CostBreakdown{
		BorrowRateBps:    borrow,
		ManagementFeeBps: t.cfg.ManagementFeeBps,
		SlippageBps:      t.cfg.SlippageBps,
	}.withTotal(), nil
}

// Contracts returns a copy of the open contracts.
func (t *TRS) Contracts() []TRSContract {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TRSContract(nil), t.contracts...)
}

// CounterpartyExposure returns a copy of notional held per counterparty.
func (t *TRS) CounterpartyExposure() map[common.Address]decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[common.Address]decimal.Decimal, len(t.exposure))
	for cp, v := range t.exposure {
		out[cp] = v
	}
	return out
}

func (t *TRS) Persist(ctx context.Context, store state.Store) error {
	t.mu.Lock()
	snap := state.TRSSnapshot{
		Exposure:    make(map[string]decimal.Decimal, len(t.exposure)),
		Idle:        t.ledger.idle,
		Sequence:    t.seq,
		UpdatedAtMS: t.opts.Clock().UnixMilli(),
	}
	for cp, v := range t.exposure {
		snap.Exposure[cp.Hex()] = v
	}
	for _, c := range t.contracts {
		snap.Contracts = append(snap.Contracts, state.TRSContractRecord{
			ID:            c.ID.Hex(),
			Counterparty:  c.Counterparty.Hex(),
			Notional:      c.Notional,
			Leverage:      c.Leverage,
			Collateral:    c.Collateral,
			BorrowRateBps: c.BorrowRateBps,
			EntryPrice:    c.EntryPrice,
			Start:         c.Start,
			Maturity:      c.Maturity,
			Active:        c.Active,
		})
	}
	t.mu.Unlock()
	return state.SaveTRSSnapshot(ctx, store, t.cfg.Name, snap)
}

// Restore loads contracts and rebuilds the exposure table from them.
func (t *TRS) Restore(ctx context.Context, store state.Store) error {
	snap, ok, err := state.LoadTRSSnapshot(ctx, store, t.cfg.Name)
	if err != nil || !ok {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contracts = t.contracts[:0]
	t.exposure = make(map[common.Address]decimal.Decimal)
	for _, rec := range snap.Contracts {
		c := TRSContract{
			ID:            common.HexToHash(rec.ID),
			Counterparty:  common.HexToAddress(rec.Counterparty),
			Notional:      rec.Notional,
			Leverage:      rec.Leverage,
			Collateral:    rec.Collateral,
			BorrowRateBps: rec.BorrowRateBps,
			EntryPrice:    rec.EntryPrice,
			Start:         rec.Start,
			Maturity:      rec.Maturity,
			Active:        rec.Active,
		}
		t.contracts = append(t.contracts, c)
		t.exposure[c.Counterparty] = t.exposure[c.Counterparty].Add(c.Notional)
	}
	t.ledger.idle = snap.Idle
	t.seq = snap.Sequence
	return nil
}

func (t *TRS) totalNotionalLocked() decimal.Decimal {
	total := decimal.Zero
	for _, c := range t.contracts {
		total = total.Add(c.Notional)
	}
	return total
}

func (t *TRS) exposureLocked(price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, c := range t.contracts {
		total = total.Add(c.Notional.Mul(price).Div(c.EntryPrice))
	}
	return total
}

// valueLocked marks every contract as collateral + price PnL - accrued borrow.
func (t *TRS) valueLocked(ctx context.Context, price decimal.Decimal) (decimal.Decimal, error) {
	now := t.opts.Clock()
	total := decimal.Zero
	for _, c := range t.contracts {
		pnl := c.Notional.Mul(price.Sub(c.EntryPrice)).Div(c.EntryPrice)
		elapsed := now.Sub(c.Start)
		if elapsed < 0 {
			elapsed = 0
		}
		accrued := bpsOf(c.Notional, c.BorrowRateBps).Mul(decimal.NewFromFloat(elapsed.Seconds() / year.Seconds()))
		equity := c.Collateral.Add(pnl).Sub(accrued)
		if equity.IsNegative() {
			equity = decimal.Zero
		}
		total = total.Add(equity)
	}
	reserve, err := t.ledger.value(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return total.Add(reserve), nil
}
