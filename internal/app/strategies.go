package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"rwa-exposure-bundle/internal/config"
	"rwa-exposure-bundle/internal/events"
	"rwa-exposure-bundle/internal/exposure"
	"rwa-exposure-bundle/internal/yield"
)

// registration pairs a built strategy with its configured allocation.
type registration struct {
	strategy exposure.Strategy
	alloc    config.AllocationConfig
}

func buildStrategies(cfg config.StrategiesConfig, v venues, opts exposure.Options, bus *events.Bus) ([]registration, error) {
	var out []registration
	if cfg.Perpetual.Enabled {
		yb, err := buildYield(cfg.Perpetual.Name, cfg.Perpetual.Yield, v, bus)
		if err != nil {
			return nil, err
		}
		s, err := exposure.NewPerpetual(cfg.Perpetual, v.perp, v.oracle, yb, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, registration{strategy: s, alloc: cfg.Perpetual.AllocationConfig})
	}
	if cfg.TRS.Enabled {
		yb, err := buildYield(cfg.TRS.Name, cfg.TRS.Yield, v, bus)
		if err != nil {
			return nil, err
		}
		s, err := exposure.NewTRS(cfg.TRS, v.trs, v.oracle, yb, opts)
		if err != nil {
			return nil, err
		}
		s.OnRollover(publishRollover(cfg.TRS.Name, bus))
		out = append(out, registration{strategy: s, alloc: cfg.TRS.AllocationConfig})
	}
	if cfg.Direct.Enabled {
		yb, err := buildYield(cfg.Direct.Name, cfg.Direct.Yield, v, bus)
		if err != nil {
			return nil, err
		}
		s, err := exposure.NewDirectToken(cfg.Direct, v.router, v.oracle, yb, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, registration{strategy: s, alloc: cfg.Direct.AllocationConfig})
	}
	return out, nil
}

// buildYield wires a strategy's yield vaults and publishes every
// configuration change of the set.
func buildYield(strategy string, cfg config.YieldConfig, v venues, bus *events.Bus) (*yield.Bundle, error) {
	entries := make([]yield.Entry, 0, len(cfg.Entries))
	for _, e := range cfg.Entries {
		entries = append(entries, yield.Entry{Name: e.Vault, Vault: v.vault(e.Vault), WeightBps: e.WeightBps})
	}
	ratio := cfg.LeverageRatio
	if ratio == 0 {
		ratio = 1
	}
	yb, err := yield.New(entries, ratio)
	if err != nil {
		return nil, fmt.Errorf("%s yield bundle: %w", strategy, err)
	}
	yb.SetObserver(func(snap yield.Snapshot) {
		bus.Publish(context.Background(), events.Event{
			Type:     events.YieldBundleUpdated,
			Strategy: strategy,
			Amount:   snap.TotalAllocated,
			Data: map[string]string{
				"entries":        strconv.Itoa(len(snap.Entries)),
				"leverage_ratio": strconv.FormatFloat(snap.LeverageRatio, 'f', -1, 64),
			},
		})
	})
	return yb, nil
}

// publishRollover reports each replaced contract; the bundle only publishes
// a per-pass count.
func publishRollover(strategy string, bus *events.Bus) func(exposure.Rollover) {
	return func(r exposure.Rollover) {
		bus.Publish(context.Background(), events.Event{
			Type:     events.TRSContractRolled,
			Strategy: strategy,
			Amount:   r.New.Notional,
			Bps:      r.New.BorrowRateBps,
			Data: map[string]string{
				"old_contract":     r.Old.ID.Hex(),
				"new_contract":     r.New.ID.Hex(),
				"old_counterparty": r.Old.Counterparty.Hex(),
				"new_counterparty": r.New.Counterparty.Hex(),
				"old_rate_bps":     strconv.FormatInt(r.Old.BorrowRateBps, 10),
				"maturity":         r.New.Maturity.UTC().Format(time.RFC3339),
			},
		})
	}
}
