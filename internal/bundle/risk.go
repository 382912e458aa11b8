package bundle

import (
	"fmt"

	"rwa-exposure-bundle/internal/config"
)

type RiskLimits struct {
	MaxPortfolioLeverage float64
	MaxStrategyBps       int64
}

func riskLimitsFrom(cfg config.BundleConfig) RiskLimits {
	return RiskLimits{
		MaxPortfolioLeverage: cfg.MaxPortfolioLeverage,
		MaxStrategyBps:       cfg.MaxStrategyBps,
	}
}

// PlannedAllocation is one strategy's share after a capital movement.
type PlannedAllocation struct {
	Name     string
	Bps      int64
	Leverage float64
}

// CheckRisk rejects a plan before any capital moves.
func CheckRisk(limits RiskLimits, plan []PlannedAllocation) error {
	var totalBps int64
	var weighted float64
	for _, p := range plan {
		if p.Bps < 0 {
			return fmt.Errorf("strategy %s planned share %d bps: %w", p.Name, p.Bps, ErrInvariantViolation)
		}
		if limits.MaxStrategyBps > 0 && p.Bps > limits.MaxStrategyBps {
			return fmt.Errorf("strategy %s share %d bps exceeds %d: %w", p.Name, p.Bps, limits.MaxStrategyBps, ErrRiskLimit)
		}
		totalBps += p.Bps
		weighted += float64(p.Bps) * p.Leverage
	}
	if totalBps > fullBps {
		return fmt.Errorf("planned allocations sum to %d bps: %w", totalBps, ErrInvariantViolation)
	}
	if limits.MaxPortfolioLeverage > 0 && totalBps > 0 {
		leverage := weighted / float64(totalBps)
		if leverage > limits.MaxPortfolioLeverage {
			return fmt.Errorf("portfolio leverage %.4f exceeds %.4f: %w", leverage, limits.MaxPortfolioLeverage, ErrRiskLimit)
		}
	}
	return nil
}
