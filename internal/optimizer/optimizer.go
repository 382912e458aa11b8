// Package optimizer scores exposure strategies and decides how capital
// should be split between them. It never moves capital itself.
package optimizer

import (
	"math"
	"sort"
	"sync"
	"time"

	"rwa-exposure-bundle/internal/config"
	"rwa-exposure-bundle/internal/exposure"
	"rwa-exposure-bundle/internal/state"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	fullBps = 10000
	// IdleIndex marks bundle custody in rebalance instructions.
	IdleIndex = -1
	minScore  = 1.0
	year      = 365 * 24 * time.Hour
)

type Config struct {
	GasThreshold     decimal.Decimal
	MinCostSavingBps int64
	MaxSlippageBps   int64
	TimeHorizon      time.Duration
	RiskPenalty      float64
	CostWeight       float64
	RiskWeight       float64
	LiquidityWeight  float64
	HistoryLimit     int
	NearCapBps       int64
}

func ConfigFrom(cfg config.OptimizerConfig) Config {
	return Config{
		GasThreshold:     decimal.NewFromFloat(cfg.GasThreshold),
		MinCostSavingBps: cfg.MinCostSavingBps,
		MaxSlippageBps:   cfg.MaxSlippageBps,
		TimeHorizon:      cfg.TimeHorizon,
		RiskPenalty:      cfg.RiskPenalty,
		CostWeight:       cfg.CostWeight,
		RiskWeight:       cfg.RiskWeight,
		LiquidityWeight:  cfg.LiquidityWeight,
		HistoryLimit:     cfg.HistoryLimit,
		NearCapBps:       cfg.NearCapBps,
	}
}

// Candidate is one active strategy as seen by the optimizer.
type Candidate struct {
	Name       string
	Info       exposure.Info
	Cost       exposure.CostBreakdown
	CurrentBps int64
	MaxBps     int64
	IsPrimary  bool
}

type StrategyScore struct {
	Index          int
	Name           string
	CostScore      float64
	RiskScore      float64
	LiquidityScore float64
	TotalScore     float64
	IsPrimary      bool
}

// Instruction moves Bps of total capital from one strategy to another.
// IdleIndex on either side means bundle custody.
type Instruction struct {
	From   int
	To     int
	Bps    int64
	Amount decimal.Decimal
}

type sample struct {
	at      time.Time
	costBps int64
}

// Optimizer keeps per-strategy cost history on the instance.
type Optimizer struct {
	mu      sync.Mutex
	cfg     Config
	history map[string][]sample
}

func New(cfg Config) *Optimizer {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 168
	}
	return &Optimizer{cfg: cfg, history: make(map[string][]sample)}
}

func (o *Optimizer) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// RecordCost appends a cost sample, dropping the oldest beyond the limit.
func (o *Optimizer) RecordCost(name string, at time.Time, costBps int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	samples := append(o.history[name], sample{at: at, costBps: costBps})
	if over := len(samples) - o.cfg.HistoryLimit; over > 0 {
		samples = append([]sample(nil), samples[over:]...)
	}
	o.history[name] = samples
}

// Forget drops the history of a removed strategy.
func (o *Optimizer) Forget(name string) {
	o.mu.Lock()
	delete(o.history, name)
	o.mu.Unlock()
}

// trendBpsPerDay is the least-squares slope of the cost history.
func (o *Optimizer) trendBpsPerDay(name string) float64 {
	o.mu.Lock()
	samples := o.history[name]
	o.mu.Unlock()
	if len(samples) < 2 {
		return 0
	}
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	origin := samples[0].at
	for i, s := range samples {
		xs[i] = s.at.Sub(origin).Hours() / 24
		ys[i] = float64(s.costBps)
	}
	if floats.Max(xs) == floats.Min(xs) {
		return 0
	}
	_, beta := stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(beta) || math.IsInf(beta, 0) {
		return 0
	}
	return beta
}

// AnalyzeStrategies scores candidates, lower TotalScore first. Ties prefer
// the primary strategy, then the name.
func (o *Optimizer) AnalyzeStrategies(candidates []Candidate, targetExposure decimal.Decimal, horizon time.Duration) []StrategyScore {
	cfg := o.Config()
	if horizon <= 0 {
		horizon = cfg.TimeHorizon
	}
	horizonDays := horizon.Hours() / 24
	scores := make([]StrategyScore, 0, len(candidates))
	for i, c := range candidates {
		cost := float64(c.Cost.TotalCostBps) + o.trendBpsPerDay(c.Name)*horizonDays/2
		if cost < 0 {
			cost = 0
		}
		risk := c.Info.RiskScore
		if c.MaxBps > 0 && c.CurrentBps*fullBps >= c.MaxBps*cfg.NearCapBps {
			risk *= 1 + cfg.RiskPenalty
		}
		liquidity := liquidityScore(c.Info, targetExposure)
		total := cfg.CostWeight*cost + cfg.RiskWeight*risk + cfg.LiquidityWeight*(100-liquidity)
		if total < minScore {
			total = minScore
		}
		scores = append(scores, StrategyScore{
			Index:          i,
			Name:           c.Name,
			CostScore:      cost,
			RiskScore:      risk,
			LiquidityScore: liquidity,
			TotalScore:     total,
			IsPrimary:      c.IsPrimary,
		})
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].TotalScore != scores[j].TotalScore {
			return scores[i].TotalScore < scores[j].TotalScore
		}
		if scores[i].IsPrimary != scores[j].IsPrimary {
			return scores[i].IsPrimary
		}
		return scores[i].Name < scores[j].Name
	})
	return scores
}

func liquidityScore(info exposure.Info, targetExposure decimal.Decimal) float64 {
	if !info.MaxCapacity.IsPositive() {
		return 100
	}
	room := info.MaxCapacity.Sub(info.CurrentExposure)
	if !room.IsPositive() {
		return 0
	}
	if !targetExposure.IsPositive() {
		return 100
	}
	ratio, _ := room.Div(targetExposure).Float64()
	return math.Min(1, ratio) * 100
}

// CalculateOptimalAllocation splits min(targetExposure/totalCapital, 1) of
// capital across candidates in proportion to inverse score, capped by each
// candidate's MaxBps and capacity. Capacity that cannot be placed stays idle.
// The result is aligned with candidates.
func (o *Optimizer) CalculateOptimalAllocation(candidates []Candidate, totalCapital, targetExposure decimal.Decimal) []int64 {
	out := make([]int64, len(candidates))
	if len(candidates) == 0 || !totalCapital.IsPositive() || !targetExposure.IsPositive() {
		return out
	}
	target := int64(fullBps)
	if targetExposure.LessThan(totalCapital) {
		target = targetExposure.Mul(decimal.NewFromInt(fullBps)).Div(totalCapital).IntPart()
	}
	scores := o.AnalyzeStrategies(candidates, targetExposure, 0)
	caps := make([]int64, len(candidates))
	for i, c := range candidates {
		caps[i] = capBps(c, totalCapital)
	}

	shares := make([]float64, len(candidates))
	open := make(map[int]bool, len(candidates))
	for _, s := range scores {
		if caps[s.Index] > 0 {
			open[s.Index] = true
		}
	}
	remaining := float64(target)
	for len(open) > 0 && remaining > 0 {
		weights := make([]float64, 0, len(open))
		for _, s := range scores {
			if open[s.Index] {
				weights = append(weights, 1/s.TotalScore)
			}
		}
		sumW := floats.Sum(weights)
		pool := remaining
		capped := false
		for _, s := range scores {
			if !open[s.Index] {
				continue
			}
			share := pool / s.TotalScore / sumW
			if shares[s.Index]+share >= float64(caps[s.Index]) {
				remaining -= float64(caps[s.Index]) - shares[s.Index]
				shares[s.Index] = float64(caps[s.Index])
				delete(open, s.Index)
				capped = true
			}
		}
		if capped {
			continue
		}
		for _, s := range scores {
			if open[s.Index] {
				shares[s.Index] += remaining / s.TotalScore / sumW
			}
		}
		remaining = 0
	}

	var placed int64
	for i, share := range shares {
		out[i] = int64(math.Floor(share + 1e-9))
		placed += out[i]
	}
	dust := target - placed
	for _, s := range scores {
		if dust <= 0 {
			break
		}
		room := caps[s.Index] - out[s.Index]
		if room <= 0 {
			continue
		}
		add := min(room, dust)
		out[s.Index] += add
		dust -= add
	}
	return out
}

// capBps is the tighter of MaxBps and the capital share capacity allows.
func capBps(c Candidate, totalCapital decimal.Decimal) int64 {
	limit := c.MaxBps
	if limit > fullBps {
		limit = fullBps
	}
	if c.Info.MaxCapacity.IsPositive() {
		byCapacity := c.Info.MaxCapacity.Mul(decimal.NewFromInt(fullBps)).Div(totalCapital).IntPart()
		if byCapacity < limit {
			limit = byCapacity
		}
	}
	if limit < 0 {
		return 0
	}
	return limit
}

// ShouldRebalance projects the running-cost saving of moving from current to
// optimal over the horizon, less execution cost on the capital moved. It
// reports true only when the net saving clears both the relative and the
// absolute threshold.
func (o *Optimizer) ShouldRebalance(candidates []Candidate, current, optimal []int64, totalCapital decimal.Decimal) (bool, decimal.Decimal) {
	cfg := o.Config()
	if !totalCapital.IsPositive() || len(current) != len(candidates) || len(optimal) != len(candidates) {
		return false, decimal.Zero
	}
	var grossBps float64
	var out, in int64
	for i, c := range candidates {
		delta := current[i] - optimal[i]
		grossBps += float64(delta) * float64(c.Cost.TotalCostBps) / fullBps
		if delta > 0 {
			out += delta
		} else {
			in -= delta
		}
	}
	moved := max(out, in)
	if moved == 0 {
		return false, decimal.Zero
	}
	horizonYears := cfg.TimeHorizon.Seconds() / year.Seconds()
	capital, _ := totalCapital.Float64()
	gross := grossBps / fullBps * capital * horizonYears
	execution := float64(moved) / fullBps * capital * float64(cfg.MaxSlippageBps) / fullBps
	net := decimal.NewFromFloat(gross - execution)
	relativeBps := net.Mul(decimal.NewFromInt(fullBps)).Div(totalCapital)
	ok := net.GreaterThan(cfg.GasThreshold) && relativeBps.GreaterThanOrEqual(decimal.NewFromInt(cfg.MinCostSavingBps))
	return ok, net
}

// RebalanceInstructions matches strategies that must shed capital with
// strategies that must gain it, custody included. It never emits more moves
// than there are strategies.
func RebalanceInstructions(current, optimal []int64, totalCapital decimal.Decimal) []Instruction {
	if len(current) != len(optimal) {
		return nil
	}
	type leg struct {
		index int
		bps   int64
	}
	var sources, sinks []leg
	var curSum, optSum int64
	for i := range current {
		curSum += current[i]
		optSum += optimal[i]
		switch delta := current[i] - optimal[i]; {
		case delta > 0:
			sources = append(sources, leg{index: i, bps: delta})
		case delta < 0:
			sinks = append(sinks, leg{index: i, bps: -delta})
		}
	}
	switch idle := (fullBps - curSum) - (fullBps - optSum); {
	case idle > 0:
		sources = append(sources, leg{index: IdleIndex, bps: idle})
	case idle < 0:
		sinks = append(sinks, leg{index: IdleIndex, bps: -idle})
	}
	var out []Instruction
	i, j := 0, 0
	for i < len(sources) && j < len(sinks) {
		move := min(sources[i].bps, sinks[j].bps)
		out = append(out, Instruction{
			From:   sources[i].index,
			To:     sinks[j].index,
			Bps:    move,
			Amount: totalCapital.Mul(decimal.NewFromInt(move)).Div(decimal.NewFromInt(fullBps)),
		})
		sources[i].bps -= move
		sinks[j].bps -= move
		if sources[i].bps == 0 {
			i++
		}
		if sinks[j].bps == 0 {
			j++
		}
	}
	return out
}

func (o *Optimizer) Snapshot(now time.Time) state.OptimizerSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := state.OptimizerSnapshot{
		GasThreshold:     o.cfg.GasThreshold,
		MinCostSavingBps: o.cfg.MinCostSavingBps,
		MaxSlippageBps:   o.cfg.MaxSlippageBps,
		TimeHorizon:      o.cfg.TimeHorizon,
		RiskPenalty:      o.cfg.RiskPenalty,
		History:          make(map[string][]state.CostSample, len(o.history)),
		UpdatedAtMS:      now.UnixMilli(),
	}
	for name, samples := range o.history {
		out := make([]state.CostSample, len(samples))
		for i, s := range samples {
			out[i] = state.CostSample{At: s.at, CostBps: s.costBps}
		}
		snap.History[name] = out
	}
	return snap
}

// Restore loads the cost history. Thresholds come from configuration.
func (o *Optimizer) Restore(snap state.OptimizerSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = make(map[string][]sample, len(snap.History))
	for name, samples := range snap.History {
		if len(samples) > o.cfg.HistoryLimit {
			samples = samples[len(samples)-o.cfg.HistoryLimit:]
		}
		out := make([]sample, len(samples))
		for i, s := range samples {
			out[i] = sample{at: s.At, costBps: s.CostBps}
		}
		o.history[name] = out
	}
}
