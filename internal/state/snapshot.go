package state

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	BundleSnapshotKey    = "bundle:snapshot"
	OptimizerSnapshotKey = "optimizer:snapshot"
	trsSnapshotPrefix    = "trs:snapshot:"
	perpSnapshotPrefix   = "perp:snapshot:"
	directSnapshotPrefix = "direct:snapshot:"
)

type AllocationRecord struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	TargetBps  int64  `json:"target_bps"`
	CurrentBps int64  `json:"current_bps"`
	MaxBps     int64  `json:"max_bps"`
	IsPrimary  bool   `json:"is_primary"`
	IsActive   bool   `json:"is_active"`
	State      string `json:"state"`
}

type BundleSnapshot struct {
	Allocations []AllocationRecord `json:"allocations"`
	Idle        decimal.Decimal    `json:"idle"`
	Emergency   bool               `json:"emergency"`
	UpdatedAtMS int64              `json:"updated_at_ms"`
}

type TRSContractRecord struct {
	ID            string          `json:"id"`
	Counterparty  string          `json:"counterparty"`
	Notional      decimal.Decimal `json:"notional"`
	Leverage      decimal.Decimal `json:"leverage"`
	Collateral    decimal.Decimal `json:"collateral"`
	BorrowRateBps int64           `json:"borrow_rate_bps"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Start         time.Time       `json:"start"`
	Maturity      time.Time       `json:"maturity"`
	Active        bool            `json:"active"`
}

type TRSSnapshot struct {
	Contracts   []TRSContractRecord        `json:"contracts"`
	Exposure    map[string]decimal.Decimal `json:"exposure"`
	Idle        decimal.Decimal            `json:"idle"`
	Sequence    uint64                     `json:"sequence"`
	UpdatedAtMS int64                      `json:"updated_at_ms"`
}

type PerpPositionRecord struct {
	ID         string          `json:"id"`
	Notional   decimal.Decimal `json:"notional"`
	Collateral decimal.Decimal `json:"collateral"`
	Leverage   decimal.Decimal `json:"leverage"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Units      decimal.Decimal `json:"units"`
}

type PerpSnapshot struct {
	Positions   []PerpPositionRecord `json:"positions"`
	Idle        decimal.Decimal      `json:"idle"`
	UpdatedAtMS int64                `json:"updated_at_ms"`
}

type DirectSnapshot struct {
	Tokens      decimal.Decimal `json:"tokens"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	Idle        decimal.Decimal `json:"idle"`
	UpdatedAtMS int64           `json:"updated_at_ms"`
}

type CostSample struct {
	At      time.Time `json:"at"`
	CostBps int64     `json:"cost_bps"`
}

type OptimizerSnapshot struct {
	GasThreshold     decimal.Decimal         `json:"gas_threshold"`
	MinCostSavingBps int64                   `json:"min_cost_saving_bps"`
	MaxSlippageBps   int64                   `json:"max_slippage_bps"`
	TimeHorizon      time.Duration           `json:"time_horizon"`
	RiskPenalty      float64                 `json:"risk_penalty"`
	History          map[string][]CostSample `json:"history"`
	UpdatedAtMS      int64                   `json:"updated_at_ms"`
}

func TRSSnapshotKey(strategy string) string {
	return trsSnapshotPrefix + strategy
}

func PerpSnapshotKey(strategy string) string {
	return perpSnapshotPrefix + strategy
}

func DirectSnapshotKey(strategy string) string {
	return directSnapshotPrefix + strategy
}

func LoadBundleSnapshot(ctx context.Context, store Store) (BundleSnapshot, bool, error) {
	var snapshot BundleSnapshot
	ok, err := loadJSON(ctx, store, BundleSnapshotKey, &snapshot)
	return snapshot, ok, err
}

func SaveBundleSnapshot(ctx context.Context, store Store, snapshot BundleSnapshot) error {
	return saveJSON(ctx, store, BundleSnapshotKey, snapshot)
}

func LoadTRSSnapshot(ctx context.Context, store Store, strategy string) (TRSSnapshot, bool, error) {
	var snapshot TRSSnapshot
	ok, err := loadJSON(ctx, store, TRSSnapshotKey(strategy), &snapshot)
	return snapshot, ok, err
}

func SaveTRSSnapshot(ctx context.Context, store Store, strategy string, snapshot TRSSnapshot) error {
	return saveJSON(ctx, store, TRSSnapshotKey(strategy), snapshot)
}

func LoadPerpSnapshot(ctx context.Context, store Store, strategy string) (PerpSnapshot, bool, error) {
	var snapshot PerpSnapshot
	ok, err := loadJSON(ctx, store, PerpSnapshotKey(strategy), &snapshot)
	return snapshot, ok, err
}

func SavePerpSnapshot(ctx context.Context, store Store, strategy string, snapshot PerpSnapshot) error {
	return saveJSON(ctx, store, PerpSnapshotKey(strategy), snapshot)
}

func LoadDirectSnapshot(ctx context.Context, store Store, strategy string) (DirectSnapshot, bool, error) {
	var snapshot DirectSnapshot
	ok, err := loadJSON(ctx, store, DirectSnapshotKey(strategy), &snapshot)
	return snapshot, ok, err
}

func SaveDirectSnapshot(ctx context.Context, store Store, strategy string, snapshot DirectSnapshot) error {
	return saveJSON(ctx, store, DirectSnapshotKey(strategy), snapshot)
}

func LoadOptimizerSnapshot(ctx context.Context, store Store) (OptimizerSnapshot, bool, error) {
	var snapshot OptimizerSnapshot
	ok, err := loadJSON(ctx, store, OptimizerSnapshotKey, &snapshot)
	return snapshot, ok, err
}

func SaveOptimizerSnapshot(ctx context.Context, store Store, snapshot OptimizerSnapshot) error {
	return saveJSON(ctx, store, OptimizerSnapshotKey, snapshot)
}

func loadJSON(ctx context.Context, store Store, key string, out any) (bool, error) {
	if store == nil {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func saveJSON(ctx context.Context, store Store, key string, value any) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(payload))
}
