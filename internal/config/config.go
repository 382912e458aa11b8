package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LoggingConfig    `yaml:"log"`
	Venue      VenueConfig      `yaml:"venue"`
	State      StateConfig      `yaml:"state"`
	Bundle     BundleConfig     `yaml:"bundle"`
	Optimizer  OptimizerConfig  `yaml:"optimizer"`
	Strategies StrategiesConfig `yaml:"strategies"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Server     ServerConfig     `yaml:"server"`
	Timescale  TimescaleConfig  `yaml:"timescale"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Telegram   TelegramConfig   `yaml:"telegram"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	VenueModeREST = "rest"
	VenueModeSim  = "sim"
)

type VenueConfig struct {
	Mode      string         `yaml:"mode"`
	BaseURL   string         `yaml:"base_url"`
	Timeout   time.Duration  `yaml:"timeout"`
	RateLimit float64        `yaml:"rate_limit"`
	Burst     int            `yaml:"burst"`
	ChainID   int64          `yaml:"chain_id"`
	Stream    StreamConfig   `yaml:"stream"`
	Sim       SimVenueConfig `yaml:"sim"`
}

// StreamConfig enables the websocket price feed in front of the REST oracle.
type StreamConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxPriceAge    time.Duration `yaml:"max_price_age"`
}

// SimVenueConfig seeds the in-process venues used for paper runs.
type SimVenueConfig struct {
	Prices      map[string]float64 `yaml:"prices"`
	FundingBps  int64              `yaml:"funding_bps"`
	SlippageBps int64              `yaml:"slippage_bps"`
	TRSRateBps  int64              `yaml:"trs_rate_bps"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type BundleConfig struct {
	MaxStrategies        int      `yaml:"max_strategies"`
	ReinvestYield        bool     `yaml:"reinvest_yield"`
	Operators            []string `yaml:"operators"`
	MaxPortfolioLeverage float64  `yaml:"max_portfolio_leverage"`
	MaxStrategyBps       int64    `yaml:"max_strategy_bps"`
}

type OptimizerConfig struct {
	GasThreshold     float64       `yaml:"gas_threshold"`
	MinCostSavingBps int64         `yaml:"min_cost_saving_bps"`
	MaxSlippageBps   int64         `yaml:"max_slippage_bps"`
	TimeHorizon      time.Duration `yaml:"time_horizon"`
	RiskPenalty      float64       `yaml:"risk_penalty"`
	CostWeight       float64       `yaml:"cost_weight"`
	RiskWeight       float64       `yaml:"risk_weight"`
	LiquidityWeight  float64       `yaml:"liquidity_weight"`
	HistoryLimit     int           `yaml:"history_limit"`
	NearCapBps       int64         `yaml:"near_cap_bps"`
}

type StrategiesConfig struct {
	Perpetual PerpetualConfig   `yaml:"perpetual"`
	TRS       TRSConfig         `yaml:"trs"`
	Direct    DirectTokenConfig `yaml:"direct"`
}

// AllocationConfig is the registration shared by every exposure strategy.
type AllocationConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Name      string `yaml:"name"`
	TargetBps int64  `yaml:"target_bps"`
	MaxBps    int64  `yaml:"max_bps"`
	Primary   bool   `yaml:"primary"`
}

type YieldEntryConfig struct {
	Vault     string `yaml:"vault"`
	WeightBps int64  `yaml:"weight_bps"`
}

type YieldConfig struct {
	Entries       []YieldEntryConfig `yaml:"entries"`
	LeverageRatio float64            `yaml:"leverage_ratio"`
}

type PerpetualConfig struct {
	AllocationConfig     `yaml:",inline"`
	MarketID             string      `yaml:"market_id"`
	Underlying           string      `yaml:"underlying"`
	BaseLeverage         float64     `yaml:"base_leverage"`
	MaxLeverage          float64     `yaml:"max_leverage"`
	FundingThresholdBps  int64       `yaml:"funding_threshold_bps"`
	ManagementFeeBps     int64       `yaml:"management_fee_bps"`
	SlippageBps          int64       `yaml:"slippage_bps"`
	MaintenanceMarginBps int64       `yaml:"maintenance_margin_bps"`
	MaxCapacity          float64     `yaml:"max_capacity"`
	RiskScore            float64     `yaml:"risk_score"`
	Yield                YieldConfig `yaml:"yield"`
}

type TRSConfig struct {
	AllocationConfig       `yaml:",inline"`
	Underlying             string        `yaml:"underlying"`
	Counterparties         []string      `yaml:"counterparties"`
	MaxCounterpartyBps     int64         `yaml:"max_counterparty_bps"`
	MaxCounterpartyAmount  float64       `yaml:"max_counterparty_amount"`
	CollateralRatioBps     int64         `yaml:"collateral_ratio_bps"`
	MinMaturity            time.Duration `yaml:"min_maturity"`
	MaxMaturity            time.Duration `yaml:"max_maturity"`
	FavorableRateBps       int64         `yaml:"favorable_rate_bps"`
	UnfavorableRateBps     int64         `yaml:"unfavorable_rate_bps"`
	RolloverThresholdBps   int64         `yaml:"rollover_threshold_bps"`
	RolloverWindow         time.Duration `yaml:"rollover_window"`
	ManagementFeeBps       int64         `yaml:"management_fee_bps"`
	SlippageBps            int64         `yaml:"slippage_bps"`
	MaxCapacity            float64       `yaml:"max_capacity"`
	RiskScore              float64       `yaml:"risk_score"`
	Yield                  YieldConfig   `yaml:"yield"`
}

type DirectTokenConfig struct {
	AllocationConfig `yaml:",inline"`
	TokenAsset       string      `yaml:"token_asset"`
	BaseAsset        string      `yaml:"base_asset"`
	PurchaseRatioBps int64       `yaml:"purchase_ratio_bps"`
	MaxSlippageBps   int64       `yaml:"max_slippage_bps"`
	ManagementFeeBps int64       `yaml:"management_fee_bps"`
	SlippageBps      int64       `yaml:"slippage_bps"`
	MaxCapacity      float64     `yaml:"max_capacity"`
	RiskScore        float64     `yaml:"risk_score"`
	Yield            YieldConfig `yaml:"yield"`
}

type ScheduleConfig struct {
	Optimize string `yaml:"optimize"`
	Harvest  string `yaml:"harvest"`
	Rollover string `yaml:"rollover"`
	Snapshot string `yaml:"snapshot"`
}

type ServerConfig struct {
	Enabled     *bool  `yaml:"enabled"`
	Address     string `yaml:"address"`
	MetricsPath string `yaml:"metrics_path"`
	EventsPath  string `yaml:"events_path"`
	StatusPath  string `yaml:"status_path"`
}

func (s ServerConfig) EnabledValue() bool {
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
	OperatorAddress        string        `yaml:"operator_address"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Venue.Mode == "" {
		cfg.Venue.Mode = VenueModeREST
	}
	if cfg.Venue.Timeout == 0 {
		cfg.Venue.Timeout = 10 * time.Second
	}
	if cfg.Venue.RateLimit == 0 {
		cfg.Venue.RateLimit = 10
	}
	if cfg.Venue.Burst == 0 {
		cfg.Venue.Burst = 5
	}
	if cfg.Venue.ChainID == 0 {
		cfg.Venue.ChainID = 1
	}
	if cfg.Venue.Stream.ReconnectDelay == 0 {
		cfg.Venue.Stream.ReconnectDelay = 2 * time.Second
	}
	if cfg.Venue.Stream.PingInterval == 0 {
		cfg.Venue.Stream.PingInterval = 30 * time.Second
	}
	if cfg.Venue.Stream.MaxPriceAge == 0 {
		cfg.Venue.Stream.MaxPriceAge = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/rwa-bundle.db"
	}
	if cfg.Bundle.MaxStrategies == 0 {
		cfg.Bundle.MaxStrategies = 5
	}
	if cfg.Bundle.MaxStrategyBps == 0 {
		cfg.Bundle.MaxStrategyBps = 10000
	}
	applyOptimizerDefaults(&cfg.Optimizer)
	applyStrategyDefaults(&cfg.Strategies)
	if cfg.Schedule.Optimize == "" {
		cfg.Schedule.Optimize = "@every 1h"
	}
	if cfg.Schedule.Harvest == "" {
		cfg.Schedule.Harvest = "@every 24h"
	}
	if cfg.Schedule.Rollover == "" {
		cfg.Schedule.Rollover = "@every 6h"
	}
	if cfg.Schedule.Snapshot == "" {
		cfg.Schedule.Snapshot = "@every 5m"
	}
	if cfg.Server.Enabled == nil {
		enabled := true
		cfg.Server.Enabled = &enabled
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = "127.0.0.1:9002"
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.EventsPath == "" {
		cfg.Server.EventsPath = "/events"
	}
	if cfg.Server.StatusPath == "" {
		cfg.Server.StatusPath = "/status"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "rwa-bundle-events"
	}
	if cfg.Kafka.WriteTimeout == 0 {
		cfg.Kafka.WriteTimeout = 5 * time.Second
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func applyOptimizerDefaults(opt *OptimizerConfig) {
	if opt.MinCostSavingBps == 0 {
		opt.MinCostSavingBps = 1
	}
	if opt.MaxSlippageBps == 0 {
		opt.MaxSlippageBps = 30
	}
	if opt.TimeHorizon == 0 {
		opt.TimeHorizon = 30 * 24 * time.Hour
	}
	if opt.RiskPenalty == 0 {
		opt.RiskPenalty = 0.25
	}
	if opt.CostWeight == 0 {
		opt.CostWeight = 1
	}
	if opt.RiskWeight == 0 {
		opt.RiskWeight = 0.5
	}
	if opt.LiquidityWeight == 0 {
		opt.LiquidityWeight = 0.2
	}
	if opt.HistoryLimit == 0 {
		opt.HistoryLimit = 168
	}
	if opt.NearCapBps == 0 {
		opt.NearCapBps = 9000
	}
}

func applyStrategyDefaults(s *StrategiesConfig) {
	if s.Perpetual.Name == "" {
		s.Perpetual.Name = "perpetual"
	}
	if s.Perpetual.BaseLeverage == 0 {
		s.Perpetual.BaseLeverage = 2
	}
	if s.Perpetual.MaxLeverage == 0 {
		s.Perpetual.MaxLeverage = 5
	}
	if s.Perpetual.FundingThresholdBps == 0 {
		s.Perpetual.FundingThresholdBps = 1000
	}
	if s.Perpetual.MaintenanceMarginBps == 0 {
		s.Perpetual.MaintenanceMarginBps = 500
	}
	if s.TRS.Name == "" {
		s.TRS.Name = "trs"
	}
	if s.TRS.MaxCounterpartyBps == 0 {
		s.TRS.MaxCounterpartyBps = 4000
	}
	if s.TRS.CollateralRatioBps == 0 {
		s.TRS.CollateralRatioBps = 2000
	}
	if s.TRS.MinMaturity == 0 {
		s.TRS.MinMaturity = 7 * 24 * time.Hour
	}
	if s.TRS.MaxMaturity == 0 {
		s.TRS.MaxMaturity = 90 * 24 * time.Hour
	}
	if s.TRS.FavorableRateBps == 0 {
		s.TRS.FavorableRateBps = 300
	}
	if s.TRS.UnfavorableRateBps == 0 {
		s.TRS.UnfavorableRateBps = 800
	}
	if s.TRS.RolloverThresholdBps == 0 {
		s.TRS.RolloverThresholdBps = 50
	}
	if s.TRS.RolloverWindow == 0 {
		s.TRS.RolloverWindow = 3 * 24 * time.Hour
	}
	if s.Direct.Name == "" {
		s.Direct.Name = "direct"
	}
	if s.Direct.BaseAsset == "" {
		s.Direct.BaseAsset = "USDC"
	}
	if s.Direct.PurchaseRatioBps == 0 {
		s.Direct.PurchaseRatioBps = 8000
	}
	if s.Direct.MaxSlippageBps == 0 {
		s.Direct.MaxSlippageBps = 200
	}
}

func applyEnvOverrides(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("RWA_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("RWA_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if dsn := strings.TrimSpace(os.Getenv("RWA_TIMESCALE_DSN")); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
	if baseURL := strings.TrimSpace(os.Getenv("RWA_VENUE_BASE_URL")); baseURL != "" {
		cfg.Venue.BaseURL = baseURL
	}
	if streamURL := strings.TrimSpace(os.Getenv("RWA_VENUE_STREAM_URL")); streamURL != "" {
		cfg.Venue.Stream.URL = streamURL
	}
}

func validate(cfg *Config) error {
	switch cfg.Venue.Mode {
	case VenueModeREST:
		if strings.TrimSpace(cfg.Venue.BaseURL) == "" {
			return errors.New("venue.base_url is required")
		}
		if url := cfg.Venue.Stream.URL; url != "" && !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return errors.New("venue.stream.url must be a ws:// or wss:// url")
		}
	case VenueModeSim:
		for asset, price := range cfg.Venue.Sim.Prices {
			if price <= 0 {
				return fmt.Errorf("venue.sim.prices: %s must be > 0", asset)
			}
		}
		if cfg.Venue.Sim.SlippageBps < 0 || cfg.Venue.Sim.SlippageBps >= 10000 {
			return errors.New("venue.sim.slippage_bps must be within [0, 10000)")
		}
	default:
		return fmt.Errorf("venue.mode %q must be rest or sim", cfg.Venue.Mode)
	}
	if cfg.Venue.Timeout < 0 || cfg.Venue.RateLimit < 0 || cfg.Venue.Burst < 0 {
		return errors.New("venue timeout, rate_limit and burst must be >= 0")
	}
	if cfg.Bundle.MaxStrategies < 0 {
		return errors.New("bundle.max_strategies must be >= 0")
	}
	if cfg.Bundle.MaxPortfolioLeverage < 0 {
		return errors.New("bundle.max_portfolio_leverage must be >= 0")
	}
	if cfg.Bundle.MaxStrategyBps < 0 || cfg.Bundle.MaxStrategyBps > 10000 {
		return errors.New("bundle.max_strategy_bps must be within [0, 10000]")
	}
	for _, op := range cfg.Bundle.Operators {
		if !common.IsHexAddress(op) {
			return fmt.Errorf("bundle.operators: invalid address %q", op)
		}
	}
	if err := validateOptimizer(cfg.Optimizer); err != nil {
		return err
	}
	if err := validateStrategies(cfg.Strategies); err != nil {
		return err
	}
	if cfg.Server.EnabledValue() {
		for _, path := range []string{cfg.Server.MetricsPath, cfg.Server.EventsPath, cfg.Server.StatusPath} {
			if !strings.HasPrefix(path, "/") {
				return fmt.Errorf("server path %q must start with /", path)
			}
		}
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled {
		if !cfg.Telegram.Enabled {
			return errors.New("telegram.operator_enabled requires telegram.enabled")
		}
		if !common.IsHexAddress(cfg.Telegram.OperatorAddress) {
			return errors.New("telegram.operator_address must be a valid address")
		}
	}
	return nil
}

func validateOptimizer(opt OptimizerConfig) error {
	if opt.GasThreshold < 0 {
		return errors.New("optimizer.gas_threshold must be >= 0")
	}
	if opt.MinCostSavingBps < 0 || opt.MaxSlippageBps < 0 {
		return errors.New("optimizer bps settings must be >= 0")
	}
	if opt.TimeHorizon < 0 {
		return errors.New("optimizer.time_horizon must be >= 0")
	}
	if opt.RiskPenalty < 0 || opt.CostWeight < 0 || opt.RiskWeight < 0 || opt.LiquidityWeight < 0 {
		return errors.New("optimizer weights must be >= 0")
	}
	if opt.NearCapBps < 0 || opt.NearCapBps > 10000 {
		return errors.New("optimizer.near_cap_bps must be within [0, 10000]")
	}
	return nil
}

func validateStrategies(s StrategiesConfig) error {
	var enabled int
	var targetTotal int64
	for _, alloc := range []AllocationConfig{s.Perpetual.AllocationConfig, s.TRS.AllocationConfig, s.Direct.AllocationConfig} {
		if !alloc.Enabled {
			continue
		}
		enabled++
		if err := validateAllocation(alloc); err != nil {
			return err
		}
		targetTotal += alloc.TargetBps
	}
	if enabled == 0 {
		return errors.New("at least one strategy must be enabled")
	}
	if targetTotal > 10000 {
		return fmt.Errorf("strategy target_bps sum %d exceeds 10000", targetTotal)
	}
	if s.Perpetual.Enabled {
		p := s.Perpetual
		if p.MarketID == "" || p.Underlying == "" {
			return errors.New("strategies.perpetual.market_id and underlying are required")
		}
		if p.BaseLeverage < 1 || p.MaxLeverage < p.BaseLeverage {
			return errors.New("strategies.perpetual leverage must satisfy 1 <= base_leverage <= max_leverage")
		}
		if err := validateYield("perpetual", p.Yield); err != nil {
			return err
		}
	}
	if s.TRS.Enabled {
		t := s.TRS
		if t.Underlying == "" {
			return errors.New("strategies.trs.underlying is required")
		}
		if len(t.Counterparties) == 0 {
			return errors.New("strategies.trs.counterparties is required")
		}
		for _, cp := range t.Counterparties {
			if !common.IsHexAddress(cp) {
				return fmt.Errorf("strategies.trs.counterparties: invalid address %q", cp)
			}
		}
		if t.MaxCounterpartyBps <= 0 || t.MaxCounterpartyBps > 10000 {
			return errors.New("strategies.trs.max_counterparty_bps must be within (0, 10000]")
		}
		if int64(len(t.Counterparties))*t.MaxCounterpartyBps < 10000 {
			return fmt.Errorf("strategies.trs: %d counterparties at max_counterparty_bps %d cannot hold the full notional",
				len(t.Counterparties), t.MaxCounterpartyBps)
		}
		if t.CollateralRatioBps <= 0 || t.CollateralRatioBps > 10000 {
			return errors.New("strategies.trs.collateral_ratio_bps must be within (0, 10000]")
		}
		if t.MinMaturity <= 0 || t.MaxMaturity < t.MinMaturity {
			return errors.New("strategies.trs maturity bounds are invalid")
		}
		if t.UnfavorableRateBps < t.FavorableRateBps {
			return errors.New("strategies.trs.unfavorable_rate_bps must be >= favorable_rate_bps")
		}
		if err := validateYield("trs", t.Yield); err != nil {
			return err
		}
	}
	if s.Direct.Enabled {
		d := s.Direct
		if d.TokenAsset == "" {
			return errors.New("strategies.direct.token_asset is required")
		}
		if d.PurchaseRatioBps <= 0 || d.PurchaseRatioBps > 10000 {
			return errors.New("strategies.direct.purchase_ratio_bps must be within (0, 10000]")
		}
		if d.MaxSlippageBps < 0 || d.MaxSlippageBps >= 10000 {
			return errors.New("strategies.direct.max_slippage_bps must be within [0, 10000)")
		}
		if err := validateYield("direct", d.Yield); err != nil {
			return err
		}
	}
	return nil
}

func validateAllocation(alloc AllocationConfig) error {
	if alloc.Name == "" {
		return errors.New("strategy name is required")
	}
	if alloc.TargetBps < 0 || alloc.MaxBps < 0 || alloc.MaxBps > 10000 {
		return fmt.Errorf("strategy %s: allocation bps out of range", alloc.Name)
	}
	if alloc.TargetBps > alloc.MaxBps {
		return fmt.Errorf("strategy %s: target_bps exceeds max_bps", alloc.Name)
	}
	return nil
}

func validateYield(name string, y YieldConfig) error {
	var total int64
	for _, entry := range y.Entries {
		if entry.Vault == "" {
			return fmt.Errorf("strategies.%s.yield: vault name is required", name)
		}
		if entry.WeightBps < 0 {
			return fmt.Errorf("strategies.%s.yield: weight_bps must be >= 0", name)
		}
		total += entry.WeightBps
	}
	if total > 10000 {
		return fmt.Errorf("strategies.%s.yield: weights sum %d exceeds 10000", name, total)
	}
	if y.LeverageRatio < 0 {
		return fmt.Errorf("strategies.%s.yield.leverage_ratio must be >= 0", name)
	}
	return nil
}
