package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rwa-exposure-bundle/internal/alerts"
	"rwa-exposure-bundle/internal/bundle"
	"rwa-exposure-bundle/internal/config"
	"rwa-exposure-bundle/internal/events"
	"rwa-exposure-bundle/internal/exposure"
	"rwa-exposure-bundle/internal/metrics"
	"rwa-exposure-bundle/internal/monitor"
	"rwa-exposure-bundle/internal/optimizer"
	"rwa-exposure-bundle/internal/state"
	"rwa-exposure-bundle/internal/state/sqlite"
	"rwa-exposure-bundle/internal/timescale"
	"rwa-exposure-bundle/internal/venue/stream"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const (
	journalKeep    = 1000
	journalBacklog = 50
)

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      state.Store
	prom       *metrics.Prometheus
	bus        *events.Bus
	journal    *events.Journal
	kafka      *events.KafkaSink
	hub        *monitor.Hub
	alerts     *alerts.Telegram
	tsdb       *timescale.Writer
	bundle     *bundle.Bundle
	prices     *stream.Oracle
	strategies []registration
	operator   common.Address
	clock      func() time.Time

	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a, err := newApp(cfg, log, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func newApp(cfg *config.Config, log *zap.Logger, store state.Store) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{
		cfg:   cfg,
		log:   log,
		store: store,
		prom:  metrics.NewPrometheus(),
		bus:   events.NewBus(log),
		clock: func() time.Time { return time.Now().UTC() },
	}
	a.journal = events.NewJournal(store, journalKeep)
	a.bus.Subscribe("journal", a.journal)

	if cfg.Kafka.Enabled {
		writer, err := events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.WriteTimeout)
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		a.kafka = events.NewKafkaSink(writer, cfg.Kafka.Topic, cfg.Kafka.WriteTimeout)
		a.bus.Subscribe("kafka", a.kafka)
	}

	a.hub = monitor.NewHub(log, 0)
	a.hub.SetBacklog(func(ctx context.Context) ([]events.Event, error) {
		return a.journal.Recent(ctx, journalBacklog)
	})
	a.bus.Subscribe("ws", a.hub)

	a.alerts = alerts.NewTelegram(cfg.Telegram, log)
	if cfg.Telegram.Enabled {
		a.bus.Subscribe("telegram", alerts.NewSink(a.alerts))
	}

	tsdb, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return nil, fmt.Errorf("timescale: %w", err)
	}
	if tsdb != nil {
		a.tsdb = tsdb
		a.bus.Subscribe("timescale", tsdb)
	}

	a.operator, err = operatorAddress(cfg)
	if err != nil {
		return nil, err
	}

	v, err := buildVenues(cfg, log)
	if err != nil {
		return nil, err
	}
	a.prices = v.stream
	opts := exposure.Options{Log: log, Metrics: a.prom.Metrics, Clock: a.clock}
	a.strategies, err = buildStrategies(cfg.Strategies, v, opts, a.bus)
	if err != nil {
		return nil, err
	}

	a.bundle, err = bundle.New(cfg.Bundle, optimizer.New(optimizer.ConfigFrom(cfg.Optimizer)), bundle.Options{
		Log:     log,
		Metrics: a.prom.Metrics,
		Events:  a.bus,
		Store:   store,
		Clock:   a.clock,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// operatorAddress picks the identity used for emergency commands issued from
// the operator chat.
func operatorAddress(cfg *config.Config) (common.Address, error) {
	raw := strings.TrimSpace(cfg.Telegram.OperatorAddress)
	if raw == "" && len(cfg.Bundle.Operators) > 0 {
		raw = cfg.Bundle.Operators[0]
	}
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid operator address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func (a *App) Bundle() *bundle.Bundle {
	return a.bundle
}

// Setup restores persisted state and registers every configured strategy.
func (a *App) Setup(ctx context.Context) error {
	if err := a.bundle.Restore(ctx); err != nil {
		return err
	}
	for _, reg := range a.strategies {
		alloc := reg.alloc
		err := a.bundle.AddExposureStrategy(ctx, reg.strategy, alloc.TargetBps, alloc.MaxBps, alloc.Primary)
		if err != nil && !errors.Is(err, bundle.ErrDuplicateStrategy) {
			return fmt.Errorf("register %s: %w", reg.strategy.Name(), err)
		}
	}
	a.log.Info("bundle ready",
		zap.Int("strategies", len(a.bundle.Allocations())),
		zap.String("idle", a.bundle.Idle().String()),
		zap.Bool("emergency", a.bundle.InEmergency()),
	)
	return nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if err := a.Setup(ctx); err != nil {
		return err
	}
	if a.prices != nil {
		if err := a.prices.Start(ctx); err != nil {
			return fmt.Errorf("price stream: %w", err)
		}
	}
	if a.tsdb != nil {
		a.tsdb.Start(ctx)
	}
	if a.cfg.Server.EnabledValue() {
		server := monitor.NewServer(a.cfg.Server, monitor.StatusFunc(a.Status), a.prom.Handler(), a.hub, a.log)
		addr, err := server.Start(ctx)
		if err != nil {
			return fmt.Errorf("monitor server: %w", err)
		}
		a.log.Info("monitor server listening", zap.String("addr", addr.String()))
	}
	a.startOperator(ctx)

	sched := newScheduler(a.log)
	for _, j := range a.jobs() {
		if err := sched.add(ctx, j); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	sched.start()
	defer sched.stop()

	<-ctx.Done()
	a.log.Info("shutting down")
	return ctx.Err()
}

func (a *App) jobs() []job {
	s := a.cfg.Schedule
	return []job{
		{name: "optimize", schedule: s.Optimize, run: a.optimize},
		{name: "harvest", schedule: s.Harvest, run: a.harvest},
		{name: "rollover", schedule: s.Rollover, run: a.rollover},
		{name: "snapshot", schedule: s.Snapshot, run: a.snapshot},
	}
}

func (a *App) optimize(ctx context.Context) error {
	if a.bundle.InEmergency() {
		return nil
	}
	res, err := a.bundle.OptimizeAllocations(ctx)
	if err != nil {
		return err
	}
	a.log.Info("optimize pass",
		zap.Bool("executed", res.Executed),
		zap.String("saving", res.Saving.String()),
		zap.Int64s("target", res.Target),
	)
	return nil
}

func (a *App) harvest(ctx context.Context) error {
	if a.bundle.InEmergency() {
		return nil
	}
	amount, err := a.bundle.HarvestYield(ctx)
	if err != nil {
		return err
	}
	a.log.Info("harvest pass", zap.String("amount", amount.String()))
	return nil
}

func (a *App) rollover(ctx context.Context) error {
	n, err := a.bundle.RolloverTRS(ctx)
	if n > 0 {
		a.log.Info("trs contracts rolled", zap.Int("count", n))
	}
	return err
}

// snapshot samples costs, records allocation history and trims the journal.
func (a *App) snapshot(ctx context.Context) error {
	var errs []error
	if err := a.bundle.RecordCosts(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.tsdb != nil {
		st, err := a.Status(ctx)
		if err != nil {
			errs = append(errs, err)
		} else {
			a.tsdb.EnqueueSnapshot(timescaleSnapshot(st))
		}
	}
	if err := a.journal.Prune(ctx); err != nil {
		errs = append(errs, fmt.Errorf("prune journal: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) Status(ctx context.Context) (monitor.Status, error) {
	value, err := a.bundle.ValueInBaseAsset(ctx)
	if err != nil {
		return monitor.Status{}, err
	}
	return monitor.Status{
		Time:        a.clock(),
		Value:       value,
		Idle:        a.bundle.Idle(),
		Emergency:   a.bundle.InEmergency(),
		Allocations: a.bundle.Allocations(),
		WSClients:   a.hub.Clients(),
	}, nil
}

func timescaleSnapshot(st monitor.Status) timescale.Snapshot {
	snap := timescale.Snapshot{
		Bundle: timescale.BundleRow{
			Time:      st.Time,
			Value:     st.Value.InexactFloat64(),
			Idle:      st.Idle.InexactFloat64(),
			Emergency: st.Emergency,
		},
	}
	for _, alloc := range st.Allocations {
		snap.Allocations = append(snap.Allocations, timescale.AllocationRow{
			Time:       st.Time,
			Strategy:   alloc.Name,
			Type:       string(alloc.Type),
			State:      string(alloc.State),
			TargetBps:  alloc.TargetBps,
			CurrentBps: alloc.CurrentBps,
			MaxBps:     alloc.MaxBps,
			Value:      alloc.Value.InexactFloat64(),
			Active:     alloc.IsActive,
			Primary:    alloc.IsPrimary,
		})
	}
	return snap
}

func (a *App) close() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.log.Warn("kafka close failed", zap.Error(err))
		}
	}
	if a.tsdb != nil {
		if err := a.tsdb.Close(); err != nil {
			a.log.Warn("timescale close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
