// Package timescale records allocation history and bundle events into
// Postgres, creating hypertables when the timescaledb extension is present.
package timescale

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"rwa-exposure-bundle/internal/config"
	"rwa-exposure-bundle/internal/events"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// AllocationRow is one strategy's share at a point in time.
type AllocationRow struct {
	Time       time.Time
	Strategy   string
	Type       string
	State      string
	TargetBps  int64
	CurrentBps int64
	MaxBps     int64
	Value      float64
	Active     bool
	Primary    bool
}

// BundleRow is the bundle-level view captured alongside allocation rows.
type BundleRow struct {
	Time      time.Time
	Value     float64
	Idle      float64
	Emergency bool
}

type Snapshot struct {
	Bundle      BundleRow
	Allocations []AllocationRow
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	snapshots chan Snapshot
	events    chan events.Event
	started   atomic.Bool
	dropSnap  atomic.Uint64
	dropEvent atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		snapshots: make(chan Snapshot, queueSize),
		events:    make(chan events.Event, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSnapshot(snap Snapshot) {
	if w == nil {
		return
	}
	select {
	case w.snapshots <- snap:
	default:
		if w.dropSnap.Add(1) == 1 {
			w.log.Warn("timescale snapshot queue full")
		}
	}
}

// Publish queues an event row. It never blocks the event bus.
func (w *Writer) Publish(ctx context.Context, ev events.Event) error {
	if w == nil {
		return nil
	}
	select {
	case w.events <- ev:
	default:
		if w.dropEvent.Add(1) == 1 {
			w.log.Warn("timescale event queue full")
		}
	}
	return nil
}

func (w *Writer) Dropped() (snapshots, evs uint64) {
	return w.dropSnap.Load(), w.dropEvent.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.snapshots:
			w.writeSnapshot(ctx, snap)
		case ev := <-w.events:
			w.writeEvent(ctx, ev)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		idle DOUBLE PRECISION NOT NULL,
		emergency BOOLEAN NOT NULL
	)`, w.table("bundle_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		strategy TEXT NOT NULL,
		strategy_type TEXT NOT NULL,
		state TEXT NOT NULL,
		target_bps BIGINT NOT NULL,
		current_bps BIGINT NOT NULL,
		max_bps BIGINT NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		active BOOLEAN NOT NULL,
		is_primary BOOLEAN NOT NULL,
		PRIMARY KEY (ts, strategy)
	)`, w.table("allocation_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		strategy TEXT NOT NULL DEFAULT '',
		amount NUMERIC NOT NULL DEFAULT 0,
		bps BIGINT NOT NULL DEFAULT 0,
		data JSONB,
		PRIMARY KEY (ts, id)
	)`, w.table("bundle_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"bundle_snapshots", "allocation_snapshots", "bundle_events"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeSnapshot(ctx context.Context, snap Snapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := w.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (ts, value, idle, emergency) VALUES ($1,$2,$3,$4)`, w.table("bundle_snapshots")),
		snap.Bundle.Time, snap.Bundle.Value, snap.Bundle.Idle, snap.Bundle.Emergency,
	); err != nil {
		w.log.Warn("timescale bundle snapshot insert failed", zap.Error(err))
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, strategy, strategy_type, state, target_bps, current_bps, max_bps, value, active, is_primary
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
	)
	ON CONFLICT (ts, strategy) DO UPDATE SET
		state = EXCLUDED.state,
		target_bps = EXCLUDED.target_bps,
		current_bps = EXCLUDED.current_bps,
		max_bps = EXCLUDED.max_bps,
		value = EXCLUDED.value,
		active = EXCLUDED.active,
		is_primary = EXCLUDED.is_primary`, w.table("allocation_snapshots"))
	for _, row := range snap.Allocations {
		if _, err := w.db.ExecContext(ctx, query,
			row.Time,
			row.Strategy,
			row.Type,
			row.State,
			row.TargetBps,
			row.CurrentBps,
			row.MaxBps,
			row.Value,
			row.Active,
			row.Primary,
		); err != nil {
			w.log.Warn("timescale allocation upsert failed", zap.String("strategy", row.Strategy), zap.Error(err))
		}
	}
}

func (w *Writer) writeEvent(ctx context.Context, ev events.Event) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	var data any
	if len(ev.Data) > 0 {
		raw, err := json.Marshal(ev.Data)
		if err == nil {
			data = string(raw)
		}
	}
	query := fmt.Sprintf(`INSERT INTO %s (ts, id, event_type, strategy, amount, bps, data)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (ts, id) DO NOTHING`, w.table("bundle_events"))
	if _, err := w.db.ExecContext(ctx, query,
		ev.Time,
		ev.ID,
		string(ev.Type),
		ev.Strategy,
		ev.Amount.String(),
		ev.Bps,
		data,
	); err != nil {
		w.log.Warn("timescale event insert failed", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
