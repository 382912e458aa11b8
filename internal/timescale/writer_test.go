package timescale

import (
	"context"
	"testing"
	"time"

	"rwa-exposure-bundle/internal/config"
	"rwa-exposure-bundle/internal/events"

	"go.uber.org/zap"
)

func TestNewDisabledReturnsNilWriter(t *testing.T) {
	w, err := New(config.TimescaleConfig{}, zap.NewNop())
	if err != nil || w != nil {
		t.Fatalf("expected nil writer when disabled, got %v err=%v", w, err)
	}
	w.EnqueueSnapshot(Snapshot{})
	if err := w.Publish(context.Background(), events.Event{}); err != nil {
		t.Fatalf("nil writer publish: %v", err)
	}
	w.Start(context.Background())
	if err := w.Close(); err != nil {
		t.Fatalf("nil writer close: %v", err)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true}, zap.NewNop()); err == nil {
		t.Fatalf("expected dsn error")
	}
}

func TestQueuesDropWhenFull(t *testing.T) {
	w := newWriter(nil, "", 2, zap.NewNop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		w.EnqueueSnapshot(Snapshot{Bundle: BundleRow{Time: now}})
		_ = w.Publish(context.Background(), events.Event{Type: events.RebalanceSkipped})
	}
	snaps, evs := w.Dropped()
	if snaps != 1 || evs != 1 {
		t.Fatalf("expected one drop per queue, got %d/%d", snaps, evs)
	}
	if w.table("bundle_events") != "public.bundle_events" {
		t.Fatalf("unexpected table name %s", w.table("bundle_events"))
	}
}

func TestRunSkipsWritesWithoutDatabase(t *testing.T) {
	w := newWriter(nil, "metrics", 4, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	w.EnqueueSnapshot(Snapshot{Allocations: []AllocationRow{{Strategy: "perpetual"}}})
	_ = w.Publish(ctx, events.Event{Type: events.CapitalAllocated})
	deadline := time.Now().Add(2 * time.Second)
	for len(w.snapshots) > 0 || len(w.events) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queues were not drained")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if w.table("x") != "metrics.x" {
		t.Fatalf("unexpected schema prefix")
	}
}
