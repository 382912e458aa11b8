package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rwa-exposure-bundle/internal/bundle"
	"rwa-exposure-bundle/internal/config"
	"rwa-exposure-bundle/internal/events"
	"rwa-exposure-bundle/internal/exposure"
	"rwa-exposure-bundle/internal/monitor"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const testOperator = "0x2000000000000000000000000000000000000002"

const simConfigYAML = `
log:
  level: error
venue:
  mode: sim
  sim:
    prices:
      RWA: 100
      USDC: 1
    funding_bps: 100
state:
  sqlite_path: %s
bundle:
  operators: ["%s"]
server:
  enabled: false
strategies:
  perpetual:
    enabled: true
    target_bps: 5000
    max_bps: 10000
    primary: true
    market_id: RWA-PERP
    underlying: RWA
    max_leverage: 2
    risk_score: 40
    yield:
      entries:
        - vault: perp-mm
          weight_bps: 10000
  direct:
    enabled: true
    target_bps: 5000
    max_bps: 10000
    token_asset: RWA
    max_slippage_bps: 100
    risk_score: 10
    yield:
      entries:
        - vault: direct-mm
          weight_bps: 10000
`

func loadSimConfig(t *testing.T, dbPath string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf(simConfigYAML, dbPath, testOperator)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func newSimApp(t *testing.T, dbPath string) *App {
	t.Helper()
	a, err := New(loadSimConfig(t, dbPath), zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := a.Setup(context.Background()); err != nil {
		a.close()
		t.Fatalf("setup: %v", err)
	}
	return a
}

func near(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(decimal.RequireFromString("0.01"))
}

func TestNewSimRegistersConfiguredStrategies(t *testing.T) {
	a := newSimApp(t, filepath.Join(t.TempDir(), "state", "bundle.db"))
	defer a.close()

	allocs := a.Bundle().Allocations()
	if len(allocs) != 2 {
		t.Fatalf("expected 2 strategies, got %d", len(allocs))
	}
	names := map[string]bool{}
	for _, alloc := range allocs {
		names[alloc.Name] = true
	}
	if !names["perpetual"] || !names["direct"] {
		t.Fatalf("unexpected strategies: %v", names)
	}
	if len(a.jobs()) != 4 {
		t.Fatalf("expected 4 scheduled jobs, got %d", len(a.jobs()))
	}
}

func TestOperatorDepositEmergencyClear(t *testing.T) {
	a := newSimApp(t, filepath.Join(t.TempDir(), "bundle.db"))
	defer a.close()
	ctx := context.Background()

	resp, err := a.handleOperatorCommand(ctx, "deposit", []string{"1000"}, operatorMeta{UpdateID: 1, Raw: "/deposit 1000"})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !strings.Contains(resp, "allocated") {
		t.Fatalf("unexpected response %q", resp)
	}
	st, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !near(st.Value, decimal.NewFromInt(1000)) {
		t.Fatalf("expected value near 1000, got %s", st.Value)
	}
	if text := a.operatorStatus(ctx); !strings.Contains(text, "perpetual") || !strings.Contains(text, "emergency: false") {
		t.Fatalf("unexpected status text:\n%s", text)
	}

	if _, err := a.handleOperatorCommand(ctx, "emergency", nil, operatorMeta{UpdateID: 2, Raw: "/emergency"}); err != nil {
		t.Fatalf("emergency: %v", err)
	}
	if !a.Bundle().InEmergency() {
		t.Fatalf("expected emergency mode")
	}
	if !near(a.Bundle().Idle(), decimal.NewFromInt(1000)) {
		t.Fatalf("expected capital back in custody, got %s", a.Bundle().Idle())
	}
	if _, err := a.handleOperatorCommand(ctx, "deposit", []string{"10"}, operatorMeta{UpdateID: 3}); err == nil {
		t.Fatalf("expected deposit rejected in emergency mode")
	}
	if _, err := a.handleOperatorCommand(ctx, "clear", nil, operatorMeta{UpdateID: 4}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if a.Bundle().InEmergency() {
		t.Fatalf("expected emergency cleared")
	}

	audit, err := a.store.List(ctx, "ops:audit:")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(audit) != 4 {
		t.Fatalf("expected 4 audit records, got %d", len(audit))
	}
	var sawEmergency bool
	for _, raw := range audit {
		if strings.Contains(raw, `"action":"emergency"`) && strings.Contains(raw, `"emergency_after":true`) {
			sawEmergency = true
		}
	}
	if !sawEmergency {
		t.Fatalf("expected emergency audit record")
	}

	recent, err := a.journal.Recent(ctx, 100)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	var allocated, activated int
	for _, ev := range recent {
		switch ev.Type {
		case events.CapitalAllocated:
			allocated++
		case events.EmergencyActivated:
			activated++
		}
	}
	if allocated != 1 || activated != 1 {
		t.Fatalf("expected journaled allocation and emergency, got %d/%d", allocated, activated)
	}
}

func TestRestartRestoresCustodyAndEmergency(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bundle.db")
	ctx := context.Background()

	first := newSimApp(t, dbPath)
	if err := first.Bundle().AllocateCapital(ctx, decimal.NewFromInt(500)); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := first.handleOperatorCommand(ctx, "emergency", nil, operatorMeta{}); err != nil {
		t.Fatalf("emergency: %v", err)
	}
	first.close()

	second := newSimApp(t, dbPath)
	defer second.close()
	if !second.Bundle().InEmergency() {
		t.Fatalf("expected emergency mode restored")
	}
	if !near(second.Bundle().Idle(), decimal.NewFromInt(500)) {
		t.Fatalf("expected idle 500 restored, got %s", second.Bundle().Idle())
	}
	if len(second.Bundle().Allocations()) != 2 {
		t.Fatalf("expected strategies re-registered once, got %d", len(second.Bundle().Allocations()))
	}
}

func TestOperatorCommandValidation(t *testing.T) {
	a := newSimApp(t, filepath.Join(t.TempDir(), "bundle.db"))
	defer a.close()
	ctx := context.Background()

	cases := []struct {
		cmd  string
		args []string
	}{
		{cmd: "deposit"},
		{cmd: "deposit", args: []string{"abc"}},
		{cmd: "withdraw", args: []string{"-5"}},
		{cmd: "target", args: []string{"perpetual"}},
		{cmd: "target", args: []string{"perpetual", "x"}},
		{cmd: "clear"},
		{cmd: "deactivate"},
		{cmd: "deactivate", args: []string{"unknown"}},
	}
	for _, tc := range cases {
		if _, err := a.handleOperatorCommand(ctx, tc.cmd, tc.args, operatorMeta{}); err == nil {
			t.Fatalf("expected /%s %v to fail", tc.cmd, tc.args)
		}
	}
	resp, err := a.handleOperatorCommand(ctx, "bogus", nil, operatorMeta{})
	if err != nil || !strings.HasPrefix(resp, "commands:") {
		t.Fatalf("expected help text, got %q (%v)", resp, err)
	}
	if _, err := a.handleOperatorCommand(ctx, "target", []string{"unknown", "100"}, operatorMeta{}); err == nil {
		t.Fatalf("expected unknown strategy to fail")
	}
}

func TestOperatorDeactivateExcludesStrategy(t *testing.T) {
	a := newSimApp(t, filepath.Join(t.TempDir(), "bundle.db"))
	defer a.close()
	ctx := context.Background()

	resp, err := a.handleOperatorCommand(ctx, "deactivate", []string{"direct"}, operatorMeta{UpdateID: 7, Raw: "/deactivate direct"})
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if resp != "direct deactivated" {
		t.Fatalf("unexpected response %q", resp)
	}
	if _, err := a.handleOperatorCommand(ctx, "deposit", []string{"1000"}, operatorMeta{UpdateID: 8}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	for _, alloc := range a.Bundle().Allocations() {
		if alloc.Name != "direct" {
			continue
		}
		if alloc.IsActive {
			t.Fatalf("expected direct inactive")
		}
		if !alloc.Value.IsZero() {
			t.Fatalf("inactive strategy should receive nothing, got %s", alloc.Value)
		}
	}

	if _, err := a.handleOperatorCommand(ctx, "activate", []string{"direct"}, operatorMeta{UpdateID: 9}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	for _, alloc := range a.Bundle().Allocations() {
		if alloc.Name == "direct" && !alloc.IsActive {
			t.Fatalf("expected direct active again")
		}
	}
	audit, err := a.store.List(ctx, "ops:audit:")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(audit) != 3 {
		t.Fatalf("expected 3 audit records, got %d", len(audit))
	}
}

func TestSnapshotJobWithoutTimescale(t *testing.T) {
	a := newSimApp(t, filepath.Join(t.TempDir(), "bundle.db"))
	defer a.close()
	if err := a.snapshot(context.Background()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
}

func TestTimescaleSnapshotRows(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := timescaleSnapshot(monitor.Status{
		Time:      now,
		Value:     decimal.NewFromInt(1000),
		Idle:      decimal.NewFromInt(10),
		Emergency: true,
		Allocations: []bundle.Allocation{
			{Name: "perpetual", Type: exposure.TypePerpetual, TargetBps: 6000, CurrentBps: 5900, MaxBps: 7000, IsActive: true, IsPrimary: true, State: bundle.StateActiveFunded, Value: decimal.NewFromInt(590)},
		},
	})
	if snap.Bundle.Value != 1000 || snap.Bundle.Idle != 10 || !snap.Bundle.Emergency {
		t.Fatalf("unexpected bundle row: %+v", snap.Bundle)
	}
	if len(snap.Allocations) != 1 {
		t.Fatalf("expected one allocation row, got %d", len(snap.Allocations))
	}
	row := snap.Allocations[0]
	if row.Strategy != "perpetual" || row.CurrentBps != 5900 || row.Value != 590 || !row.Primary || !row.Time.Equal(now) {
		t.Fatalf("unexpected allocation row: %+v", row)
	}
}
