package exposure

import (
	"sync"
	"testing"
	"time"

	"rwa-exposure-bundle/internal/metrics"
	"rwa-exposure-bundle/internal/venue/sim"
	"rwa-exposure-bundle/internal/yield"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type countingCounter struct {
	mu sync.Mutex
	n  int
}

func (c *countingCounter) Inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	oracle  *sim.Oracle
	vault   *sim.Vault
	yield   *yield.Bundle
	clock   *testClock
	yieldKO *countingCounter
	rolled  *countingCounter
	opts    Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	oracle := sim.NewOracle()
	oracle.SetPrice("RWA", d("100"))
	oracle.SetPrice("USDC", d("1"))
	vault := sim.NewVault()
	yb, err := yield.New([]yield.Entry{{Name: "money-market", Vault: vault, WeightBps: 10000}}, 1)
	if err != nil {
		t.Fatalf("yield bundle: %v", err)
	}
	m := metrics.NewNoop()
	yieldKO := &countingCounter{}
	rolled := &countingCounter{}
	m.YieldDepositFailed = yieldKO
	m.TRSRolledOver = rolled
	clock := newTestClock()
	return &fixture{
		oracle:  oracle,
		vault:   vault,
		yield:   yb,
		clock:   clock,
		yieldKO: yieldKO,
		rolled:  rolled,
		opts:    Options{Log: zap.NewNop(), Metrics: m, Clock: clock.Now},
	}
}
