// Package events fans bundle state transitions out to monitoring sinks.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Type string

const (
	StrategyAdded      Type = "strategy_added"
	StrategyRemoved    Type = "strategy_removed"
	CapitalAllocated   Type = "capital_allocated"
	CapitalWithdrawn   Type = "capital_withdrawn"
	AllocationAdjusted Type = "allocation_adjusted"
	RebalanceExecuted  Type = "rebalance_executed"
	RebalanceSkipped   Type = "rebalance_skipped"
	YieldHarvested     Type = "yield_harvested"
	EmergencyActivated Type = "emergency_activated"
	EmergencyCleared   Type = "emergency_cleared"
	YieldBundleUpdated Type = "yield_bundle_updated"
	TRSRolledOver      Type = "trs_rolled_over"
	TRSContractRolled  Type = "trs_contract_rolled"
)

type Event struct {
	ID       string            `json:"id"`
	Type     Type              `json:"type"`
	Time     time.Time         `json:"time"`
	Strategy string            `json:"strategy,omitempty"`
	Amount   decimal.Decimal   `json:"amount"`
	Bps      int64             `json:"bps,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

type namedSink struct {
	name string
	sink Sink
}

// Bus delivers every event to every sink synchronously. Sink failures are
// logged and never reach the publisher.
type Bus struct {
	log   *zap.Logger
	clock func() time.Time

	mu    sync.RWMutex
	sinks []namedSink
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log, clock: func() time.Time { return time.Now().UTC() }}
}

func (b *Bus) SetClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	b.mu.Lock()
	b.clock = clock
	b.mu.Unlock()
}

func (b *Bus) Subscribe(name string, sink Sink) {
	if sink == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, namedSink{name: name, sink: sink})
	b.mu.Unlock()
}

// Publish stamps the event with an id and UTC time when missing and returns
// the stamped copy. A nil bus drops the event.
func (b *Bus) Publish(ctx context.Context, ev Event) Event {
	if b == nil {
		return ev
	}
	b.mu.RLock()
	clock := b.clock
	sinks := append([]namedSink(nil), b.sinks...)
	b.mu.RUnlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = clock()
	}
	ev.Time = ev.Time.UTC()
	for _, s := range sinks {
		if err := s.sink.Publish(ctx, ev); err != nil {
			b.log.Warn("event sink failed",
				zap.String("sink", s.name),
				zap.String("event", string(ev.Type)),
				zap.Error(err),
			)
		}
	}
	return ev
}
