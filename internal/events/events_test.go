package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rwa-exposure-bundle/internal/state"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Publish(ctx context.Context, ev Event) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected deadline")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

var testTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestBusStampsAndFansOut(t *testing.T) {
	bus := NewBus(zap.NewNop())
	bus.SetClock(func() time.Time { return testTime })
	failing := &recordingSink{err: errors.New("down")}
	ok := &recordingSink{}
	bus.Subscribe("failing", failing)
	bus.Subscribe("ok", ok)

	ev := bus.Publish(context.Background(), Event{Type: CapitalAllocated, Amount: decimal.NewFromInt(100)})
	if ev.ID == "" || !ev.Time.Equal(testTime) {
		t.Fatalf("expected stamped event, got %+v", ev)
	}
	if len(failing.events) != 1 || len(ok.events) != 1 {
		t.Fatalf("expected both sinks to receive the event despite failure")
	}
	if ok.events[0].ID != ev.ID {
		t.Fatalf("expected sinks to see the stamped id")
	}
}

func TestNilBusDropsEvents(t *testing.T) {
	var bus *Bus
	ev := bus.Publish(context.Background(), Event{Type: RebalanceSkipped})
	if ev.ID != "" {
		t.Fatalf("expected untouched event from nil bus")
	}
}

func TestJournalRecentAndPrune(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	journal := NewJournal(store, 3)
	for i := 0; i < 5; i++ {
		ev := Event{
			ID:     string(rune('a' + i)),
			Type:   CapitalAllocated,
			Time:   testTime.Add(time.Duration(i) * time.Minute),
			Amount: decimal.NewFromInt(int64(i)),
		}
		if err := journal.Publish(ctx, ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := journal.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	recent, err := journal.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(recent))
	}
	if recent[0].ID != "c" || recent[2].ID != "e" {
		t.Fatalf("expected oldest-first c..e, got %s..%s", recent[0].ID, recent[2].ID)
	}
	if !recent[2].Amount.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected amount 4, got %s", recent[2].Amount)
	}
	last, err := journal.Recent(ctx, 1)
	if err != nil || len(last) != 1 || last[0].ID != "e" {
		t.Fatalf("expected latest event e, got %+v err=%v", last, err)
	}
}

func TestKafkaSinkPublishesMsgpack(t *testing.T) {
	writer := &fakeWriter{}
	sink := NewKafkaSink(writer, "bundle-events", time.Second)
	ev := Event{
		ID:       "id-1",
		Type:     RebalanceExecuted,
		Time:     testTime,
		Strategy: "perpetual",
		Amount:   decimal.RequireFromString("715.25"),
		Bps:      715,
		Data:     map[string]string{"saving": "357.5"},
	}
	if err := sink.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(writer.msgs) != 1 || string(writer.msgs[0].Key) != "perpetual" {
		t.Fatalf("unexpected messages: %+v", writer.msgs)
	}
	got, err := DecodeMsgpack(writer.msgs[0].Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != ev.ID || got.Type != ev.Type || !got.Amount.Equal(ev.Amount) || !got.Time.Equal(ev.Time) {
		t.Fatalf("decoded event mismatch: %+v", got)
	}
	if got.Data["saving"] != "357.5" {
		t.Fatalf("expected data preserved, got %+v", got.Data)
	}
	if err := sink.Close(); err != nil || !writer.closed {
		t.Fatalf("expected writer closed")
	}
}

func TestNewKafkaWriterValidates(t *testing.T) {
	if _, err := NewKafkaWriter(nil, "topic", time.Second); err == nil {
		t.Fatalf("expected error without brokers")
	}
	if _, err := NewKafkaWriter([]string{"localhost:9092"}, "", time.Second); err == nil {
		t.Fatalf("expected error without topic")
	}
	w, err := NewKafkaWriter([]string{"localhost:9092"}, "topic", time.Second)
	if err != nil || w.Topic != "topic" {
		t.Fatalf("unexpected writer: %+v err=%v", w, err)
	}
}
