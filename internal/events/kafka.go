package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// wireEvent is the msgpack payload published to Kafka.
type wireEvent struct {
	ID       string            `msgpack:"id"`
	Type     string            `msgpack:"type"`
	TimeMS   int64             `msgpack:"ts"`
	Strategy string            `msgpack:"strategy,omitempty"`
	Amount   string            `msgpack:"amount"`
	Bps      int64             `msgpack:"bps,omitempty"`
	Data     map[string]string `msgpack:"data,omitempty"`
}

type KafkaSink struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
}

// NewKafkaWriter keys messages by strategy so one strategy's events stay
// ordered within a partition.
func NewKafkaWriter(brokers []string, topic string, timeout time.Duration) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: timeout,
		BatchTimeout: 50 * time.Millisecond,
	}, nil
}

func NewKafkaSink(writer MessageWriter, topic string, timeout time.Duration) *KafkaSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaSink{writer: writer, topic: topic, timeout: timeout}
}

func (k *KafkaSink) Publish(ctx context.Context, ev Event) error {
	if k == nil || k.writer == nil {
		return nil
	}
	payload, err := EncodeMsgpack(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	key := ev.Strategy
	if key == "" {
		key = string(ev.Type)
	}
	if err := k.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}); err != nil {
		return fmt.Errorf("kafka publish %s: %w", k.topic, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func EncodeMsgpack(ev Event) ([]byte, error) {
	return msgpack.Marshal(wireEvent{
		ID:       ev.ID,
		Type:     string(ev.Type),
		TimeMS:   ev.Time.UnixMilli(),
		Strategy: ev.Strategy,
		Amount:   ev.Amount.String(),
		Bps:      ev.Bps,
		Data:     ev.Data,
	})
}

func DecodeMsgpack(payload []byte) (Event, error) {
	var w wireEvent
	if err := msgpack.Unmarshal(payload, &w); err != nil {
		return Event{}, err
	}
	amount, err := decimal.NewFromString(w.Amount)
	if err != nil {
		return Event{}, fmt.Errorf("decode amount: %w", err)
	}
	return Event{
		ID:       w.ID,
		Type:     Type(w.Type),
		Time:     time.UnixMilli(w.TimeMS).UTC(),
		Strategy: w.Strategy,
		Amount:   amount,
		Bps:      w.Bps,
		Data:     w.Data,
	}, nil
}
