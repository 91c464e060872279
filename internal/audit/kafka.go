package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/options-engine/internal/metrics"
)

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to a Kafka topic keyed by user id, so one
// user's events stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates an asynchronous producer for topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		Async:                  true,
		BatchTimeout:           50 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				metrics.AuditDropped.Add(float64(len(msgs)))
				slog.Warn("audit publish failed", "topic", topic, "count", len(msgs), "err", err)
			}
		},
	}
	slog.Info("kafka audit sink created", "brokers", brokers, "topic", topic)
	return &KafkaSink{writer: w, topic: topic}
}

func (s *KafkaSink) Emit(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		metrics.AuditDropped.Inc()
		return
	}

	msg := kafka.Message{
		Key:   []byte(e.UserID),
		Value: data,
		Time:  e.At,
	}
	if err := s.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		metrics.AuditDropped.Inc()
		slog.Warn("audit enqueue failed", "topic", s.topic, "type", e.Type, "err", err)
	}
}

// Close flushes pending messages.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
