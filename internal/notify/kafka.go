package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/logging"
	"github.com/matheusmosca/variant-reservations/internal/orders"
)

// MessageWriter is the subset of *kafka.Writer the notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes OrderPaidEvent as JSON, keyed by order id so all events of one
// order land on the same partition.
type KafkaNotifier struct {
	writer MessageWriter
	topic  string
	logger *zap.Logger
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		BatchSize:              100,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func NewKafkaNotifier(writer MessageWriter, topic string, logger *zap.Logger) *KafkaNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaNotifier{writer: writer, topic: topic, logger: logger.With(zap.String("component", "kafka_notifier"))}
}

func (n *KafkaNotifier) OrderPaid(ctx context.Context, order orders.Order) error {
	payload, err := json.Marshal(NewOrderPaidEvent(order))
	if err != nil {
		return fmt.Errorf("failed to encode order paid event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(order.ID),
		Value: payload,
		Time:  time.Now(),
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish order %s to %s: %w", order.ID, n.topic, err)
	}
	logging.WithTrace(ctx, n.logger).Info("order_paid_published",
		zap.String("order_id", order.ID), zap.String("topic", n.topic))
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
