package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Request is the message published for every order that traded.
type Request struct {
	OrderID     string `json:"order_id"`
	RequestedAt int64  `json:"requested_at"` // unix milliseconds
}

// KafkaLedger forwards settlement requests to the settlement service over
// Kafka, keyed by order id so requests for one order stay ordered.
type KafkaLedger struct {
	writer *kafka.Writer
	now    func() time.Time
}

func NewKafkaLedger(brokers []string, topic string) *KafkaLedger {
	return &KafkaLedger{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		now: time.Now,
	}
}

var _ Ledger = (*KafkaLedger)(nil)

func (l *KafkaLedger) Submit(ctx context.Context, orderID string) (Receipt, error) {
	at := l.now()
	msg, err := requestMessage(orderID, at)
	if err != nil {
		return Receipt{}, err
	}
	if err := l.writer.WriteMessages(ctx, msg); err != nil {
		return Receipt{}, fmt.Errorf("failed to publish settlement request for %s: %w", orderID, err)
	}
	return Receipt{OrderID: orderID, Ref: l.writer.Topic, SubmittedAt: at}, nil
}

func (l *KafkaLedger) Close() error {
	return l.writer.Close()
}

func requestMessage(orderID string, at time.Time) (kafka.Message, error) {
	value, err := json.Marshal(Request{OrderID: orderID, RequestedAt: at.UnixMilli()})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal settlement request: %w", err)
	}
	return kafka.Message{Key: []byte(orderID), Value: value, Time: at}, nil
}
