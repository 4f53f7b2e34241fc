package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/auctionhouse/internal/model"
)

// MessageWriter описывает часть kafka.Writer, нужную каналу.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier публикует события в топик Kafka в виде JSON.
// Ключом сообщения служит идентификатор лота, чтобы события одного лота шли в одну партицию.
type KafkaNotifier struct {
	writer MessageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaNotifier создаёт продюсер для указанных брокеров.
func NewKafkaNotifier(brokers []string, topic string, logger *zap.Logger) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		AllowAutoTopicCreation: true,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
		BatchTimeout:           10 * time.Millisecond,
	}
	logger.Info("kafka notifier created", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return NewKafkaNotifierWithWriter(writer, topic, logger)
}

// NewKafkaNotifierWithWriter создаёт канал поверх готового писателя.
func NewKafkaNotifierWithWriter(writer MessageWriter, topic string, logger *zap.Logger) *KafkaNotifier {
	return &KafkaNotifier{writer: writer, topic: topic, logger: logger}
}

// Publish отправляет событие в Kafka.
func (n *KafkaNotifier) Publish(ctx context.Context, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := strconv.FormatInt(event.ItemID, 10)
	if event.ItemID == 0 {
		key = "session-" + strconv.FormatInt(event.SessionID, 10)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
		Time: event.Timestamp,
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message to %s: %w", n.topic, err)
	}

	n.logger.Debug("kafka message sent", zap.String("topic", n.topic), zap.String("key", key))
	return nil
}

// Close закрывает продюсер.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
