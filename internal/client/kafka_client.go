package client

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"marketplace-identity/internal/config"
	"marketplace-identity/internal/util"
)

type KafkaProducer struct {
	Writer  *kafka.Writer
	brokers []string
}

func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka enabled without brokers")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchBytes:   1048576, // 1MB
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}

	util.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Brokers))

	return &KafkaProducer{Writer: writer, brokers: cfg.Brokers}, nil
}

func (p *KafkaProducer) Close() error {
	if p.Writer == nil {
		return nil
	}
	if err := p.Writer.Close(); err != nil {
		util.Error("failed to close Kafka producer", zap.Error(err))
		return err
	}
	util.Info("Kafka producer closed")
	return nil
}

// ProduceMessage writes one message. The key picks the partition, so every
// event for one account lands in order.
func (p *KafkaProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	util.Debug("Produced kafka message",
		zap.String("topic", topic),
		zap.Int("value_size", len(value)),
	)
	return nil
}

func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	dialer := &kafka.Dialer{
		Timeout:   5 * time.Second,
		DualStack: true,
	}

	conn, err := dialer.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("failed to read kafka metadata: %w", err)
	}
	return nil
}
