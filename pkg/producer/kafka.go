package producer

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Message is one event to publish. Key should be the player identity so a
// player's join and quit land on the same partition, in order.
type Message struct {
	Key   []byte
	Value []byte
}

// ProduceResult holds the result of an asynchronous production
type ProduceResult struct {
	Error error
}

// Producer defines the interface for publishing session events
type Producer interface {
	// Publish writes the messages and waits for the broker acknowledgement
	Publish(ctx context.Context, msgs ...Message) error

	// PublishAsync publishes in the background. The channel receives exactly
	// one result.
	PublishAsync(ctx context.Context, msgs ...Message) <-chan ProduceResult

	// Close flushes pending writes and shuts down the producer
	Close() error
}

// KafkaProducer implements the Producer interface using kafka-go
type KafkaProducer struct {
	writer *kafka.Writer
}

// Config holds Kafka producer configuration
type Config struct {
	Brokers []string
	Topic   string
}

// NewKafkaProducer creates a new KafkaProducer instance
func NewKafkaProducer(cfg Config) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}

	return &KafkaProducer{
		writer: writer,
	}
}

// Publish writes the messages synchronously
func (p *KafkaProducer) Publish(ctx context.Context, msgs ...Message) error {
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		out[i] = kafka.Message{Key: m.Key, Value: m.Value}
	}
	return p.writer.WriteMessages(ctx, out...)
}

// PublishAsync runs Publish on its own goroutine
func (p *KafkaProducer) PublishAsync(ctx context.Context, msgs ...Message) <-chan ProduceResult {
	resultChan := make(chan ProduceResult, 1)

	go func() {
		resultChan <- ProduceResult{Error: p.Publish(ctx, msgs...)}
		close(resultChan)
	}()

	return resultChan
}

// Close gracefully shuts down the producer
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
