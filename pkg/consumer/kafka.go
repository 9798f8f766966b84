package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message represents a session event consumed from Kafka
type Message struct {
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
	Time      time.Time
	Raw       kafka.Message // kept for committing
}

// Consumer defines the interface for consuming session events
type Consumer interface {
	// Consume returns a channel of messages. Both channels close when ctx is
	// cancelled or fetching fails.
	Consume(ctx context.Context) (<-chan Message, <-chan error)

	// Commit marks msg and everything before it on its partition as handled
	Commit(ctx context.Context, msg Message) error

	// Close gracefully shuts down the consumer
	Close() error
}

// KafkaConsumer implements the Consumer interface using kafka-go
type KafkaConsumer struct {
	reader *kafka.Reader
}

// Config holds Kafka consumer configuration
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	// MaxWait bounds how long a fetch waits for new events
	MaxWait time.Duration
}

// NewKafkaConsumer creates a new KafkaConsumer instance. Session events are
// small and latency matters more than batching, so fetches return as soon as
// one event is available.
func NewKafkaConsumer(cfg Config) *KafkaConsumer {
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 500 * time.Millisecond
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    1e6, // 1MB
		MaxWait:     maxWait,
		StartOffset: kafka.FirstOffset,
	})

	return &KafkaConsumer{
		reader: reader,
	}
}

// Consume starts the consumption loop
func (c *KafkaConsumer) Consume(ctx context.Context) (<-chan Message, <-chan error) {
	msgChan := make(chan Message)
	errChan := make(chan error, 1)

	go func() {
		defer close(msgChan)
		defer close(errChan)

		for {
			m, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errChan <- fmt.Errorf("failed to fetch session event: %w", err)
				return
			}

			select {
			case msgChan <- fromKafka(m):
			case <-ctx.Done():
				return
			}
		}
	}()

	return msgChan, errChan
}

func fromKafka(m kafka.Message) Message {
	return Message{
		Key:       m.Key,
		Value:     m.Value,
		Partition: m.Partition,
		Offset:    m.Offset,
		Time:      m.Time,
		Raw:       m,
	}
}

// Commit commits the offset for a message
func (c *KafkaConsumer) Commit(ctx context.Context, msg Message) error {
	return c.reader.CommitMessages(ctx, msg.Raw)
}

// Close gracefully shuts down the consumer
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
