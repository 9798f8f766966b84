package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func TestNewKafkaConsumer(t *testing.T) {
	c := NewKafkaConsumer(Config{
		Brokers: []string{"localhost:9092"},
		Topic:   "sessions",
		GroupID: "statsaver",
	})
	defer c.Close()

	assert.NotNil(t, c.reader)
	cfg := c.reader.Config()
	assert.Equal(t, 1, cfg.MinBytes)
	assert.Equal(t, 500*time.Millisecond, cfg.MaxWait)
	assert.Equal(t, "statsaver", cfg.GroupID)
}

func TestFromKafkaKeepsPosition(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("converted messages keep partition, offset and payload", prop.ForAll(
		func(partition int, offset int64, value []byte) bool {
			m := fromKafka(kafka.Message{Partition: partition, Offset: offset, Value: value, Key: []byte("k")})
			return m.Partition == partition && m.Offset == offset &&
				string(m.Value) == string(value) && m.Raw.Offset == offset
		},
		gen.IntRange(0, 64),
		gen.Int64Range(0, 1<<40),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestCommitWithCancelledContext(t *testing.T) {
	c := NewKafkaConsumer(Config{
		Brokers: []string{"localhost:9999"},
		Topic:   "sessions",
		GroupID: "statsaver",
	})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, c.Commit(ctx, Message{Raw: kafka.Message{Topic: "sessions", Offset: 3}}))
}

func TestConsumeStopsOnCancel(t *testing.T) {
	c := NewKafkaConsumer(Config{
		Brokers: []string{"localhost:9999"},
		Topic:   "sessions",
		GroupID: "statsaver",
	})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	msgChan, _ := c.Consume(ctx)

	select {
	case _, ok := <-msgChan:
		assert.False(t, ok, "expected no message from an unreachable broker")
	case <-time.After(2 * time.Second):
		t.Fatal("consumer loop did not stop after cancellation")
	}
}
