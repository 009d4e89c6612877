package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"
	"github.com/velvetclaw/missionctl/internal/bus"
)

// KafkaConfig configures the optional Kafka telemetry transport.
type KafkaConfig struct {
	Enabled       bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers       string `json:"brokers" envconfig:"KAFKA_BROKERS"` // comma-separated
	Topic         string `json:"topic" envconfig:"KAFKA_TOPIC"`
	ConsumerGroup string `json:"consumerGroup" envconfig:"KAFKA_CONSUMER_GROUP"`
}

// KafkaConsumer reads telemetry envelopes from a Kafka topic and publishes
// them to the bus.
type KafkaConsumer struct {
	cfg    KafkaConfig
	bus    *bus.TelemetryBus
	reader *kafka.Reader
}

// NewKafkaConsumer creates a consumer for the configured topic.
func NewKafkaConsumer(cfg KafkaConfig, b *bus.TelemetryBus) *KafkaConsumer {
	return &KafkaConsumer{cfg: cfg, bus: b}
}

// Run consumes until the context is cancelled. Malformed messages are
// logged and skipped; the partition offset still advances.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(c.cfg.Brokers, ","),
		Topic:    c.cfg.Topic,
		GroupID:  c.cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer c.reader.Close()

	slog.Info("Kafka telemetry consumer started", "topic", c.cfg.Topic, "group", c.cfg.ConsumerGroup)
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var env bus.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			slog.Warn("skipping malformed telemetry message", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
		}
		env.Source = "kafka:" + msg.Topic
		c.bus.Publish(&env)
	}
}
