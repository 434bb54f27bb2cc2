package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaSink publishes snapshots and alerts as JSON records to one topic,
// keyed by instance so each instance's stream stays ordered.
type KafkaSink struct {
	client   *kgo.Client
	topic    string
	instance string
	timeout  time.Duration
	logger   zerolog.Logger

	produced atomic.Int64
	failed   atomic.Int64
}

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	Instance string
	Logger   zerolog.Logger

	// ProduceTimeout bounds each publish, including broker acknowledgement.
	// Default 5s.
	ProduceTimeout time.Duration
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("analytics topic is required")
	}
	if cfg.ProduceTimeout <= 0 {
		cfg.ProduceTimeout = 5 * time.Second
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerLinger(50*time.Millisecond),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordDeliveryTimeout(30*time.Second),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &KafkaSink{
		client:   client,
		topic:    cfg.Topic,
		instance: cfg.Instance,
		timeout:  cfg.ProduceTimeout,
		logger:   cfg.Logger.With().Str("component", "analytics_kafka").Logger(),
	}, nil
}

// produce waits for the broker to acknowledge the record so delivery
// failures reach the caller's breaker.
func (k *KafkaSink) produce(ctx context.Context, kind string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(k.instance),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(kind)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		k.failed.Add(1)
		k.logger.Warn().Err(err).Str("type", kind).Msg("Kafka produce failed")
		return fmt.Errorf("produce %s: %w", kind, err)
	}
	k.produced.Add(1)
	return nil
}

func (k *KafkaSink) PublishSnapshot(ctx context.Context, s Snapshot) error {
	return k.produce(ctx, "snapshot", s)
}

func (k *KafkaSink) PublishAlert(ctx context.Context, a AlertEvent) error {
	return k.produce(ctx, "alert", a)
}

// Ping checks broker reachability.
func (k *KafkaSink) Ping(ctx context.Context) error {
	return k.client.Ping(ctx)
}

// Stats returns produced and failed record counts.
func (k *KafkaSink) Stats() (produced, failed int64) {
	return k.produced.Load(), k.failed.Load()
}

// Close flushes buffered records, waiting at most until ctx ends, and
// closes the client.
func (k *KafkaSink) Close(ctx context.Context) error {
	err := k.client.Flush(ctx)
	k.client.Close()
	return err
}
