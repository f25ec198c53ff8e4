// Package bridge connects a recognition engine running out of process over
// Redpanda. Engine events are consumed from the events topic and dispatched to
// a recognition.Handler; engine controls are produced to the control topic.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hashicorp-forge/augment/pkg/recognition"
)

var _ recognition.Engine = (*Bridge)(nil)

// Bridge consumes engine events and produces engine commands.
type Bridge struct {
	consumer     *kgo.Client
	producer     *kgo.Client
	controlTopic string
	maxRetries   uint64
	logger       hclog.Logger
	stopCh       chan struct{}
}

// Config holds configuration for the bridge.
type Config struct {
	// Kafka/Redpanda configuration
	Brokers       []string
	EventsTopic   string
	ControlTopic  string
	ConsumerGroup string

	// ConsumeFromStart reads the events topic from the beginning for a new
	// consumer group. Defaults to the end.
	ConsumeFromStart bool

	// MaxRetries bounds produce and commit retries (default: 5).
	MaxRetries uint64

	// Logger
	Logger hclog.Logger
}

// New creates a bridge. It does not consume until Start is called.
func New(cfg Config) (*Bridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.EventsTopic == "" {
		return nil, fmt.Errorf("events topic is required")
	}
	if cfg.ControlTopic == "" {
		return nil, fmt.Errorf("control topic is required")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "augment-recognition-bridge"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	offset := kgo.NewOffset().AtEnd()
	if cfg.ConsumeFromStart {
		offset = kgo.NewOffset().AtStart()
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.EventsTopic),

		kgo.ConsumeResetOffset(offset),
		kgo.SessionTimeout(10*time.Second),
		kgo.RebalanceTimeout(30*time.Second),

		// Offsets are committed after each event is dispatched.
		kgo.DisableAutoCommit(),

		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(1<<20), // 1MB
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.ControlTopic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
		kgo.RequestRetries(3),
	)
	if err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &Bridge{
		consumer:     consumer,
		producer:     producer,
		controlTopic: cfg.ControlTopic,
		maxRetries:   cfg.MaxRetries,
		logger:       cfg.Logger.Named("recognition-bridge"),
		stopCh:       make(chan struct{}),
	}, nil
}

// Start consumes engine events and dispatches them to h until Stop is called
// or ctx is cancelled. Events are dispatched in partition order.
func (b *Bridge) Start(ctx context.Context, h recognition.Handler) error {
	group, _ := b.consumer.GroupMetadata()
	b.logger.Info("starting recognition bridge",
		"consumer_group", group,
		"control_topic", b.controlTopic,
	)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("recognition bridge stopped by context")
			return ctx.Err()

		case <-b.stopCh:
			b.logger.Info("recognition bridge stopped")
			return nil

		default:
			fetches := b.consumer.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return nil
			}

			if errs := fetches.Errors(); len(errs) > 0 {
				for _, err := range errs {
					b.logger.Error("kafka fetch error", "error", err.Err)
				}
				continue
			}

			fetches.EachPartition(func(p kgo.FetchTopicPartition) {
				for _, record := range p.Records {
					if err := b.processRecord(ctx, h, record); err != nil {
						// Undeliverable events are logged and committed so
						// they do not block the partition.
						b.logger.Error("failed to process engine event",
							"partition", record.Partition,
							"offset", record.Offset,
							"error", err,
						)
					}
					b.commit(ctx, record)
				}
			})
		}
	}
}

// Stop gracefully stops the bridge.
func (b *Bridge) Stop() {
	select {
	case <-b.stopCh:
		return
	default:
		close(b.stopCh)
		b.consumer.Close()
		b.producer.Close()
	}
}

func (b *Bridge) processRecord(ctx context.Context, h recognition.Handler, record *kgo.Record) error {
	b.logger.Trace("processing engine event",
		"partition", record.Partition,
		"offset", record.Offset,
	)

	msg, err := DecodeMessage(record.Value)
	if err != nil {
		return err
	}
	return Dispatch(ctx, h, msg, record.Timestamp)
}

func (b *Bridge) commit(ctx context.Context, record *kgo.Record) {
	op := func() error {
		return b.consumer.CommitRecords(ctx, record)
	}
	if err := backoff.Retry(op, b.retryPolicy(ctx)); err != nil {
		b.logger.Warn("failed to commit Kafka offset",
			"partition", record.Partition,
			"offset", record.Offset,
			"error", err)
	}
}

// ClearAllTrackedAnchors implements recognition.Engine.
func (b *Bridge) ClearAllTrackedAnchors(ctx context.Context, immediate bool) error {
	return b.send(ctx, Command{
		Type:      CommandClearAllTrackedAnchors,
		Immediate: &immediate,
	})
}

// EnableResultDelivery implements recognition.Engine.
func (b *Bridge) EnableResultDelivery(ctx context.Context, enabled bool) error {
	return b.send(ctx, Command{
		Type:    CommandEnableResultDelivery,
		Enabled: &enabled,
	})
}

func (b *Bridge) send(ctx context.Context, cmd Command) error {
	cmd.ID = uuid.NewString()
	cmd.IssuedAt = time.Now().UTC()

	value, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal engine command: %w", err)
	}
	record := &kgo.Record{
		Topic: b.controlTopic,
		Key:   []byte(cmd.Type),
		Value: value,
	}

	op := func() error {
		return b.producer.ProduceSync(ctx, record).FirstErr()
	}
	notify := func(err error, wait time.Duration) {
		b.logger.Warn("retrying engine command",
			"command", cmd.Type,
			"id", cmd.ID,
			"wait", wait,
			"error", err)
	}
	if err := backoff.RetryNotify(op, b.retryPolicy(ctx), notify); err != nil {
		return fmt.Errorf("failed to send %s command: %w", cmd.Type, err)
	}

	b.logger.Debug("sent engine command", "command", cmd.Type, "id", cmd.ID)
	return nil
}

func (b *Bridge) retryPolicy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(eb, b.maxRetries), ctx)
}
