package cohort

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures a KafkaChannel.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Group is the consumer group. Each member needs its own group so
	// that every member sees every message.
	Group string
	// PublishRetries bounds produce attempts per message. Defaults to 5.
	PublishRetries uint64
	Logger         hclog.Logger
}

// KafkaChannel is a cohort channel on a Kafka topic.
type KafkaChannel struct {
	client  *kgo.Client
	topic   string
	retries uint64
	logger  hclog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewKafkaChannel connects to the brokers. New members start reading at
// the end of the topic; earlier traffic reaches them through
// re-registration and refresh.
func NewKafkaChannel(cfg KafkaConfig) (*KafkaChannel, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" || cfg.Group == "" {
		return nil, errors.New("kafka topic and consumer group are required")
	}
	if cfg.PublishRetries == 0 {
		cfg.PublishRetries = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.DisableAutoCommit(),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &KafkaChannel{
		client:  client,
		topic:   cfg.Topic,
		retries: cfg.PublishRetries,
		logger:  cfg.Logger.Named("kafka").With("topic", cfg.Topic),
		done:    make(chan struct{}),
	}, nil
}

// KafkaFactory opens a KafkaChannel per cohort, in a consumer group owned
// by the local member.
func KafkaFactory(localID string, logger hclog.Logger) ChannelFactory {
	return func(cfg CohortConfig) (Channel, error) {
		return NewKafkaChannel(KafkaConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.topic(),
			Group:   "omrs-" + cfg.Name + "-" + localID,
			Logger:  logger,
		})
	}
}

// Publish produces msg, retrying transient failures. Instance events are
// keyed by guid so that changes to one instance stay in order.
func (k *KafkaChannel) Publish(ctx context.Context, msg Message) error {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode cohort message: %w", err)
	}
	key := msg.Sender
	if msg.Event != nil {
		key = msg.Event.GUID()
	}
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(msg.Type)},
			{Key: "sender", Value: []byte(msg.Sender)},
		},
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), k.retries), ctx)
	return backoff.RetryNotify(func() error {
		return k.client.ProduceSync(ctx, rec).FirstErr()
	}, b, func(err error, wait time.Duration) {
		k.logger.Debug("produce failed, retrying", "message", msg.ID, "wait", wait, "error", err)
	})
}

// Start polls the topic and hands each record to fn. Offsets are
// committed after fn returns.
func (k *KafkaChannel) Start(fn func(Message)) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrChannelClosed
	}
	if k.started {
		return errors.New("cohort channel already started")
	}
	k.started = true

	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	go k.poll(ctx, fn)
	return nil
}

func (k *KafkaChannel) poll(ctx context.Context, fn func(Message)) {
	defer close(k.done)
	for {
		fetches := k.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			k.logger.Warn("fetch error", "partition", partition, "error", err)
		})

		var handled []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			handled = append(handled, rec)
			var msg Message
			if err := json.Unmarshal(rec.Value, &msg); err != nil {
				k.logger.Warn("dropping undecodable record", "partition", rec.Partition, "offset", rec.Offset, "error", err)
				return
			}
			fn(msg)
		})
		if len(handled) == 0 {
			continue
		}
		if err := k.client.CommitRecords(ctx, handled...); err != nil && ctx.Err() == nil {
			k.logger.Warn("commit failed", "records", len(handled), "error", err)
		}
	}
}

// Close stops polling and closes the client.
func (k *KafkaChannel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	started := k.started
	k.mu.Unlock()

	if started {
		k.cancel()
		<-k.done
	}
	k.client.Close()
	return nil
}
