package eventlog

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

var errMissingBrokers = errors.New("eventlog: kafka brokers are required")

// KafkaConfig configures the Kafka driver.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	Group    string
	ClientID string
	Logger   *zap.Logger
}

func (c KafkaConfig) validate(requireGroup bool) error {
	if len(c.Brokers) == 0 {
		return errMissingBrokers
	}
	if strings.TrimSpace(c.Topic) == "" {
		return errMissingTopic
	}
	if requireGroup && strings.TrimSpace(c.Group) == "" {
		return errMissingGroup
	}
	return nil
}

func (c KafkaConfig) baseOptions() []kgo.Opt {
	options := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.ClientID != "" {
		options = append(options, kgo.ClientID(c.ClientID))
	}
	return options
}

// KafkaProducer appends records with the sticky key partitioner, so records
// sharing a key always land on the same partition.
type KafkaProducer struct {
	client *kgo.Client
	topic  string
}

// NewKafkaProducer connects a producing client.
func NewKafkaProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	if err := cfg.validate(false); err != nil {
		return nil, err
	}
	options := append(cfg.baseOptions(),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	)
	client, err := kgo.NewClient(options...)
	if err != nil {
		return nil, err
	}
	return &KafkaProducer{client: client, topic: cfg.Topic}, nil
}

// Append produces one record and waits for the broker acknowledgement.
func (p *KafkaProducer) Append(ctx context.Context, key, value []byte) (Record, error) {
	produced, err := p.client.ProduceSync(ctx, &kgo.Record{Topic: p.topic, Key: key, Value: value}).First()
	if err != nil {
		if errors.Is(err, kgo.ErrClientClosed) {
			return Record{}, ErrClosed
		}
		return Record{}, err
	}
	return fromKafka(produced), nil
}

// Close flushes and closes the client.
func (p *KafkaProducer) Close() error {
	p.client.Close()
	return nil
}

// KafkaConsumer is a group consumer with manual commits. New groups start at
// the earliest retained offset.
type KafkaConsumer struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger

	mu       sync.Mutex
	buffered []*kgo.Record
}

// NewKafkaConsumer joins cfg.Group and subscribes to cfg.Topic.
func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	if err := cfg.validate(true); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	options := append(cfg.baseOptions(),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	client, err := kgo.NewClient(options...)
	if err != nil {
		return nil, err
	}
	return &KafkaConsumer{client: client, topic: cfg.Topic, logger: logger}, nil
}

// Next returns the next buffered record, polling the brokers when empty.
func (c *KafkaConsumer) Next(ctx context.Context) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.buffered) == 0 {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return Record{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Warn("kafka fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})
		fetches.EachRecord(func(record *kgo.Record) {
			c.buffered = append(c.buffered, record)
		})
	}

	record := c.buffered[0]
	c.buffered[0] = nil
	c.buffered = c.buffered[1:]
	return fromKafka(record), nil
}

// Commit commits the offset following record for the group.
func (c *KafkaConsumer) Commit(ctx context.Context, record Record) error {
	return c.client.CommitRecords(ctx, &kgo.Record{
		Topic:       record.Topic,
		Partition:   record.Partition,
		Offset:      record.Offset,
		LeaderEpoch: -1,
	})
}

// Rewind discards buffered records of the partition and seeks back to record.
func (c *KafkaConsumer) Rewind(record Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.buffered[:0]
	for _, buffered := range c.buffered {
		if buffered.Topic == record.Topic && buffered.Partition == record.Partition {
			continue
		}
		kept = append(kept, buffered)
	}
	c.buffered = kept

	c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		record.Topic: {record.Partition: {Epoch: -1, Offset: record.Offset}},
	})
	return nil
}

// Pause stops fetching the topic.
func (c *KafkaConsumer) Pause() {
	c.client.PauseFetchTopics(c.topic)
}

// Resume restarts fetching the topic.
func (c *KafkaConsumer) Resume() {
	c.client.ResumeFetchTopics(c.topic)
}

// Close leaves the group and closes the client.
func (c *KafkaConsumer) Close() error {
	c.client.Close()
	return nil
}

func fromKafka(record *kgo.Record) Record {
	return Record{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
	}
}

var (
	_ Producer = (*KafkaProducer)(nil)
	_ Consumer = (*KafkaConsumer)(nil)
	_ Pauser   = (*KafkaConsumer)(nil)
)
