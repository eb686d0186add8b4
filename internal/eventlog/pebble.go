package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

const defaultPartitions = 4

var (
	errMissingDir   = errors.New("eventlog: data directory is required")
	errMissingTopic = errors.New("eventlog: topic is required")
	errMissingGroup = errors.New("eventlog: consumer group is required")
)

// PebbleConfig configures the embedded log.
type PebbleConfig struct {
	Dir        string
	FS         vfs.FS
	Topic      string
	Partitions int
	// NoSync skips the WAL fsync on append.
	NoSync bool
	Logger *zap.Logger
}

// PebbleLog is a partitioned append-only log stored in Pebble. Keyed records
// are assigned to partition xxhash(key) mod N, unkeyed records round robin.
type PebbleLog struct {
	db         *pebble.DB
	topic      string
	partitions uint32
	writeOpts  *pebble.WriteOptions
	logger     *zap.Logger

	mu       sync.RWMutex
	lastSeq  []uint64
	next     uint32
	notifyCh chan struct{}
	closed   bool
}

// OpenPebble opens or creates the log under cfg.Dir.
func OpenPebble(cfg PebbleConfig) (*PebbleLog, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errMissingDir
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errMissingTopic
	}
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = defaultPartitions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	options := &pebble.Options{}
	if cfg.FS != nil {
		options.FS = cfg.FS
	}
	db, err := pebble.Open(cfg.Dir, options)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open pebble: %w", err)
	}

	writeOpts := pebble.Sync
	if cfg.NoSync {
		writeOpts = pebble.NoSync
	}

	log := &PebbleLog{
		db:         db,
		topic:      cfg.Topic,
		partitions: uint32(partitions),
		writeOpts:  writeOpts,
		logger:     logger,
		lastSeq:    make([]uint64, partitions),
		notifyCh:   make(chan struct{}),
	}
	for partition := uint32(0); partition < log.partitions; partition++ {
		seq, err := log.loadUint64(keyMeta(cfg.Topic, partition))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		log.lastSeq[partition] = seq
	}

	logger.Info("event log opened",
		zap.String("dir", cfg.Dir),
		zap.String("topic", cfg.Topic),
		zap.Int("partitions", partitions))
	return log, nil
}

// Topic returns the topic name.
func (l *PebbleLog) Topic() string {
	return l.topic
}

// Partitions returns the partition count.
func (l *PebbleLog) Partitions() int {
	return int(l.partitions)
}

// Append stores value under key and wakes waiting consumers.
func (l *PebbleLog) Append(ctx context.Context, key, value []byte) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Record{}, ErrClosed
	}

	partition := l.partitionFor(key)
	seq := l.lastSeq[partition] + 1

	batch := l.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(keyEntry(l.topic, partition, seq), encodeRecord(key, value), nil); err != nil {
		return Record{}, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], seq)
	if err := batch.Set(keyMeta(l.topic, partition), meta[:], nil); err != nil {
		return Record{}, err
	}
	if err := batch.Commit(l.writeOpts); err != nil {
		return Record{}, fmt.Errorf("eventlog: commit append: %w", err)
	}
	l.lastSeq[partition] = seq

	close(l.notifyCh)
	l.notifyCh = make(chan struct{})

	return Record{
		Topic:     l.topic,
		Partition: int32(partition),
		Offset:    int64(seq),
		Key:       key,
		Value:     value,
	}, nil
}

// Producer returns a Producer view of the log whose Close leaves the log open.
func (l *PebbleLog) Producer() Producer {
	return pebbleProducer{log: l}
}

// NewConsumer returns a consumer for group starting after the group's last
// committed record in each partition, or at the earliest retained record.
func (l *PebbleLog) NewConsumer(group string) (*PebbleConsumer, error) {
	if strings.TrimSpace(group) == "" {
		return nil, errMissingGroup
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	positions := make([]uint64, l.partitions)
	for partition := uint32(0); partition < l.partitions; partition++ {
		committed, err := l.loadUint64(keyCursor(l.topic, group, partition))
		if err != nil {
			return nil, err
		}
		if committed > 0 {
			positions[partition] = committed + 1
		}
	}
	return &PebbleConsumer{log: l, group: group, positions: positions, done: make(chan struct{})}, nil
}

// Trim deletes every record the group has committed.
func (l *PebbleLog) Trim(ctx context.Context, group string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	batch := l.db.NewBatch()
	defer batch.Close()
	trimmed := 0
	for partition := uint32(0); partition < l.partitions; partition++ {
		committed, err := l.loadUint64(keyCursor(l.topic, group, partition))
		if err != nil {
			return 0, err
		}
		if committed == 0 {
			continue
		}
		start := keyEntry(l.topic, partition, 0)
		end := keyEntry(l.topic, partition, committed+1)
		if err := batch.DeleteRange(start, end, nil); err != nil {
			return 0, err
		}
		trimmed++
	}
	if trimmed == 0 {
		return 0, nil
	}
	if err := batch.Commit(l.writeOpts); err != nil {
		return 0, fmt.Errorf("eventlog: commit trim: %w", err)
	}
	return trimmed, nil
}

// Close closes the underlying store and wakes waiting consumers.
func (l *PebbleLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.notifyCh)
	return l.db.Close()
}

func (l *PebbleLog) partitionFor(key []byte) uint32 {
	if len(key) == 0 {
		partition := l.next % l.partitions
		l.next++
		return partition
	}
	return uint32(xxhash.Sum64(key) % uint64(l.partitions))
}

func (l *PebbleLog) loadUint64(key []byte) (uint64, error) {
	value, closer, err := l.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(value) < 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(value[:8]), nil
}

// readFrom returns the first entry of partition at or after seq. The caller
// holds l.mu for reading.
func (l *PebbleLog) readFrom(partition uint32, seq uint64) (Record, bool, error) {
	lower := keyEntry(l.topic, partition, seq)
	upper := keyEntry(l.topic, partition, ^uint64(0))
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: append(upper, 0x00)})
	if err != nil {
		return Record{}, false, err
	}
	defer iter.Close()

	if !iter.First() {
		return Record{}, false, iter.Error()
	}
	record := Record{
		Topic:     l.topic,
		Partition: int32(partition),
		Offset:    int64(seqFromEntryKey(iter.Key())),
	}
	key, value, ok := decodeRecord(iter.Value())
	if !ok {
		return record, true, ErrCorruptRecord
	}
	record.Key = key
	record.Value = value
	return record, true, nil
}

type pebbleProducer struct {
	log *PebbleLog
}

func (p pebbleProducer) Append(ctx context.Context, key, value []byte) (Record, error) {
	return p.log.Append(ctx, key, value)
}

func (pebbleProducer) Close() error {
	return nil
}

// PebbleConsumer tails a PebbleLog for one consumer group.
type PebbleConsumer struct {
	log   *PebbleLog
	group string

	mu        sync.Mutex
	positions []uint64
	start     uint32
	closed    bool
	done      chan struct{}
}

// Next blocks until a record is available in any partition or ctx ends.
// Partitions are visited round robin; records within a partition are
// delivered in offset order.
func (c *PebbleConsumer) Next(ctx context.Context) (Record, error) {
	for {
		record, found, wait, err := c.poll()
		if found || err != nil {
			return record, err
		}
		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-c.done:
			return Record{}, ErrClosed
		case <-wait:
		}
	}
}

func (c *PebbleConsumer) poll() (Record, bool, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Record{}, false, nil, ErrClosed
	}

	c.log.mu.RLock()
	defer c.log.mu.RUnlock()
	if c.log.closed {
		return Record{}, false, nil, ErrClosed
	}
	wait := c.log.notifyCh

	partitions := c.log.partitions
	for step := uint32(0); step < partitions; step++ {
		partition := (c.start + step) % partitions
		record, found, err := c.log.readFrom(partition, c.positions[partition])
		if !found && err != nil {
			return Record{}, false, nil, err
		}
		if !found {
			continue
		}
		c.positions[partition] = uint64(record.Offset) + 1
		c.start = (partition + 1) % partitions
		return record, true, nil, err
	}
	return Record{}, false, wait, nil
}

// Commit durably records that the group has processed record. Commits never
// move the cursor backwards.
func (c *PebbleConsumer) Commit(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.Partition < 0 || uint32(record.Partition) >= c.log.partitions {
		return fmt.Errorf("eventlog: partition %d out of range", record.Partition)
	}

	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	if c.log.closed {
		return ErrClosed
	}

	key := keyCursor(c.log.topic, c.group, uint32(record.Partition))
	previous, err := c.log.loadUint64(key)
	if err != nil {
		return err
	}
	if uint64(record.Offset) <= previous {
		return nil
	}
	var value [8]byte
	binary.BigEndian.PutUint64(value[:], uint64(record.Offset))
	return c.log.db.Set(key, value[:], c.log.writeOpts)
}

// Rewind makes record the next delivery of its partition.
func (c *PebbleConsumer) Rewind(record Record) error {
	if record.Partition < 0 || uint32(record.Partition) >= c.log.partitions {
		return fmt.Errorf("eventlog: partition %d out of range", record.Partition)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[record.Partition] = uint64(record.Offset)
	c.start = uint32(record.Partition)
	return nil
}

// Committed returns the group's committed offset for partition.
func (c *PebbleConsumer) Committed(partition int32) (int64, error) {
	c.log.mu.RLock()
	defer c.log.mu.RUnlock()
	if c.log.closed {
		return 0, ErrClosed
	}
	value, err := c.log.loadUint64(keyCursor(c.log.topic, c.group, uint32(partition)))
	return int64(value), err
}

// Close stops the consumer. The log stays open.
func (c *PebbleConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

var (
	_ Producer = (*PebbleLog)(nil)
	_ Consumer = (*PebbleConsumer)(nil)
)
