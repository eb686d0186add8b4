// Package eventlog provides the append-only, replayable log that decouples
// message sends from persistence. Two drivers are available: an embedded
// Pebble log for single-node deployments and tests, and Kafka via franz-go.
//
// Ordering is per partition only. Producers that need per-chat ordering must
// key records so that every event of a chat lands on the same partition.
package eventlog

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed log or client.
	ErrClosed = errors.New("eventlog: closed")
	// ErrCorruptRecord reports a stored record that fails its checksum.
	// The accompanying Record is positioned so it can still be committed.
	ErrCorruptRecord = errors.New("eventlog: corrupt record")
)

// Record is a single log entry.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// Producer appends records to a topic.
type Producer interface {
	Append(ctx context.Context, key, value []byte) (Record, error)
	Close() error
}

// Consumer tails a topic on behalf of a consumer group. Records are delivered
// one at a time; Commit advances the group's durable position past a record
// and Rewind makes the next call to Next redeliver it.
type Consumer interface {
	Next(ctx context.Context) (Record, error)
	Commit(ctx context.Context, record Record) error
	Rewind(record Record) error
	Close() error
}

// Pauser is implemented by consumers that can stop fetching while a caller
// backs off.
type Pauser interface {
	Pause()
	Resume()
}
