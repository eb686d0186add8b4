// Package pipeline moves accepted chat messages through the durable log:
// the Producer appends events, the Consumer persists them in the store.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/priyanshuxkumar/quicky-server/internal/chat"
	"github.com/priyanshuxkumar/quicky-server/internal/eventlog"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Ordering keys.
const (
	OrderingParticipants = "participants"
	OrderingNone         = "none"
)

var (
	// ErrProducerClosed is returned by Publish after Close.
	ErrProducerClosed = errors.New("pipeline: producer closed")

	errMissingOpener   = errors.New("pipeline: log opener is required")
	errUnknownOrdering = errors.New("pipeline: unknown ordering key")
)

// OpenFunc establishes the publishing handle to the durable log.
type OpenFunc func(ctx context.Context) (eventlog.Producer, error)

// PublishObserver receives publish outcomes.
type PublishObserver interface {
	ObservePublish(err error)
}

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	Open OpenFunc
	// OrderingKey selects the record key: OrderingParticipants keys by the
	// chat's participant pair so a chat's events share a partition,
	// OrderingNone leaves records unkeyed.
	OrderingKey string
	IDProvider  chat.IDProvider
	Logger      *zap.Logger
	Observer    PublishObserver
}

// Producer appends chat message events to the durable log. The log handle is
// opened by the first Publish and reused afterwards; concurrent first callers
// share a single open.
type Producer struct {
	open       OpenFunc
	ordering   string
	idProvider chat.IDProvider
	logger     *zap.Logger
	observer   PublishObserver

	group  singleflight.Group
	mu     sync.RWMutex
	handle eventlog.Producer
	closed bool
}

// NewProducer validates cfg and returns a Producer without opening the log.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if cfg.Open == nil {
		return nil, errMissingOpener
	}
	ordering := cfg.OrderingKey
	if ordering == "" {
		ordering = OrderingParticipants
	}
	if ordering != OrderingParticipants && ordering != OrderingNone {
		return nil, errUnknownOrdering
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = chat.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		open:       cfg.Open,
		ordering:   ordering,
		idProvider: idProvider,
		logger:     logger,
		observer:   cfg.Observer,
	}, nil
}

// Publish validates event, assigns an event id when missing and appends it.
// Duplicate publishes produce duplicate records; the consumer deduplicates
// on the event id.
func (p *Producer) Publish(ctx context.Context, event chat.ChatMessageEvent) (chat.ChatMessageEvent, error) {
	event.Normalize()
	if err := event.Validate(); err != nil {
		return event, err
	}
	if event.EventID == "" {
		eventID, err := p.idProvider.NewID()
		if err != nil {
			return event, err
		}
		event.EventID = eventID
	}

	payload, err := event.Encode()
	if err != nil {
		return event, err
	}

	handle, err := p.handleFor(ctx)
	if err == nil {
		var record eventlog.Record
		record, err = handle.Append(ctx, p.keyFor(event), payload)
		if err == nil {
			p.logger.Debug("event published",
				zap.String("event_id", event.EventID),
				zap.Int32("partition", record.Partition),
				zap.Int64("offset", record.Offset))
		}
	}
	if p.observer != nil {
		p.observer.ObservePublish(err)
	}
	if err != nil {
		p.logger.Error("event publish failed", zap.String("event_id", event.EventID), zap.Error(err))
		return event, err
	}
	return event, nil
}

// Close releases the log handle if one was opened.
func (p *Producer) Close() error {
	p.mu.Lock()
	handle := p.handle
	p.handle = nil
	p.closed = true
	p.mu.Unlock()

	if handle == nil {
		return nil
	}
	return handle.Close()
}

func (p *Producer) keyFor(event chat.ChatMessageEvent) []byte {
	if p.ordering == OrderingNone {
		return nil
	}
	return []byte(event.PairKey())
}

func (p *Producer) handleFor(ctx context.Context) (eventlog.Producer, error) {
	p.mu.RLock()
	handle, closed := p.handle, p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrProducerClosed
	}
	if handle != nil {
		return handle, nil
	}

	opened, err, _ := p.group.Do("handle", func() (any, error) {
		p.mu.RLock()
		existing := p.handle
		p.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		created, err := p.open(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			_ = created.Close()
			return nil, ErrProducerClosed
		}
		p.handle = created
		p.logger.Info("durable log producer opened")
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return opened.(eventlog.Producer), nil
}
