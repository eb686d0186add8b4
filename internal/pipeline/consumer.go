package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/priyanshuxkumar/quicky-server/internal/chat"
	"github.com/priyanshuxkumar/quicky-server/internal/eventlog"
	"go.uber.org/zap"
)

// DefaultBackoff is the pause after a failed attempt.
const DefaultBackoff = 60 * time.Second

// Consumer outcomes reported to the ConsumeObserver.
const (
	OutcomePersisted    = "persisted"
	OutcomeDuplicate    = "duplicate"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeMalformed    = "malformed"
)

var (
	errMissingLog     = errors.New("pipeline: log consumer is required")
	errMissingStore   = errors.New("pipeline: store is required")
	errAlreadyRunning = errors.New("pipeline: consumer already running")
)

// State is the consumer lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateSubscribed
	StateProcessing
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateProcessing:
		return "processing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Store is the store of record the consumer persists into.
type Store interface {
	ChatExists(ctx context.Context, chatID string) (bool, error)
	FindOrCreatePairChat(ctx context.Context, first, second string) (chat.Chat, bool, error)
	PersistMessage(ctx context.Context, chatID string, event chat.ChatMessageEvent) (chat.Message, bool, error)
	RecordDeadLetter(ctx context.Context, letter chat.DeadLetter) error
}

// ConsumeObserver receives per-record outcomes.
type ConsumeObserver interface {
	ObserveConsumed(outcome string)
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Log     eventlog.Consumer
	Store   Store
	Backoff time.Duration
	// MaxAttempts bounds the attempts per record before it is dead-lettered.
	// Zero retries forever.
	MaxAttempts int
	Logger      *zap.Logger
	Observer    ConsumeObserver
}

// Consumer persists chat message events from the durable log. A record's
// position is committed only after it has been persisted, dead-lettered or
// dropped as malformed, so delivery is at least once.
type Consumer struct {
	log         eventlog.Consumer
	store       Store
	backoff     time.Duration
	maxAttempts int
	logger      *zap.Logger
	observer    ConsumeObserver

	state atomic.Int32

	failing  eventlog.Record
	attempts int
}

// NewConsumer validates cfg and returns an idle Consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Log == nil {
		return nil, errMissingLog
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		log:         cfg.Log,
		store:       cfg.Store,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		logger:      logger,
		observer:    cfg.Observer,
	}, nil
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Run consumes records until ctx is cancelled or the log is closed.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateSubscribed)) {
		return errAlreadyRunning
	}
	defer c.setState(StateStopped)
	c.logger.Info("durable consumer subscribed")

	for {
		if ctx.Err() != nil {
			c.logger.Info("durable consumer stopped")
			return nil
		}
		record, err := c.log.Next(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, eventlog.ErrClosed):
			c.logger.Info("durable consumer stopped")
			return nil
		case errors.Is(err, eventlog.ErrCorruptRecord):
			c.logger.Warn("dropping corrupt log record",
				zap.Int32("partition", record.Partition),
				zap.Int64("offset", record.Offset))
			c.observe(OutcomeMalformed)
			c.commit(ctx, record)
			continue
		default:
			c.logger.Error("durable log read failed", zap.Error(err))
			c.pause(ctx)
			continue
		}

		c.setState(StateProcessing)
		c.handle(ctx, record)
		if c.State() == StateProcessing {
			c.setState(StateSubscribed)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, record eventlog.Record) {
	event, err := chat.DecodeEvent(record.Value)
	if err != nil {
		c.logger.Warn("dropping malformed event",
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		c.observe(OutcomeMalformed)
		c.commit(ctx, record)
		return
	}
	if event.EventID == "" {
		event.EventID = uuid.NewSHA1(uuid.NameSpaceOID, record.Value).String()
	}

	inserted, err := c.persist(ctx, event)
	if err == nil {
		c.resetAttempts()
		if inserted {
			c.observe(OutcomePersisted)
		} else {
			c.observe(OutcomeDuplicate)
		}
		c.commit(ctx, record)
		return
	}

	if ctx.Err() != nil {
		if rewindErr := c.log.Rewind(record); rewindErr != nil {
			c.logger.Error("log rewind failed", zap.Error(rewindErr))
		}
		return
	}

	attempts := c.recordAttempt(record)
	fields := []zap.Field{
		zap.String("event_id", event.EventID),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset),
		zap.Int("attempt", attempts),
		zap.Error(err),
	}

	if c.maxAttempts > 0 && attempts >= c.maxAttempts {
		letter := chat.DeadLetter{
			EventID:   event.EventID,
			Topic:     record.Topic,
			Partition: record.Partition,
			Offset:    record.Offset,
			Payload:   string(record.Value),
			Reason:    err.Error(),
			Attempts:  attempts,
		}
		deadErr := c.store.RecordDeadLetter(ctx, letter)
		if deadErr == nil {
			c.logger.Error("event dead-lettered", fields...)
			c.resetAttempts()
			c.observe(OutcomeDeadLettered)
			c.commit(ctx, record)
			return
		}
		c.logger.Error("dead letter write failed", append(fields, zap.NamedError("dead_letter_error", deadErr))...)
	} else {
		c.logger.Warn("event processing failed, backing off", append(fields, zap.Duration("backoff", c.backoff))...)
	}

	c.observe(OutcomeRetried)
	if rewindErr := c.log.Rewind(record); rewindErr != nil {
		c.logger.Error("log rewind failed", zap.Error(rewindErr))
	}
	c.pause(ctx)
}

func (c *Consumer) persist(ctx context.Context, event chat.ChatMessageEvent) (bool, error) {
	chatID := event.ChatID
	if chatID != "" {
		exists, err := c.store.ChatExists(ctx, chatID)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, fmt.Errorf("%w: %s", chat.ErrChatNotFound, chatID)
		}
	} else {
		resolved, created, err := c.store.FindOrCreatePairChat(ctx, event.SenderID, event.RecipientID)
		if err != nil {
			return false, err
		}
		if created {
			c.logger.Info("chat created",
				zap.String("chat_id", resolved.ID),
				zap.String("sender_id", event.SenderID),
				zap.String("recipient_id", event.RecipientID))
		}
		chatID = resolved.ID
	}

	_, inserted, err := c.store.PersistMessage(ctx, chatID, event)
	return inserted, err
}

func (c *Consumer) pause(ctx context.Context) {
	c.setState(StatePaused)
	pauser, canPause := c.log.(eventlog.Pauser)
	if canPause {
		pauser.Pause()
	}

	timer := time.NewTimer(c.backoff)
	select {
	case <-ctx.Done():
		timer.Stop()
	case <-timer.C:
	}

	if canPause {
		pauser.Resume()
	}
	c.setState(StateSubscribed)
}

func (c *Consumer) commit(ctx context.Context, record eventlog.Record) {
	if err := c.log.Commit(ctx, record); err != nil {
		c.logger.Error("log commit failed",
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
	}
}

func (c *Consumer) recordAttempt(record eventlog.Record) int {
	if c.attempts == 0 || c.failing.Partition != record.Partition || c.failing.Offset != record.Offset || c.failing.Topic != record.Topic {
		c.failing = record
		c.attempts = 0
	}
	c.attempts++
	return c.attempts
}

func (c *Consumer) resetAttempts() {
	c.failing = eventlog.Record{}
	c.attempts = 0
}

func (c *Consumer) observe(outcome string) {
	if c.observer != nil {
		c.observer.ObserveConsumed(outcome)
	}
}

func (c *Consumer) setState(state State) {
	c.state.Store(int32(state))
}
