package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultCapacity is the number of requests admitted per drain backlog.
	DefaultCapacity = 10
	// DefaultDrainInterval is the period between token removals.
	DefaultDrainInterval = time.Second
)

var (
	// ErrAdmissionRejected reports that the bucket is full.
	ErrAdmissionRejected = errors.New("admission: too many requests")

	errInvalidCapacity = errors.New("admission: capacity must be positive")
	errInvalidInterval = errors.New("admission: drain interval must be positive")
	errAlreadyStarted  = errors.New("admission: bucket already started")
)

// Observer receives admission outcomes.
type Observer interface {
	ObserveAdmission(accepted bool)
}

// Config configures a Bucket.
type Config struct {
	Capacity      int
	DrainInterval time.Duration
	Logger        *zap.Logger
	Observer      Observer
}

// Bucket is a process-wide leaky bucket. Admit appends a token while fewer than
// Capacity are queued; a background ticker removes the oldest token every
// DrainInterval whether or not the admitted request has finished. The queued
// count is therefore "admitted but not yet drained", not in-flight requests.
type Bucket struct {
	capacity int
	interval time.Duration
	logger   *zap.Logger
	observer Observer

	mu     sync.Mutex
	tokens []string

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewBucket validates cfg and returns an idle bucket. Call Start to begin draining.
func NewBucket(cfg Config) (*Bucket, error) {
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity < 0 {
		return nil, errInvalidCapacity
	}
	interval := cfg.DrainInterval
	if interval == 0 {
		interval = DefaultDrainInterval
	}
	if interval < 0 {
		return nil, errInvalidInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bucket{
		capacity: capacity,
		interval: interval,
		logger:   logger,
		observer: cfg.Observer,
		tokens:   make([]string, 0, capacity),
	}, nil
}

// Admit records requestID and reports whether the request may proceed.
func (b *Bucket) Admit(requestID string) bool {
	b.mu.Lock()
	accepted := len(b.tokens) < b.capacity
	if accepted {
		b.tokens = append(b.tokens, requestID)
	}
	b.mu.Unlock()

	if b.observer != nil {
		b.observer.ObserveAdmission(accepted)
	}
	if !accepted {
		b.logger.Debug("admission rejected", zap.String("request_id", requestID))
	}
	return accepted
}

// Len returns the number of queued tokens.
func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tokens)
}

// Capacity returns the configured capacity.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// Start launches the drain loop. It stops when ctx is cancelled or Stop is called.
func (b *Bucket) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.cancel != nil {
		return errAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(loopCtx, b.done)
	return nil
}

// Stop halts the drain loop and waits for it to exit.
func (b *Bucket) Stop() {
	b.lifecycleMu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.lifecycleMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (b *Bucket) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drain()
		}
	}
}

// drain removes the oldest token, if any.
func (b *Bucket) drain() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tokens) == 0 {
		return false
	}
	last := len(b.tokens) - 1
	copy(b.tokens, b.tokens[1:])
	b.tokens[last] = ""
	b.tokens = b.tokens[:last]
	return true
}
