package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/priyanshuxkumar/quicky-server/internal/chat"
	"github.com/priyanshuxkumar/quicky-server/internal/database"
	"github.com/priyanshuxkumar/quicky-server/internal/eventlog"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	log     *eventlog.PebbleLog
	store   *chat.Service
	db      *gorm.DB
	outcome *outcomeRecorder
}

func newHarness(t *testing.T, partitions int) *harness {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "pipeline.db"), zap.NewNop())
	require.NoError(t, err)
	store, err := chat.NewService(chat.ServiceConfig{Database: db, IDProvider: chat.NewUUIDProvider()})
	require.NoError(t, err)
	log, err := eventlog.OpenPebble(eventlog.PebbleConfig{
		Dir:        "log",
		FS:         vfs.NewMem(),
		Topic:      "_MESSAGES",
		Partitions: partitions,
		NoSync:     true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return &harness{log: log, store: store, db: db, outcome: &outcomeRecorder{}}
}

func (h *harness) producer(t *testing.T, ordering string) *Producer {
	t.Helper()
	producer, err := NewProducer(ProducerConfig{
		Open: func(context.Context) (eventlog.Producer, error) {
			return h.log.Producer(), nil
		},
		OrderingKey: ordering,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = producer.Close() })
	return producer
}

// runConsumer starts cfg's consumer and stops it when the test ends.
func (h *harness) runConsumer(t *testing.T, cfg ConsumerConfig) *Consumer {
	t.Helper()
	if cfg.Log == nil {
		logConsumer, err := h.log.NewConsumer("chat-group")
		require.NoError(t, err)
		cfg.Log = logConsumer
	}
	if cfg.Store == nil {
		cfg.Store = h.store
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 5 * time.Millisecond
	}
	if cfg.Observer == nil {
		cfg.Observer = h.outcome
	}
	consumer, err := NewConsumer(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("consumer did not stop")
		}
	})
	return consumer
}

func (h *harness) messageCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&chat.Message{}).Count(&count).Error)
	return count
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *outcomeRecorder) ObserveConsumed(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *outcomeRecorder) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, recorded := range r.outcomes {
		if recorded == outcome {
			total++
		}
	}
	return total
}

// flakyStore fails PersistMessage until failures is exhausted. A negative
// budget fails forever.
type flakyStore struct {
	*chat.Service
	failures atomic.Int64
	calls    atomic.Int64
}

func (s *flakyStore) PersistMessage(ctx context.Context, chatID string, event chat.ChatMessageEvent) (chat.Message, bool, error) {
	s.calls.Add(1)
	remaining := s.failures.Load()
	if remaining != 0 {
		if remaining > 0 {
			s.failures.Add(-1)
		}
		return chat.Message{}, false, chat.ErrPersistence
	}
	return s.Service.PersistMessage(ctx, chatID, event)
}

type pausingConsumer struct {
	*eventlog.PebbleConsumer
	pauses  atomic.Int64
	resumes atomic.Int64
}

func (c *pausingConsumer) Pause()  { c.pauses.Add(1) }
func (c *pausingConsumer) Resume() { c.resumes.Add(1) }

func sampleEvent(sender, recipient, content string, createdAt int64) chat.ChatMessageEvent {
	return chat.ChatMessageEvent{
		SenderID:    sender,
		RecipientID: recipient,
		Content:     content,
		CreatedAt:   createdAt,
	}
}
