package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const (
	defaultMaxCost     = 64 << 20
	defaultNumCounters = 1e5
)

// Memory is an in-process cache backed by ristretto.
type Memory struct {
	store *ristretto.Cache[string, []byte]
}

// NewMemory constructs an in-process cache bounded to maxCost bytes.
func NewMemory(maxCost int64) (*Memory, error) {
	if maxCost <= 0 {
		maxCost = defaultMaxCost
	}
	store, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        defaultNumCounters,
		MaxCost:            maxCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Memory{store: store}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	return m.store.Get(key)
}

// Set stores value and waits until it is visible to Get.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.store.SetWithTTL(key, value, int64(len(value))+1, ttl)
	m.store.Wait()
}

func (m *Memory) Close() error {
	m.store.Close()
	return nil
}
