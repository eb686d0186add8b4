// Package cache is the short-TTL read cache in front of chat, message and
// profile queries. Entries are populated on read and expire by TTL only;
// writes to the store never invalidate them.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Cache stores opaque values with a time to live.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Close() error
}

// Observer receives lookup outcomes.
type Observer interface {
	ObserveCacheLookup(hit bool)
}

// ChatsKey names the cached chat list of a user.
func ChatsKey(userID string) string {
	return "chats:" + userID
}

// MessagesKey names a cached page of a chat's messages.
func MessagesKey(chatID string, limit, offset int) string {
	return fmt.Sprintf("messages:%s:%d:%d", chatID, limit, offset)
}

// PairMessagesKey names a cached page of the messages exchanged by a pair.
func PairMessagesKey(pairKey string, limit, offset int) string {
	return fmt.Sprintf("pair-messages:%s:%d:%d", pairKey, limit, offset)
}

// MediaKey names the cached shared media of a chat.
func MediaKey(chatID string) string {
	return "media:" + chatID
}

// ProfileKey names a cached user profile.
func ProfileKey(userID string) string {
	return "profile:" + userID
}

// Fetch returns the cached value under key, or calls load and caches its
// result for ttl. Undecodable cached values are treated as misses.
func Fetch[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if raw, ok := c.Get(ctx, key); ok {
		var cached T
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	}

	value, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if encoded, err := json.Marshal(value); err == nil {
		c.Set(ctx, key, encoded, ttl)
	}
	return value, nil
}

type observed struct {
	Cache
	observer Observer
}

// WithObserver reports every Get outcome of c to observer.
func WithObserver(c Cache, observer Observer) Cache {
	if observer == nil {
		return c
	}
	return observed{Cache: c, observer: observer}
}

func (o observed) Get(ctx context.Context, key string) ([]byte, bool) {
	value, ok := o.Cache.Get(ctx, key)
	o.observer.ObserveCacheLookup(ok)
	return value, ok
}
