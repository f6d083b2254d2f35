package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Codec converts queue items to and from their durable views. Save strips
// the members that must not be serialized (completion signals, client
// back-references); Load re-attaches them, allocating fresh signals. This is
// a required contract: a deserialized signal would never fire.
type Codec[T any] interface {
	Save(item T) ([]byte, error)
	Load(raw []byte) (T, error)
}

// Queue is a durable FIFO: an in-memory slice mirrored to the backing store
// after each mutation, restored on startup.
type Queue[T any] struct {
	backing Backing
	key     string
	codec   Codec[T]

	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

// NewQueue binds the key and restores any mirrored items.
func NewQueue[T any](ctx context.Context, backing Backing, key string, codec Codec[T]) (*Queue[T], error) {
	q := &Queue[T]{
		backing: backing,
		key:     key,
		codec:   codec,
		notify:  make(chan struct{}, 1),
	}
	raw, ok, err := backing.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("restore queue %s: %w", key, err)
	}
	if ok {
		var views []json.RawMessage
		if err := json.Unmarshal(raw, &views); err != nil {
			return nil, fmt.Errorf("decode queue %s: %w", key, err)
		}
		for _, v := range views {
			item, err := codec.Load(v)
			if err != nil {
				return nil, fmt.Errorf("rehydrate queue %s: %w", key, err)
			}
			q.items = append(q.items, item)
		}
		if len(q.items) > 0 {
			q.wake()
		}
	}
	return q, nil
}

// Put appends an item and mirrors the queue.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	if err := q.save(ctx); err != nil {
		q.items = q.items[:len(q.items)-1]
		return err
	}
	q.wake()
	return nil
}

// Get blocks until an item is available or the context is canceled, then
// pops the head and mirrors the queue.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.save(ctx); err != nil {
				q.mu.Unlock()
				return zero, err
			}
			if len(q.items) > 0 {
				q.wake()
			}
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// wake must be called with the mutex held.
func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// save must be called with the mutex held.
func (q *Queue[T]) save(ctx context.Context) error {
	views := make([]json.RawMessage, 0, len(q.items))
	for _, item := range q.items {
		raw, err := q.codec.Save(item)
		if err != nil {
			return fmt.Errorf("serialize queue %s: %w", q.key, err)
		}
		views = append(views, raw)
	}
	raw, err := json.Marshal(views)
	if err != nil {
		return fmt.Errorf("encode queue %s: %w", q.key, err)
	}
	if err := q.backing.Set(ctx, q.key, raw, 0); err != nil {
		return fmt.Errorf("mirror queue %s: %w", q.key, err)
	}
	return nil
}

// Keys are namespaced "group.{token}.{purpose}[.subkey]" for relay-local
// state and "system.{purpose}" for process-wide state.

// GroupKey builds a relay-local cache key.
func GroupKey(token string, parts ...string) string {
	key := "group." + token
	for _, p := range parts {
		key += "." + p
	}
	return key
}

// SystemKey builds a process-wide cache key.
func SystemKey(parts ...string) string {
	key := "system"
	for _, p := range parts {
		key += "." + p
	}
	return key
}
