package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Dict is a lazy-loaded, JSON-serialized value mirrored to the backing store
// on every Save. Intended for hot per-relay state such as mask tables and
// worker counters.
type Dict[T any] struct {
	backing Backing
	key     string
	def     func() T

	mu     sync.Mutex
	loaded bool
	value  T
}

// NewDict binds the key. def produces the initial value when the backing has
// none.
func NewDict[T any](backing Backing, key string, def func() T) *Dict[T] {
	return &Dict[T]{backing: backing, key: key, def: def}
}

func (d *Dict[T]) load(ctx context.Context) error {
	if d.loaded {
		return nil
	}
	raw, ok, err := d.backing.Get(ctx, d.key)
	if err != nil {
		return fmt.Errorf("load %s: %w", d.key, err)
	}
	if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode %s: %w", d.key, err)
		}
		d.value = v
	} else {
		d.value = d.def()
	}
	d.loaded = true
	return nil
}

// Get returns a copy of the current value.
func (d *Dict[T]) Get(ctx context.Context) (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var zero T
	if err := d.load(ctx); err != nil {
		return zero, err
	}
	return d.value, nil
}

// Update mutates the value under the lock and saves it to the backing.
func (d *Dict[T]) Update(ctx context.Context, fn func(*T)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.load(ctx); err != nil {
		return err
	}
	fn(&d.value)
	return d.save(ctx)
}

func (d *Dict[T]) save(ctx context.Context) error {
	raw, err := json.Marshal(d.value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.key, err)
	}
	if err := d.backing.Set(ctx, d.key, raw, 0); err != nil {
		return fmt.Errorf("save %s: %w", d.key, err)
	}
	return nil
}
