// Package syncutil holds locking helpers shared by the stores and services.
package syncutil

import (
	"context"
	"hash/maphash"
	"sync"
)

const slots = 256

// KeyedMutex serializes work per key, usually an organization or
// subscription ID. Keys hash onto a fixed set of slots, so memory stays
// bounded and unrelated keys occasionally wait on each other.
// The zero value is ready to use.
type KeyedMutex struct {
	once sync.Once
	seed maphash.Seed
	slot [slots]chan struct{}
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		m.seed = maphash.MakeSeed()
		for i := range m.slot {
			m.slot[i] = make(chan struct{}, 1)
		}
	})
}

func (m *KeyedMutex) ch(key string) chan struct{} {
	m.init()
	return m.slot[maphash.String(m.seed, key)%slots]
}

// Lock blocks until key is free and returns its unlock func.
func (m *KeyedMutex) Lock(key string) func() {
	ch := m.ch(key)
	ch <- struct{}{}
	return func() { <-ch }
}

// LockContext is Lock that gives up when ctx ends.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.ch(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
