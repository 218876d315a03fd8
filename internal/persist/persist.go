package persist

import (
	"context"
	"sync"
)

// Change describes a single write. Keys are reported without any backend
// prefix.
type Change struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Store is a key/value store that survives reloads and tells subscribers
// about every write.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, keys ...string) error
	Subscribe(fn func(Change)) (cancel func())
}

type Memory struct {
	mu     sync.RWMutex
	values map[string]string
	subs   map[int]func(Change)
	nextID int
}

func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]string),
		subs:   make(map[int]func(Change)),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.values[key]
	return val, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()

	m.publish(Change{Key: key, Value: value})
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	removed := make([]string, 0, len(keys))
	m.mu.Lock()
	for _, key := range keys {
		if _, ok := m.values[key]; ok {
			delete(m.values, key)
			removed = append(removed, key)
		}
	}
	m.mu.Unlock()

	for _, key := range removed {
		m.publish(Change{Key: key, Deleted: true})
	}
	return nil
}

// Subscribe registers fn for every later write. Listeners run synchronously
// on the writer's goroutine.
func (m *Memory) Subscribe(fn func(Change)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Memory) publish(change Change) {
	m.mu.RLock()
	listeners := make([]func(Change), 0, len(m.subs))
	for _, fn := range m.subs {
		listeners = append(listeners, fn)
	}
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(change)
	}
}
