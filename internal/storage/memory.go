package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

const watchBuffer = 64

// MemoryStore is an in-process Store. Every Set and Remove is fanned out to
// all watchers; a watcher whose buffer is full misses the change.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte

	watchMu  sync.Mutex
	watchers map[int]chan Change
	nextID   int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string][]byte),
		watchers: make(map[int]chan Change),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	val, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), val...), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()

	m.notify(Change{Key: key, Op: OpSet})
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	_, existed := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()

	if existed {
		m.notify(Change{Key: key, Op: OpRemove})
	}
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// Watch registers a change feed that lives until ctx is done.
func (m *MemoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, watchBuffer)

	m.watchMu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	m.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		m.watchMu.Lock()
		delete(m.watchers, id)
		close(ch)
		m.watchMu.Unlock()
	}()

	return ch, nil
}

func (m *MemoryStore) notify(c Change) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	for _, ch := range m.watchers {
		select {
		case ch <- c:
		default:
		}
	}
}
