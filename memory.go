package vkv

import (
	"bytes"
	"context"
	"sync"
)

type memoryBackend struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewMemoryBackend returns a Backend that stores everything in a map,
// for testing and single-process use. CAS is linearizable under the
// backend's mutex.
func NewMemoryBackend() Backend {
	return &memoryBackend{entries: map[string][]byte{}}
}

func (m *memoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (m *memoryBackend) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryBackend) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memoryBackend) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if value, ok := m.entries[key]; ok {
			result[key] = append([]byte(nil), value...)
		}
	}
	return result, nil
}

func (m *memoryBackend) SetMany(ctx context.Context, items map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range items {
		m.entries[key] = append([]byte(nil), value...)
	}
	return nil
}

func (m *memoryBackend) RemoveMany(ctx context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func (m *memoryBackend) Keys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *memoryBackend) Items(ctx context.Context, f func(string, []byte) (bool, error)) error {
	m.mu.Lock()
	snapshot := make(map[string][]byte, len(m.entries))
	for key, value := range m.entries {
		snapshot[key] = value
	}
	m.mu.Unlock()
	for key, value := range snapshot {
		keepGoing, err := f(key, append([]byte(nil), value...))
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
	return nil
}

func (m *memoryBackend) Has(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok, nil
}

func (m *memoryBackend) CAS(ctx context.Context, key string, value, expected []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.entries[key]
	if expected == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(current, expected) {
		return false, nil
	}
	m.entries[key] = append([]byte(nil), value...)
	return true, nil
}

func (m *memoryBackend) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string][]byte{}
	return nil
}
