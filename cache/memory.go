package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemCache keeps all namespaces in process memory.
// It is mainly useful for tests and for running without a database file.
type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]map[string]Entry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]Entry),
	}
}

func (m MemCache) Open(_ context.Context, name string) (*Namespace, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[name]; !ok {
		m.db[name] = make(map[string]Entry)
	}
	return NewNamespace(m, name), nil
}

func (m MemCache) Get(_ context.Context, namespace, key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries, ok := m.db[namespace]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return entry.Clone(), true, nil
}

func (m MemCache) Put(_ context.Context, namespace string, entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries, ok := m.db[namespace]
	if !ok {
		return ErrNamespaceNotFound
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}
	entries[entry.Key] = entry.Clone()
	return nil
}

func (m MemCache) DeleteNamespace(_ context.Context, name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, name)
	return nil
}

func (m MemCache) Namespaces(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemCache) Keys(_ context.Context, namespace string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, 0, len(m.db[namespace]))
	for key := range m.db[namespace] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m MemCache) Close() error {
	return nil
}
