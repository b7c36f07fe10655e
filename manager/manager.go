package manager

import (
	"fmt"
	"sort"

	"github.com/go-zoox/core-utils/safe"
)

// Manager is a typed, concurrency-safe store keyed by id.
type Manager[T any] struct {
	cache *safe.Map
}

func New[T any]() *Manager[T] {
	return &Manager[T]{
		cache: safe.NewMap(),
	}
}

func (m *Manager[T]) Get(id string) (T, error) {
	if instance, ok := m.cache.Get(id).(T); ok {
		return instance, nil
	}

	var t T
	return t, fmt.Errorf("id %s not found", id)
}

func (m *Manager[T]) Has(id string) bool {
	_, ok := m.cache.Get(id).(T)
	return ok
}

func (m *Manager[T]) Set(id string, instance T) {
	m.cache.Set(id, instance)
}

func (m *Manager[T]) Delete(id string) error {
	if !m.Has(id) {
		return fmt.Errorf("id %s not found", id)
	}

	m.cache.Del(id)
	return nil
}

// Keys returns the ids in ascending order.
func (m *Manager[T]) Keys() []string {
	keys := m.cache.Keys()
	sort.Strings(keys)
	return keys
}

// Values returns the instances ordered by id.
func (m *Manager[T]) Values() []T {
	keys := m.Keys()
	values := make([]T, 0, len(keys))
	for _, id := range keys {
		if instance, err := m.Get(id); err == nil {
			values = append(values, instance)
		}
	}
	return values
}

func (m *Manager[T]) Len() int {
	return len(m.cache.Keys())
}

func (m *Manager[T]) Clear() {
	for _, id := range m.cache.Keys() {
		m.cache.Del(id)
	}
}
