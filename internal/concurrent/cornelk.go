// Package concurrent wraps a lock-free hash map behind a small generic
// interface, used everywhere this engine needs a map safe for concurrent
// access without a single coarse mutex: the state machine's kernel binding
// table, the provisioner registry's factory table, and the response
// manager's per-kernel waiter table.
package concurrent

import (
	"fmt"
	"reflect"

	"github.com/zhangjyr/hashmap"
)

// deleted is the tombstone value CAS'd into a slot mid-LoadAndDelete, so a
// concurrent Load sees the key as absent rather than racing the real delete.
var deleted = &struct{}{}

// CornelkMap is a generic wrapper over github.com/zhangjyr/hashmap's
// lock-free map, dispatching on a string fast path (GetStringKey avoids the
// reflection-heavy general path) whenever K is string, which covers every
// caller in this engine (kernel_id, provisioner name).
type CornelkMap[K any, V any] struct {
	backend   *hashmap.HashMap
	stringKey bool
}

// NewCornelkMap builds an empty map pre-sized for size entries.
func NewCornelkMap[K any, V any](size int) *CornelkMap[K, V] {
	var zero K
	return &CornelkMap[K, V]{
		stringKey: reflect.TypeOf(zero).Kind() == reflect.String,
		backend:   hashmap.New(uintptr(size)),
	}
}

func (m *CornelkMap[K, V]) Delete(key K) {
	m.backend.Del(key)
}

// Load reports whether key is present, panicking if a stored value doesn't
// match V (which would indicate a caller sharing a CornelkMap across
// incompatible types, not something this engine's usage does).
func (m *CornelkMap[K, V]) Load(key K) (ret V, ok bool) {
	v, ok := m.get(key)
	if !ok || v == nil {
		return ret, ok
	}
	if v == deleted {
		return ret, false
	}
	ret, ok = v.(V)
	if !ok {
		panic(fmt.Sprintf("concurrent.CornelkMap: stored value %v is not a %T", v, ret))
	}
	return ret, ok
}

// LoadAndDelete atomically removes and returns key's value, retrying the CAS
// against concurrent writers until it wins or the key disappears out from
// under it.
func (m *CornelkMap[K, V]) LoadAndDelete(key K) (ret V, ok bool) {
	v, ok := m.get(key)
	for ok && v != deleted && !m.backend.Cas(key, v, deleted) {
		v, ok = m.get(key)
	}
	if !ok || v == deleted {
		return ret, false
	}
	if v != nil {
		ret = v.(V)
	}
	m.backend.Del(key)
	return ret, true
}

func (m *CornelkMap[K, V]) LoadOrStore(key K, value V) (ret V, loaded bool) {
	actual, loaded := m.backend.GetOrInsert(key, value)
	if actual != nil {
		ret = actual.(V)
	}
	return ret, loaded
}

func (m *CornelkMap[K, V]) CompareAndSwap(key K, oldVal, newVal V) (val V, swapped bool) {
	if m.backend.Cas(key, oldVal, newVal) {
		return newVal, true
	}
	return oldVal, false
}

// Range calls cb for every key/value pair, stopping early if cb returns
// false. It drains the underlying iterator's channel regardless, so a caller
// stopping early doesn't leak the iterator goroutine.
func (m *CornelkMap[K, V]) Range(cb func(K, V) bool) {
	keepGoing := true
	for item := range m.backend.Iter() {
		if !keepGoing {
			continue
		}
		v, _ := item.Value.(V)
		keepGoing = cb(item.Key.(K), v)
	}
}

func (m *CornelkMap[K, V]) Store(key K, val V) {
	m.backend.Set(key, val)
}

func (m *CornelkMap[K, V]) Len() int {
	return m.backend.Len()
}

func (m *CornelkMap[K, V]) get(key K) (interface{}, bool) {
	if m.stringKey {
		return m.backend.GetStringKey(any(key).(string))
	}
	return m.backend.Get(key)
}
