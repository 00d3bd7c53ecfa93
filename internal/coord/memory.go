package coord

import (
	"strconv"
	"sync"
	"time"
)

// memoryStore mirrors the Redis operation semantics in-process. Every
// compound operation runs under one mutex, and expiry is evaluated lazily
// against the caller's clock so tests can drive TTLs deterministically.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	streams map[string][]map[string]interface{}
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		entries: make(map[string]memEntry),
		streams: make(map[string][]map[string]interface{}),
	}
}

func (m *memEntry) expired(now time.Time) bool {
	return !m.expiresAt.IsZero() && !now.Before(m.expiresAt)
}

// live returns the entry for key if present and unexpired, pruning it
// otherwise. Caller must hold the mutex.
func (m *memoryStore) live(key string, now time.Time) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (m *memoryStore) get(key string, now time.Time) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key, now)
	if !ok {
		return "", false
	}
	return e.value, true
}

func (m *memoryStore) set(key, value string, ttl time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memEntry{value: value, expiresAt: expiry(now, ttl)}
}

func (m *memoryStore) setNX(key, value string, ttl time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key, now); ok {
		return false
	}
	m.entries[key] = memEntry{value: value, expiresAt: expiry(now, ttl)}
	return true
}

func (m *memoryStore) del(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
}

func (m *memoryStore) incrIfBelow(key string, cap int, ttl time.Duration, now time.Time) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	e, ok := m.live(key, now)
	if ok {
		current, _ = strconv.ParseInt(e.value, 10, 64)
	}
	if current >= int64(cap) {
		return current, false
	}

	current++
	exp := e.expiresAt
	if !ok {
		exp = expiry(now, ttl)
	}
	m.entries[key] = memEntry{value: strconv.FormatInt(current, 10), expiresAt: exp}
	return current, true
}

func (m *memoryStore) allowEmit(key string, absScore, improvement float64, ttl time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.live(key, now); ok {
		prev, _ := strconv.ParseFloat(e.value, 64)
		if absScore < prev+improvement-scoreEpsilon {
			return false
		}
	}
	m.entries[key] = memEntry{
		value:     strconv.FormatFloat(absScore, 'f', -1, 64),
		expiresAt: expiry(now, ttl),
	}
	return true
}

func (m *memoryStore) incrByFloat(key string, delta float64, now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current float64
	if e, ok := m.live(key, now); ok {
		current, _ = strconv.ParseFloat(e.value, 64)
	}
	current += delta
	m.entries[key] = memEntry{value: strconv.FormatFloat(current, 'f', -1, 64)}
	return current
}

// compareAndRefresh extends the TTL only when the key holds owner's value.
func (m *memoryStore) compareAndRefresh(key, owner string, ttl time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key, now)
	if !ok || e.value != owner {
		return false
	}
	m.entries[key] = memEntry{value: owner, expiresAt: expiry(now, ttl)}
	return true
}

// compareAndDel deletes the key only when it holds owner's value.
func (m *memoryStore) compareAndDel(key, owner string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key, now)
	if !ok || e.value != owner {
		return false
	}
	delete(m.entries, key)
	return true
}

func (m *memoryStore) appendStream(stream string, fields map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := append(m.streams[stream], fields)
	if len(entries) > streamMaxLen {
		entries = entries[len(entries)-streamMaxLen:]
	}
	m.streams[stream] = entries
}

func (m *memoryStore) streamTail(stream string, count int) []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.streams[stream]
	if count <= 0 || count > len(entries) {
		count = len(entries)
	}
	tail := make([]map[string]interface{}, count)
	copy(tail, entries[len(entries)-count:])
	return tail
}
