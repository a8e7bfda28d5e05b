package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt *time.Time
}

type memItem struct {
	seq       uint64
	value     []byte
	createdAt time.Time
}

type memList struct {
	expiresAt *time.Time
	createdAt time.Time
	updatedAt time.Time
	// items are kept in insertion order; readers walk them backwards.
	items []memItem
}

// Memory is a process-local Store. It is used in development and tests
// and as the reference for the persistent backends.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	seq     uint64
	entries map[string]memEntry
	lists   map[string]*memList
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	o := applyOptions(opts)
	return &Memory{
		now:     o.now,
		entries: make(map[string]memEntry),
		lists:   make(map[string]*memList),
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.liveEntry(key)
	if !ok {
		return nil, false, nil
	}
	return clone(e.value), true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, opts ...SetOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o := applySetOptions(opts)
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memEntry{value: clone(value), expiresAt: expiryFrom(m.now(), o.ttl)}
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.liveEntry(key)
	return ok, nil
}

func (m *Memory) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	at := m.now().Add(ttl)
	if e, ok := m.entries[key]; ok {
		e.expiresAt = &at
		m.entries[key] = e
	}
	if l, ok := m.lists[key]; ok {
		l.expiresAt = &at
	}
	return nil
}

func (m *Memory) LPush(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l, ok := m.liveList(key)
	if !ok {
		l = &memList{createdAt: now}
		m.lists[key] = l
	}
	m.seq++
	l.items = append(l.items, memItem{seq: m.seq, value: clone(value), createdAt: now})
	l.updatedAt = now
	return nil
}

func (m *Memory) LRange(ctx context.Context, key string, start, end int64) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.liveList(key)
	if !ok {
		return [][]byte{}, nil
	}
	skip, limit, ok := window(start, end)
	if !ok {
		return [][]byte{}, nil
	}

	out := [][]byte{}
	for i := int64(len(l.items)) - 1 - skip; i >= 0; i-- {
		if limit >= 0 && int64(len(out)) >= limit {
			break
		}
		out = append(out, clone(l.items[i].value))
	}
	return out, nil
}

func (m *Memory) LLen(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.liveList(key)
	if !ok {
		return 0, nil
	}
	return int64(len(l.items)), nil
}

func (m *Memory) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := CompilePattern(pattern)
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := []string{}
	for key := range m.lists {
		if !p.Match(key) {
			continue
		}
		if _, ok := m.liveList(key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Sweep drops every expired entry and list.
func (m *Memory) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if expired(e.expiresAt, now) {
			delete(m.entries, key)
			removed++
		}
	}
	for key, l := range m.lists {
		if expired(l.expiresAt, now) {
			delete(m.lists, key)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Close() error {
	return nil
}

// liveEntry returns the scalar under key, evicting it when expired.
// Callers must hold m.mu.
func (m *Memory) liveEntry(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if expired(e.expiresAt, m.now()) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

// liveList returns the list under key, dropping it with all of its items
// when expired. Callers must hold m.mu.
func (m *Memory) liveList(key string) (*memList, bool) {
	l, ok := m.lists[key]
	if !ok {
		return nil, false
	}
	if expired(l.expiresAt, m.now()) {
		delete(m.lists, key)
		return nil, false
	}
	return l, true
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
