package store

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"kaldi-serve/internal/models"
)

const (
	memoryStripes = 64
	sweepInterval = time.Minute
)

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// Memory is an in-process Store. Records are kept as JSON snapshots so
// callers never share state with the store.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	stripes [memoryStripes]sync.Mutex

	mu        sync.RWMutex
	entries   map[string]memoryEntry
	lastSweep time.Time
}

// NewMemory creates an empty store whose updates refresh expiry to ttl.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Memory) lock(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &m.stripes[h.Sum32()%memoryStripes]
	mu.Lock()
	return mu.Unlock
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, id string, st *models.JobState, ttl time.Duration) error {
	defer m.lock(id)()
	return m.write(id, st, ttl)
}

// Create implements Store.
func (m *Memory) Create(ctx context.Context, id string, st *models.JobState, ttl time.Duration) error {
	defer m.lock(id)()
	if _, err := m.read(id); err == nil {
		return ErrExists
	}
	return m.write(id, st, ttl)
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, id string) (*models.JobState, error) {
	return m.read(id)
}

// Update implements Store.
func (m *Memory) Update(ctx context.Context, id string, fn Mutator) (*models.JobState, error) {
	defer m.lock(id)()

	st, err := m.read(id)
	if err != nil {
		return nil, err
	}
	if err := fn(st); err != nil {
		if errors.Is(err, ErrSkip) {
			return m.read(id)
		}
		return nil, err
	}
	if err := m.write(id, st, m.ttl); err != nil {
		return nil, err
	}
	return st, nil
}

func (m *Memory) read(id string) (*models.JobState, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok || !m.now().Before(e.expires) {
		return nil, ErrNotFound
	}

	var st models.JobState
	if err := json.Unmarshal(e.data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *Memory) write(id string, st *models.JobState, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.ttl
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.entries[id] = memoryEntry{data: b, expires: now.Add(ttl)}

	if now.Sub(m.lastSweep) >= sweepInterval {
		for k, e := range m.entries {
			if !now.Before(e.expires) {
				delete(m.entries, k)
			}
		}
		m.lastSweep = now
	}
	return nil
}
