package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Provider is the storage behind the versioned cache store.
// It keeps entries namespaced by generation and remembers which generation is current.
// Operating on whole generations is what makes activation cleanup cheap.
//
// Implementations must be thread-safe!
type Provider interface {
	// Get returns the entry for the key in the generation, if it exists.
	Get(ctx context.Context, generation, key string) (Entry, bool, error)
	// Put stores the entry, replacing any entry with the same generation and key.
	// It returns ErrUnknownGeneration if the generation does not exist,
	// so a late write never brings back a dropped generation.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries into the generation, or none of them.
	// The generation is known to the provider afterwards even if entries is empty.
	PutAll(ctx context.Context, generation string, entries []Entry) error
	// Keys calls the given callback for each key stored in the generation.
	Keys(ctx context.Context, generation string, cb func(string)) error
	// Generations returns all known generations.
	Generations(ctx context.Context) ([]string, error)
	// Drop removes the generation and all of its entries.
	Drop(ctx context.Context, generation string) error
	// Current returns the current generation, or an empty string if there is none.
	Current(ctx context.Context) (string, error)
	// SetCurrent marks the generation as the current one.
	SetCurrent(ctx context.Context, generation string) error
}

const DefaultMemCapacity = 1024

type memGeneration struct {
	createdAt time.Time
	// entries written by PutAll, never evicted
	pinned    map[string]Entry
	entries   *lru.Cache[string, Entry]
}

// MemProvider keeps entries in memory.
// Entries of PutAll stay until their generation is dropped.
// Entries of Put are bounded per generation; the least recently used ones are evicted.
type MemProvider struct {
	mutex       *sync.RWMutex
	capacity    int
	current     string
	generations map[string]*memGeneration
}

func NewMemProvider(capacity int) *MemProvider {
	if capacity <= 0 {
		capacity = DefaultMemCapacity
	}
	return &MemProvider{
		mutex:       &sync.RWMutex{},
		capacity:    capacity,
		generations: make(map[string]*memGeneration),
	}
}

// generation returns the named generation, creating it if needed.
// The caller must hold the write lock.
func (m *MemProvider) generation(name string) *memGeneration {
	if gen, ok := m.generations[name]; ok {
		return gen
	}
	entries, err := lru.New[string, Entry](m.capacity)
	if err != nil {
		// only happens for non-positive sizes
		panic(err)
	}
	gen := &memGeneration{
		createdAt: time.Now(),
		pinned:    make(map[string]Entry),
		entries:   entries,
	}
	m.generations[name] = gen
	return gen
}

func (m *MemProvider) Get(ctx context.Context, generation, key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	gen, ok := m.generations[generation]
	if !ok {
		return Entry{}, false, nil
	}
	if entry, ok := gen.pinned[key]; ok {
		return entry, true, nil
	}
	entry, ok := gen.entries.Get(key)
	return entry, ok, nil
}

func (m *MemProvider) Put(ctx context.Context, entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	gen, ok := m.generations[entry.Generation]
	if !ok {
		return ErrUnknownGeneration
	}
	if _, ok := gen.pinned[entry.Key]; ok {
		gen.pinned[entry.Key] = entry
		return nil
	}
	gen.entries.Add(entry.Key, entry)
	return nil
}

func (m *MemProvider) PutAll(ctx context.Context, generation string, entries []Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	gen := m.generation(generation)
	for _, entry := range entries {
		entry.Generation = generation
		gen.entries.Remove(entry.Key)
		gen.pinned[entry.Key] = entry
	}
	return nil
}

func (m *MemProvider) Keys(ctx context.Context, generation string, cb func(string)) error {
	m.mutex.RLock()
	gen, ok := m.generations[generation]
	var keys []string
	if ok {
		keys = make([]string, 0, len(gen.pinned)+gen.entries.Len())
		for key := range gen.pinned {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		keys = append(keys, gen.entries.Keys()...)
	}
	m.mutex.RUnlock()
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m *MemProvider) Generations(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.generations))
	for name := range m.generations {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return m.generations[names[i]].createdAt.Before(m.generations[names[j]].createdAt)
	})
	return names, nil
}

func (m *MemProvider) Drop(ctx context.Context, generation string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.generations, generation)
	if m.current == generation {
		m.current = ""
	}
	return nil
}

func (m *MemProvider) Current(ctx context.Context) (string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current, nil
}

func (m *MemProvider) SetCurrent(ctx context.Context, generation string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.generation(generation)
	m.current = generation
	return nil
}
