package storage

import (
	"errors"
	"sync"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// Store defines the interface for segmented key-value storage
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) ([]byte, error)

	// Put stores a value with the given key
	// Overwrites any existing value for the key
	Put(key string, value []byte) error

	// Delete removes a key-value pair
	// No error if key doesn't exist
	Delete(key string) error

	// List returns all keys in the store
	// Order is not guaranteed
	List() []string

	// Flush seals the write buffer into an immutable segment
	Flush()

	// ForceMerge rewrites sealed segments according to opts
	ForceMerge(opts MergeOptions) MergeStats

	// Stats returns storage statistics
	Stats() StoreStats
}

// MergeOptions controls a forced merge.
// MaxSegments <= 0 merges down to a single segment.
type MergeOptions struct {
	MaxSegments        int
	OnlyExpungeDeletes bool
}

// MergeStats describes what a forced merge did
type MergeStats struct {
	SegmentsBefore int `json:"segments_before"`
	SegmentsAfter  int `json:"segments_after"`
	ExpungedDocs   int `json:"expunged_docs"`
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys        int `json:"keys"`         // Number of live keys
	Bytes       int `json:"bytes"`        // Total size of live values in bytes
	Segments    int `json:"segments"`     // Sealed segments
	DeletedDocs int `json:"deleted_docs"` // Superseded or deleted docs still held by segments
}

// segment holds documents written between two flushes. Documents that were
// overwritten or deleted later stay in docs and are tracked in deleted until
// a merge drops them.
type segment struct {
	docs    map[string][]byte
	deleted map[string]struct{}
}

func newSegment() *segment {
	return &segment{docs: make(map[string][]byte), deleted: make(map[string]struct{})}
}

func (s *segment) live() int { return len(s.docs) - len(s.deleted) }

// MemoryStore implements Store with in-memory segments
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	buffer   *segment            // Unsealed writes
	where    map[string]*segment // Live key -> segment holding its current value
	segments []*segment          // Sealed segments, oldest first
	mu       sync.RWMutex        // Protects concurrent access
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buffer: newSegment(),
		where:  make(map[string]*segment),
	}
}

// Get retrieves a value by key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seg, exists := m.where[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	value := seg.docs[key]

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores a value with the given key
// Makes a copy of the value to prevent external modification
func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.supersede(key)

	stored := make([]byte, len(value))
	copy(stored, value)
	m.buffer.docs[key] = stored
	m.where[key] = m.buffer

	return nil
}

// Delete removes a key-value pair
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.supersede(key)
	delete(m.where, key)
	return nil
}

// supersede retires the current version of key. Buffered versions are
// dropped outright; sealed versions become deleted docs. Caller holds mu.
func (m *MemoryStore) supersede(key string) {
	seg, ok := m.where[key]
	if !ok {
		return
	}
	if seg == m.buffer {
		delete(seg.docs, key)
		return
	}
	seg.deleted[key] = struct{}{}
}

// List returns all live keys in the store
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.where))
	for key := range m.where {
		keys = append(keys, key)
	}
	return keys
}

// Flush seals buffered writes into a new segment. An empty buffer is a no-op.
func (m *MemoryStore) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushLocked()
}

func (m *MemoryStore) flushLocked() {
	if len(m.buffer.docs) == 0 {
		return
	}
	m.segments = append(m.segments, m.buffer)
	m.buffer = newSegment()
}

// ForceMerge rewrites sealed segments. With OnlyExpungeDeletes each segment
// holding deleted docs is rewritten in place; otherwise adjacent segments are
// combined, oldest first, until at most MaxSegments remain. Deleted docs are
// dropped from every rewritten segment and empty segments disappear.
func (m *MemoryStore) ForceMerge(opts MergeOptions) MergeStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MergeStats{SegmentsBefore: len(m.segments)}

	if opts.OnlyExpungeDeletes {
		kept := m.segments[:0]
		for _, seg := range m.segments {
			if len(seg.deleted) > 0 {
				stats.ExpungedDocs += len(seg.deleted)
				seg = m.rewrite(seg)
			}
			if len(seg.docs) > 0 {
				kept = append(kept, seg)
			}
		}
		m.segments = kept
		stats.SegmentsAfter = len(m.segments)
		return stats
	}

	target := opts.MaxSegments
	if target <= 0 {
		target = 1
	}
	if len(m.segments) <= target && !m.hasDeletes() {
		stats.SegmentsAfter = len(m.segments)
		return stats
	}

	groups := min(target, len(m.segments))
	per := (len(m.segments) + groups - 1) / groups
	merged := make([]*segment, 0, groups)
	for start := 0; start < len(m.segments); start += per {
		end := min(start+per, len(m.segments))
		out := newSegment()
		for _, seg := range m.segments[start:end] {
			stats.ExpungedDocs += len(seg.deleted)
			for key, value := range seg.docs {
				if _, gone := seg.deleted[key]; gone {
					continue
				}
				out.docs[key] = value
				m.where[key] = out
			}
		}
		if len(out.docs) > 0 {
			merged = append(merged, out)
		}
	}
	m.segments = merged
	stats.SegmentsAfter = len(m.segments)
	return stats
}

// rewrite copies the live docs of seg into a fresh segment. Caller holds mu.
func (m *MemoryStore) rewrite(seg *segment) *segment {
	out := newSegment()
	for key, value := range seg.docs {
		if _, gone := seg.deleted[key]; gone {
			continue
		}
		out.docs[key] = value
		m.where[key] = out
	}
	return out
}

func (m *MemoryStore) hasDeletes() bool {
	for _, seg := range m.segments {
		if len(seg.deleted) > 0 {
			return true
		}
	}
	return false
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := StoreStats{Keys: len(m.where), Segments: len(m.segments)}
	for key, seg := range m.where {
		stats.Bytes += len(seg.docs[key])
	}
	for _, seg := range m.segments {
		stats.DeletedDocs += len(seg.deleted)
	}
	return stats
}
