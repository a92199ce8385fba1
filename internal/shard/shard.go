package shard

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dreamware/shardcast/internal/storage"
)

// ShardState represents the lifecycle state of a shard copy
type ShardState string

const (
	// ShardStateActive means the shard is serving requests
	ShardStateActive ShardState = "active"
	// ShardStateRelocating means the copy is being moved to another node
	ShardStateRelocating ShardState = "relocating"
	// ShardStateClosing means the copy is draining before close
	ShardStateClosing ShardState = "closing"
	// ShardStateClosed means the copy no longer accepts operations
	ShardStateClosed ShardState = "closed"
)

var (
	// ErrShardNotMutable is returned by the mutability guard when the shard
	// is mid-transition or exclusively locked
	ErrShardNotMutable = errors.New("shard is not mutable")
	// ErrShardClosed is returned by data operations on a closed shard
	ErrShardClosed = errors.New("shard is closed")
)

// Shard is one copy (primary or replica) of one shard of an index.
// Each copy owns independent segmented storage.
type Shard struct {
	Store   storage.Store // The storage backend for this copy
	Stats   *ShardStats   // Operation statistics
	Index   string        // Owning index
	state   ShardState    // Current lifecycle state
	ID      int           // Shard number within the index
	Primary bool          // Is this the primary or a replica?
	mu      sync.RWMutex  // Protects state
	ops     sync.RWMutex  // Shared by maintenance operations, exclusive for lifecycle transitions
}

// ShardStats tracks operational statistics for a shard
type ShardStats struct {
	Ops     OperationStats     `json:"operations"`
	Storage storage.StoreStats `json:"storage"`
}

// OperationStats tracks operation counts
type OperationStats struct {
	Gets        uint64 `json:"gets"`
	Puts        uint64 `json:"puts"`
	Deletes     uint64 `json:"deletes"`
	ForceMerges uint64 `json:"force_merges"`
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	Index    string     `json:"index"`
	State    ShardState `json:"state"`
	ID       int        `json:"id"`
	KeyCount int        `json:"key_count"`
	ByteSize int        `json:"byte_size"`
	Segments int        `json:"segments"`
	Primary  bool       `json:"primary"`
}

// NewShard creates a new active shard copy with in-memory storage
func NewShard(index string, id int, primary bool) *Shard {
	return &Shard{
		Index:   index,
		ID:      id,
		Primary: primary,
		Store:   storage.NewMemoryStore(),
		state:   ShardStateActive,
		Stats:   &ShardStats{},
	}
}

func (s *Shard) String() string {
	return fmt.Sprintf("[%s][%d]", s.Index, s.ID)
}

// State returns the current lifecycle state
func (s *Shard) State() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Acquire is the mutability guard. It takes a shared operation permit and
// verifies the shard is active. The permit must be released once the
// operation finishes; lifecycle transitions wait for outstanding permits.
func (s *Shard) Acquire() (release func(), err error) {
	if !s.ops.TryRLock() {
		return nil, fmt.Errorf("%w: %s is locked by an exclusive operation", ErrShardNotMutable, s)
	}
	if state := s.State(); state != ShardStateActive {
		s.ops.RUnlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrShardNotMutable, s, state)
	}
	var once sync.Once
	return func() { once.Do(s.ops.RUnlock) }, nil
}

// LockExclusive blocks until every shared permit is released and then holds
// the shard exclusively. While held, Acquire fails fast.
func (s *Shard) LockExclusive() (unlock func()) {
	s.ops.Lock()
	var once sync.Once
	return func() { once.Do(s.ops.Unlock) }
}

// SetState transitions the shard, waiting for in-flight maintenance
// operations to drain first.
func (s *Shard) SetState(state ShardState) {
	s.ops.Lock()
	defer s.ops.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Get retrieves a value from the shard
func (s *Shard) Get(key string) ([]byte, error) {
	atomic.AddUint64(&s.Stats.Ops.Gets, 1)
	return s.Store.Get(key)
}

// Put stores a value in the shard
func (s *Shard) Put(key string, value []byte) error {
	if s.State() == ShardStateClosed {
		return fmt.Errorf("%w: %s", ErrShardClosed, s)
	}
	atomic.AddUint64(&s.Stats.Ops.Puts, 1)
	return s.Store.Put(key, value)
}

// Delete removes a key from the shard
func (s *Shard) Delete(key string) error {
	if s.State() == ShardStateClosed {
		return fmt.Errorf("%w: %s", ErrShardClosed, s)
	}
	atomic.AddUint64(&s.Stats.Ops.Deletes, 1)
	return s.Store.Delete(key)
}

// ListKeys returns all keys in the shard
func (s *Shard) ListKeys() []string {
	return s.Store.List()
}

// GetStats returns current shard statistics
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			Gets:        atomic.LoadUint64(&s.Stats.Ops.Gets),
			Puts:        atomic.LoadUint64(&s.Stats.Ops.Puts),
			Deletes:     atomic.LoadUint64(&s.Stats.Ops.Deletes),
			ForceMerges: atomic.LoadUint64(&s.Stats.Ops.ForceMerges),
		},
		Storage: s.Store.Stats(),
	}
}

// Info returns metadata about the shard
func (s *Shard) Info() ShardInfo {
	storageStats := s.Store.Stats()

	return ShardInfo{
		Index:    s.Index,
		ID:       s.ID,
		Primary:  s.Primary,
		State:    s.State(),
		KeyCount: storageStats.Keys,
		ByteSize: storageStats.Bytes,
		Segments: storageStats.Segments,
	}
}
