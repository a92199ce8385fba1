package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// TestMemoryStore tests the basic key-value behavior of the in-memory store
func TestMemoryStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore()

		if keys := store.List(); len(keys) != 0 {
			t.Errorf("Expected empty store, got %d keys", len(keys))
		}
		if _, err := store.Get("nonexistent"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("put and get values", func(t *testing.T) {
		store := NewMemoryStore()

		if err := store.Put("key1", []byte("value1")); err != nil {
			t.Fatalf("Failed to put value: %v", err)
		}
		value, err := store.Get("key1")
		if err != nil {
			t.Fatalf("Failed to get value: %v", err)
		}
		if !bytes.Equal(value, []byte("value1")) {
			t.Errorf("Expected 'value1', got %s", string(value))
		}
	})

	t.Run("overwrite across a flush", func(t *testing.T) {
		store := NewMemoryStore()
		store.Put("key1", []byte("value1"))
		store.Flush()
		store.Put("key1", []byte("value2"))

		value, _ := store.Get("key1")
		if !bytes.Equal(value, []byte("value2")) {
			t.Errorf("Expected 'value2', got %s", string(value))
		}
		stats := store.Stats()
		if stats.Keys != 1 || stats.DeletedDocs != 1 {
			t.Errorf("Expected 1 key and 1 deleted doc, got %+v", stats)
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		store := NewMemoryStore()
		store.Put("key1", []byte("value1"))

		if err := store.Delete("key1"); err != nil {
			t.Fatalf("Failed to delete: %v", err)
		}
		if err := store.Delete("key1"); err != nil {
			t.Fatalf("Second delete failed: %v", err)
		}
		if _, err := store.Get("key1"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
		}
	})

	t.Run("returned values are copies", func(t *testing.T) {
		store := NewMemoryStore()
		original := []byte("value")
		store.Put("key", original)
		original[0] = 'X'

		value, _ := store.Get("key")
		value[1] = 'Y'

		again, _ := store.Get("key")
		if string(again) != "value" {
			t.Errorf("Store was modified externally: %s", again)
		}
	})
}

// TestMemoryStoreFlush tests segment creation on flush
func TestMemoryStoreFlush(t *testing.T) {
	store := NewMemoryStore()
	store.Flush()
	if got := store.Stats().Segments; got != 0 {
		t.Errorf("Empty flush created %d segments", got)
	}

	for i := 0; i < 3; i++ {
		store.Put(fmt.Sprintf("key-%d", i), []byte("v"))
		store.Flush()
	}
	if got := store.Stats().Segments; got != 3 {
		t.Errorf("Expected 3 segments, got %d", got)
	}
}

// TestMemoryStoreForceMerge tests merging segments down to a target count
func TestMemoryStoreForceMerge(t *testing.T) {
	tests := []struct {
		name         string
		segments     int
		maxSegments  int
		wantSegments int
	}{
		{name: "merge to one", segments: 5, maxSegments: 1, wantSegments: 1},
		{name: "default merges to one", segments: 4, maxSegments: -1, wantSegments: 1},
		{name: "merge to two", segments: 5, maxSegments: 2, wantSegments: 2},
		{name: "already under target", segments: 2, maxSegments: 3, wantSegments: 2},
		{name: "no segments", segments: 0, maxSegments: 1, wantSegments: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			for i := 0; i < tt.segments; i++ {
				store.Put(fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)))
				store.Flush()
			}

			stats := store.ForceMerge(MergeOptions{MaxSegments: tt.maxSegments})

			if stats.SegmentsBefore != tt.segments {
				t.Errorf("SegmentsBefore = %d, want %d", stats.SegmentsBefore, tt.segments)
			}
			if stats.SegmentsAfter != tt.wantSegments {
				t.Errorf("SegmentsAfter = %d, want %d", stats.SegmentsAfter, tt.wantSegments)
			}
			for i := 0; i < tt.segments; i++ {
				value, err := store.Get(fmt.Sprintf("key-%d", i))
				if err != nil || string(value) != fmt.Sprintf("value-%d", i) {
					t.Errorf("key-%d lost after merge: %q, %v", i, value, err)
				}
			}
		})
	}
}

// TestMemoryStoreForceMergeDropsDeletes tests that merges drop superseded docs
func TestMemoryStoreForceMergeDropsDeletes(t *testing.T) {
	store := NewMemoryStore()
	store.Put("a", []byte("1"))
	store.Put("b", []byte("1"))
	store.Flush()
	store.Put("a", []byte("2"))
	store.Delete("b")
	store.Flush()

	stats := store.ForceMerge(MergeOptions{MaxSegments: 1})
	if stats.ExpungedDocs != 2 {
		t.Errorf("Expected 2 expunged docs, got %d", stats.ExpungedDocs)
	}

	after := store.Stats()
	if after.DeletedDocs != 0 || after.Segments != 1 || after.Keys != 1 {
		t.Errorf("Unexpected stats after merge: %+v", after)
	}
	value, _ := store.Get("a")
	if string(value) != "2" {
		t.Errorf("Expected latest value '2', got %q", value)
	}
}

// TestMemoryStoreExpungeDeletes tests rewriting only segments that hold deletes
func TestMemoryStoreExpungeDeletes(t *testing.T) {
	store := NewMemoryStore()
	store.Put("a", []byte("1"))
	store.Flush()
	store.Put("b", []byte("1"))
	store.Flush()
	store.Delete("a")

	stats := store.ForceMerge(MergeOptions{OnlyExpungeDeletes: true})

	if stats.ExpungedDocs != 1 {
		t.Errorf("Expected 1 expunged doc, got %d", stats.ExpungedDocs)
	}
	// The segment that only held "a" is now empty and disappears.
	if stats.SegmentsAfter != 1 {
		t.Errorf("Expected 1 segment after expunge, got %d", stats.SegmentsAfter)
	}
	keys := store.List()
	sort.Strings(keys)
	if len(keys) != 1 || keys[0] != "b" {
		t.Errorf("Unexpected keys %v", keys)
	}
}

// TestMemoryStoreConcurrency tests concurrent writers racing a merge
func TestMemoryStoreConcurrency(t *testing.T) {
	store := NewMemoryStore()
	numGoroutines := 20
	numOps := 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines + 1)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOps; j++ {
				key := fmt.Sprintf("goroutine-%d-key-%d", id, j)
				if err := store.Put(key, []byte("v")); err != nil {
					t.Errorf("Failed to put: %v", err)
				}
				if j%10 == 0 {
					store.Flush()
				}
			}
		}(i)
	}
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			store.ForceMerge(MergeOptions{MaxSegments: 1})
		}
	}()
	wg.Wait()

	if got := len(store.List()); got != numGoroutines*numOps {
		t.Errorf("Expected %d keys, got %d", numGoroutines*numOps, got)
	}
}

// TestStoreInterface verifies MemoryStore implements Store
func TestStoreInterface(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
}
