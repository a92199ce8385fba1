package main

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/shard"
)

// shardKey identifies a local copy. A node hosts at most one copy of each
// shard.
type shardKey struct {
	index string
	id    int
}

// Node is the runtime state of a storage node: the shard copies the
// coordinator has assigned to it.
//
// Copies are created and dropped only by Sync. The node never creates a
// copy on demand, so a request for a copy the routing table moved away
// gets a not-found answer instead of silently writing to a stray copy.
//
// Concurrency model:
//   - The copy map is guarded by mu
//   - Each shard handles its own synchronization
//   - Sync closes dropped copies after releasing mu; closing waits for
//     in-flight maintenance operations on that copy
type Node struct {
	shards  map[shardKey]*shard.Shard
	logger  *zap.Logger
	ID      string
	mu      sync.RWMutex
	version int64
}

// NewNode creates a node with no shard copies.
func NewNode(id string, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		ID:     id,
		shards: make(map[shardKey]*shard.Shard),
		logger: logger,
	}
}

// AddShard installs a copy, replacing any copy of the same shard.
func (n *Node) AddShard(s *shard.Shard) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shards[shardKey{s.Index, s.ID}] = s
}

// GetShard returns the local copy of a shard, or nil.
func (n *Node) GetShard(index string, id int) *shard.Shard {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.shards[shardKey{index, id}]
}

// LocalShard lets the force merge executor find local copies.
func (n *Node) LocalShard(index string, id int) (*shard.Shard, bool) {
	s := n.GetShard(index, id)
	return s, s != nil
}

// Shards returns the local copies ordered by index and shard ID.
func (n *Node) Shards() []*shard.Shard {
	n.mu.RLock()
	out := make([]*shard.Shard, 0, len(n.shards))
	for _, s := range n.shards {
		out = append(out, s)
	}
	n.mu.RUnlock()

	slices.SortFunc(out, func(a, b *shard.Shard) int {
		if c := strings.Compare(a.Index, b.Index); c != 0 {
			return c
		}
		return a.ID - b.ID
	})
	return out
}

// Version is the routing version of the last applied sync.
func (n *Node) Version() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.version
}

// SyncResult summarises what a Sync changed.
type SyncResult struct {
	Added    int  `json:"added"`
	Removed  int  `json:"removed"`
	Promoted int  `json:"promoted"`
	Stale    bool `json:"stale,omitempty"`
}

// Sync reconciles local copies with the placements the coordinator assigned
// to this node. Messages older than the last applied version are ignored.
//
// A replica promoted to primary keeps its data: the new primary copy shares
// the replica's store and the old copy is closed. Copies that are no longer
// assigned are closed and dropped.
func (n *Node) Sync(msg cluster.ControlMessage) (SyncResult, error) {
	if msg.Type != cluster.ControlSyncShards {
		return SyncResult{}, fmt.Errorf("unknown control message type %q", msg.Type)
	}
	for _, p := range msg.Shards {
		if p.NodeID != n.ID {
			return SyncResult{}, fmt.Errorf("placement %s is not for node [%s]", p, n.ID)
		}
	}

	var res SyncResult
	var retired []*shard.Shard

	n.mu.Lock()
	if msg.Version < n.version {
		n.mu.Unlock()
		return SyncResult{Stale: true}, nil
	}
	n.version = msg.Version

	wanted := make(map[shardKey]bool, len(msg.Shards))
	for _, p := range msg.Shards {
		key := shardKey{p.Index, p.Shard}
		wanted[key] = true
		existing, ok := n.shards[key]
		switch {
		case !ok:
			n.shards[key] = shard.NewShard(p.Index, p.Shard, p.Primary())
			res.Added++
		case existing.Primary != p.Primary():
			next := shard.NewShard(p.Index, p.Shard, p.Primary())
			next.Store = existing.Store
			next.Stats = existing.Stats
			n.shards[key] = next
			retired = append(retired, existing)
			if p.Primary() {
				res.Promoted++
			}
		}
	}
	for key, s := range n.shards {
		if !wanted[key] {
			delete(n.shards, key)
			retired = append(retired, s)
			res.Removed++
		}
	}
	n.mu.Unlock()

	for _, s := range retired {
		s.SetState(shard.ShardStateClosed)
	}
	if res.Added+res.Removed+res.Promoted > 0 {
		n.logger.Info("shard copies synced",
			zap.Int64("version", msg.Version),
			zap.Int("added", res.Added),
			zap.Int("removed", res.Removed),
			zap.Int("promoted", res.Promoted))
	}
	return res, nil
}
