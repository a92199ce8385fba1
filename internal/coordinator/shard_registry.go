// Package coordinator implements the orchestration layer for shardcast.
// See doc.go for complete package documentation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardcast/internal/cluster"
)

var (
	ErrIndexExists     = errors.New("index already exists")
	ErrIndexNotFound   = errors.New("index not found")
	ErrInvalidIndex    = errors.New("invalid index")
	ErrShardUnassigned = errors.New("shard has no assigned primary")
	ErrBlockNotFound   = errors.New("block not found")
)

// ShardRegistry is the authoritative routing table of the cluster. It owns
// the node list, every index's shard copies and their owners, open/closed
// index state and blocks, and hands out immutable versioned snapshots of
// all of it.
//
// Allocation model:
//   - CreateIndex places each shard's primary round-robin over the known
//     nodes and puts replicas on the following distinct nodes
//   - A copy that cannot be placed (too few nodes) stays unassigned until
//     AllocateUnassigned finds a node that holds no other copy of the shard
//   - RemoveNode unassigns every copy the node held and promotes an
//     assigned replica wherever a primary was lost
//
// Key routing:
//
//	key → xxhash64 → shard (mod shard count) → copies → nodes
//	"user:123" → 0x8c2a… → logs[3] → primary on node-2, replica on node-1
//
// Concurrency Model:
//   - Every mutation takes the write lock and bumps the version
//   - Snapshot builds a deep copy under the read lock and caches it until
//     the next mutation, so concurrent broadcasts share one snapshot
//   - Snapshots are never mutated after being handed out
type ShardRegistry struct {
	projects     map[cluster.ProjectID]*cluster.ProjectState
	nodes        map[string]cluster.NodeInfo
	cached       *cluster.Snapshot
	globalBlocks []cluster.Block
	mu           sync.RWMutex
	version      int64
}

// NewShardRegistry creates an empty registry at version 0.
func NewShardRegistry() *ShardRegistry {
	return &ShardRegistry{
		projects: make(map[cluster.ProjectID]*cluster.ProjectState),
		nodes:    make(map[string]cluster.NodeInfo),
	}
}

// Version returns the version of the current routing state.
func (r *ShardRegistry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// changed bumps the version and drops the cached snapshot. Caller holds mu.
func (r *ShardRegistry) changed() {
	r.version++
	r.cached = nil
}

// RegisterNode adds a node, or updates its address when the ID is already
// known, and then places any unassigned copies. It returns whether the
// routing state changed.
func (r *ShardRegistry) RegisterNode(n cluster.NodeInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[n.ID]; ok && existing == n {
		return false
	}
	r.nodes[n.ID] = n
	r.allocateLocked()
	r.changed()
	return true
}

// Nodes returns the registered nodes ordered by ID.
func (r *ShardRegistry) Nodes() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNodesLocked()
}

func (r *ShardRegistry) sortedNodesLocked() []cluster.NodeInfo {
	out := make([]cluster.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b cluster.NodeInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// RemoveNode forgets a node and unassigns every copy it held. Where the
// lost copy was a primary, the first assigned replica is promoted. It
// returns the placements that were lost.
func (r *ShardRegistry) RemoveNode(nodeID string) []cluster.ShardPlacement {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return nil
	}
	delete(r.nodes, nodeID)

	var lost []cluster.ShardPlacement
	r.eachShardLocked(func(project cluster.ProjectID, idx *cluster.IndexRouting, sr *cluster.ShardRouting) {
		primaryLost := false
		for i, c := range sr.Copies {
			if c.NodeID != nodeID {
				continue
			}
			lost = append(lost, c.Placement(idx.Name, sr.ID))
			primaryLost = primaryLost || c.Primary
			sr.Copies[i].NodeID = ""
		}
		if primaryLost {
			promote(sr)
		}
	})
	r.allocateLocked()
	r.changed()
	return lost
}

// promote hands the primary role to the first assigned replica, if any.
func promote(sr *cluster.ShardRouting) {
	for i, c := range sr.Copies {
		if c.Primary || !c.Assigned() {
			continue
		}
		for j := range sr.Copies {
			sr.Copies[j].Primary = false
		}
		sr.Copies[i].Primary = true
		return
	}
}

// ValidateIndexName rejects names that would be ambiguous in index
// expressions or URL paths.
func ValidateIndexName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name must not be empty", ErrInvalidIndex)
	case strings.HasPrefix(name, "-"), strings.HasPrefix(name, "_"):
		return fmt.Errorf("%w: [%s] must not start with '-' or '_'", ErrInvalidIndex, name)
	case strings.ContainsAny(name, `*?[],/\ "`):
		return fmt.Errorf("%w: [%s] contains a reserved character", ErrInvalidIndex, name)
	case name != strings.ToLower(name):
		return fmt.Errorf("%w: [%s] must be lowercase", ErrInvalidIndex, name)
	}
	return nil
}

// CreateIndex adds an open index with the given number of shards, each
// with one primary and replicas replica copies, and allocates the copies
// over the registered nodes.
//
// Parameters:
//   - project: owning project; empty means the default project
//   - name: index name, see ValidateIndexName
//   - shards: number of shards (must be > 0)
//   - replicas: replica copies per shard (must be >= 0)
//
// Returns:
//   - ErrInvalidIndex for a bad name or counts
//   - ErrIndexExists when the project already has the index
func (r *ShardRegistry) CreateIndex(project cluster.ProjectID, name string, shards, replicas int) error {
	if err := ValidateIndexName(name); err != nil {
		return err
	}
	if shards < 1 {
		return fmt.Errorf("%w: [%s] needs at least one shard", ErrInvalidIndex, name)
	}
	if replicas < 0 {
		return fmt.Errorf("%w: [%s] replicas must not be negative", ErrInvalidIndex, name)
	}
	project = projectOrDefault(project)

	r.mu.Lock()
	defer r.mu.Unlock()

	ps := r.projectLocked(project)
	if _, ok := ps.Indices[name]; ok {
		return fmt.Errorf("%w: [%s]", ErrIndexExists, name)
	}

	nodes := r.sortedNodesLocked()
	idx := cluster.IndexRouting{Name: name, State: cluster.IndexOpen, Replicas: replicas}
	for id := 0; id < shards; id++ {
		sr := cluster.ShardRouting{ID: id, Copies: make([]cluster.ShardCopy, replicas+1)}
		sr.Copies[0].Primary = true
		for c := range sr.Copies {
			// Copies of one shard never share a node.
			if c < len(nodes) {
				sr.Copies[c].NodeID = nodes[(id+c)%len(nodes)].ID
			}
		}
		idx.Shards = append(idx.Shards, sr)
	}
	ps.Indices[name] = idx
	r.changed()
	return nil
}

// DeleteIndex removes an index and its index blocks.
func (r *ShardRegistry) DeleteIndex(project cluster.ProjectID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps := r.projects[projectOrDefault(project)]
	if ps == nil {
		return fmt.Errorf("%w: [%s]", ErrIndexNotFound, name)
	}
	if _, ok := ps.Indices[name]; !ok {
		return fmt.Errorf("%w: [%s]", ErrIndexNotFound, name)
	}
	delete(ps.Indices, name)
	delete(ps.IndexBlocks, name)
	r.changed()
	return nil
}

// SetIndexState opens or closes an index. Closed indices keep their
// routing but wildcard expressions no longer match them.
func (r *ShardRegistry) SetIndexState(project cluster.ProjectID, name string, state cluster.IndexState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps := r.projects[projectOrDefault(project)]
	if ps == nil {
		return fmt.Errorf("%w: [%s]", ErrIndexNotFound, name)
	}
	idx, ok := ps.Indices[name]
	if !ok {
		return fmt.Errorf("%w: [%s]", ErrIndexNotFound, name)
	}
	if idx.State == state {
		return nil
	}
	idx.State = state
	ps.Indices[name] = idx
	r.changed()
	return nil
}

// AssignShard moves one copy of a shard to nodeID. The copy is picked by
// role: the primary, or the first unassigned replica (falling back to the
// first replica). Used for manual relocation and tests.
func (r *ShardRegistry) AssignShard(project cluster.ProjectID, index string, shard int, nodeID string, primary bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return fmt.Errorf("unknown node [%s]", nodeID)
	}
	ps := r.projects[projectOrDefault(project)]
	if ps == nil {
		return fmt.Errorf("%w: [%s]", ErrIndexNotFound, index)
	}
	idx, ok := ps.Indices[index]
	if !ok {
		return fmt.Errorf("%w: [%s]", ErrIndexNotFound, index)
	}
	if shard < 0 || shard >= len(idx.Shards) {
		return fmt.Errorf("invalid shard ID %d for [%s]: must be between 0 and %d", shard, index, len(idx.Shards)-1)
	}
	sr := &idx.Shards[shard]
	target := -1
	for i, c := range sr.Copies {
		if c.Primary != primary {
			continue
		}
		if c.NodeID == nodeID {
			return nil
		}
		if target == -1 || (!c.Assigned() && sr.Copies[target].Assigned()) {
			target = i
		}
	}
	if target == -1 {
		return fmt.Errorf("[%s][%d] has no replica copies", index, shard)
	}
	for i, c := range sr.Copies {
		if i != target && c.NodeID == nodeID {
			return fmt.Errorf("[%s][%d] already has a copy on [%s]", index, shard, nodeID)
		}
	}
	sr.Copies[target].NodeID = nodeID
	r.changed()
	return nil
}

// AllocateUnassigned places unassigned copies on nodes that hold no other
// copy of the same shard, preferring the least loaded node. It returns the
// number of copies placed.
func (r *ShardRegistry) AllocateUnassigned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.allocateLocked()
	if n > 0 {
		r.changed()
	}
	return n
}

func (r *ShardRegistry) allocateLocked() int {
	if len(r.nodes) == 0 {
		return 0
	}
	load := make(map[string]int, len(r.nodes))
	for id := range r.nodes {
		load[id] = 0
	}
	r.eachShardLocked(func(_ cluster.ProjectID, _ *cluster.IndexRouting, sr *cluster.ShardRouting) {
		for _, c := range sr.Copies {
			if c.Assigned() {
				load[c.NodeID]++
			}
		}
	})
	nodes := r.sortedNodesLocked()

	placed := 0
	r.eachShardLocked(func(_ cluster.ProjectID, _ *cluster.IndexRouting, sr *cluster.ShardRouting) {
		for i, c := range sr.Copies {
			if c.Assigned() {
				continue
			}
			best := ""
			for _, n := range nodes {
				if holdsCopy(sr, n.ID) {
					continue
				}
				if best == "" || load[n.ID] < load[best] {
					best = n.ID
				}
			}
			if best == "" {
				continue
			}
			sr.Copies[i].NodeID = best
			load[best]++
			placed++
		}
	})
	return placed
}

func holdsCopy(sr *cluster.ShardRouting, nodeID string) bool {
	for _, c := range sr.Copies {
		if c.NodeID == nodeID {
			return true
		}
	}
	return false
}

// eachShardLocked visits every shard routing entry in a stable order,
// letting fn modify it in place. Caller holds the write lock.
func (r *ShardRegistry) eachShardLocked(fn func(project cluster.ProjectID, idx *cluster.IndexRouting, sr *cluster.ShardRouting)) {
	projects := make([]cluster.ProjectID, 0, len(r.projects))
	for p := range r.projects {
		projects = append(projects, p)
	}
	slices.Sort(projects)
	for _, p := range projects {
		ps := r.projects[p]
		names := make([]string, 0, len(ps.Indices))
		for name := range ps.Indices {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			idx := ps.Indices[name]
			for i := range idx.Shards {
				fn(p, &idx, &idx.Shards[i])
			}
			ps.Indices[name] = idx
		}
	}
}

// AddBlock installs a block. An empty index makes it a global block scoped
// to project, or to every project when project is empty. Adding a block
// with an ID that is already present replaces it.
func (r *ShardRegistry) AddBlock(project cluster.ProjectID, index string, b cluster.Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index == "" {
		b.Project = project
		r.globalBlocks = upsertBlock(r.globalBlocks, b)
		r.changed()
		return nil
	}
	ps := r.projects[projectOrDefault(project)]
	if ps == nil {
		return fmt.Errorf("%w: [%s]", ErrIndexNotFound, index)
	}
	if _, ok := ps.Indices[index]; !ok {
		return fmt.Errorf("%w: [%s]", ErrIndexNotFound, index)
	}
	if ps.IndexBlocks == nil {
		ps.IndexBlocks = make(map[string][]cluster.Block)
	}
	ps.IndexBlocks[index] = upsertBlock(ps.IndexBlocks[index], b)
	r.changed()
	return nil
}

func upsertBlock(blocks []cluster.Block, b cluster.Block) []cluster.Block {
	i := slices.IndexFunc(blocks, func(x cluster.Block) bool { return x.ID == b.ID && x.Project == b.Project })
	if i >= 0 {
		blocks[i] = b
		return blocks
	}
	return append(blocks, b)
}

// RemoveBlock removes the block with the given ID from the same scope
// AddBlock would have put it in.
func (r *ShardRegistry) RemoveBlock(project cluster.ProjectID, index string, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index == "" {
		i := slices.IndexFunc(r.globalBlocks, func(x cluster.Block) bool { return x.ID == id && x.Project == project })
		if i < 0 {
			return fmt.Errorf("%w: global block %d", ErrBlockNotFound, id)
		}
		r.globalBlocks = slices.Delete(r.globalBlocks, i, i+1)
		r.changed()
		return nil
	}
	ps := r.projects[projectOrDefault(project)]
	if ps == nil {
		return fmt.Errorf("%w: [%s] block %d", ErrBlockNotFound, index, id)
	}
	blocks := ps.IndexBlocks[index]
	i := slices.IndexFunc(blocks, func(x cluster.Block) bool { return x.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: [%s] block %d", ErrBlockNotFound, index, id)
	}
	blocks = slices.Delete(blocks, i, i+1)
	if len(blocks) == 0 {
		delete(ps.IndexBlocks, index)
	} else {
		ps.IndexBlocks[index] = blocks
	}
	r.changed()
	return nil
}

// ShardForKey maps a document key to a shard of index.
//
// The mapping is a pure function of the key and the index's shard count,
// so every coordinator computes the same shard for the same key.
func (r *ShardRegistry) ShardForKey(project cluster.ProjectID, index, key string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, err := r.indexLocked(project, index)
	if err != nil {
		return 0, err
	}
	return shardFor(key, len(idx.Shards)), nil
}

func shardFor(key string, shards int) int {
	return int(xxhash.Sum64String(key) % uint64(shards))
}

// CopiesForKey returns the assigned copies of the shard owning key,
// primary first. Reads go to the first entry, writes to all of them.
func (r *ShardRegistry) CopiesForKey(project cluster.ProjectID, index, key string) ([]cluster.ShardPlacement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, err := r.indexLocked(project, index)
	if err != nil {
		return nil, err
	}
	if idx.State == cluster.IndexClosed {
		return nil, fmt.Errorf("%w: [%s] is closed", ErrShardUnassigned, index)
	}
	sr := idx.Shards[shardFor(key, len(idx.Shards))]

	var out []cluster.ShardPlacement
	for _, c := range sr.Copies {
		if !c.Assigned() {
			continue
		}
		p := c.Placement(index, sr.ID)
		if c.Primary {
			out = append([]cluster.ShardPlacement{p}, out...)
		} else {
			out = append(out, p)
		}
	}
	if len(out) == 0 || !out[0].Primary() {
		return nil, fmt.Errorf("%w: [%s][%d]", ErrShardUnassigned, index, sr.ID)
	}
	return out, nil
}

// PlacementsForNode lists every copy assigned to nodeID across projects.
// The node uses it to reconcile which shard copies it hosts.
func (r *ShardRegistry) PlacementsForNode(nodeID string) []cluster.ShardPlacement {
	return r.Snapshot().PlacementsForNode(nodeID)
}

// Snapshot returns the current routing state as an immutable snapshot.
// Callers must not modify it.
func (r *ShardRegistry) Snapshot() *cluster.Snapshot {
	r.mu.RLock()
	if s := r.cached; s != nil {
		r.mu.RUnlock()
		return s
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil {
		r.cached = r.buildSnapshotLocked()
	}
	return r.cached
}

// CurrentSnapshot implements the broadcast state provider.
func (r *ShardRegistry) CurrentSnapshot(context.Context) (*cluster.Snapshot, error) {
	return r.Snapshot(), nil
}

func (r *ShardRegistry) buildSnapshotLocked() *cluster.Snapshot {
	snap := &cluster.Snapshot{
		Nodes:        make(map[string]cluster.NodeInfo, len(r.nodes)),
		Projects:     make(map[cluster.ProjectID]*cluster.ProjectState, len(r.projects)),
		GlobalBlocks: slices.Clone(r.globalBlocks),
		Version:      r.version,
	}
	for id, n := range r.nodes {
		snap.Nodes[id] = n
	}
	for p, ps := range r.projects {
		out := &cluster.ProjectState{Indices: make(map[string]cluster.IndexRouting, len(ps.Indices))}
		for name, idx := range ps.Indices {
			shards := make([]cluster.ShardRouting, len(idx.Shards))
			for i, sr := range idx.Shards {
				shards[i] = cluster.ShardRouting{ID: sr.ID, Copies: slices.Clone(sr.Copies)}
			}
			idx.Shards = shards
			out.Indices[name] = idx
		}
		if len(ps.IndexBlocks) > 0 {
			out.IndexBlocks = make(map[string][]cluster.Block, len(ps.IndexBlocks))
			for name, blocks := range ps.IndexBlocks {
				out.IndexBlocks[name] = slices.Clone(blocks)
			}
		}
		snap.Projects[p] = out
	}
	return snap
}

func (r *ShardRegistry) projectLocked(project cluster.ProjectID) *cluster.ProjectState {
	ps := r.projects[project]
	if ps == nil {
		ps = &cluster.ProjectState{Indices: make(map[string]cluster.IndexRouting)}
		r.projects[project] = ps
	}
	return ps
}

func (r *ShardRegistry) indexLocked(project cluster.ProjectID, index string) (cluster.IndexRouting, error) {
	ps := r.projects[projectOrDefault(project)]
	if ps == nil {
		return cluster.IndexRouting{}, fmt.Errorf("%w: [%s]", ErrIndexNotFound, index)
	}
	idx, ok := ps.Indices[index]
	if !ok {
		return cluster.IndexRouting{}, fmt.Errorf("%w: [%s]", ErrIndexNotFound, index)
	}
	return idx, nil
}

func projectOrDefault(p cluster.ProjectID) cluster.ProjectID {
	if p == "" {
		return cluster.DefaultProject
	}
	return p
}
