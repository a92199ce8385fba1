package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/pool"
)

type testParams struct {
	Label string `json:"label"`
}

var errGuard = errors.New("shard is closing")

// fakeShard is a ShardHandle with scripted guard and run results.
type fakeShard struct {
	guardErr error
	runErr   error
	panicMsg string
	runs     atomic.Int64
	held     atomic.Int64
}

func (f *fakeShard) Acquire() (func(), error) {
	if f.guardErr != nil {
		return nil, f.guardErr
	}
	f.held.Add(1)
	return func() { f.held.Add(-1) }, nil
}

func (f *fakeShard) Run(ctx context.Context, _ testParams) error {
	f.runs.Add(1)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.runErr
}

type fakeRegistry struct {
	shards map[placementKey]*fakeShard
}

func (r *fakeRegistry) LookupShard(p cluster.ShardPlacement) (ShardHandle[testParams], error) {
	s, ok := r.shards[keyOf(p)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrShardNotFound, p)
	}
	return s, nil
}

// fakeCluster is a multi-node cluster: one executor per node, connected by
// an in-process transport that counts calls and can fail whole nodes.
type fakeCluster struct {
	snap      *cluster.Snapshot
	executors map[string]*Executor[testParams]
	shards    map[placementKey]*fakeShard
	down      map[string]error
	mu        sync.Mutex
	calls     int
}

// newFakeCluster builds a snapshot with one primary-only index per entry of
// layout, where layout[index][shard] is the owning node.
func newFakeCluster(t *testing.T, layout map[string][]string) *fakeCluster {
	t.Helper()
	fc := &fakeCluster{
		snap: &cluster.Snapshot{
			Nodes:    map[string]cluster.NodeInfo{},
			Projects: map[cluster.ProjectID]*cluster.ProjectState{},
			Version:  7,
		},
		executors: map[string]*Executor[testParams]{},
		shards:    map[placementKey]*fakeShard{},
		down:      map[string]error{},
	}
	ps := &cluster.ProjectState{Indices: map[string]cluster.IndexRouting{}}
	fc.snap.Projects[cluster.DefaultProject] = ps

	for index, owners := range layout {
		idx := cluster.IndexRouting{Name: index, State: cluster.IndexOpen}
		for id, node := range owners {
			idx.Shards = append(idx.Shards, cluster.ShardRouting{
				ID:     id,
				Copies: []cluster.ShardCopy{{NodeID: node, Primary: true}},
			})
			fc.addShard(cluster.ShardPlacement{Index: index, Shard: id, NodeID: node, Role: cluster.RolePrimary})
		}
		ps.Indices[index] = idx
	}

	p := pool.New(pool.ForceMerge, 2, pool.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(p.Close)
	for node := range fc.snap.Nodes {
		fc.executors[node] = NewExecutor(ExecutorConfig[testParams]{
			Registry:    &fakeRegistry{shards: fc.shards},
			Pool:        p,
			Logger:      zaptest.NewLogger(t),
			NodeID:      node,
			Concurrency: 2,
		})
	}
	return fc
}

func (fc *fakeCluster) addShard(p cluster.ShardPlacement) {
	fc.snap.Nodes[p.NodeID] = cluster.NodeInfo{ID: p.NodeID, Addr: "http://" + p.NodeID}
	fc.shards[keyOf(p)] = &fakeShard{}
}

func (fc *fakeCluster) shard(index string, id int, node string) *fakeShard {
	return fc.shards[placementKey{index: index, shard: id, node: node}]
}

func (fc *fakeCluster) totalRuns() int64 {
	var n int64
	for _, s := range fc.shards {
		n += s.runs.Load()
	}
	return n
}

func (fc *fakeCluster) transportCalls() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.calls
}

func (fc *fakeCluster) Send(ctx context.Context, node cluster.NodeInfo, batch NodeBatch[testParams]) ([]ShardOutcome, error) {
	fc.mu.Lock()
	fc.calls++
	err := fc.down[node.ID]
	fc.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return fc.executors[node.ID].Execute(ctx, batch), nil
}

func (fc *fakeCluster) CurrentSnapshot(context.Context) (*cluster.Snapshot, error) {
	return fc.snap, nil
}

func (fc *fakeCluster) action(t *testing.T) *Action[testParams] {
	return NewAction(ActionConfig[testParams]{
		Name:      "test_op",
		State:     fc,
		Blocks:    LevelBlockChecker{Level: cluster.LevelMetadataWrite},
		Transport: fc,
		Logger:    zaptest.NewLogger(t),
	})
}
