package forcemerge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/shardcast/internal/broadcast"
	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/pool"
	"github.com/dreamware/shardcast/internal/shard"
	"github.com/dreamware/shardcast/internal/transport"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		index   string
		query   string
		want    func(*Request)
		wantErr bool
	}{
		{
			name:  "defaults",
			index: "logs",
			want:  func(r *Request) {},
		},
		{
			name:  "all options",
			index: "logs-*, metrics",
			query: "?max_num_segments=1&flush=false&ignore_unavailable=true&allow_no_indices=false&project=tenant-a",
			want: func(r *Request) {
				r.Indices = []string{"logs-*", "metrics"}
				r.Params.MaxNumSegments = 1
				r.Params.Flush = false
				r.Options.IgnoreUnavailable = true
				r.Options.AllowNoIndices = false
				r.Project = "tenant-a"
			},
		},
		{
			name:  "expunge deletes",
			index: "",
			query: "?only_expunge_deletes=true",
			want: func(r *Request) {
				r.Indices = nil
				r.Params.OnlyExpungeDeletes = true
			},
		},
		{name: "bad segment count", index: "logs", query: "?max_num_segments=lots", wantErr: true},
		{name: "bad bool", index: "logs", query: "?flush=maybe", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/x/_forcemerge"+tt.query, nil)
			got, err := ParseRequest(tt.index, r)
			if tt.wantErr {
				assert.ErrorIs(t, err, broadcast.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)

			want := broadcast.NewRequest(shard.DefaultForceMergeRequest(), "logs")
			tt.want(&want)
			assert.Equal(t, want, got)
		})
	}
}

func TestIndexExpression(t *testing.T) {
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/_forcemerge", "", true},
		{"/logs/_forcemerge", "logs", true},
		{"/logs,metrics-*/_forcemerge", "logs,metrics-*", true},
		{"/logs/_forcemerge/", "", false},
		{"/logs_forcemerge", "", false},
		{"/a/b/_forcemerge", "", false},
		{"/logs/_refresh", "", false},
	}
	for _, tt := range tests {
		got, ok := IndexExpression(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&broadcast.RejectionError{Global: []cluster.Block{cluster.BlockClusterReadOnly}}, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", &broadcast.ResolutionError{Expression: "x", Reason: "no such index"}), http.StatusNotFound},
		{&broadcast.ResolutionError{Expression: "[", Reason: "invalid index expression"}, http.StatusBadRequest},
		{fmt.Errorf("%w: nope", broadcast.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("fetch cluster state: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("coordinator unreachable"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

type localShards map[string]*shard.Shard

func (l localShards) LocalShard(index string, id int) (*shard.Shard, bool) {
	s, ok := l[fmt.Sprintf("%s/%d", index, id)]
	return s, ok
}

func segmentedShard(t *testing.T, index string, id int, primary bool) *shard.Shard {
	t.Helper()
	s := shard.NewShard(index, id, primary)
	for seg := 0; seg < 3; seg++ {
		for k := 0; k < 4; k++ {
			require.NoError(t, s.Put(fmt.Sprintf("k%d-%d", seg, k), []byte("v")))
		}
		s.Store.Flush()
	}
	require.NoError(t, s.Delete("k0-0"))
	return s
}

// twoNodeCluster runs node-a in process and node-b behind an httptest server.
type twoNodeCluster struct {
	snap   *cluster.Snapshot
	nodeA  localShards
	nodeB  localShards
	action *Action
}

func newTwoNodeCluster(t *testing.T) *twoNodeCluster {
	logger := zaptest.NewLogger(t)
	c := &twoNodeCluster{
		nodeA: localShards{
			"logs/0": segmentedShard(t, "logs", 0, true),
			"logs/1": segmentedShard(t, "logs", 1, false),
		},
		nodeB: localShards{
			"logs/0": segmentedShard(t, "logs", 0, false),
			"logs/1": segmentedShard(t, "logs", 1, true),
		},
	}

	poolA := pool.New(pool.ForceMerge, 1, pool.WithLogger(logger))
	poolB := pool.New(pool.ForceMerge, 1, pool.WithLogger(logger))
	t.Cleanup(poolA.Close)
	t.Cleanup(poolB.Close)
	execA := NewExecutor("node-a", c.nodeA, poolA, 2, logger)
	execB := NewExecutor("node-b", c.nodeB, poolB, 2, logger)

	mux := http.NewServeMux()
	mux.Handle(BatchPath, transport.Handler[Params]("node-b", execB.Execute, logger))
	srvB := httptest.NewServer(mux)
	t.Cleanup(srvB.Close)

	c.snap = &cluster.Snapshot{
		Version: 3,
		Nodes: map[string]cluster.NodeInfo{
			"node-a": {ID: "node-a", Addr: "http://node-a.invalid"},
			"node-b": {ID: "node-b", Addr: srvB.URL},
		},
		Projects: map[cluster.ProjectID]*cluster.ProjectState{
			cluster.DefaultProject: {Indices: map[string]cluster.IndexRouting{
				"logs": {Name: "logs", State: cluster.IndexOpen, Replicas: 1, Shards: []cluster.ShardRouting{
					{ID: 0, Copies: []cluster.ShardCopy{{NodeID: "node-a", Primary: true}, {NodeID: "node-b"}}},
					{ID: 1, Copies: []cluster.ShardCopy{{NodeID: "node-b", Primary: true}, {NodeID: "node-a"}}},
				}},
			}},
		},
	}

	tr := transport.New(transport.Config[Params]{
		Path:        BatchPath,
		LocalNodeID: "node-a",
		Local:       execA.Execute,
		Logger:      logger,
	})
	state := broadcast.StateProviderFunc(func(context.Context) (*cluster.Snapshot, error) { return c.snap, nil })
	c.action = NewAction(state, tr, logger, nil)
	return c
}

func TestForceMergeAcrossNodes(t *testing.T) {
	c := newTwoNodeCluster(t)
	c.nodeB["logs/1"].SetState(shard.ShardStateClosing)

	req := broadcast.NewRequest(Params{MaxNumSegments: 1, Flush: true}, "logs")
	resp, err := c.action.Execute(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, 4, resp.Shards.Total)
	assert.Equal(t, 3, resp.Shards.Successful)
	assert.Equal(t, 1, resp.Shards.Failed)
	require.Len(t, resp.Shards.Failures, 1)
	f := resp.Shards.Failures[0]
	assert.Equal(t, broadcast.ReasonShardNotMutable, f.Reason)
	assert.Equal(t, "node-b", f.NodeID)
	assert.Equal(t, 1, f.Shard)
	assert.True(t, f.Primary)

	for name, s := range map[string]*shard.Shard{"a/0": c.nodeA["logs/0"], "a/1": c.nodeA["logs/1"], "b/0": c.nodeB["logs/0"]} {
		stats := s.Store.Stats()
		assert.Equal(t, 1, stats.Segments, name)
		assert.Zero(t, stats.DeletedDocs, name)
		assert.Equal(t, uint64(1), s.GetStats().Ops.ForceMerges, name)
	}
	assert.Equal(t, 3, c.nodeB["logs/1"].Store.Stats().Segments)
}

func TestForceMergeRoleMismatchIsNotFound(t *testing.T) {
	c := newTwoNodeCluster(t)
	c.nodeA["logs/1"] = shard.NewShard("logs", 1, true)

	resp, err := c.action.Execute(context.Background(), broadcast.NewRequest(shard.DefaultForceMergeRequest(), "logs"))

	require.NoError(t, err)
	require.Equal(t, 1, resp.Shards.Failed)
	assert.Equal(t, broadcast.ReasonShardNotFound, resp.Shards.Failures[0].Reason)
}

func TestForceMergeRejectsInvalidOptions(t *testing.T) {
	c := newTwoNodeCluster(t)

	req := broadcast.NewRequest(Params{MaxNumSegments: 2, OnlyExpungeDeletes: true}, "logs")
	_, err := c.action.Execute(context.Background(), req)

	assert.ErrorIs(t, err, broadcast.ErrInvalidRequest)
	assert.ErrorIs(t, err, shard.ErrInvalidForceMerge)
	assert.Equal(t, 3, c.nodeA["logs/0"].Store.Stats().Segments)
}

func TestHandler(t *testing.T) {
	c := newTwoNodeCluster(t)
	h := Handler(c.action, zaptest.NewLogger(t))

	tests := []struct {
		name       string
		method     string
		path       string
		setup      func()
		wantStatus int
	}{
		{name: "success", method: http.MethodPost, path: "/logs/_forcemerge?max_num_segments=1", wantStatus: http.StatusOK},
		{name: "all indices", method: http.MethodPost, path: "/_forcemerge", wantStatus: http.StatusOK},
		{name: "wrong method", method: http.MethodGet, path: "/logs/_forcemerge", wantStatus: http.StatusMethodNotAllowed},
		{name: "missing index", method: http.MethodPost, path: "/missing/_forcemerge", wantStatus: http.StatusNotFound},
		{name: "invalid options", method: http.MethodPost, path: "/logs/_forcemerge?only_expunge_deletes=true&max_num_segments=1", wantStatus: http.StatusBadRequest},
		{name: "unparseable options", method: http.MethodPost, path: "/logs/_forcemerge?flush=sometimes", wantStatus: http.StatusBadRequest},
		{
			name:   "blocked",
			method: http.MethodPost,
			path:   "/logs/_forcemerge",
			setup: func() {
				c.snap.Projects[cluster.DefaultProject].IndexBlocks = map[string][]cluster.Block{"logs": {cluster.BlockReadOnly}}
			},
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantStatus == http.StatusOK {
				var body map[string]map[string]any
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, 4.0, body["_shards"]["total"])
				assert.Equal(t, 4.0, body["_shards"]["successful"])
				assert.Equal(t, []any{}, body["_shards"]["failures"])
			}
		})
	}
}
