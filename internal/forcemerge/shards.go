package forcemerge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/shardcast/internal/broadcast"
	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/shard"
)

// ShardSource looks up shard copies hosted by the local node.
type ShardSource interface {
	LocalShard(index string, id int) (*shard.Shard, bool)
}

// ShardSourceFunc adapts a function to ShardSource.
type ShardSourceFunc func(index string, id int) (*shard.Shard, bool)

func (f ShardSourceFunc) LocalShard(index string, id int) (*shard.Shard, bool) {
	return f(index, id)
}

type registry struct {
	source ShardSource
	logger *zap.Logger
}

// NewRegistry exposes local shards to a force merge executor. A copy whose
// role no longer matches the placement, for example after a replica was
// promoted, counts as not found.
func NewRegistry(source ShardSource, logger *zap.Logger) broadcast.ShardRegistry[Params] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &registry{source: source, logger: logger}
}

func (r *registry) LookupShard(p cluster.ShardPlacement) (broadcast.ShardHandle[Params], error) {
	s, ok := r.source.LocalShard(p.Index, p.Shard)
	if !ok {
		return nil, fmt.Errorf("%w: [%s][%d]", broadcast.ErrShardNotFound, p.Index, p.Shard)
	}
	if s.Primary != p.Primary() {
		return nil, fmt.Errorf("%w: [%s][%d] is no longer a %s", broadcast.ErrShardNotFound, p.Index, p.Shard, p.Role)
	}
	return &handle{shard: s, logger: r.logger}, nil
}

// NewExecutor builds the node-side force merge executor. Shard work runs on
// p, which should be the node's dedicated force merge pool.
func NewExecutor(nodeID string, source ShardSource, p broadcast.Submitter, concurrency int, logger *zap.Logger) *broadcast.Executor[Params] {
	return broadcast.NewExecutor(broadcast.ExecutorConfig[Params]{
		Registry:    NewRegistry(source, logger),
		Pool:        p,
		Logger:      logger,
		NodeID:      nodeID,
		Concurrency: concurrency,
	})
}

type handle struct {
	shard  *shard.Shard
	logger *zap.Logger
}

func (h *handle) Acquire() (func(), error) {
	return h.shard.Acquire()
}

func (h *handle) Run(_ context.Context, params Params) error {
	stats, err := h.shard.ForceMerge(params)
	if err != nil {
		return err
	}
	h.logger.Debug("force merged shard",
		zap.Stringer("shard", h.shard),
		zap.Bool("primary", h.shard.Primary),
		zap.Int("segments_before", stats.SegmentsBefore),
		zap.Int("segments_after", stats.SegmentsAfter),
		zap.Int("expunged", stats.ExpungedDocs))
	return nil
}

func writeJSON(w http.ResponseWriter, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write response", zap.Error(err))
	}
}
