package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardcast/internal/cluster"
)

// ErrNodeUnknown is recorded for batches whose owner is missing from the
// snapshot's node table.
var ErrNodeUnknown = errors.New("node is not part of the cluster")

// Transport delivers a batch to its owning node and returns one outcome per
// placement. Implementations must short-circuit batches for the local node.
// A returned error fails the whole batch.
type Transport[P any] interface {
	Send(ctx context.Context, node cluster.NodeInfo, batch NodeBatch[P]) ([]ShardOutcome, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc[P any] func(ctx context.Context, node cluster.NodeInfo, batch NodeBatch[P]) ([]ShardOutcome, error)

func (f TransportFunc[P]) Send(ctx context.Context, node cluster.NodeInfo, batch NodeBatch[P]) ([]ShardOutcome, error) {
	return f(ctx, node, batch)
}

// GroupByNode partitions placements into one batch per owning node. Batches
// are ordered by node ID and keep placements in the order given.
func GroupByNode[P any](req Request[P], action string, version int64, placements []cluster.ShardPlacement) []NodeBatch[P] {
	byNode := make(map[string]int)
	var batches []NodeBatch[P]
	for _, p := range placements {
		i, ok := byNode[p.NodeID]
		if !ok {
			i = len(batches)
			byNode[p.NodeID] = i
			batches = append(batches, NodeBatch[P]{
				Params:    req.Params,
				RequestID: req.ID,
				Action:    action,
				Project:   req.Project,
				NodeID:    p.NodeID,
				Version:   version,
			})
		}
		batches[i].Shards = append(batches[i].Shards, p)
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].NodeID < batches[j].NodeID })
	return batches
}

type dispatcher[P any] struct {
	transport Transport[P]
	logger    *zap.Logger
	snap      *cluster.Snapshot
}

// dispatch sends every batch concurrently and folds each batch's outcomes
// into agg as it completes. It returns once every batch has reported.
func (d *dispatcher[P]) dispatch(ctx context.Context, batches []NodeBatch[P], agg *Aggregator) {
	var g errgroup.Group
	for _, batch := range batches {
		g.Go(func() error {
			agg.Add(d.send(ctx, batch))
			return nil
		})
	}
	_ = g.Wait()
}

func (d *dispatcher[P]) send(ctx context.Context, batch NodeBatch[P]) []ShardOutcome {
	node, ok := d.snap.Node(batch.NodeID)
	if !ok {
		d.logger.Warn("batch owner missing from snapshot",
			zap.String("node", batch.NodeID),
			zap.Int("shards", len(batch.Shards)))
		return failBatch(batch.Shards, fmt.Errorf("%w: [%s]", ErrNodeUnknown, batch.NodeID))
	}
	outcomes, err := d.transport.Send(ctx, node, batch)
	if err != nil {
		d.logger.Warn("node batch failed",
			zap.String("node", batch.NodeID),
			zap.Int("shards", len(batch.Shards)),
			zap.Error(err))
		return failBatch(batch.Shards, err)
	}
	return reconcile(batch.Shards, outcomes)
}

func failBatch(placements []cluster.ShardPlacement, err error) []ShardOutcome {
	out := make([]ShardOutcome, 0, len(placements))
	for _, p := range placements {
		out = append(out, FailureOutcome(p, ReasonNodeFailure, err))
	}
	return out
}

var errNoOutcome = errors.New("node returned no outcome for shard")

// reconcile maps node-reported outcomes back onto the placements that were
// sent. Placements without an outcome fail with a node failure; outcomes for
// placements that were never sent, and duplicates, are dropped.
func reconcile(placements []cluster.ShardPlacement, outcomes []ShardOutcome) []ShardOutcome {
	reported := make(map[placementKey]ShardOutcome, len(outcomes))
	for _, o := range outcomes {
		k := keyOf(o.Shard)
		if _, dup := reported[k]; !dup {
			reported[k] = o
		}
	}
	out := make([]ShardOutcome, 0, len(placements))
	for _, p := range placements {
		o, ok := reported[keyOf(p)]
		if !ok {
			out = append(out, FailureOutcome(p, ReasonNodeFailure, errNoOutcome))
			continue
		}
		o.Shard = p
		if o.Failure != nil {
			f := *o.Failure
			f.Index, f.Shard, f.NodeID, f.Primary = p.Index, p.Shard, p.NodeID, p.Primary()
			o.Failure = &f
		}
		out = append(out, o)
	}
	return out
}
