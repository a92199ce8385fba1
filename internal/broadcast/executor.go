package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/pool"
)

// ErrShardNotFound is returned by registries when a node no longer hosts the
// requested copy.
var ErrShardNotFound = errors.New("shard not found on node")

// ShardHandle is one local shard copy as seen by the executor.
type ShardHandle[P any] interface {
	// Acquire is the mutability guard. It must not block; on success the
	// returned release func is called once the operation finishes.
	Acquire() (release func(), err error)
	// Run performs the operation on the shard.
	Run(ctx context.Context, params P) error
}

// ShardRegistry resolves placements to local shard copies. It returns an
// error wrapping ErrShardNotFound when the copy is not hosted here.
type ShardRegistry[P any] interface {
	LookupShard(p cluster.ShardPlacement) (ShardHandle[P], error)
}

// Submitter runs tasks on a dedicated bounded pool. *pool.Pool implements it.
type Submitter interface {
	Submit(ctx context.Context, task pool.Task) <-chan error
}

// Cancellable is implemented by operation parameters whose shard work may be
// cancelled with the caller's context. Shard work for parameters that do not
// implement it, or return false, runs to completion.
type Cancellable interface {
	Cancellable() bool
}

// ExecutorConfig configures a per-node executor.
type ExecutorConfig[P any] struct {
	Registry    ShardRegistry[P]
	Pool        Submitter
	Logger      *zap.Logger
	NodeID      string
	Concurrency int
}

// Executor runs batches on the node that owns them.
type Executor[P any] struct {
	registry    ShardRegistry[P]
	pool        Submitter
	logger      *zap.Logger
	nodeID      string
	concurrency int
}

// NewExecutor creates an executor. Concurrency bounds how many shards of one
// batch are in the guard or waiting on the pool at once; values below one
// mean one.
func NewExecutor[P any](cfg ExecutorConfig[P]) *Executor[P] {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor[P]{
		registry:    cfg.Registry,
		pool:        cfg.Pool,
		logger:      logger.With(zap.String("node", cfg.NodeID)),
		nodeID:      cfg.NodeID,
		concurrency: cfg.Concurrency,
	}
}

// Execute runs the batch's operation on every placement and returns one
// outcome per placement, in batch order. It never fails as a whole.
func (e *Executor[P]) Execute(ctx context.Context, batch NodeBatch[P]) []ShardOutcome {
	outcomes := make([]ShardOutcome, len(batch.Shards))

	runCtx := ctx
	if c, ok := any(batch.Params).(Cancellable); !ok || !c.Cancellable() {
		runCtx = context.WithoutCancel(ctx)
	}

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, p := range batch.Shards {
		g.Go(func() error {
			outcomes[i] = e.executeShard(runCtx, batch, p)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Executor[P]) executeShard(ctx context.Context, batch NodeBatch[P], p cluster.ShardPlacement) ShardOutcome {
	if p.NodeID != e.nodeID {
		return e.fail(batch, p, ReasonShardNotFound,
			fmt.Errorf("%w: placement targets node [%s]", ErrShardNotFound, p.NodeID))
	}
	h, err := e.registry.LookupShard(p)
	if err != nil {
		return e.fail(batch, p, ReasonShardNotFound, err)
	}
	release, err := h.Acquire()
	if err != nil {
		return e.fail(batch, p, ReasonShardNotMutable, err)
	}

	var once sync.Once
	done := e.pool.Submit(ctx, func(ctx context.Context) error {
		defer once.Do(release)
		return h.Run(ctx, batch.Params)
	})
	err = <-done
	// Covers tasks the pool rejected or never started.
	once.Do(release)
	if err != nil {
		return e.fail(batch, p, ReasonShardOperation, err)
	}
	return SuccessOutcome(p)
}

func (e *Executor[P]) fail(batch NodeBatch[P], p cluster.ShardPlacement, reason FailureReason, err error) ShardOutcome {
	e.logger.Debug("shard operation failed",
		zap.String("action", batch.Action),
		zap.String("request_id", batch.RequestID),
		zap.Stringer("shard", p),
		zap.String("reason", string(reason)),
		zap.Error(err))
	return FailureOutcome(p, reason, err)
}
