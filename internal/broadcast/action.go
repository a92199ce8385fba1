package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/metrics"
)

// StateProvider supplies the cluster state snapshot a request is resolved
// against. It is fetched once per request.
type StateProvider interface {
	CurrentSnapshot(ctx context.Context) (*cluster.Snapshot, error)
}

// StateProviderFunc adapts a function to StateProvider.
type StateProviderFunc func(ctx context.Context) (*cluster.Snapshot, error)

func (f StateProviderFunc) CurrentSnapshot(ctx context.Context) (*cluster.Snapshot, error) {
	return f(ctx)
}

// ShardsFunc selects the placements an action targets for resolved indices.
type ShardsFunc func(snap *cluster.Snapshot, project cluster.ProjectID, indices []string) []cluster.ShardPlacement

// ActionConfig wires the collaborators of a broadcast action. Validate
// checks operation parameters before any state is read. Shards defaults to
// AllShards.
type ActionConfig[P any] struct {
	State     StateProvider
	Blocks    BlockChecker
	Transport Transport[P]
	Validate  func(P) error
	Shards    ShardsFunc
	Logger    *zap.Logger
	Metrics   metrics.Collector
	Name      string
}

// Action coordinates one broadcast-by-node operation type.
type Action[P any] struct {
	state     StateProvider
	blocks    BlockChecker
	transport Transport[P]
	validate  func(P) error
	shards    ShardsFunc
	logger    *zap.Logger
	metrics   metrics.Collector
	name      string
}

func NewAction[P any](cfg ActionConfig[P]) *Action[P] {
	if cfg.Shards == nil {
		cfg.Shards = AllShards
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Action[P]{
		state:     cfg.State,
		blocks:    cfg.Blocks,
		transport: cfg.Transport,
		validate:  cfg.Validate,
		shards:    cfg.Shards,
		logger:    cfg.Logger.With(zap.String("action", cfg.Name)),
		metrics:   metrics.OrNop(cfg.Metrics),
		name:      cfg.Name,
	}
}

func (a *Action[P]) Name() string { return a.name }

// Execute runs the request and builds the caller-facing response.
func (a *Action[P]) Execute(ctx context.Context, req Request[P]) (Response, error) {
	res, err := a.Run(ctx, req)
	if err != nil {
		return Response{}, err
	}
	return BuildResponse(res), nil
}

// Run validates, resolves and dispatches req and returns the aggregate once
// every node batch has reported. The only errors are request validation
// errors, state provider errors, *RejectionError and *ResolutionError, all
// raised before any shard work is dispatched.
func (a *Action[P]) Run(ctx context.Context, req Request[P]) (AggregateResult, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Project == "" {
		req.Project = cluster.DefaultProject
	}
	log := a.logger.With(
		zap.String("request_id", req.ID),
		zap.String("project", string(req.Project)),
		zap.Strings("indices", req.Indices))

	res, err := a.run(ctx, req, log)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		outcome := metrics.OutcomeRejected
		var rerr *ResolutionError
		if errors.Is(err, ErrInvalidRequest) || errors.As(err, &rerr) {
			outcome = metrics.OutcomeInvalid
		}
		a.metrics.RecordBroadcast(a.name, outcome, elapsed)
		log.Info("broadcast rejected", zap.Error(err))
		return AggregateResult{}, err
	}

	outcome := metrics.OutcomeSuccess
	if res.FailedShards > 0 {
		outcome = metrics.OutcomePartial
	}
	a.metrics.RecordBroadcast(a.name, outcome, elapsed)
	a.metrics.RecordShards(a.name, res.SuccessfulShards, res.FailedShards)
	for _, f := range res.Failures {
		a.metrics.RecordShardFailure(a.name, string(f.Reason))
	}
	log.Info("broadcast finished",
		zap.Int("total", res.TotalShards),
		zap.Int("successful", res.SuccessfulShards),
		zap.Int("failed", res.FailedShards),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

func (a *Action[P]) run(ctx context.Context, req Request[P], log *zap.Logger) (AggregateResult, error) {
	if a.validate != nil {
		if err := a.validate(req.Params); err != nil {
			return AggregateResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	snap, err := a.state.CurrentSnapshot(ctx)
	if err != nil {
		return AggregateResult{}, fmt.Errorf("fetch cluster state: %w", err)
	}

	if err := a.blocks.GlobalBlock(snap, req.Project); err != nil {
		return AggregateResult{}, err
	}
	indices, err := ResolveIndices(snap, req.Project, req.Indices, req.Options)
	if err != nil {
		return AggregateResult{}, err
	}
	if err := a.blocks.IndexBlock(snap, req.Project, indices); err != nil {
		return AggregateResult{}, err
	}

	placements := a.shards(snap, req.Project, indices)
	if n := countUnassigned(snap, req.Project, indices); n > 0 {
		log.Debug("skipping unassigned shard copies", zap.Int("unassigned", n))
	}
	batches := GroupByNode(req, a.name, snap.Version, placements)
	log.Debug("dispatching broadcast",
		zap.Int64("version", snap.Version),
		zap.Int("shards", len(placements)),
		zap.Int("nodes", len(batches)))

	agg := NewAggregator()
	d := &dispatcher[P]{transport: a.transport, logger: log, snap: snap}
	d.dispatch(ctx, batches, agg)
	return agg.Result(), nil
}
