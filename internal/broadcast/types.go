package broadcast

import (
	"fmt"

	"github.com/dreamware/shardcast/internal/cluster"
)

// IndicesOptions controls how index expressions expand.
type IndicesOptions struct {
	// IgnoreUnavailable skips explicitly named indices that are missing or
	// closed instead of failing resolution.
	IgnoreUnavailable bool `json:"ignore_unavailable"`
	// AllowNoIndices makes an expression that matches nothing resolve to an
	// empty set instead of failing.
	AllowNoIndices bool `json:"allow_no_indices"`
}

// DefaultIndicesOptions is strict about named indices and lenient about
// wildcards that match nothing.
func DefaultIndicesOptions() IndicesOptions {
	return IndicesOptions{IgnoreUnavailable: false, AllowNoIndices: true}
}

// Request is a broadcast request carrying operation parameters P.
// It is immutable once handed to Action.Execute.
type Request[P any] struct {
	Params  P                 `json:"params"`
	ID      string            `json:"id"`
	Project cluster.ProjectID `json:"project"`
	Indices []string          `json:"indices"`
	Options IndicesOptions    `json:"indices_options"`
}

// NewRequest builds a request for the default project with default indices
// options.
func NewRequest[P any](params P, indices ...string) Request[P] {
	return Request[P]{
		Params:  params,
		Project: cluster.DefaultProject,
		Indices: indices,
		Options: DefaultIndicesOptions(),
	}
}

// NodeBatch is the unit of work sent to one node: every placement that node
// owns for one request.
type NodeBatch[P any] struct {
	Params    P                        `json:"params"`
	RequestID string                   `json:"request_id"`
	Action    string                   `json:"action"`
	Project   cluster.ProjectID        `json:"project"`
	NodeID    string                   `json:"node"`
	Shards    []cluster.ShardPlacement `json:"shards"`
	Version   int64                    `json:"version"`
}

// NodeResponse is what a node returns for a batch.
type NodeResponse struct {
	NodeID   string         `json:"node"`
	Outcomes []ShardOutcome `json:"outcomes"`
}

// FailureReason classifies a shard failure.
type FailureReason string

const (
	// ReasonNodeFailure means the owning node could not be reached, rejected
	// the batch, or returned no outcome for the shard.
	ReasonNodeFailure FailureReason = "node_failure"
	// ReasonShardNotFound means the node no longer hosts the copy, usually
	// because it relocated after the snapshot was taken.
	ReasonShardNotFound FailureReason = "shard_not_found"
	// ReasonShardNotMutable means the mutability guard rejected the shard.
	ReasonShardNotMutable FailureReason = "shard_not_mutable"
	// ReasonShardOperation means the operation itself failed on the shard.
	ReasonShardOperation FailureReason = "shard_operation"
)

// ShardFailure describes why one shard copy did not complete.
type ShardFailure struct {
	Index   string        `json:"index"`
	NodeID  string        `json:"node"`
	Reason  FailureReason `json:"reason"`
	Message string        `json:"message"`
	Shard   int           `json:"shard"`
	Primary bool          `json:"primary"`
}

func (f ShardFailure) String() string {
	return fmt.Sprintf("[%s][%d] on [%s]: %s: %s", f.Index, f.Shard, f.NodeID, f.Reason, f.Message)
}

// NewShardFailure builds a failure for placement p.
func NewShardFailure(p cluster.ShardPlacement, reason FailureReason, err error) *ShardFailure {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &ShardFailure{
		Index:   p.Index,
		Shard:   p.Shard,
		NodeID:  p.NodeID,
		Primary: p.Primary(),
		Reason:  reason,
		Message: msg,
	}
}

// ShardOutcome is the result of one shard copy: success when Failure is nil.
// Operations here return no per-shard payload.
type ShardOutcome struct {
	Failure *ShardFailure          `json:"failure,omitempty"`
	Shard   cluster.ShardPlacement `json:"shard"`
}

func (o ShardOutcome) Failed() bool { return o.Failure != nil }

// SuccessOutcome returns the success outcome for p.
func SuccessOutcome(p cluster.ShardPlacement) ShardOutcome {
	return ShardOutcome{Shard: p}
}

// FailureOutcome returns a failed outcome for p.
func FailureOutcome(p cluster.ShardPlacement, reason FailureReason, err error) ShardOutcome {
	return ShardOutcome{Shard: p, Failure: NewShardFailure(p, reason, err)}
}

// AggregateResult is the final tally of a broadcast. TotalShards always
// equals SuccessfulShards + FailedShards and FailedShards equals
// len(Failures).
type AggregateResult struct {
	Failures         []ShardFailure
	TotalShards      int
	SuccessfulShards int
	FailedShards     int
}

// placementKey identifies a placement within a request.
type placementKey struct {
	index string
	node  string
	shard int
}

func keyOf(p cluster.ShardPlacement) placementKey {
	return placementKey{index: p.Index, shard: p.Shard, node: p.NodeID}
}
