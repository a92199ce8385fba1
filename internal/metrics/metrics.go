// Package metrics instruments broadcast operations and execution pools.
//
// Components depend on the Collector interface; NewNop discards everything
// and NewPrometheus exports to a prometheus registry.
package metrics

import (
	"github.com/dreamware/shardcast/internal/pool"
)

// Broadcast outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomePartial  = "partial"
	OutcomeRejected = "rejected"
	OutcomeInvalid  = "invalid"
)

// Collector records broadcast and pool metrics.
type Collector interface {
	pool.Observer

	// RecordBroadcast records one finished broadcast request.
	RecordBroadcast(action, outcome string, seconds float64)
	// RecordShards records the per-shard tally of one broadcast request.
	RecordShards(action string, successful, failed int)
	// RecordShardFailure records one shard failure by reason.
	RecordShardFailure(action, reason string)
}

// NopMetrics implements a no-op metrics collector.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements Collector.
var _ Collector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

func (n *NopMetrics) RecordBroadcast(_, _ string, _ float64) {}

func (n *NopMetrics) RecordShards(_ string, _, _ int) {}

func (n *NopMetrics) RecordShardFailure(_, _ string) {}

func (n *NopMetrics) ObservePool(_ pool.Stats) {}

// OrNop returns c, or a no-op collector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return NewNop()
	}
	return c
}
