package broadcast

import (
	"sort"
	"sync"
)

// Aggregator folds shard outcomes from concurrently completing batches.
// Folding is commutative; Result sorts failures so arrival order never shows.
type Aggregator struct {
	failures   []ShardFailure
	mu         sync.Mutex
	successful int
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Add folds one batch's outcomes. Safe for concurrent use.
func (a *Aggregator) Add(outcomes []ShardOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, o := range outcomes {
		if o.Failure != nil {
			a.failures = append(a.failures, *o.Failure)
			continue
		}
		a.successful++
	}
}

// Result returns the final tally. Call it only after every dispatched batch
// has been added.
func (a *Aggregator) Result() AggregateResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	failures := append([]ShardFailure{}, a.failures...)
	sort.Slice(failures, func(i, j int) bool {
		fi, fj := failures[i], failures[j]
		if fi.Index != fj.Index {
			return fi.Index < fj.Index
		}
		if fi.Shard != fj.Shard {
			return fi.Shard < fj.Shard
		}
		return fi.NodeID < fj.NodeID
	})
	return AggregateResult{
		TotalShards:      a.successful + len(failures),
		SuccessfulShards: a.successful,
		FailedShards:     len(failures),
		Failures:         failures,
	}
}
