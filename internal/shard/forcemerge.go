package shard

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dreamware/shardcast/internal/storage"
)

// ErrInvalidForceMerge is returned by ForceMergeRequest.Validate.
var ErrInvalidForceMerge = errors.New("invalid force merge request")

// ForceMergeRequest holds the per-shard options of a force merge.
type ForceMergeRequest struct {
	MaxNumSegments     int  `json:"max_num_segments"`
	OnlyExpungeDeletes bool `json:"only_expunge_deletes"`
	Flush              bool `json:"flush"`
}

// DefaultForceMergeRequest merges according to the store's own policy and
// flushes first.
func DefaultForceMergeRequest() ForceMergeRequest {
	return ForceMergeRequest{MaxNumSegments: -1, Flush: true}
}

func (r ForceMergeRequest) Validate() error {
	if r.OnlyExpungeDeletes && r.MaxNumSegments != -1 {
		return fmt.Errorf("%w: cannot set only_expunge_deletes and max_num_segments at the same time", ErrInvalidForceMerge)
	}
	if r.MaxNumSegments == 0 || r.MaxNumSegments < -1 {
		return fmt.Errorf("%w: max_num_segments must be -1 or positive, got %d", ErrInvalidForceMerge, r.MaxNumSegments)
	}
	return nil
}

// ForceMerge rewrites the shard's segments. Callers are expected to hold a
// permit from Acquire for the duration of the call.
func (s *Shard) ForceMerge(req ForceMergeRequest) (storage.MergeStats, error) {
	if err := req.Validate(); err != nil {
		return storage.MergeStats{}, err
	}
	if state := s.State(); state != ShardStateActive {
		return storage.MergeStats{}, fmt.Errorf("%w: %s is %s", ErrShardNotMutable, s, state)
	}
	if req.Flush {
		s.Store.Flush()
	}
	stats := s.Store.ForceMerge(storage.MergeOptions{
		MaxSegments:        req.MaxNumSegments,
		OnlyExpungeDeletes: req.OnlyExpungeDeletes,
	})
	atomic.AddUint64(&s.Stats.Ops.ForceMerges, 1)
	return stats, nil
}
