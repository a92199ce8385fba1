package broadcast

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dreamware/shardcast/internal/cluster"
)

// ErrInvalidRequest is wrapped by request validation failures.
var ErrInvalidRequest = errors.New("invalid broadcast request")

// RejectionError reports an active block. It is returned before any shard
// work is dispatched.
type RejectionError struct {
	// Indices maps blocked index names to their blocks. Empty for global
	// blocks.
	Indices map[string][]cluster.Block
	Global  []cluster.Block
	Level   cluster.BlockLevel
}

func (e *RejectionError) Error() string {
	if len(e.Global) > 0 {
		return "blocked by: " + cluster.DescribeBlocks(e.Global)
	}
	names := make([]string, 0, len(e.Indices))
	for name := range e.Indices {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "index [%s] blocked by: %s", name, cluster.DescribeBlocks(e.Indices[name]))
	}
	return b.String()
}

// ResolutionError reports an index expression that cannot be resolved
// against the snapshot. It is returned before any shard work is dispatched.
type ResolutionError struct {
	Expression string
	Reason     string
}

const (
	reasonNoSuchIndex   = "no such index"
	reasonIndexClosed   = "index closed"
	reasonNoIndices     = "no indices matched"
	reasonBadExpression = "invalid index expression"
)

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s [%s]", e.Reason, e.Expression)
}

// IsNotFound reports whether the error is about a missing index or an
// expression that matched nothing.
func (e *ResolutionError) IsNotFound() bool {
	return e.Reason == reasonNoSuchIndex || e.Reason == reasonNoIndices
}
