package broadcast

import (
	"github.com/dreamware/shardcast/internal/cluster"
)

// BlockChecker decides whether a request is forbidden. Both methods return
// nil or a *RejectionError.
type BlockChecker interface {
	GlobalBlock(snap *cluster.Snapshot, project cluster.ProjectID) error
	IndexBlock(snap *cluster.Snapshot, project cluster.ProjectID, indices []string) error
}

// LevelBlockChecker rejects requests when any global or index block
// forbids Level.
type LevelBlockChecker struct {
	Level cluster.BlockLevel
}

var _ BlockChecker = LevelBlockChecker{}

func (c LevelBlockChecker) GlobalBlock(snap *cluster.Snapshot, project cluster.ProjectID) error {
	if blocks := snap.GlobalBlocked(project, c.Level); len(blocks) > 0 {
		return &RejectionError{Level: c.Level, Global: blocks}
	}
	return nil
}

func (c LevelBlockChecker) IndexBlock(snap *cluster.Snapshot, project cluster.ProjectID, indices []string) error {
	if blocked := snap.IndicesBlocked(project, c.Level, indices); len(blocked) > 0 {
		return &RejectionError{Level: c.Level, Indices: blocked}
	}
	return nil
}
