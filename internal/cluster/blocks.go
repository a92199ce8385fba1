package cluster

import (
	"fmt"
	"strings"
)

// BlockLevel is a class of operations a block can forbid.
type BlockLevel string

const (
	LevelRead          BlockLevel = "read"
	LevelWrite         BlockLevel = "write"
	LevelMetadataRead  BlockLevel = "metadata_read"
	LevelMetadataWrite BlockLevel = "metadata_write"
)

// Block is an administrative restriction. A global block with an empty
// Project applies to every project.
type Block struct {
	Description string       `json:"description"`
	Project     ProjectID    `json:"project,omitempty"`
	Levels      []BlockLevel `json:"levels"`
	ID          int          `json:"id"`
}

// Well-known blocks.
var (
	BlockReadOnly = Block{
		ID:          5,
		Description: "index read-only (api)",
		Levels:      []BlockLevel{LevelWrite, LevelMetadataWrite},
	}
	BlockMetadata = Block{
		ID:          9,
		Description: "index metadata (api)",
		Levels:      []BlockLevel{LevelMetadataRead, LevelMetadataWrite},
	}
	BlockClusterReadOnly = Block{
		ID:          6,
		Description: "cluster read-only (api)",
		Levels:      []BlockLevel{LevelWrite, LevelMetadataWrite},
	}
	BlockNoCoordinator = Block{
		ID:          2,
		Description: "no coordinator",
		Levels:      []BlockLevel{LevelWrite, LevelMetadataWrite},
	}
)

func (b Block) Forbids(level BlockLevel) bool {
	for _, l := range b.Levels {
		if l == level {
			return true
		}
	}
	return false
}

func (b Block) appliesTo(project ProjectID) bool {
	return b.Project == "" || b.Project == project
}

func (b Block) String() string {
	return fmt.Sprintf("FORBIDDEN/%d/%s", b.ID, b.Description)
}

// GlobalBlocked returns the global blocks forbidding level for project.
func (s *Snapshot) GlobalBlocked(project ProjectID, level BlockLevel) []Block {
	if s == nil {
		return nil
	}
	var out []Block
	for _, b := range s.GlobalBlocks {
		if b.appliesTo(project) && b.Forbids(level) {
			out = append(out, b)
		}
	}
	return out
}

// IndicesBlocked returns, per index, the index blocks forbidding level.
// Indices without a matching block are absent from the result.
func (s *Snapshot) IndicesBlocked(project ProjectID, level BlockLevel, indices []string) map[string][]Block {
	p := s.Project(project)
	if p == nil || len(p.IndexBlocks) == 0 {
		return nil
	}
	var out map[string][]Block
	for _, name := range indices {
		for _, b := range p.IndexBlocks[name] {
			if !b.Forbids(level) {
				continue
			}
			if out == nil {
				out = make(map[string][]Block)
			}
			out[name] = append(out[name], b)
		}
	}
	return out
}

// DescribeBlocks renders blocks the way rejection messages show them.
func DescribeBlocks(blocks []Block) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, "["+b.String()+"];")
	}
	return strings.Join(parts, "")
}
