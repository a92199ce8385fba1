package cluster

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// ProjectID scopes routing tables and index blocks for multi-tenant clusters.
type ProjectID string

// DefaultProject is used when a request does not name a project.
const DefaultProject ProjectID = "default"

// ShardRole distinguishes the primary copy of a shard from its replicas.
type ShardRole string

const (
	RolePrimary ShardRole = "primary"
	RoleReplica ShardRole = "replica"
)

// IndexState is the open/closed state of an index. Closed indices keep
// their routing but are not expanded by wildcards.
type IndexState string

const (
	IndexOpen   IndexState = "open"
	IndexClosed IndexState = "closed"
)

// ShardPlacement is one copy of one shard assigned to one node at the time a
// snapshot was taken. Identity is (Index, Shard, NodeID).
type ShardPlacement struct {
	Index  string    `json:"index"`
	NodeID string    `json:"node"`
	Role   ShardRole `json:"role"`
	Shard  int       `json:"shard"`
}

func (p ShardPlacement) Primary() bool { return p.Role == RolePrimary }

func (p ShardPlacement) String() string {
	return fmt.Sprintf("[%s][%d] on [%s] (%s)", p.Index, p.Shard, p.NodeID, p.Role)
}

// ShardCopy is a single copy in a shard's routing entry. NodeID is empty
// while the copy is unassigned.
type ShardCopy struct {
	NodeID  string `json:"node,omitempty"`
	Primary bool   `json:"primary"`
}

func (c ShardCopy) Assigned() bool { return c.NodeID != "" }

// Placement names this copy as shard of index.
func (c ShardCopy) Placement(index string, shard int) ShardPlacement {
	role := RoleReplica
	if c.Primary {
		role = RolePrimary
	}
	return ShardPlacement{Index: index, Shard: shard, NodeID: c.NodeID, Role: role}
}

type ShardRouting struct {
	Copies []ShardCopy `json:"copies"`
	ID     int         `json:"id"`
}

type IndexRouting struct {
	Name     string         `json:"name"`
	State    IndexState     `json:"state"`
	Shards   []ShardRouting `json:"shards"`
	Replicas int            `json:"replicas"`
}

type ProjectState struct {
	Indices     map[string]IndexRouting `json:"indices"`
	IndexBlocks map[string][]Block      `json:"index_blocks,omitempty"`
}

// Snapshot is an immutable, versioned view of the cluster topology. Callers
// must treat every map and slice reachable from it as read-only.
type Snapshot struct {
	Nodes        map[string]NodeInfo         `json:"nodes"`
	Projects     map[ProjectID]*ProjectState `json:"projects"`
	GlobalBlocks []Block                     `json:"global_blocks,omitempty"`
	Version      int64                       `json:"version"`
}

// Project returns the routing state of a project, or nil when the project
// has no indices.
func (s *Snapshot) Project(id ProjectID) *ProjectState {
	if s == nil {
		return nil
	}
	return s.Projects[id]
}

func (s *Snapshot) Node(id string) (NodeInfo, bool) {
	if s == nil {
		return NodeInfo{}, false
	}
	n, ok := s.Nodes[id]
	return n, ok
}

// Index looks up an index routing table within a project.
func (s *Snapshot) Index(project ProjectID, name string) (IndexRouting, bool) {
	p := s.Project(project)
	if p == nil {
		return IndexRouting{}, false
	}
	idx, ok := p.Indices[name]
	return idx, ok
}

// PlacementsForNode lists every copy the node holds across all projects,
// ordered by index then shard.
func (s *Snapshot) PlacementsForNode(nodeID string) []ShardPlacement {
	if s == nil {
		return nil
	}
	var out []ShardPlacement
	for _, ps := range s.Projects {
		for name, idx := range ps.Indices {
			for _, sr := range idx.Shards {
				for _, c := range sr.Copies {
					if c.NodeID == nodeID {
						out = append(out, c.Placement(name, sr.ID))
					}
				}
			}
		}
	}
	slices.SortFunc(out, func(a, b ShardPlacement) int {
		if c := strings.Compare(a.Index, b.Index); c != 0 {
			return c
		}
		return a.Shard - b.Shard
	})
	return out
}
