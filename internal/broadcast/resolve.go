package broadcast

import (
	"sort"
	"strings"

	"github.com/dreamware/shardcast/internal/cluster"
)

// AllIndices matches every open index, as does an empty expression.
const AllIndices = "_all"

// Only "*" is a wildcard; every other character matches itself.
func isWildcard(expr string) bool {
	return strings.Contains(expr, "*")
}

// ResolveIndices expands an index expression into the sorted set of concrete
// index names it targets within project.
//
// Wildcards match open indices only. An expression starting with "-" removes
// matching names from what the preceding expressions selected; as the first
// element it is treated as a literal name. Explicitly named indices must
// exist and be open unless opts.IgnoreUnavailable is set.
func ResolveIndices(snap *cluster.Snapshot, project cluster.ProjectID, expressions []string, opts IndicesOptions) ([]string, error) {
	var indices map[string]cluster.IndexRouting
	if p := snap.Project(project); p != nil {
		indices = p.Indices
	}

	selected := make(map[string]struct{})
	if len(expressions) == 0 || (len(expressions) == 1 && (expressions[0] == AllIndices || expressions[0] == "*")) {
		for name, idx := range indices {
			if idx.State == cluster.IndexOpen {
				selected[name] = struct{}{}
			}
		}
		return finishResolution(selected, expressions, opts)
	}

	for i, expr := range expressions {
		if expr == "" {
			return nil, &ResolutionError{Expression: expr, Reason: reasonBadExpression}
		}
		if i > 0 && strings.HasPrefix(expr, "-") {
			pattern := expr[1:]
			for name := range selected {
				if matchIndex(pattern, name) {
					delete(selected, name)
				}
			}
			continue
		}
		if expr == AllIndices || isWildcard(expr) {
			for name, idx := range indices {
				if idx.State != cluster.IndexOpen {
					continue
				}
				if matchIndex(expr, name) {
					selected[name] = struct{}{}
				}
			}
			continue
		}

		idx, ok := indices[expr]
		switch {
		case !ok:
			if opts.IgnoreUnavailable {
				continue
			}
			return nil, &ResolutionError{Expression: expr, Reason: reasonNoSuchIndex}
		case idx.State == cluster.IndexClosed:
			if opts.IgnoreUnavailable {
				continue
			}
			return nil, &ResolutionError{Expression: expr, Reason: reasonIndexClosed}
		}
		selected[expr] = struct{}{}
	}
	return finishResolution(selected, expressions, opts)
}

func matchIndex(pattern, name string) bool {
	if pattern == AllIndices {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == name
	}
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	rest := name[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(rest, part)
		if i < 0 {
			return false
		}
		rest = rest[i+len(part):]
	}
	return len(rest) >= len(last) && strings.HasSuffix(rest, last)
}

func finishResolution(selected map[string]struct{}, expressions []string, opts IndicesOptions) ([]string, error) {
	if len(selected) == 0 {
		if !opts.AllowNoIndices {
			return nil, &ResolutionError{Expression: strings.Join(expressions, ","), Reason: reasonNoIndices}
		}
		return []string{}, nil
	}
	out := make([]string, 0, len(selected))
	for name := range selected {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// AllShards returns every assigned copy, primary and replicas, of every shard
// of the given indices. Placements are ordered by index, then shard, with the
// primary ahead of its replicas. Unassigned copies have no owner and are left
// out. Indices missing from the snapshot contribute nothing.
func AllShards(snap *cluster.Snapshot, project cluster.ProjectID, indices []string) []cluster.ShardPlacement {
	names := append([]string(nil), indices...)
	sort.Strings(names)

	var out []cluster.ShardPlacement
	for _, name := range names {
		idx, ok := snap.Index(project, name)
		if !ok {
			continue
		}
		shards := append([]cluster.ShardRouting(nil), idx.Shards...)
		sort.Slice(shards, func(i, j int) bool { return shards[i].ID < shards[j].ID })
		for _, sr := range shards {
			copies := append([]cluster.ShardCopy(nil), sr.Copies...)
			sort.SliceStable(copies, func(i, j int) bool {
				if copies[i].Primary != copies[j].Primary {
					return copies[i].Primary
				}
				return copies[i].NodeID < copies[j].NodeID
			})
			for _, c := range copies {
				if !c.Assigned() {
					continue
				}
				role := cluster.RoleReplica
				if c.Primary {
					role = cluster.RolePrimary
				}
				out = append(out, cluster.ShardPlacement{
					Index:  name,
					Shard:  sr.ID,
					NodeID: c.NodeID,
					Role:   role,
				})
			}
		}
	}
	return out
}

// countUnassigned reports copies of the given indices that have no owner.
func countUnassigned(snap *cluster.Snapshot, project cluster.ProjectID, indices []string) int {
	n := 0
	for _, name := range indices {
		idx, ok := snap.Index(project, name)
		if !ok {
			continue
		}
		for _, sr := range idx.Shards {
			for _, c := range sr.Copies {
				if !c.Assigned() {
					n++
				}
			}
		}
	}
	return n
}
