// Package cluster defines the shared vocabulary of a shardcast cluster:
// node identity, shard routing, blocks, versioned snapshots and the JSON
// helpers nodes and the coordinator talk over.
//
// # Overview
//
// The coordinator owns the routing table and publishes it as a Snapshot.
// Everything downstream (index resolution, block checks, batching by node)
// reads one snapshot and never mutates it.
//
//	             ┌──────────────┐
//	             │ Coordinator  │
//	             │  Snapshot v7 │
//	             └──────┬───────┘
//	      ┌─────────────┼─────────────┐
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│  node-1   │ │  node-2   │ │  node-3   │
//	│ logs[0]P  │ │ logs[0]R  │ │ logs[1]P  │
//	│ logs[1]R  │ │ logs[2]P  │ │ logs[2]R  │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Core Types
//
// Snapshot: nodes, per-project index routing, global and index blocks, and
// a monotonically increasing Version.
//
// ShardPlacement: one copy of one shard on one node, identified by
// (Index, Shard, NodeID) and carrying its role.
//
// Block: an administrative restriction forbidding one or more BlockLevels.
// Global blocks may be scoped to a single project.
//
// # Communication Protocol
//
// All inter-process traffic is HTTP/JSON:
//   - POST /register: a node announces itself to the coordinator
//   - POST /control: the coordinator pushes a ControlMessage listing the
//     copies a node must host
//   - GET /health: liveness checks from the coordinator
//
// DoJSON, PostJSON and GetJSON wrap these calls and return *HTTPError for
// non-2xx answers.
package cluster
