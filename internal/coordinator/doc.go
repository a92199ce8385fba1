// Package coordinator implements the control plane of a shardcast cluster:
// the authoritative routing table and failure detection for storage nodes.
//
// # Overview
//
// The coordinator decides where every shard copy lives and publishes that
// decision as versioned, immutable cluster snapshots. Broadcast operations
// resolve their targets against one snapshot, so a single request never
// sees a half-applied routing change.
//
// # Architecture
//
//	┌───────────────────────────────────────┐
//	│              COORDINATOR              │
//	│                                       │
//	│  ┌─────────────────┐  ┌────────────┐  │
//	│  │  ShardRegistry  │◄─┤   Health   │  │
//	│  │  - nodes        │  │  Monitor   │  │
//	│  │  - indices      │  └────────────┘  │
//	│  │  - blocks       │                  │
//	│  │  - snapshots    │──► broadcast     │
//	│  └─────────────────┘    StateProvider │
//	└───────────────────────────────────────┘
//
// # Core Components
//
// ShardRegistry: routing table and snapshot source
//   - Registers nodes and allocates shard copies to them
//   - Creates, opens, closes and deletes indices per project
//   - Holds global and per-index blocks
//   - Routes document keys to shards with xxhash
//   - Implements broadcast.StateProvider through CurrentSnapshot
//
// HealthMonitor: failure detection
//   - Probes each node's /health endpoint on an interval
//   - Marks a node unhealthy after DefaultMaxFailures consecutive failures
//   - Invokes a callback once per healthy to unhealthy transition
//
// # Failure Handling
//
// When a node turns unhealthy the coordinator removes it from the registry.
// Its copies become unassigned, an assigned replica is promoted wherever a
// primary was lost, and the next snapshot no longer targets the node.
// Broadcasts already in flight keep their snapshot and report the node's
// shards as node failures.
//
// # Thread Safety
//
// Both components are safe for concurrent use. Registry mutations are
// serialized and each bumps the snapshot version.
package coordinator
