// Package shard implements a single copy of an index shard: a segmented
// key-value store plus the lifecycle state and mutability guard that
// maintenance operations go through.
//
// # Lifecycle
//
//	active ──► relocating ──► closed
//	   │                         ▲
//	   └──────► closing ─────────┘
//
// Only active copies accept maintenance operations. Acquire hands out a
// shared permit; SetState and LockExclusive wait for outstanding permits,
// so a copy never changes state under a running force merge.
//
// # Operations
//
//   - Get, Put, Delete and ListKeys serve documents
//   - ForceMerge flushes (optionally) and rewrites segments
//   - GetStats and Info report counters and storage statistics
//
// Primary and replica copies are independent Shard values, each with its
// own store.
package shard
