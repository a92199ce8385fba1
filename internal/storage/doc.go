// Package storage provides the segmented key-value store backing each shard
// copy.
//
// # Segments
//
// Writes land in an in-memory buffer. Flush seals the buffer into an
// immutable segment. Overwrites and deletes never touch sealed segments;
// the superseded document is only marked deleted there.
//
//	buffer ──Flush──► seg0 seg1 seg2 ──ForceMerge──► seg0'
//
// ForceMerge rewrites sealed segments:
//   - MaxSegments > 0 merges down to at most that many segments
//   - MaxSegments <= 0 merges down to one segment
//   - OnlyExpungeDeletes rewrites only segments holding deleted documents
//
// Every merge drops deleted documents from the segments it rewrites.
//
// # Thread Safety
//
// MemoryStore is safe for concurrent use. ForceMerge holds the store lock
// for the whole rewrite.
package storage
