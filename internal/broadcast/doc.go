// Package broadcast runs an operation on every copy of every shard of a set
// of indices and reports the combined outcome.
//
// A request flows through Action.Run:
//
//  1. Global blocks are checked against the snapshot from the StateProvider.
//  2. Index expressions are resolved to concrete open indices.
//  3. Index blocks are checked against the resolved indices.
//  4. Every assigned copy is turned into a ShardPlacement and the placements
//     are grouped into one NodeBatch per owning node.
//  5. Batches go out in parallel through a Transport; the owning node runs
//     them with an Executor, which guards each shard and hands the work to a
//     dedicated pool.
//  6. Outcomes are folded by an Aggregator and packaged by BuildResponse.
//
// Only block rejections, resolution failures and invalid parameters fail a
// request. Everything that goes wrong after dispatch is reported per shard.
package broadcast
