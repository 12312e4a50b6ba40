// Package kvcache implements the paged KV-cache allocator: fixed-size
// blocks shared across requests via a prefix tree, two-tier primary/
// secondary memory with onboarding, and the per-sequence bookkeeping that
// tracks which blocks back which (slot, beam) pair.
//
// BlockManager owns every block; GenerationRequest and KVCacheManager hold
// indices into its arena, never pointers. The prefix tree's back-links are
// lookup-only references, so block ownership stays a tree, never a cycle.
package kvcache
