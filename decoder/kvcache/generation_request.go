package kvcache

import "github.com/google/uuid"

// GenerationRequest is the per-sequence record a KVCacheManager keeps for
// every occupied batch slot. It holds indices into the BlockManager's
// arena, never pointers.
type GenerationRequest struct {
	ID         string // stable generation-request identity, independent of slot reuse
	SeqSlotIdx int
	NumTokens  int
	BeamWidth  int

	// NumPrepopulatedTokens[beam] is the token count the sequence started
	// with via prefix reuse, before any tokens were generated.
	NumPrepopulatedTokens []int

	// PromptTokens is the prompt the request was admitted with, kept for
	// the request's lifetime; the cache blocks' own token content lives in
	// the BlockManager.
	PromptTokens []int
}

// NewGenerationRequest builds the request record installed at admit time
// and destroyed on remove. id may be empty, in
// which case a fresh uuid is generated; a slot index is reused across
// requests, so it cannot serve as a stable identity on its own.
func NewGenerationRequest(id string, slot, beamWidth int, promptTokens []int) *GenerationRequest {
	if id == "" {
		id = uuid.New().String()
	}
	return &GenerationRequest{
		ID:                    id,
		SeqSlotIdx:            slot,
		NumTokens:             len(promptTokens),
		BeamWidth:             beamWidth,
		NumPrepopulatedTokens: make([]int, beamWidth),
		PromptTokens:          promptTokens,
	}
}
