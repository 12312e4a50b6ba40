package kvcache

import "github.com/inference-sim/decodecore/decoder/decodeerr"

// Manager is a thin stateful wrapper over BlockManager. It maintains the
// per-slot GenerationRequest table and publishes the block-pointer table
// consumed by attention kernels.
type Manager struct {
	bm        *BlockManager
	cfg       Config
	sequences map[int]*GenerationRequest

	// beamsShared[slot] is true while every beam still points at the same
	// physical blocks (no divergence yet via ReplaceSharedBlock).
	beamsShared map[int]bool
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		bm:          NewBlockManager(cfg),
		cfg:         cfg,
		sequences:   make(map[int]*GenerationRequest),
		beamsShared: make(map[int]bool),
	}
}

// AddSequence admits slot with promptTokens and beamWidth, using
// prefix-tree reuse when cfg.EnableReuse is set.
// id identifies the request independent of slot reuse; pass "" to have one
// generated. Returns the number of prompt tokens satisfied by reuse.
func (m *Manager) AddSequence(id string, slot int, promptTokens []int, beamWidth int) (matchedTokens int, err error) {
	if m.cfg.EnableReuse {
		matchedTokens, err = m.bm.AddSequenceWithReuse(slot, promptTokens)
	} else {
		numBlocks := ceilDiv(len(promptTokens), m.cfg.TokensPerBlock)
		err = m.bm.AddSequenceFresh(slot, numBlocks, beamWidth)
		if err == nil {
			m.bm.FillPromptTokens(slot, promptTokens)
		}
	}
	if err != nil {
		return matchedTokens, err
	}
	if m.cfg.EnableReuse {
		m.bm.ShareBeamsFromBeam0(slot, beamWidth)
	}
	req := NewGenerationRequest(id, slot, beamWidth, promptTokens)
	for beam := range req.NumPrepopulatedTokens {
		req.NumPrepopulatedTokens[beam] = matchedTokens
	}
	m.sequences[slot] = req
	m.beamsShared[slot] = true
	return matchedTokens, nil
}

// AddToken appends one generated token per beam and allocates a fresh
// block for any beam whose tail just filled up.
// tokens must have length req.BeamWidth.
func (m *Manager) AddToken(slot int, tokens []int) error {
	const op = "KVCacheManager.AddToken"
	req, ok := m.sequences[slot]
	if !ok {
		return decodeerr.New(decodeerr.InvalidArgument, op, "unknown slot")
	}
	req.NumTokens++

	shared := m.beamsShared[slot]
	tail, ok := m.bm.TailBlock(slot, 0)
	if !ok {
		return decodeerr.New(decodeerr.InvalidArgument, op, "beam has no blocks")
	}
	if m.bm.block(tail).IsFull {
		if err := m.bm.AllocateBlock(slot, shared); err != nil {
			return err
		}
	}

	for beam, tok := range tokens {
		tail, ok := m.bm.TailBlock(slot, beam)
		if !ok {
			return decodeerr.New(decodeerr.InvalidArgument, op, "beam has no blocks")
		}
		m.bm.AppendTokenToBlock(tail, tok)
		if shared {
			break // every beam shares the same tail block; one append suffices
		}
	}
	m.handleCyclicWrap(slot, req)
	return nil
}

// RemoveToken decrements the slot's token count, releasing the tail block
// of every beam if it becomes empty.
func (m *Manager) RemoveToken(slot int) error {
	const op = "KVCacheManager.RemoveToken"
	req, ok := m.sequences[slot]
	if !ok {
		return decodeerr.New(decodeerr.InvalidArgument, op, "unknown slot")
	}
	if req.NumTokens == 0 {
		return decodeerr.New(decodeerr.InvalidArgument, op, "no tokens to remove")
	}
	req.NumTokens--
	beams := m.bm.Beams(slot)
	for beam := range beams {
		tail, ok := m.bm.TailBlock(slot, beam)
		if !ok {
			continue
		}
		if empty := m.bm.PopLastToken(tail); empty {
			m.bm.DropLastBlock(slot, beam)
		}
		if m.beamsShared[slot] {
			break
		}
	}
	return nil
}

// RewindKVCache rolls back n tokens for speculative-decoding rejection.
func (m *Manager) RewindKVCache(slot, n int) error {
	for i := 0; i < n; i++ {
		if err := m.RemoveToken(slot); err != nil {
			return err
		}
	}
	return nil
}

// GetNeededBlocksOneStep forecasts how many new blocks one (or two, with
// twoStepsLookAhead) additional tokens would require given current tail
// occupancy, without mutating state. Used by the external scheduler when
// forecasting capacity.
func (m *Manager) GetNeededBlocksOneStep(slot int, twoStepsLookAhead bool) int {
	if _, ok := m.sequences[slot]; !ok {
		return 0
	}
	lookahead := 1
	if twoStepsLookAhead {
		lookahead = 2
	}
	tpb := m.cfg.TokensPerBlock
	shared := m.beamsShared[slot]
	beams := m.bm.Beams(slot)

	needed := 0
	for beam := range beams {
		tail, ok := m.bm.TailBlock(slot, beam)
		occupied := 0
		if ok {
			occupied = len(m.bm.block(tail).Tokens)
		}
		room := tpb - occupied
		if room < 0 {
			room = 0
		}
		extra := lookahead - room
		if extra > 0 {
			needed += ceilDiv(extra, tpb)
		}
		if shared {
			needed *= len(beams)
			break
		}
	}
	return needed
}

// CopyBlockPointers publishes slot's current block pointers (modeled as
// PoolOffset values into the primary pool) into dst starting at
// dst[dstOffset], up to beamWidth beams. Returns the max block count
// written across beams. Must be called whenever a slot's block list
// changes so attention reads current pointers.
func (m *Manager) CopyBlockPointers(dst [][]int, dstOffset, slot, beamWidth int) int {
	beams := m.bm.Beams(slot)
	maxLen := 0
	for beam := 0; beam < beamWidth && beam < len(beams); beam++ {
		ptrs := make([]int, len(beams[beam]))
		for i, idx := range beams[beam] {
			ptrs[i] = m.bm.block(idx).PoolOffset
		}
		dst[dstOffset+beam] = ptrs
		if len(ptrs) > maxLen {
			maxLen = len(ptrs)
		}
	}
	return maxLen
}

// ReplaceSharedBlock forks a shared prefix block for one beam on beam
// divergence. After the first fork, the slot's beams are tracked as no
// longer fully shared.
func (m *Manager) ReplaceSharedBlock(slot, beam, blockPos int) error {
	if err := m.bm.ReplaceSharedBlock(slot, beam, blockPos); err != nil {
		return err
	}
	m.beamsShared[slot] = false
	return nil
}

// NumFreeBlocks returns the number of primary-pool blocks currently free.
func (m *Manager) NumFreeBlocks() int { return m.bm.GetNumFreeBlocks() }

// MaxBlocks returns the primary pool's total block count.
func (m *Manager) MaxBlocks() int { return m.bm.GetMaxNumBlocks() }

// RequestID returns the stable identity assigned to slot's current
// occupant, or "" if the slot is unoccupied.
func (m *Manager) RequestID(slot int) string {
	req, ok := m.sequences[slot]
	if !ok {
		return ""
	}
	return req.ID
}

// RemoveSequence releases every block held by slot, storing full blocks in
// the prefix tree first when reuse is enabled.
func (m *Manager) RemoveSequence(slot int) {
	m.bm.ReleaseBlocks(slot, m.cfg.EnableReuse)
	delete(m.sequences, slot)
	delete(m.beamsShared, slot)
}

// handleCyclicWrap implements the sliding-window cache: once a slot's
// token count exceeds MaxAttentionWindow+SinkBlockTokens, new writes wrap
// around the ring of allocated blocks past the sink prefix, which is never
// overwritten.
//
// A full ring implementation would rewrite attention-kernel block-position
// math; at the allocator level, wrapping means the slot's block count
// stabilizes at the sink blocks plus ceil(MaxAttentionWindow/TokensPerBlock)
// window blocks ((sinkBlockTokens+maxAttentionWindow)/tokensPerBlock when
// both are block-aligned). AddToken still allocates a new tail block when
// the old one fills; this call then releases the oldest post-sink blocks
// until the count is back at that cap.
func (m *Manager) handleCyclicWrap(slot int, req *GenerationRequest) {
	threshold := m.cfg.cyclicThreshold()
	if threshold == 0 || req.NumTokens <= threshold {
		return
	}
	tpb := m.cfg.TokensPerBlock
	sinkBlocks := ceilDiv(m.cfg.sinkBubbleLength(), tpb)
	steadyBlocks := sinkBlocks + ceilDiv(m.cfg.MaxAttentionWindow, tpb)

	beams := m.bm.Beams(slot)
	for beam := range beams {
		for len(beams[beam]) > steadyBlocks {
			evictPos := sinkBlocks // oldest block immediately after the sink
			evictIdx := beams[beam][evictPos]
			beams[beam] = append(beams[beam][:evictPos], beams[beam][evictPos+1:]...)
			m.bm.ReleaseBlock(evictIdx, true)
		}
		if m.beamsShared[slot] {
			break
		}
	}
}
