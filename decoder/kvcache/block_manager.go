package kvcache

import (
	"github.com/cespare/xxhash/v2"
	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/decodecore/decoder/decodeerr"
)

// BlockManager is the paged KV-cache allocator: it owns a fixed arena of
// Blocks, a prefix tree for cross-sequence reuse, and a free queue per tier.
// Sequences hold arena indices, never block pointers.
type BlockManager struct {
	cfg Config

	blocks []*Block // arena, index-stable for process lifetime

	freePrimary   deque.Deque[int]
	freeSecondary deque.Deque[int]

	// root is the prefix tree root: first-level children are blocks with
	// no parent (PrevBlock == nilIdx), keyed by their chained hash.
	root map[uint64]int

	// bySeq[seq][beam] is the ordered list of block indices backing that
	// beam, mirroring GenerationRequest.CacheBlockIDs.
	bySeq map[int][][]int
}

// NewBlockManager allocates the full primary+secondary arena and places
// every block on its tier's free queue. Blocks are created once here and
// reassigned across requests for the life of the process.
func NewBlockManager(cfg Config) *BlockManager {
	m := &BlockManager{
		cfg:   cfg,
		root:  make(map[uint64]int),
		bySeq: make(map[int][][]int),
	}
	total := cfg.PrimaryBlocks + cfg.SecondaryBlocks
	m.blocks = make([]*Block, total)
	for i := 0; i < total; i++ {
		b := newBlock(i)
		if i < cfg.PrimaryBlocks {
			b.Tier = TierPrimary
			b.PoolOffset = i
			b.inFreeList = true
			m.freePrimary.PushBack(i)
		} else {
			b.Tier = TierSecondary
			b.PoolOffset = i - cfg.PrimaryBlocks
			b.inFreeList = true
			m.freeSecondary.PushBack(i)
		}
		m.blocks[i] = b
	}
	return m
}

func (m *BlockManager) block(idx int) *Block { return m.blocks[idx] }

// GetNumFreeBlocks returns the number of primary-pool blocks currently on
// the free queue. After the last sequence is removed this equals
// GetMaxNumBlocks.
func (m *BlockManager) GetNumFreeBlocks() int { return m.freePrimary.Len() }

// GetMaxNumBlocks returns the total primary-pool block count the arena was
// constructed with.
func (m *BlockManager) GetMaxNumBlocks() int { return m.cfg.PrimaryBlocks }

func chainedHash(parent uint64, window []int) uint64 {
	h := xxhash.New()
	var buf [8]byte
	putUint64(buf[:], parent)
	h.Write(buf[:])
	for _, tok := range window {
		putUint64(buf[:], uint64(tok))
		h.Write(buf[:])
	}
	return h.Sum64()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// AddSequenceWithReuse walks the prefix tree matching successive full-block
// token windows of promptTokens, attaching matched blocks (refcount++) to
// beam 0, then fills the remainder with freshly allocated blocks. Returns
// the number of prompt tokens satisfied by reuse.
func (m *BlockManager) AddSequenceWithReuse(seq int, promptTokens []int) (int, error) {
	const op = "BlockManager.AddSequenceWithReuse"
	tpb := m.cfg.TokensPerBlock
	var blocks []int
	matchedTokens := 0

	if m.cfg.EnableReuse {
		parentHash := uint64(0)
		children := m.root
		n := len(promptTokens) / tpb
		for i := 0; i < n; i++ {
			window := promptTokens[i*tpb : (i+1)*tpb]
			h := chainedHash(parentHash, window)
			idx, ok := children[h]
			if !ok {
				break
			}
			blk := m.block(idx)
			if blk.RefCount == 0 {
				m.removeFromFree(blk)
			}
			blk.RefCount++
			blocks = append(blocks, idx)
			matchedTokens += tpb
			parentHash = h
			children = blk.Children
		}
	}

	remaining := promptTokens[matchedTokens:]
	numRemainingBlocks := ceilDiv(len(remaining), tpb)
	for i := 0; i < numRemainingBlocks; i++ {
		idx, err := m.getFreeBlock(op)
		if err != nil {
			return matchedTokens, err
		}
		blk := m.block(idx)
		start := i * tpb
		end := start + tpb
		if end > len(remaining) {
			end = len(remaining)
		}
		blk.Tokens = append([]int(nil), remaining[start:end]...)
		blk.RefCount = 1
		blk.IsFull = len(blk.Tokens) == tpb
		blocks = append(blocks, idx)
	}

	m.bySeq[seq] = [][]int{blocks}
	return matchedTokens, nil
}

// AddSequenceFresh allocates numBlocks fresh blocks for beam 0 and an
// unshared marker block for each of the remaining beamWidth-1 beams, the
// non-reuse admit path.
func (m *BlockManager) AddSequenceFresh(seq, numBlocks, beamWidth int) error {
	const op = "BlockManager.AddSequenceFresh"
	beam0 := make([]int, 0, numBlocks)
	for i := 0; i < numBlocks; i++ {
		idx, err := m.getFreeBlock(op)
		if err != nil {
			return err
		}
		m.block(idx).RefCount = 1
		beam0 = append(beam0, idx)
	}
	beams := make([][]int, beamWidth)
	beams[0] = beam0
	for b := 1; b < beamWidth; b++ {
		idx, err := m.getFreeBlock(op)
		if err != nil {
			return err
		}
		m.block(idx).RefCount = 1
		beams[b] = []int{idx} // unshared marker block; beam fork point
	}
	m.bySeq[seq] = beams
	return nil
}

// FillPromptTokens distributes promptTokens across beam 0's already
// allocated blocks, tpb at a time, marking each as full once complete.
// Used by the non-reuse admit path, where AddSequenceFresh allocates empty
// blocks up front and this call gives them content for occupancy tracking
// and any later prefix-tree insertion on release.
func (m *BlockManager) FillPromptTokens(seq int, promptTokens []int) {
	tpb := m.cfg.TokensPerBlock
	beam0 := m.bySeq[seq][0]
	for i, idx := range beam0 {
		start := i * tpb
		end := start + tpb
		if end > len(promptTokens) {
			end = len(promptTokens)
		}
		if start >= end {
			break
		}
		blk := m.block(idx)
		blk.Tokens = append([]int(nil), promptTokens[start:end]...)
		blk.IsFull = len(blk.Tokens) == tpb
	}
}

// AllocateBlock appends one new block to every beam of seq. If
// shareAmongBeams is true, a single block is allocated and shared (its
// refcount set to beamWidth) rather than one per beam.
func (m *BlockManager) AllocateBlock(seq int, shareAmongBeams bool) error {
	const op = "BlockManager.AllocateBlock"
	beams := m.bySeq[seq]
	if shareAmongBeams {
		idx, err := m.getFreeBlock(op)
		if err != nil {
			return err
		}
		m.block(idx).RefCount = len(beams)
		for b := range beams {
			beams[b] = append(beams[b], idx)
		}
		return nil
	}
	for b := range beams {
		idx, err := m.getFreeBlock(op)
		if err != nil {
			return err
		}
		m.block(idx).RefCount = 1
		beams[b] = append(beams[b], idx)
	}
	return nil
}

// ReleaseBlock decrements a block's refcount, enqueueing it on its tier's
// free queue once the count reaches zero. toFront places it at the front
// (evict-first); otherwise the back (keep-longer). The tail block of a
// request keys more tokens and is the least likely to be reused, so
// ReleaseBlocks releases it last with toFront set, leaving it at the very
// front.
func (m *BlockManager) ReleaseBlock(blockIdx int, toFront bool) {
	blk := m.block(blockIdx)
	if blk.RefCount == 0 {
		decodeerr.Fatal("BlockManager.ReleaseBlock", "refcount already zero for block %d", blockIdx)
	}
	blk.RefCount--
	if blk.RefCount > 0 {
		return
	}
	m.pushFree(blk, toFront)
}

// ReleaseBlocks releases every block of seq. If reuse is enabled, full
// blocks are first inserted into the prefix tree (stored, not freed) keyed
// by their token windows, walked beam-0-first from the root; blocks are
// then released head-first to the front of the free queue, so each beam's
// tail block ends up in front of the blocks before it.
func (m *BlockManager) ReleaseBlocks(seq int, storeInTree bool) {
	beams := m.bySeq[seq]
	delete(m.bySeq, seq)
	if storeInTree && m.cfg.EnableReuse && len(beams) > 0 {
		m.insertIntoTree(beams[0])
	}
	for _, beam := range beams {
		for i := 0; i < len(beam); i++ {
			m.ReleaseBlock(beam[i], true)
		}
	}
}

// insertIntoTree walks beam 0's full blocks from the root, inserting each
// as a child of the previous. When a child with the same hash already
// exists, the existing child is kept and the new block is skipped; the
// caller's subsequent release returns it to the free queue.
func (m *BlockManager) insertIntoTree(beam0 []int) {
	parentHash := uint64(0)
	children := m.root
	parentIdx := nilIdx
	for _, idx := range beam0 {
		blk := m.block(idx)
		if !blk.IsFull {
			break
		}
		h := chainedHash(parentHash, blk.Tokens)
		if existing, ok := children[h]; ok && existing != idx {
			parentHash = h
			children = m.block(existing).Children
			parentIdx = existing
			continue
		}
		blk.Hash = h
		blk.PrevBlock = parentIdx
		if blk.Children == nil {
			blk.Children = make(map[uint64]int)
		}
		children[h] = idx
		parentHash = h
		children = blk.Children
		parentIdx = idx
	}
}

// ReplaceSharedBlock copies a shared block's contents into a fresh
// per-beam block on beam divergence, forking a shared prefix. The old
// shared block's refcount is released.
func (m *BlockManager) ReplaceSharedBlock(seq, beam, blockPos int) error {
	const op = "BlockManager.ReplaceSharedBlock"
	beams := m.bySeq[seq]
	oldIdx := beams[beam][blockPos]
	old := m.block(oldIdx)

	newIdx, err := m.getFreeBlock(op)
	if err != nil {
		return err
	}
	fresh := m.block(newIdx)
	fresh.Tokens = append([]int(nil), old.Tokens...)
	fresh.IsFull = old.IsFull
	fresh.RefCount = 1

	beams[beam][blockPos] = newIdx
	m.ReleaseBlock(oldIdx, true)
	return nil
}

// SchedulingReleaseBlocks is a dry-run accounting operation used by an
// external scheduler to forecast capacity: it decrements
// SchedulingRefCount only and never touches real allocation state.
func (m *BlockManager) SchedulingReleaseBlocks(seq int) {
	for _, beam := range m.bySeq[seq] {
		for _, idx := range beam {
			blk := m.block(idx)
			if blk.SchedulingRefCount > 0 {
				blk.SchedulingRefCount--
			}
		}
	}
}

// getFreeBlock implements the eviction policy: front of the primary free
// queue if it is a tree leaf, else the first freeable leaf in queue order,
// else onboard from secondary, else OUT_OF_CACHE.
func (m *BlockManager) getFreeBlock(op string) (int, error) {
	if idx, ok := m.popFreePrimaryLeaf(); ok {
		return idx, nil
	}
	if idx, ok := m.findBestGPUBlockToFree(); ok {
		return idx, nil
	}
	if idx, ok := m.onboardFromSecondary(); ok {
		logrus.Debugf("kvcache: onboarded block %d from secondary to primary pool (op=%s)", idx, op)
		return idx, nil
	}
	logrus.Warnf("kvcache: %s: no free block in primary (%d) or secondary (%d) pool", op, m.cfg.PrimaryBlocks, m.cfg.SecondaryBlocks)
	return 0, decodeerr.New(decodeerr.CapacityExceeded, op, "no free block in primary or secondary pool: OUT_OF_CACHE")
}

// popFreePrimaryLeaf dequeues the front of the primary free queue and, if
// it is a leaf in the prefix tree, detaches and returns it. A front entry
// that still has children in the tree (for example a reused prompt block
// whose descendants another sequence stored) is moved to the back of the
// queue and the caller falls through to step 2.
func (m *BlockManager) popFreePrimaryLeaf() (int, bool) {
	if m.freePrimary.Len() == 0 {
		return 0, false
	}
	idx := m.freePrimary.PopFront()
	blk := m.block(idx)
	blk.inFreeList = false
	if !blk.isLeaf() {
		m.freePrimary.PushBack(idx)
		blk.inFreeList = true
		return 0, false
	}
	m.detachFromTree(blk)
	blk.reset()
	return idx, true
}

// findBestGPUBlockToFree traverses the primary free queue in order and
// returns the first block with no children in the prefix tree, so ties go
// to the one earlier in the queue. A block whose descendants are all free
// but still attached to the tree is not chosen; subtrees are not evicted
// together.
func (m *BlockManager) findBestGPUBlockToFree() (int, bool) {
	n := m.freePrimary.Len()
	var stash []int
	found := nilIdx
	for i := 0; i < n; i++ {
		idx := m.freePrimary.PopFront()
		blk := m.block(idx)
		if found == nilIdx && blk.isLeaf() {
			found = idx
			continue
		}
		stash = append(stash, idx)
	}
	for i := len(stash) - 1; i >= 0; i-- {
		m.freePrimary.PushFront(stash[i])
	}
	if found == nilIdx {
		return 0, false
	}
	blk := m.block(found)
	blk.inFreeList = false
	m.detachFromTree(blk)
	blk.reset()
	return found, true
}

// onboardFromSecondary copies a secondary block into primary, evicting a
// primary block to secondary first if primary has no free slot to receive
// it. Never fails while secondary capacity remains.
func (m *BlockManager) onboardFromSecondary() (int, bool) {
	if m.freeSecondary.Len() == 0 {
		return 0, false
	}
	secIdx := m.freeSecondary.PopFront()
	sec := m.block(secIdx)
	sec.inFreeList = false

	if m.freePrimary.Len() > 0 {
		primIdx := m.freePrimary.PopFront()
		prim := m.block(primIdx)
		prim.inFreeList = false
		sec.PoolOffset, prim.PoolOffset = prim.PoolOffset, sec.PoolOffset
		prim.Tier = TierSecondary
		m.freeSecondary.PushBack(primIdx)
		prim.inFreeList = true
	}
	sec.Tier = TierPrimary
	sec.reset()
	return secIdx, true
}

// onboardBlock is a no-op if the block is already primary, otherwise
// swaps it into a vacated primary slot. Exposed for explicit onboarding
// outside the eviction path (e.g. prefetch).
func (m *BlockManager) onboardBlock(idx int) {
	blk := m.block(idx)
	if blk.Tier == TierPrimary {
		return
	}
	if m.freePrimary.Len() == 0 {
		return
	}
	primIdx := m.freePrimary.PopFront()
	prim := m.block(primIdx)
	prim.inFreeList = false
	blk.PoolOffset, prim.PoolOffset = prim.PoolOffset, blk.PoolOffset
	blk.Tier = TierPrimary
	prim.Tier = TierSecondary
	m.freeSecondary.PushBack(primIdx)
	prim.inFreeList = true
}

func (m *BlockManager) detachFromTree(blk *Block) {
	if blk.PrevBlock == nilIdx {
		delete(m.root, blk.Hash)
		return
	}
	parent := m.block(blk.PrevBlock)
	delete(parent.Children, blk.Hash)
}

func (m *BlockManager) pushFree(blk *Block, toFront bool) {
	q := &m.freePrimary
	if blk.Tier == TierSecondary {
		q = &m.freeSecondary
	}
	blk.inFreeList = true
	if toFront {
		q.PushFront(blk.Idx)
	} else {
		q.PushBack(blk.Idx)
	}
}

// removeFromFree removes a block from its tier's free queue out of order;
// a block matched for reuse may sit mid-queue, not just at the front.
func (m *BlockManager) removeFromFree(blk *Block) {
	if !blk.inFreeList {
		return
	}
	q := &m.freePrimary
	if blk.Tier == TierSecondary {
		q = &m.freeSecondary
	}
	n := q.Len()
	var stash []int
	for i := 0; i < n; i++ {
		idx := q.PopFront()
		if idx == blk.Idx {
			continue
		}
		stash = append(stash, idx)
	}
	for i := len(stash) - 1; i >= 0; i-- {
		q.PushFront(stash[i])
	}
	blk.inFreeList = false
}

// ShareBeamsFromBeam0 replicates beam 0's current block list across beams
// 1..beamWidth-1, incrementing each shared block's refcount once per extra
// beam. Used right after a reuse-path admit, where the prompt's blocks are
// shared by every beam until the first divergence.
func (m *BlockManager) ShareBeamsFromBeam0(seq, beamWidth int) {
	beams := m.bySeq[seq]
	if len(beams) == 0 || beamWidth <= 1 {
		return
	}
	beam0 := beams[0]
	shared := make([]int, len(beam0))
	copy(shared, beam0)
	out := make([][]int, beamWidth)
	out[0] = beam0
	for b := 1; b < beamWidth; b++ {
		cp := make([]int, len(shared))
		copy(cp, shared)
		out[b] = cp
	}
	for _, idx := range beam0 {
		m.block(idx).RefCount += beamWidth - 1
	}
	m.bySeq[seq] = out
}

// Beams returns the current block-index lists for every beam of seq.
func (m *BlockManager) Beams(seq int) [][]int { return m.bySeq[seq] }

// TailBlock returns the last block index of the given beam, or (0, false)
// if the beam holds no blocks yet.
func (m *BlockManager) TailBlock(seq, beam int) (int, bool) {
	beams := m.bySeq[seq][beam]
	if len(beams) == 0 {
		return 0, false
	}
	return beams[len(beams)-1], true
}

// AppendTokenToBlock appends a generated token to a block's content,
// marking it full once it reaches TokensPerBlock. Used by
// KVCacheManager.AddToken so that generated tokens become eligible for
// prefix-tree reuse once the block is later released.
func (m *BlockManager) AppendTokenToBlock(blockIdx, token int) {
	blk := m.block(blockIdx)
	blk.Tokens = append(blk.Tokens, token)
	blk.IsFull = len(blk.Tokens) == m.cfg.TokensPerBlock
}

// PopLastToken removes the most recently appended token from a block,
// used by KVCacheManager.RemoveToken to roll back speculative rejects.
// Reports whether the block became empty.
func (m *BlockManager) PopLastToken(blockIdx int) (empty bool) {
	blk := m.block(blockIdx)
	if len(blk.Tokens) == 0 {
		return true
	}
	blk.Tokens = blk.Tokens[:len(blk.Tokens)-1]
	blk.IsFull = false
	return len(blk.Tokens) == 0
}

// DropLastBlock releases a beam's tail block (used when a token removal
// empties it) and shrinks the beam's block list.
func (m *BlockManager) DropLastBlock(seq, beam int) {
	beams := m.bySeq[seq]
	tail := beams[beam][len(beams[beam])-1]
	beams[beam] = beams[beam][:len(beams[beam])-1]
	m.ReleaseBlock(tail, true)
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
