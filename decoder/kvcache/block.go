package kvcache

// Tier identifies which memory pool currently backs a block.
type Tier int

const (
	TierPrimary Tier = iota
	TierSecondary
)

// Block is one fixed-size unit of KV-cache storage, holding TokensPerBlock
// token pairs for all heads of one layer. The arena (BlockManager.blocks)
// owns every Block; everything else refers to one by index.
type Block struct {
	Idx        int // index into BlockManager.blocks; stable for the arena's lifetime
	PoolOffset int // offset within its current tier's backing pool

	Tier Tier

	RefCount           int // live (scheduled + in-batch) references
	SchedulingRefCount int // forecast-only references, never gates real eviction

	Tokens []int  // token-key for this block; len == TokensPerBlock iff IsFull
	Hash   uint64 // chained prefix hash of Tokens, valid iff IsFull

	IsFull bool

	// Prefix-tree links. Children is keyed by the child's Hash; PrevBlock
	// is a back-reference only (index, -1 if root-attached) used to unlink
	// on eviction, never to establish ownership.
	Children  map[uint64]int
	PrevBlock int

	// inFreeList tracks tier-free-queue membership so removeFromFree can
	// skip blocks that were reused straight out of the queue.
	inFreeList bool
}

const nilIdx = -1

func newBlock(idx int) *Block {
	return &Block{
		Idx:       idx,
		PrevBlock: nilIdx,
	}
}

// reset clears a block's content-identifying state before it re-enters
// service for a new sequence.
func (b *Block) reset() {
	b.Tokens = nil
	b.Hash = 0
	b.IsFull = false
	b.RefCount = 0
	b.SchedulingRefCount = 0
	b.PrevBlock = nilIdx
	b.Children = nil
}

// isLeaf reports whether the block has no children in the prefix tree,
// whatever their refcount; only a leaf is detached from the tree and
// handed out during eviction.
func (b *Block) isLeaf() bool {
	return len(b.Children) == 0
}
