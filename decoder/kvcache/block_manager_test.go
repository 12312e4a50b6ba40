package kvcache

import (
	"testing"

	"github.com/inference-sim/decodecore/decoder/decodeerr"
)

func testConfig() Config {
	return Config{
		TokensPerBlock:  4,
		PrimaryBlocks:   4,
		SecondaryBlocks: 2,
		MaxSequences:    8,
		MaxBeamWidth:    4,
		EnableReuse:     true,
	}
}

func TestBlockManager_AddSequenceFresh_AllocatesExpectedBlockCount(t *testing.T) {
	// GIVEN a fresh BlockManager with 4 primary blocks
	bm := NewBlockManager(testConfig())

	// WHEN a sequence needing 2 blocks (8 tokens / 4 per block) is admitted
	err := bm.AddSequenceFresh(0, 2, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// THEN exactly 2 blocks are held by the sequence and 2 remain free
	beams := bm.Beams(0)
	if len(beams[0]) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(beams[0]))
	}
	if bm.freePrimary.Len() != 2 {
		t.Errorf("expected 2 free primary blocks, got %d", bm.freePrimary.Len())
	}
}

func TestBlockManager_ReleaseBlocks_ReturnsBlocksToFreeQueue(t *testing.T) {
	bm := NewBlockManager(testConfig())
	if err := bm.AddSequenceFresh(0, 3, 1); err != nil {
		t.Fatal(err)
	}

	bm.ReleaseBlocks(0, false)

	if bm.freePrimary.Len() != 4 {
		t.Errorf("expected all 4 blocks free after release, got %d", bm.freePrimary.Len())
	}
}

func TestBlockManager_PrefixReuse_MatchesFullBlocksAndSharesRefcount(t *testing.T) {
	// GIVEN a sequence whose full first block [1,2,3,4] was stored in the
	// prefix tree by a prior request's release
	bm := NewBlockManager(testConfig())
	if err := bm.AddSequenceFresh(0, 1, 1); err != nil {
		t.Fatal(err)
	}
	beam0 := bm.Beams(0)[0]
	bm.block(beam0[0]).Tokens = []int{1, 2, 3, 4}
	bm.block(beam0[0]).IsFull = true
	bm.ReleaseBlocks(0, true)

	// WHEN a new sequence requests a prompt with the same first 4 tokens
	// plus 2 more
	matched, err := bm.AddSequenceWithReuse(1, []int{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// THEN the first block is reused (4 matched tokens) and one fresh block
	// covers the remaining 2 tokens
	if matched != 4 {
		t.Errorf("expected 4 matched tokens, got %d", matched)
	}
	beams := bm.Beams(1)
	if len(beams[0]) != 2 {
		t.Fatalf("expected 2 blocks (1 reused + 1 fresh), got %d", len(beams[0]))
	}
	if bm.block(beams[0][0]).RefCount != 1 {
		t.Errorf("expected refcount 1 on reused block, got %d", bm.block(beams[0][0]).RefCount)
	}
}

func TestBlockManager_PrefixTreeInsertionTieBreak_KeepsExistingChild(t *testing.T) {
	// GIVEN two sequences releasing identical full first blocks
	bm := NewBlockManager(testConfig())
	mkFullSeq := func(seq int, tokens []int) int {
		if err := bm.AddSequenceFresh(seq, 1, 1); err != nil {
			t.Fatal(err)
		}
		idx := bm.Beams(seq)[0][0]
		bm.block(idx).Tokens = tokens
		bm.block(idx).IsFull = true
		return idx
	}
	// Both sequences are live at once so they hold distinct physical blocks
	// with identical content.
	firstIdx := mkFullSeq(0, []int{9, 9, 9, 9})
	secondIdx := mkFullSeq(1, []int{9, 9, 9, 9})
	bm.ReleaseBlocks(0, true)
	bm.ReleaseBlocks(1, true)

	// WHEN a third sequence reuses the prefix
	matched, err := bm.AddSequenceWithReuse(2, []int{9, 9, 9, 9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matched != 4 {
		t.Fatalf("expected full reuse, got %d matched", matched)
	}

	// THEN it attaches to whichever block actually won the tree slot (the
	// first release), and the loser was freed rather than leaked
	reusedIdx := bm.Beams(2)[0][0]
	if reusedIdx != firstIdx {
		t.Errorf("expected reuse of first-inserted block %d, got %d", firstIdx, reusedIdx)
	}
	if bm.block(secondIdx).RefCount != 0 {
		t.Errorf("expected loser block %d to be freed, refcount=%d", secondIdx, bm.block(secondIdx).RefCount)
	}
}

func TestBlockManager_GetFreeBlock_OnboardsFromSecondaryWhenPrimaryExhausted(t *testing.T) {
	// GIVEN a config with only 1 primary block and 1 secondary block
	cfg := Config{TokensPerBlock: 4, PrimaryBlocks: 1, SecondaryBlocks: 1, MaxSequences: 4, MaxBeamWidth: 1}
	bm := NewBlockManager(cfg)

	// WHEN two sequences each request 1 block
	if err := bm.AddSequenceFresh(0, 1, 1); err != nil {
		t.Fatalf("first allocation should succeed from primary: %v", err)
	}
	if err := bm.AddSequenceFresh(1, 1, 1); err != nil {
		t.Fatalf("second allocation should onboard from secondary: %v", err)
	}

	// THEN the onboarded block now reports as primary tier
	idx := bm.Beams(1)[0][0]
	if bm.block(idx).Tier != TierPrimary {
		t.Errorf("expected onboarded block to report TierPrimary, got %v", bm.block(idx).Tier)
	}
}

func TestBlockManager_GetFreeBlock_FailsWithCapacityExceededWhenBothTiersFull(t *testing.T) {
	cfg := Config{TokensPerBlock: 4, PrimaryBlocks: 1, SecondaryBlocks: 1, MaxSequences: 4, MaxBeamWidth: 1}
	bm := NewBlockManager(cfg)
	if err := bm.AddSequenceFresh(0, 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := bm.AddSequenceFresh(1, 1, 1); err != nil {
		t.Fatal(err)
	}

	err := bm.AddSequenceFresh(2, 1, 1)
	if err == nil {
		t.Fatal("expected OUT_OF_CACHE error, got nil")
	}
	if !decodeerr.IsKind(err, decodeerr.CapacityExceeded) {
		t.Errorf("expected CapacityExceeded, got %v", err)
	}
}

func TestBlockManager_ReplaceSharedBlock_ForksCopyAndReleasesOriginal(t *testing.T) {
	bm := NewBlockManager(testConfig())
	if err := bm.AddSequenceFresh(0, 1, 1); err != nil {
		t.Fatal(err)
	}
	shared := bm.Beams(0)[0][0]
	bm.block(shared).Tokens = []int{1, 2}
	bm.ShareBeamsFromBeam0(0, 2) // both beams now point at the same block

	if err := bm.ReplaceSharedBlock(0, 1, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newIdx := bm.Beams(0)[1][0]
	if newIdx == shared {
		t.Fatal("expected beam 1 to point at a new block")
	}
	if len(bm.block(newIdx).Tokens) != 2 {
		t.Errorf("expected forked block to carry copied tokens, got %v", bm.block(newIdx).Tokens)
	}
	if bm.block(shared).RefCount != 1 {
		t.Errorf("expected original block's refcount decremented to 1, got %d", bm.block(shared).RefCount)
	}
}

func TestBlockManager_SchedulingReleaseBlocks_DoesNotTouchRealRefcount(t *testing.T) {
	bm := NewBlockManager(testConfig())
	if err := bm.AddSequenceFresh(0, 2, 1); err != nil {
		t.Fatal(err)
	}
	beam0 := bm.Beams(0)[0]
	before := bm.block(beam0[0]).RefCount

	bm.SchedulingReleaseBlocks(0)

	if bm.block(beam0[0]).RefCount != before {
		t.Errorf("expected real refcount unchanged by scheduling release, got %d want %d", bm.block(beam0[0]).RefCount, before)
	}
}
