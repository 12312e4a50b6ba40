package decodetypes

import (
	"container/heap"
	"math"
)

// CBAEntry is one finished hypothesis in a slot's candidate-beam-array.
// OutputIDs is the full reconstructed token sequence for this hypothesis
// (prompt + generated).
type CBAEntry struct {
	BeamIndex   int // beam index at the time this hypothesis finished; tie-break key
	CumLogProb  float64
	NormedScore float64 // CumLogProb / length^lengthPenalty
	SeqLen      int
	OutputIDs   []int
	LogProbs    []float64
}

// cbaHeap is a container/heap min-heap on NormedScore, with ties broken by
// lower BeamIndex so ordering stays deterministic under equal scores.
type cbaHeap []CBAEntry

func (h cbaHeap) Len() int { return len(h) }
func (h cbaHeap) Less(i, j int) bool {
	if h[i].NormedScore != h[j].NormedScore {
		return h[i].NormedScore < h[j].NormedScore
	}
	return h[i].BeamIndex < h[j].BeamIndex
}
func (h cbaHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *cbaHeap) Push(x any)   { *h = append(*h, x.(CBAEntry)) }
func (h *cbaHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// BeamHypotheses tracks the CBA and live-beam bookkeeping for every batch
// slot. One BeamHypotheses is shared by all slots in a step; per-slot
// state is parallel-array indexed, matching the structure-of-arrays
// convention used elsewhere.
type BeamHypotheses struct {
	BeamWidth int

	heaps          []cbaHeap // per slot, capacity 2*BeamWidth
	isDone         []bool
	minNormedScore []float64
	numBeams       []int // live count in this slot's heap
	inputLengths   []int

	// unfinishedInserted[slot] records that gatherTree already pushed the
	// slot's still-live beams into the CBA, so a repeated finalization call
	// does not insert them again (re-inserting under-capacity would let a
	// duplicate evict a genuinely distinct hypothesis).
	unfinishedInserted []bool
}

// NewBeamHypotheses allocates per-slot state sized to maxBatch.
func NewBeamHypotheses(maxBatch, beamWidth int) *BeamHypotheses {
	return &BeamHypotheses{
		BeamWidth:          beamWidth,
		heaps:              make([]cbaHeap, maxBatch),
		isDone:             make([]bool, maxBatch),
		minNormedScore:     make([]float64, maxBatch),
		numBeams:           make([]int, maxBatch),
		inputLengths:       make([]int, maxBatch),
		unfinishedInserted: make([]bool, maxBatch),
	}
}

// Reset clears a slot's CBA, used when a new request is installed into the
// slot (setup time).
func (b *BeamHypotheses) Reset(slot, inputLength int) {
	b.heaps[slot] = nil
	b.isDone[slot] = false
	b.minNormedScore[slot] = 0
	b.numBeams[slot] = 0
	b.inputLengths[slot] = inputLength
	b.unfinishedInserted[slot] = false
}

// NumBeams returns the number of finished hypotheses currently held for a
// slot.
func (b *BeamHypotheses) NumBeams(slot int) int { return b.numBeams[slot] }

// MinNormedScore returns the minimum NormedScore among the slot's CBA
// entries (the heap root); 0 if the CBA is empty.
func (b *BeamHypotheses) MinNormedScore(slot int) float64 { return b.minNormedScore[slot] }

// IsDone reports whether the slot's beam search has satisfied its
// EarlyStopping policy.
func (b *BeamHypotheses) IsDone(slot int) bool { return b.isDone[slot] }

// MarkDone records that a slot's beam search has satisfied its
// EarlyStopping policy, without disturbing the CBA entries already
// collected (unlike Reset, which is only for new-request setup).
func (b *BeamHypotheses) MarkDone(slot int) { b.isDone[slot] = true }

// UnfinishedInserted reports whether gatherTree already inserted the
// slot's still-live beams into the CBA.
func (b *BeamHypotheses) UnfinishedInserted(slot int) bool { return b.unfinishedInserted[slot] }

// MarkUnfinishedInserted records that the slot's still-live beams are now
// in the CBA; cleared only by Reset.
func (b *BeamHypotheses) MarkUnfinishedInserted(slot int) { b.unfinishedInserted[slot] = true }

// Insert pushes a finished hypothesis into a slot's CBA. If the CBA is at
// capacity (2*BeamWidth), the entry only survives if it beats the current
// minimum; the previous minimum is evicted.
func (b *BeamHypotheses) Insert(slot int, entry CBAEntry) {
	h := &b.heaps[slot]
	capacity := 2 * b.BeamWidth
	if h.Len() < capacity {
		heap.Push(h, entry)
	} else if entry.NormedScore > (*h)[0].NormedScore {
		heap.Pop(h)
		heap.Push(h, entry)
	} else {
		return // worse than every current entry and the CBA is full: drop
	}
	b.numBeams[slot] = h.Len()
	b.minNormedScore[slot] = (*h)[0].NormedScore
}

// TopK returns the k best CBA entries for a slot, ordered best-first
// (highest NormedScore first, ties broken by lower BeamIndex), used by
// gatherTree to emit the final beamWidth outputs.
func (b *BeamHypotheses) TopK(slot, k int) []CBAEntry {
	src := append(cbaHeap(nil), b.heaps[slot]...)
	// selection by repeated max-extraction keeps this simple and correct for
	// the small (<=2*beamWidth) sizes involved; a second heap isn't worth it.
	out := make([]CBAEntry, 0, k)
	for len(out) < k && len(src) > 0 {
		bestIdx := 0
		for i := 1; i < len(src); i++ {
			if src[i].NormedScore > src[bestIdx].NormedScore ||
				(src[i].NormedScore == src[bestIdx].NormedScore && src[i].BeamIndex < src[bestIdx].BeamIndex) {
				bestIdx = i
			}
		}
		out = append(out, src[bestIdx])
		src = append(src[:bestIdx], src[bestIdx+1:]...)
	}
	return out
}

// Entries returns a defensive copy of every CBA entry currently held for a
// slot, in no particular order.
func (b *BeamHypotheses) Entries(slot int) []CBAEntry {
	return append([]CBAEntry(nil), b.heaps[slot]...)
}

// NormalizedScore computes cumLogProb / length^lengthPenalty.
func NormalizedScore(cumLogProb float64, length int, lengthPenalty float64) float64 {
	if length <= 0 {
		return cumLogProb
	}
	return cumLogProb / math.Pow(float64(length), lengthPenalty)
}
