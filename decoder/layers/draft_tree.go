package layers

import "sort"

// DraftTreeNode is one node of a per-request speculative draft tree: a
// proposed token at a given tree depth, scored by the drafter, with a
// parent link into the same request's node list (index into Nodes, -1 for
// the root).
type DraftTreeNode struct {
	Token  int
	Logit  float64
	Parent int // index into the same request's Nodes slice, -1 for the tree root
	Depth  int
}

// DraftTreeRequest is one request's proposed draft tree for a step, prior
// to top-K pruning per level.
type DraftTreeRequest struct {
	Nodes []DraftTreeNode
}

// PackedDraftTree is the dense, batch-packed representation a verification
// kernel consumes: per-request position offsets, a bitmask
// per token describing which ancestors it attends to, and the number of
// tokens contributed by each request. It holds one entry per request, in
// the order the requests were given; there is no batch-slot remapping.
type PackedDraftTree struct {
	// PositionOffsets[i] holds, for dense batch index i, the attention
	// position offset of each surviving node (its depth in the pruned
	// tree, root-relative).
	PositionOffsets [][]int
	// PackedMasks[i][tok] is a slice of uint32 groups of 32 bits each,
	// bit j set iff token j (within this request's surviving node list)
	// is an ancestor of (or is) token tok.
	PackedMasks [][][]uint32
	// GenerationLengths[i] is the number of surviving nodes for request i
	// after top-K-per-level pruning.
	GenerationLengths []int
}

// PrepareDraftTree extracts the top-K expansions at each tree level for
// every request (by Logit, descending), then packs the survivors into a
// dense PackedDraftTree with one entry per request, in requests order. No
// padding entries are added.
func PrepareDraftTree(requests []DraftTreeRequest, topK int) PackedDraftTree {
	out := PackedDraftTree{
		PositionOffsets:   make([][]int, len(requests)),
		PackedMasks:       make([][][]uint32, len(requests)),
		GenerationLengths: make([]int, len(requests)),
	}
	for i, req := range requests {
		survivors, parentOf := pruneTopKPerLevel(req.Nodes, topK)
		out.PositionOffsets[i] = positionOffsetsFor(survivors)
		out.PackedMasks[i] = packAncestorMasks(survivors, parentOf)
		out.GenerationLengths[i] = len(survivors)
	}
	return out
}

// pruneTopKPerLevel groups nodes by Depth, keeps the topK highest-Logit
// nodes per level, and returns the surviving nodes in breadth-first
// (depth, then original) order along with each survivor's parent index
// *within the survivors slice* (-1 for the root or for a node whose parent
// was pruned).
func pruneTopKPerLevel(nodes []DraftTreeNode, topK int) ([]DraftTreeNode, []int) {
	byDepth := map[int][]int{} // depth -> original indices
	maxDepth := 0
	for idx, n := range nodes {
		byDepth[n.Depth] = append(byDepth[n.Depth], idx)
		if n.Depth > maxDepth {
			maxDepth = n.Depth
		}
	}

	keep := make(map[int]bool, len(nodes))
	for depth := 0; depth <= maxDepth; depth++ {
		idxs := byDepth[depth]
		sort.Slice(idxs, func(a, b int) bool { return nodes[idxs[a]].Logit > nodes[idxs[b]].Logit })
		if topK > 0 && len(idxs) > topK {
			idxs = idxs[:topK]
		}
		for _, idx := range idxs {
			keep[idx] = true
		}
	}

	origToSurvivor := make(map[int]int, len(nodes))
	var survivors []DraftTreeNode
	var parentOf []int
	for depth := 0; depth <= maxDepth; depth++ {
		for _, idx := range byDepth[depth] {
			if !keep[idx] {
				continue
			}
			n := nodes[idx]
			parent := -1
			if p, ok := origToSurvivor[n.Parent]; ok {
				parent = p
			}
			origToSurvivor[idx] = len(survivors)
			survivors = append(survivors, n)
			parentOf = append(parentOf, parent)
		}
	}
	return survivors, parentOf
}

func positionOffsetsFor(survivors []DraftTreeNode) []int {
	offsets := make([]int, len(survivors))
	for i, n := range survivors {
		offsets[i] = n.Depth
	}
	return offsets
}

// packAncestorMasks builds one bitmask per surviving token, bit j set iff
// survivor j is an ancestor of (or equal to) this token, packed into
// uint32 groups of 32 tokens.
func packAncestorMasks(survivors []DraftTreeNode, parentOf []int) [][]uint32 {
	n := len(survivors)
	masks := make([][]uint32, n)
	groups := (n + 31) / 32
	for tok := 0; tok < n; tok++ {
		mask := make([]uint32, groups)
		setBit(mask, tok) // every token attends to itself
		p := parentOf[tok]
		for p != -1 {
			setBit(mask, p)
			p = parentOf[p]
		}
		masks[tok] = mask
	}
	return masks
}

func setBit(mask []uint32, bit int) {
	mask[bit/32] |= 1 << uint(bit%32)
}
