package layers

import (
	"testing"

	"github.com/inference-sim/decodecore/decoder/decodetypes"
)

func TestBeamSearchLayer_EndedBeamPushedToCBA_LiveBeamContinues(t *testing.T) {
	// GIVEN beamWidth=2, vocab=3, endID=2; beam 0's logits overwhelmingly
	// favor the end token while beam 1's favor token 0
	l := NewBeamSearchLayer(1, 2)
	cfg := decodetypes.DefaultSamplingConfig()
	cfg.LengthPenalty = 1.0
	if err := l.Setup(SetupParams{BeamWidth: 2, BatchSlots: []int{0}, Configs: []decodetypes.SamplingConfig{cfg}}); err != nil {
		t.Fatal(err)
	}

	inputs := &decodetypes.DecodingInput{
		Logits: [][][][]float64{{{
			{-50, -50, 50}, // beam 0: overwhelmingly favors token 2 (== endID)
			{50, -50, -50}, // beam 1: overwhelmingly favors token 0
		}}},
		BatchSlots: []int{0},
		EndIDs:     []int{2},
	}
	outputs := &decodetypes.DecodingOutput{
		OutputIDs:   [][][]int{{{1}, {1}}}, // both beams share prompt [1]
		CumLogProbs: [][]float64{{0, 0}},
		ParentIDs:   [][]int{{0, 0}},
		SeqLengths:  [][]int{{1, 1}},
	}

	// WHEN one step runs
	if err := l.ForwardAsync(outputs, inputs, nil); err != nil {
		t.Fatal(err)
	}

	// THEN beam 0's hypothesis (ended at the endID) is pushed into the CBA
	if got := l.hyps.NumBeams(0); got != 1 {
		t.Fatalf("expected 1 finished hypothesis in CBA, got %d", got)
	}

	// AND beam 1 (still live) becomes the next step's beam 0, since it was
	// the highest-scoring live candidate
	if outputs.ParentIDs[0][0] != 1 {
		t.Errorf("expected surviving beam's parent to be beam 1, got %d", outputs.ParentIDs[0][0])
	}
}

func TestGatherTree_IsIdempotent(t *testing.T) {
	// GIVEN a beam-search CBA already holding one finished hypothesis
	hyps := decodetypes.NewBeamHypotheses(1, 2)
	hyps.Insert(0, decodetypes.CBAEntry{
		BeamIndex:   0,
		CumLogProb:  -1.0,
		NormedScore: -1.0,
		SeqLen:      3,
		OutputIDs:   []int{1, 2, 3},
	})

	outputIDs := [][]int{{1, 2, 9}}
	cumLogProbs := []float64{-0.5}

	// WHEN gatherTree runs twice with unchanged inputs
	first := GatherTree(hyps, 0, 1, outputIDs, cumLogProbs, 1.0)
	second := GatherTree(hyps, 0, 1, outputIDs, cumLogProbs, 1.0)

	// THEN both calls emit the same top-beamWidth result
	assertSameFinalIDs(t, first, second)
}

func TestGatherTree_IsIdempotentUnderCapacity(t *testing.T) {
	// GIVEN beamWidth=2 (CBA capacity 4) with a single finished hypothesis
	// and two live beams: the CBA is still under capacity after the first
	// finalization, so a second call must not insert the live beams again
	// (duplicates filling the heap would evict the genuinely distinct
	// finished hypothesis).
	hyps := decodetypes.NewBeamHypotheses(1, 2)
	hyps.Insert(0, decodetypes.CBAEntry{
		BeamIndex:   0,
		CumLogProb:  -3.0,
		NormedScore: -1.0,
		SeqLen:      3,
		OutputIDs:   []int{1, 2, 3},
	})

	outputIDs := [][]int{{1, 2, 9}, {1, 2, 8}}
	cumLogProbs := []float64{-0.6, -0.9}

	first := GatherTree(hyps, 0, 2, outputIDs, cumLogProbs, 1.0)
	second := GatherTree(hyps, 0, 2, outputIDs, cumLogProbs, 1.0)

	assertSameFinalIDs(t, first, second)
	if got := hyps.NumBeams(0); got != 3 {
		t.Errorf("expected CBA to hold 3 entries (1 finished + 2 live inserted once), got %d", got)
	}
}

func assertSameFinalIDs(t *testing.T, first, second [][]int) {
	t.Helper()
	if len(first) != len(second) || len(first) == 0 {
		t.Fatalf("expected identical non-empty results, got %v and %v", first, second)
	}
	for i := range first {
		if len(first[i]) != len(second[i]) {
			t.Fatalf("entry %d length mismatch: %v vs %v", i, first[i], second[i])
		}
		for j := range first[i] {
			if first[i][j] != second[i][j] {
				t.Errorf("entry %d[%d]: %d != %d", i, j, first[i][j], second[i][j])
			}
		}
	}
}
