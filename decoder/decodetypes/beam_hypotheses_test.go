package decodetypes

import "testing"

func TestBeamHypotheses_Insert_CapsAtTwiceBeamWidth(t *testing.T) {
	// GIVEN beamWidth=2 (CBA capacity 4) with the CBA already full of
	// progressively better hypotheses
	h := NewBeamHypotheses(1, 2)
	for i, score := range []float64{-4, -3, -2, -1} {
		h.Insert(0, CBAEntry{BeamIndex: i, NormedScore: score, SeqLen: 1})
	}
	if got := h.NumBeams(0); got != 4 {
		t.Fatalf("expected CBA at capacity 4, got %d", got)
	}
	if got := h.MinNormedScore(0); got != -4 {
		t.Fatalf("expected min score -4, got %v", got)
	}

	// WHEN a worse hypothesis arrives
	h.Insert(0, CBAEntry{BeamIndex: 9, NormedScore: -10, SeqLen: 1})
	// THEN it's dropped: size and min are unchanged
	if got := h.NumBeams(0); got != 4 {
		t.Errorf("expected CBA to stay at capacity 4 after a worse insert, got %d", got)
	}
	if got := h.MinNormedScore(0); got != -4 {
		t.Errorf("expected min score to stay -4, got %v", got)
	}

	// WHEN a better hypothesis arrives
	h.Insert(0, CBAEntry{BeamIndex: 10, NormedScore: 0, SeqLen: 1})
	// THEN it displaces the previous worst, and the new min is the next-worst
	if got := h.NumBeams(0); got != 4 {
		t.Errorf("expected CBA to remain capped at 4, got %d", got)
	}
	if got := h.MinNormedScore(0); got != -3 {
		t.Errorf("expected new min score -3 after evicting -4, got %v", got)
	}
}

func TestBeamHypotheses_TopK_OrdersByScoreThenBeamIndex(t *testing.T) {
	h := NewBeamHypotheses(1, 2)
	// Two entries tie on NormedScore; lower BeamIndex must win the tie.
	h.Insert(0, CBAEntry{BeamIndex: 1, NormedScore: 5, OutputIDs: []int{1}})
	h.Insert(0, CBAEntry{BeamIndex: 0, NormedScore: 5, OutputIDs: []int{0}})
	h.Insert(0, CBAEntry{BeamIndex: 2, NormedScore: 1, OutputIDs: []int{2}})

	top := h.TopK(0, 2)
	if len(top) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(top))
	}
	if top[0].BeamIndex != 0 {
		t.Errorf("expected the tie-break winner (lower BeamIndex) first, got BeamIndex %d", top[0].BeamIndex)
	}
	if top[1].BeamIndex != 1 {
		t.Errorf("expected the other tied entry second, got BeamIndex %d", top[1].BeamIndex)
	}
}

func TestBeamHypotheses_Reset_ClearsPriorSlotState(t *testing.T) {
	h := NewBeamHypotheses(2, 2)
	h.Insert(0, CBAEntry{BeamIndex: 0, NormedScore: 5})
	h.MarkDone(0)

	h.Reset(0, 3)

	if got := h.NumBeams(0); got != 0 {
		t.Errorf("expected NumBeams reset to 0, got %d", got)
	}
	if h.IsDone(0) {
		t.Errorf("expected IsDone reset to false")
	}
	if got := h.MinNormedScore(0); got != 0 {
		t.Errorf("expected MinNormedScore reset to 0, got %v", got)
	}
}

func TestNormalizedScore(t *testing.T) {
	// cumLogProb / length^lengthPenalty
	if got, want := NormalizedScore(-4.0, 4, 1.0), -1.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// lengthPenalty=0 means no normalization at all
	if got, want := NormalizedScore(-4.0, 4, 0.0), -4.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// length<=0 is a degenerate guard: return cumLogProb unchanged
	if got, want := NormalizedScore(-4.0, 0, 1.0), -4.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
