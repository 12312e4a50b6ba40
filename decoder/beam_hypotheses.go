package decoder

import "github.com/inference-sim/decodecore/decoder/decodetypes"

// CBAEntry is one finished hypothesis in a slot's candidate-beam-array.
type CBAEntry = decodetypes.CBAEntry

// BeamHypotheses tracks the CBA and live-beam bookkeeping for every batch
// slot.
type BeamHypotheses = decodetypes.BeamHypotheses

// NewBeamHypotheses allocates per-slot state sized to maxBatch.
func NewBeamHypotheses(maxBatch, beamWidth int) *BeamHypotheses {
	return decodetypes.NewBeamHypotheses(maxBatch, beamWidth)
}

// NormalizedScore computes cumLogProb / length^lengthPenalty.
func NormalizedScore(cumLogProb float64, length int, lengthPenalty float64) float64 {
	return decodetypes.NormalizedScore(cumLogProb, length, lengthPenalty)
}
