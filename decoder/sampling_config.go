package decoder

import "github.com/inference-sim/decodecore/decoder/decodetypes"

// SamplingConfig holds per-slot sampling parameters. Defined in
// decodetypes; see domain.go for why.
type SamplingConfig = decodetypes.SamplingConfig

// DefaultSamplingConfig returns the sentinel defaults used when a slot has
// not customized a parameter.
func DefaultSamplingConfig() SamplingConfig { return decodetypes.DefaultSamplingConfig() }

// SpeculativeDecodingInput is the substructure of DecodingInput carrying
// draft-model state for speculative acceptance.
type SpeculativeDecodingInput = decodetypes.SpeculativeDecodingInput

// DecodingInput bundles one step's inputs.
type DecodingInput = decodetypes.DecodingInput

// SpeculativeDecodingOutput carries per-slot acceptance results.
type SpeculativeDecodingOutput = decodetypes.SpeculativeDecodingOutput

// DecodingOutput is the caller-owned output, mutated in place every step.
type DecodingOutput = decodetypes.DecodingOutput

// FinishReason is the per-(slot,beam) terminal state.
type FinishReason = decodetypes.FinishReason

const (
	NotFinished       = decodetypes.NotFinished
	FinishedEOS       = decodetypes.FinishedEOS
	FinishedMaxLength = decodetypes.FinishedMaxLength
	FinishedStopWords = decodetypes.FinishedStopWords
)
