package decodetypes

import "github.com/inference-sim/decodecore/decoder/decodeerr"

// DecoderDomain is the immutable shape shared by every layer and by the
// GptDecoder façade. It is fixed at construction time
// and sized to the largest batch/beam/vocab the
// pipeline will ever see, so per-slot structure-of-arrays buffers can be
// allocated once.
type DecoderDomain struct {
	MaxBatch          int // maximum number of concurrent batch slots
	MaxBeam           int // maximum beams per slot (1 for non-beam modes)
	VocabSize         int // unpadded vocabulary size
	VocabSizePadded   int // vocabulary size padded for kernel tiling
	MaxDecodingTokens int // max tokens produced per slot per step (>1 for speculative/Medusa)
}

// Validate checks the domain's own invariants (all fields positive, and
// VocabSizePadded >= VocabSize). It does not depend on any per-step state.
func (d DecoderDomain) Validate() error {
	const op = "DecoderDomain.Validate"
	switch {
	case d.MaxBatch <= 0:
		return decodeerr.New(decodeerr.InvalidArgument, op, "MaxBatch must be positive")
	case d.MaxBeam <= 0:
		return decodeerr.New(decodeerr.InvalidArgument, op, "MaxBeam must be positive")
	case d.VocabSize <= 0:
		return decodeerr.New(decodeerr.InvalidArgument, op, "VocabSize must be positive")
	case d.VocabSizePadded < d.VocabSize:
		return decodeerr.New(decodeerr.InvalidArgument, op, "VocabSizePadded must be >= VocabSize")
	case d.MaxDecodingTokens <= 0:
		return decodeerr.New(decodeerr.InvalidArgument, op, "MaxDecodingTokens must be positive")
	}
	return nil
}

// ValidateBatchSlots checks that every slot in batchSlots falls within
// [0, MaxBatch), raising the MAX_BATCH_EXCEEDED sub-case of
// CapacityExceeded.
func (d DecoderDomain) ValidateBatchSlots(op string, batchSlots []int) error {
	for _, slot := range batchSlots {
		if slot < 0 || slot >= d.MaxBatch {
			return decodeerr.New(decodeerr.CapacityExceeded, op, "batch slot out of range: MAX_BATCH_EXCEEDED")
		}
	}
	return nil
}

// DecodingMode selects which layers DynamicDecodePipeline is constructed
// with; the pipeline is fixed at construction for a given mode.
type DecodingMode int

const (
	ModeTopKTopP DecodingMode = iota
	ModeTopP
	ModeTopK
	ModeMinP
	ModeBeamSearch
	ModeMedusa
	ModeEagle
	ModeExplicitDraftTree
	ModeAuto
)

func (m DecodingMode) String() string {
	switch m {
	case ModeTopKTopP:
		return "TopKTopP"
	case ModeTopP:
		return "TopP"
	case ModeTopK:
		return "TopK"
	case ModeMinP:
		return "MinP"
	case ModeBeamSearch:
		return "BeamSearch"
	case ModeMedusa:
		return "Medusa"
	case ModeEagle:
		return "Eagle"
	case ModeExplicitDraftTree:
		return "Explicit"
	case ModeAuto:
		return "Auto"
	default:
		return "Unknown"
	}
}

// IsBeamSearch reports whether the mode requires beamWidth > 1 handling.
func (m DecodingMode) IsBeamSearch() bool { return m == ModeBeamSearch }

// EarlyStopping controls when beam search may stop before maxLength for a
// given slot. The policy is per-slot: each slot's CBA comparison reads its
// own SamplingConfig, never another slot's value.
type EarlyStopping int

const (
	// EarlyStoppingNever runs to maxLength regardless of CBA state.
	EarlyStoppingNever EarlyStopping = iota
	// EarlyStoppingOnce stops when the CBA has beamWidth finished hypotheses
	// and no live beam can exceed minNormedScores.
	EarlyStoppingOnce
	// EarlyStoppingAlways stops as soon as the CBA has beamWidth entries.
	EarlyStoppingAlways
)
