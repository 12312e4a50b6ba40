package decoder

import "github.com/inference-sim/decodecore/decoder/decodetypes"

// DecoderDomain is the immutable shape shared by every layer and by the
// GptDecoder façade. Defined in decodetypes so decoder/layers can
// use it without importing package decoder; re-exported here under its
// original name.
type DecoderDomain = decodetypes.DecoderDomain

// DecodingMode selects which layers DynamicDecodePipeline is constructed
// with.
type DecodingMode = decodetypes.DecodingMode

const (
	ModeTopKTopP          = decodetypes.ModeTopKTopP
	ModeTopP              = decodetypes.ModeTopP
	ModeTopK              = decodetypes.ModeTopK
	ModeMinP              = decodetypes.ModeMinP
	ModeBeamSearch        = decodetypes.ModeBeamSearch
	ModeMedusa            = decodetypes.ModeMedusa
	ModeEagle             = decodetypes.ModeEagle
	ModeExplicitDraftTree = decodetypes.ModeExplicitDraftTree
	ModeAuto              = decodetypes.ModeAuto
)

// EarlyStopping controls when beam search may stop before maxLength for a
// given slot.
type EarlyStopping = decodetypes.EarlyStopping

const (
	EarlyStoppingNever  = decodetypes.EarlyStoppingNever
	EarlyStoppingOnce   = decodetypes.EarlyStoppingOnce
	EarlyStoppingAlways = decodetypes.EarlyStoppingAlways
)
