package decodetypes

// SamplingConfig holds per-slot sampling parameters. Rather than a
// polymorphic per-request object, the pipeline stores one SamplingConfig
// per batch slot in a parallel array sized MaxBatch; layers index it with
// the slot, not the request.
type SamplingConfig struct {
	RandomSeed int64

	Temperature float64

	RepetitionPenalty float64 // 1.0 = disabled
	PresencePenalty   float64 // 0.0 = disabled
	FrequencyPenalty  float64 // 0.0 = disabled
	MinLength         int

	TopK         []int // only TopK[0] is read; later entries are not used
	TopP         float64
	TopPDecay    float64
	TopPMin      float64
	TopPResetIDs []int
	MinP         float64

	BeamDiversity     float64
	LengthPenalty     float64
	EarlyStopping     EarlyStopping
	NormalizeLogProbs bool
}

// DefaultSamplingConfig returns the sentinel defaults used when a slot has
// not customized a parameter.
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		Temperature:       1.0,
		RepetitionPenalty: 1.0,
		TopK:              []int{0}, // 0 = disabled (no top-k truncation)
		TopP:              1.0,
		TopPDecay:         1.0,
		TopPMin:           0.0,
		LengthPenalty:     1.0,
		EarlyStopping:     EarlyStoppingNever,
	}
}

// PenaltiesEnabled reports which penalty classes this slot has turned on
// (non-default value). The penalty layer lazily enables each penalty class
// the first time any slot uses a non-default value; once enabled it
// remains on.
func (c SamplingConfig) PenaltiesEnabled() (temperature, repetition, presence, frequency, minLength bool) {
	def := DefaultSamplingConfig()
	temperature = c.Temperature != def.Temperature
	repetition = c.RepetitionPenalty != def.RepetitionPenalty
	presence = c.PresencePenalty != def.PresencePenalty
	frequency = c.FrequencyPenalty != def.FrequencyPenalty
	minLength = c.MinLength > 0
	return
}

// SpeculativeDecodingInput is the substructure of DecodingInput carrying
// draft-model state for speculative acceptance.
type SpeculativeDecodingInput struct {
	// DraftTokens[slot] holds the by-IDs draft continuation for that slot.
	// Nil/empty when the by-logits path is used instead.
	DraftTokens [][]int
	// DraftLogits[slot][pos] holds per-position draft logits for the
	// by-logits acceptance path. Nil/empty when using by-IDs.
	DraftLogits [][][]float64
	// UseRandomAcceptThreshold switches the by-logits accept test from
	// min(1, p_target/p_draft) to a fixed RandomAcceptThreshold.
	UseRandomAcceptThreshold bool
	RandomAcceptThreshold    float64
}

// DecodingInput bundles one step's inputs. Logits may be
// supplied as a single dense tensor-shaped slice (Logits, indexed
// [slot][pos][beam][vocab], where pos ranges over the step's decoding
// positions and is always 0 for single-token modes) or as LogitsVec (one
// ragged entry per dense batch index) when contiguity is infeasible;
// exactly one should be populated. Speculative modes supply one pos row
// per draft position plus one for the bonus token.
type DecodingInput struct {
	Step      int
	MaxLength int
	EndIDs    []int // per max-batch-slot end-of-sequence token id

	Logits    [][][][]float64 // [slot][pos][beam][vocab], may be nil
	LogitsVec [][]float64     // dense-index -> flattened [beam*vocab], may be nil

	InputLengths []int
	BadWordIDs   [][][]int // per-slot list of banned token phrases (each a token id sequence)
	StopWordIDs  [][][]int // per-slot list of stop phrases (each a token id sequence)

	BatchSlots []int // dense index -> sparse slot in [0, MaxBatch)

	Speculative *SpeculativeDecodingInput // nil unless decodingMode uses it

	// CacheIndirection[slot][beam] indexes into the KV cache pointer table
	// for beam-tied attention; nil outside beam search.
	CacheIndirection [][]int
}

// SpeculativeDecodingOutput carries per-slot acceptance results.
type SpeculativeDecodingOutput struct {
	AcceptedLength []int // per slot: count of draft tokens accepted (before the +1 bonus token)
	AcceptedTokens [][]int
}

// DecodingOutput is the caller-owned output, mutated in place every step.
type DecodingOutput struct {
	OutputIDs    [][][]int // [slot][beam][position]
	NewTokens    [][][]int // [step][slot][beam], ring-shaped for MaxDecodingTokens > 1
	CumLogProbs  [][]float64
	ParentIDs    [][]int // beam-search only: [slot][beam] -> parent beam at t-1
	Finished     [][]FinishReason
	FinishedSum  []int // per slot: count of beams in a FINISHED_* state
	SeqLengths   [][]int
	LogProbs     [][][]float64

	Beam        *BeamHypotheses            // nil outside beam search
	Speculative *SpeculativeDecodingOutput // nil outside speculative modes
}

// FinishReason is the per-(slot,beam) terminal state. Zero value means
// "not finished".
type FinishReason int

const (
	NotFinished FinishReason = iota
	FinishedEOS
	FinishedMaxLength
	FinishedStopWords
)

func (f FinishReason) IsFinished() bool { return f != NotFinished }
