package layers

import "github.com/inference-sim/decodecore/decoder/decodetypes"

// PenaltyLayer applies temperature, repetition, presence, frequency, and
// min-length penalties to each slot's logits row. It lazily
// enables each penalty class the first time any slot requests a
// non-default value; once enabled a class stays on for every subsequent
// step, even for slots that never customized it, which is cheaper than
// rescanning every slot's config each step.
type PenaltyLayer struct {
	maxBatch  int
	maxSeqLen int

	configs []decodetypes.SamplingConfig // per max-batch slot

	temperatureEnabled bool
	repetitionEnabled  bool
	presenceEnabled    bool
	frequencyEnabled   bool
	minLengthEnabled   bool

	// history[slot] is the rolling window of token ids the slot has
	// emitted, trimmed to the most recent maxSeqLen. It stands in for the pinned rolling
	// buffer of recent logits pointers the penalty kernels would index on
	// device; host-side, the token history is the part that matters.
	history [][]int
	step    []int // cyclic step counter per slot
}

func NewPenaltyLayer(maxBatch, maxSeqLen int) *PenaltyLayer {
	return &PenaltyLayer{
		maxBatch:  maxBatch,
		maxSeqLen: maxSeqLen,
		configs:   make([]decodetypes.SamplingConfig, maxBatch),
		history:   make([][]int, maxBatch),
		step:      make([]int, maxBatch),
	}
}

func (l *PenaltyLayer) Setup(params SetupParams) error {
	for i, slot := range params.BatchSlots {
		cfg := params.Configs[i]
		l.configs[slot] = cfg
		l.history[slot] = make([]int, 0, l.maxSeqLen)
		l.step[slot] = 0

		t, rep, pres, freq, minLen := cfg.PenaltiesEnabled()
		l.temperatureEnabled = l.temperatureEnabled || t
		l.repetitionEnabled = l.repetitionEnabled || rep
		l.presenceEnabled = l.presenceEnabled || pres
		l.frequencyEnabled = l.frequencyEnabled || freq
		l.minLengthEnabled = l.minLengthEnabled || minLen
	}
	return nil
}

// ForwardAsync penalizes each active slot's logits row according to the
// penalty classes currently enabled. The penalized values go into a fresh
// row slice that replaces the row in inputs.Logits (or inputs.LogitsVec);
// the original row's backing array is not modified, so a caller holding
// that slice still sees the unpenalized values. Nothing is written to
// outputs.
func (l *PenaltyLayer) ForwardAsync(outputs *decodetypes.DecodingOutput, inputs *decodetypes.DecodingInput, ws Workspace) error {
	for i, slot := range inputs.BatchSlots {
		cfg := l.configs[slot]
		row := rowFor(inputs, i)
		penalized := make([]float64, len(row))
		copy(penalized, row)

		if l.temperatureEnabled && cfg.Temperature != 0 && cfg.Temperature != 1.0 {
			for v := range penalized {
				penalized[v] /= cfg.Temperature
			}
		}

		history := l.history[slot]
		if l.minLengthEnabled && cfg.MinLength > 0 && len(history) < cfg.MinLength && slot < len(inputs.EndIDs) {
			// Mask only this slot's own end id; another slot's end id is an
			// ordinary token here.
			if endID := inputs.EndIDs[slot]; endID >= 0 && endID < len(penalized) {
				penalized[endID] = negInf
			}
		}

		if l.repetitionEnabled || l.presenceEnabled || l.frequencyEnabled {
			counts := tokenCounts(history)
			for tok, n := range counts {
				if tok < 0 || tok >= len(penalized) {
					continue
				}
				if l.repetitionEnabled && cfg.RepetitionPenalty != 1.0 {
					if penalized[tok] > 0 {
						penalized[tok] /= cfg.RepetitionPenalty
					} else {
						penalized[tok] *= cfg.RepetitionPenalty
					}
				}
				if l.presenceEnabled && cfg.PresencePenalty != 0 {
					penalized[tok] -= cfg.PresencePenalty
				}
				if l.frequencyEnabled && cfg.FrequencyPenalty != 0 {
					penalized[tok] -= cfg.FrequencyPenalty * float64(n)
				}
			}
		}

		writeRow(inputs, i, penalized)
		l.step[slot] = (l.step[slot] + 1) % l.maxSeqLen
	}
	return nil
}

func (l *PenaltyLayer) GetWorkspaceSize() int { return 0 }

// RecordToken appends a sampled token to a slot's penalty history, called
// by the pipeline after sampling commits a token for the step.
func (l *PenaltyLayer) RecordToken(slot, token int) {
	l.history[slot] = append(l.history[slot], token)
	if len(l.history[slot]) > l.maxSeqLen {
		l.history[slot] = l.history[slot][len(l.history[slot])-l.maxSeqLen:]
	}
}

const negInf = -1e30

func tokenCounts(tokens []int) map[int]int {
	counts := make(map[int]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts
}

// rowFor returns the position-0, beam-0 logits row for dense index i,
// accepting either the dense Logits tensor or the ragged LogitsVec
// representation; exactly one of the two is populated.
func rowFor(inputs *decodetypes.DecodingInput, i int) []float64 {
	if inputs.LogitsVec != nil {
		return inputs.LogitsVec[i]
	}
	return inputs.Logits[i][0][0]
}

func writeRow(inputs *decodetypes.DecodingInput, i int, row []float64) {
	if inputs.LogitsVec != nil {
		inputs.LogitsVec[i] = row
		return
	}
	inputs.Logits[i][0][0] = row
}
