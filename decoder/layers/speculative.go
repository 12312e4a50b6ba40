package layers

import "github.com/inference-sim/decodecore/decoder/decodetypes"

// SpeculativeLayer implements draft-token acceptance, in
// either of two modes selected per call by which of DraftTokens/DraftLogits
// is populated on the step's SpeculativeDecodingInput:
//
//   - by-IDs: the draft tokens are already known; accept the longest
//     matching prefix against the target-model's argmax tokens and emit
//     the target's argmax token at the first mismatch as one bonus token
//     (no random draw).
//   - by-logits: draft and target logits are both known; accept each
//     position with probability min(1, p_target/p_draft) (or a fixed
//     threshold), resampling from the residual distribution on rejection.
type SpeculativeLayer struct {
	maxBatch int
	rng      *decodetypes.SlotRNGPool

	configs []decodetypes.SamplingConfig
}

func NewSpeculativeLayer(maxBatch int, rng *decodetypes.SlotRNGPool) *SpeculativeLayer {
	return &SpeculativeLayer{
		maxBatch: maxBatch,
		rng:      rng,
		configs:  make([]decodetypes.SamplingConfig, maxBatch),
	}
}

func (l *SpeculativeLayer) Setup(params SetupParams) error {
	for i, slot := range params.BatchSlots {
		cfg := params.Configs[i]
		l.configs[slot] = cfg
		l.rng.Seed(decodetypes.SubsystemSpeculative, slot, cfg.RandomSeed)
	}
	return nil
}

func (l *SpeculativeLayer) ForwardAsync(outputs *decodetypes.DecodingOutput, inputs *decodetypes.DecodingInput, ws Workspace) error {
	if inputs.Speculative == nil || outputs.Speculative == nil {
		return nil
	}
	spec := inputs.Speculative

	for i, slot := range inputs.BatchSlots {
		rng := l.rng.Rand(decodetypes.SubsystemSpeculative, slot)

		var accepted int
		var tokens []int
		switch {
		case i < len(spec.DraftTokens) && len(spec.DraftTokens[i]) > 0:
			accepted, tokens = l.acceptByIDs(inputs, i, spec.DraftTokens[i])
		case i < len(spec.DraftLogits) && len(spec.DraftLogits[i]) > 0:
			accepted, tokens = l.acceptByLogits(inputs, i, spec.DraftLogits[i], spec, rng)
		default:
			continue
		}

		outputs.Speculative.AcceptedLength[slot] = accepted
		outputs.Speculative.AcceptedTokens[slot] = tokens
		outputs.OutputIDs[i][0] = append(outputs.OutputIDs[i][0], tokens...)
		outputs.SeqLengths[i][0] += len(tokens)
	}
	return nil
}

func (l *SpeculativeLayer) GetWorkspaceSize() int { return 0 }

// acceptByIDs compares drafted tokens against the target model's argmax
// token at each draft position, accepting the longest matching prefix,
// then emits one extra token from the target logits at the first mismatch
// position.
func (l *SpeculativeLayer) acceptByIDs(inputs *decodetypes.DecodingInput, i int, draft []int) (int, []int) {
	accepted := 0
	for accepted < len(draft) {
		target := argmax(targetRowAt(inputs, i, accepted))
		if target != draft[accepted] {
			break
		}
		accepted++
	}
	bonus := argmax(targetRowAt(inputs, i, accepted))
	tokens := append(append([]int(nil), draft[:accepted]...), bonus)
	return accepted, tokens
}

// acceptByLogits evaluates each draft position's acceptance probability
// min(1, p_target/p_draft) against a uniform draw (or a fixed threshold
// when UseRandomAcceptThreshold is set), resampling from the residual
// distribution max(0, p_target-p_draft) on first rejection. The target
// probabilities are position-specific: each draft position is judged
// against the target logits at that position.
func (l *SpeculativeLayer) acceptByLogits(inputs *decodetypes.DecodingInput, i int, draftLogits [][]float64, spec *decodetypes.SpeculativeDecodingInput, rng randSource) (int, []int) {
	var tokens []int
	accepted := 0
	for pos, draftRow := range draftLogits {
		targetProbs := softmax(targetRowAt(inputs, i, pos))
		draftProbs := softmax(draftRow)
		tok := argmaxProbs(draftProbs)

		threshold := 1.0
		if !spec.UseRandomAcceptThreshold {
			if draftProbs[tok] > 0 {
				threshold = targetProbs[tok] / draftProbs[tok]
				if threshold > 1.0 {
					threshold = 1.0
				}
			}
		} else {
			threshold = spec.RandomAcceptThreshold
		}

		u := rng.Float64()
		if u < threshold {
			tokens = append(tokens, tok)
			accepted++
			continue
		}

		residual := make([]candidate, 0, len(targetProbs))
		for t, p := range targetProbs {
			d := 0.0
			if t < len(draftProbs) {
				d = draftProbs[t]
			}
			r := p - d
			if r > 0 {
				residual = append(residual, candidate{token: t, prob: r})
			}
		}
		resampled := sampleFrom(residual, rng)
		tokens = append(tokens, resampled)
		return accepted, tokens
	}

	// Every draft position accepted: emit one bonus token from the target
	// distribution at the position past the draft.
	tokens = append(tokens, argmax(targetRowAt(inputs, i, len(draftLogits))))
	return accepted, tokens
}

// targetRowAt returns the target-model logits row for draft position pos
// of dense index i. The ragged LogitsVec form carries no position axis, so
// it serves every position; the dense form clamps pos to its last row so a
// bonus draw past the final supplied position reads the closest available
// distribution.
func targetRowAt(inputs *decodetypes.DecodingInput, i, pos int) []float64 {
	if inputs.LogitsVec != nil {
		return inputs.LogitsVec[i]
	}
	rows := inputs.Logits[i]
	if pos >= len(rows) {
		pos = len(rows) - 1
	}
	return rows[pos][0]
}

func argmax(row []float64) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

func argmaxProbs(probs []float64) int {
	best := 0
	for i, v := range probs {
		if v > probs[best] {
			best = i
		}
	}
	return best
}
