package layers

import (
	"math"
	"sort"

	"github.com/inference-sim/decodecore/decoder/decodetypes"
)

// SamplingLayer implements combined top-k / top-p / min-p categorical
// sampling. The layer truncates the distribution per slot and draws from a
// per-slot deterministic RNG stream so that two steps with identical
// (seed, logits, batchSlots) produce identical output.
type SamplingLayer struct {
	maxBatch int
	rng      *decodetypes.SlotRNGPool

	configs     []decodetypes.SamplingConfig
	currentTopP []float64 // running top-p value, subject to topPReset/topPDecay
}

func NewSamplingLayer(maxBatch int, rng *decodetypes.SlotRNGPool) *SamplingLayer {
	return &SamplingLayer{
		maxBatch:    maxBatch,
		rng:         rng,
		configs:     make([]decodetypes.SamplingConfig, maxBatch),
		currentTopP: make([]float64, maxBatch),
	}
}

func (l *SamplingLayer) Setup(params SetupParams) error {
	for i, slot := range params.BatchSlots {
		cfg := params.Configs[i]
		l.configs[slot] = cfg
		l.currentTopP[slot] = cfg.TopP
		l.rng.Seed(decodetypes.SubsystemSampling, slot, cfg.RandomSeed)
	}
	return nil
}

func (l *SamplingLayer) ForwardAsync(outputs *decodetypes.DecodingOutput, inputs *decodetypes.DecodingInput, ws Workspace) error {
	for i, slot := range inputs.BatchSlots {
		cfg := l.configs[slot]
		row := rowFor(inputs, i)

		probs := softmax(row)
		topK := 0
		if len(cfg.TopK) > 0 {
			topK = cfg.TopK[0]
		}
		candidates := truncate(probs, topK, l.currentTopP[slot], cfg.MinP)

		rng := l.rng.Rand(decodetypes.SubsystemSampling, slot)
		token := sampleFrom(candidates, rng)

		l.applyTopPSchedule(slot, cfg, token)
		commitToken(outputs, i, token)
	}
	return nil
}

func (l *SamplingLayer) GetWorkspaceSize() int { return 0 }

// applyTopPSchedule implements topPReset logic: if the drawn token is in
// topPResetIds, the running top-p resets to its configured initial value;
// otherwise it decays multiplicatively by topPDecay, floored at topPMin.
func (l *SamplingLayer) applyTopPSchedule(slot int, cfg decodetypes.SamplingConfig, token int) {
	for _, resetID := range cfg.TopPResetIDs {
		if token == resetID {
			l.currentTopP[slot] = cfg.TopP
			return
		}
	}
	next := l.currentTopP[slot] * cfg.TopPDecay
	if next < cfg.TopPMin {
		next = cfg.TopPMin
	}
	l.currentTopP[slot] = next
}

type candidate struct {
	token int
	prob  float64
}

// truncate applies top-k (if > 0), then top-p, then min-p filtering in
// that order, returning the surviving (token, prob) pairs unnormalized;
// sampleFrom normalizes over whatever survives.
func truncate(probs []float64, topK int, topP, minP float64) []candidate {
	all := make([]candidate, len(probs))
	for i, p := range probs {
		all[i] = candidate{token: i, prob: p}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].prob > all[j].prob })

	if topK > 0 && topK < len(all) {
		all = all[:topK]
	}

	if topP > 0 && topP < 1.0 {
		cum := 0.0
		cut := len(all)
		for i, c := range all {
			cum += c.prob
			if cum >= topP {
				cut = i + 1
				break
			}
		}
		all = all[:cut]
	}

	if minP > 0 && len(all) > 0 {
		threshold := all[0].prob * minP
		cut := len(all)
		for i, c := range all {
			if c.prob < threshold {
				cut = i
				break
			}
		}
		all = all[:cut]
	}
	return all
}

func sampleFrom(candidates []candidate, rng randSource) int {
	if len(candidates) == 0 {
		return 0
	}
	total := 0.0
	for _, c := range candidates {
		total += c.prob
	}
	if total <= 0 {
		return candidates[0].token
	}
	u := rng.Float64() * total
	cum := 0.0
	for _, c := range candidates {
		cum += c.prob
		if u < cum {
			return c.token
		}
	}
	return candidates[len(candidates)-1].token
}

// randSource is the subset of *rand.Rand this package draws from, kept
// narrow so speculative.go's residual resampling can share sampleFrom.
type randSource interface {
	Float64() float64
}

func softmax(logits []float64) []float64 {
	maxV := math.Inf(-1)
	for _, v := range logits {
		if v > maxV {
			maxV = v
		}
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		e := math.Exp(v - maxV)
		out[i] = e
		sum += e
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func commitToken(outputs *decodetypes.DecodingOutput, i, token int) {
	if outputs.OutputIDs == nil {
		return
	}
	outputs.OutputIDs[i][0] = append(outputs.OutputIDs[i][0], token)
	if outputs.SeqLengths != nil {
		outputs.SeqLengths[i][0] = len(outputs.OutputIDs[i][0])
	}
}
