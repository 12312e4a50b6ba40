package layers

import (
	"math"
	"sort"

	"github.com/inference-sim/decodecore/decoder/decodetypes"
)

// BeamSearchLayer implements the per-step beam-search update:
// expand candidates, cut to 2*beamWidth, retire ended hypotheses
// into the slot's CBA, and promote the first beamWidth live candidates to
// the next step's beams.
type BeamSearchLayer struct {
	maxBatch  int
	beamWidth int

	configs []decodetypes.SamplingConfig
	hyps    *decodetypes.BeamHypotheses
}

func NewBeamSearchLayer(maxBatch, beamWidth int) *BeamSearchLayer {
	return &BeamSearchLayer{
		maxBatch:  maxBatch,
		beamWidth: beamWidth,
		configs:   make([]decodetypes.SamplingConfig, maxBatch),
		hyps:      decodetypes.NewBeamHypotheses(maxBatch, beamWidth),
	}
}

func (l *BeamSearchLayer) Setup(params SetupParams) error {
	for i, slot := range params.BatchSlots {
		l.configs[slot] = params.Configs[i]
		l.hyps.Reset(slot, 0)
	}
	return nil
}

type beamCandidate struct {
	token      int
	parentBeam int
	cumLogProb float64
}

func (l *BeamSearchLayer) ForwardAsync(outputs *decodetypes.DecodingOutput, inputs *decodetypes.DecodingInput, ws Workspace) error {
	for i, slot := range inputs.BatchSlots {
		cfg := l.configs[slot]
		endID := -1
		if slot < len(inputs.EndIDs) {
			endID = inputs.EndIDs[slot]
		}

		var all []beamCandidate
		for beam := 0; beam < l.beamWidth; beam++ {
			row := inputs.Logits[i][0][beam]
			cum := outputs.CumLogProbs[i][beam]
			probs := softmax(row)
			for tok, p := range probs {
				score := cum + logOrFloor(p)
				if cfg.BeamDiversity != 0 {
					score -= cfg.BeamDiversity * float64(beam)
				}
				all = append(all, beamCandidate{token: tok, parentBeam: beam, cumLogProb: score})
			}
		}
		sort.Slice(all, func(a, b int) bool { return all[a].cumLogProb > all[b].cumLogProb })
		if k := 2 * l.beamWidth; len(all) > k {
			all = all[:k]
		}

		var live []beamCandidate
		length := outputs.SeqLengths[i][0] + 1
		for _, c := range all {
			if c.token == endID {
				entry := decodetypes.CBAEntry{
					BeamIndex:   c.parentBeam,
					CumLogProb:  c.cumLogProb,
					NormedScore: decodetypes.NormalizedScore(c.cumLogProb, length, cfg.LengthPenalty),
					SeqLen:      length,
					OutputIDs:   append([]int(nil), outputs.OutputIDs[i][c.parentBeam]...),
				}
				l.hyps.Insert(slot, entry)
				continue
			}
			live = append(live, c)
			if len(live) == l.beamWidth {
				break
			}
		}

		for b, c := range live {
			outputs.ParentIDs[i][b] = c.parentBeam
			outputs.CumLogProbs[i][b] = c.cumLogProb
			outputs.OutputIDs[i][b] = append(append([]int(nil), outputs.OutputIDs[i][c.parentBeam]...), c.token)
			outputs.SeqLengths[i][b] = length
		}

		// Best-case normalized score any live beam could still reach: since
		// further tokens can only add non-positive log-probability, the
		// optimistic bound is the best live candidate's current cumLogProb
		// normalized at the current length (as if it finished right now).
		bestLiveNormed := math.Inf(-1)
		if len(live) > 0 {
			bestLiveNormed = decodetypes.NormalizedScore(live[0].cumLogProb, length, cfg.LengthPenalty)
		}
		l.updateDone(slot, cfg, bestLiveNormed)
	}
	return nil
}

func (l *BeamSearchLayer) GetWorkspaceSize() int { return 0 }

// updateDone applies the earlyStopping policy for a slot, always reading
// that slot's own SamplingConfig rather than a shared slot-0 value.
// ALWAYS stops the instant the CBA is full; ONCE additionally requires
// that no live beam could still beat the worst kept hypothesis.
func (l *BeamSearchLayer) updateDone(slot int, cfg decodetypes.SamplingConfig, bestLiveNormed float64) {
	switch cfg.EarlyStopping {
	case decodetypes.EarlyStoppingAlways:
		if l.hyps.NumBeams(slot) >= l.beamWidth {
			l.markDone(slot)
		}
	case decodetypes.EarlyStoppingOnce:
		if l.hyps.NumBeams(slot) >= l.beamWidth && bestLiveNormed <= l.hyps.MinNormedScore(slot) {
			l.markDone(slot)
		}
	}
}

func (l *BeamSearchLayer) markDone(slot int) { l.hyps.MarkDone(slot) }

func logOrFloor(p float64) float64 {
	if p <= 0 {
		return negInf
	}
	return math.Log(p)
}

// GatherTree finalizes a slot. Every CBA entry already carries its full
// token sequence (the beam-search layer copies the parent beam's output
// ids each step), so no parent-pointer walk is done here. It inserts any
// still-live beams into the CBA and emits the top-beamWidth entries by
// normalized score, ties broken by lower beam index. The live beams are inserted at most once per slot
// (tracked on the hypotheses), so a repeated call with unchanged inputs
// emits an identical result instead of flooding an under-capacity CBA
// with duplicates.
func GatherTree(hyps *decodetypes.BeamHypotheses, slot, beamWidth int, outputIDs [][]int, cumLogProbs []float64, lengthPenalty float64) [][]int {
	if !hyps.UnfinishedInserted(slot) {
		for b := 0; b < len(outputIDs); b++ {
			entry := decodetypes.CBAEntry{
				BeamIndex:   b,
				CumLogProb:  cumLogProbs[b],
				NormedScore: decodetypes.NormalizedScore(cumLogProbs[b], len(outputIDs[b]), lengthPenalty),
				SeqLen:      len(outputIDs[b]),
				OutputIDs:   append([]int(nil), outputIDs[b]...),
			}
			hyps.Insert(slot, entry)
		}
		hyps.MarkUnfinishedInserted(slot)
	}

	top := hyps.TopK(slot, beamWidth)
	final := make([][]int, len(top))
	for i, e := range top {
		final[i] = e.OutputIDs
	}
	return final
}
