package layers

import "github.com/inference-sim/decodecore/decoder/decodetypes"

// DynamicDecodePipeline composes the layers a given DecodingMode needs and
// runs them in a fixed order each step; the chain is fixed at construction
// for a given mode. It owns no per-slot state itself beyond the layer
// list. Every layer carries its own.
type DynamicDecodePipeline struct {
	mode   decodetypes.DecodingMode
	layers []Layer

	penalty     *PenaltyLayer
	sampling    *SamplingLayer
	beamSearch  *BeamSearchLayer
	speculative *SpeculativeLayer
}

// NewDynamicDecodePipeline builds the layer chain for mode. Per-slot state
// is sized to domain.MaxBatch and the beam-search layer to domain.MaxBeam;
// maxSeqLen bounds the penalty layer's token history, and the penalty
// layer is part of every mode.
func NewDynamicDecodePipeline(mode decodetypes.DecodingMode, domain decodetypes.DecoderDomain, maxSeqLen int, rng *decodetypes.SlotRNGPool) *DynamicDecodePipeline {
	p := &DynamicDecodePipeline{mode: mode}

	p.penalty = NewPenaltyLayer(domain.MaxBatch, maxSeqLen)
	p.layers = append(p.layers, p.penalty)

	if mode.IsBeamSearch() {
		p.beamSearch = NewBeamSearchLayer(domain.MaxBatch, domain.MaxBeam)
		p.layers = append(p.layers, p.beamSearch)
	} else {
		p.sampling = NewSamplingLayer(domain.MaxBatch, rng)
		p.layers = append(p.layers, p.sampling)
	}

	switch mode {
	case decodetypes.ModeMedusa, decodetypes.ModeEagle, decodetypes.ModeExplicitDraftTree:
		p.speculative = NewSpeculativeLayer(domain.MaxBatch, rng)
		p.layers = append(p.layers, p.speculative)
	}

	return p
}

// Setup installs params into every composed layer.
func (p *DynamicDecodePipeline) Setup(params SetupParams) error {
	for _, l := range p.layers {
		if err := l.Setup(params); err != nil {
			return err
		}
	}
	return nil
}

// ForwardAsync runs every composed layer in order, then records the
// committed token into the penalty layer's rolling history so the next
// step's repetition/presence/frequency penalties see it. It never blocks
// on a synchronization point.
func (p *DynamicDecodePipeline) ForwardAsync(outputs *decodetypes.DecodingOutput, inputs *decodetypes.DecodingInput, ws Workspace) error {
	for _, l := range p.layers {
		if err := l.ForwardAsync(outputs, inputs, ws); err != nil {
			return err
		}
	}
	p.recordHistory(outputs, inputs)
	return nil
}

func (p *DynamicDecodePipeline) recordHistory(outputs *decodetypes.DecodingOutput, inputs *decodetypes.DecodingInput) {
	for i, slot := range inputs.BatchSlots {
		ids := outputs.OutputIDs[i][0]
		if len(ids) == 0 {
			continue
		}
		p.penalty.RecordToken(slot, ids[len(ids)-1])
	}
}

// GetWorkspaceSize returns the sum of every composed layer's pre-declared
// scratch requirement.
func (p *DynamicDecodePipeline) GetWorkspaceSize() int {
	total := 0
	for _, l := range p.layers {
		total += l.GetWorkspaceSize()
	}
	return total
}

// Hypotheses exposes the beam-search CBA state for gatherTree finalization;
// nil outside ModeBeamSearch.
func (p *DynamicDecodePipeline) Hypotheses() *decodetypes.BeamHypotheses {
	if p.beamSearch == nil {
		return nil
	}
	return p.beamSearch.hyps
}
