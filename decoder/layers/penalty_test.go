package layers

import (
	"testing"

	"github.com/inference-sim/decodecore/decoder/decodetypes"
)

func TestPenaltyLayer_Temperature_ScalesLogits(t *testing.T) {
	l := NewPenaltyLayer(2, 32)
	cfg := decodetypes.DefaultSamplingConfig()
	cfg.Temperature = 2.0
	if err := l.Setup(SetupParams{BatchSlots: []int{0}, Configs: []decodetypes.SamplingConfig{cfg}}); err != nil {
		t.Fatal(err)
	}

	inputs := &decodetypes.DecodingInput{
		Logits:     [][][][]float64{{{{4, 2}}}},
		BatchSlots: []int{0},
		EndIDs:     []int{-1},
	}
	outputs := &decodetypes.DecodingOutput{}
	if err := l.ForwardAsync(outputs, inputs, nil); err != nil {
		t.Fatal(err)
	}

	got := inputs.Logits[0][0][0]
	want := []float64{2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("logit %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestPenaltyLayer_RepetitionPenalty_PenalizesSeenTokens(t *testing.T) {
	l := NewPenaltyLayer(1, 32)
	cfg := decodetypes.DefaultSamplingConfig()
	cfg.RepetitionPenalty = 2.0
	if err := l.Setup(SetupParams{BatchSlots: []int{0}, Configs: []decodetypes.SamplingConfig{cfg}}); err != nil {
		t.Fatal(err)
	}
	l.RecordToken(0, 1) // slot 0 has already emitted token 1

	inputs := &decodetypes.DecodingInput{
		Logits:     [][][][]float64{{{{4, 4}}}}, // both tokens score equally before penalty
		BatchSlots: []int{0},
		EndIDs:     []int{-1},
	}
	outputs := &decodetypes.DecodingOutput{}
	if err := l.ForwardAsync(outputs, inputs, nil); err != nil {
		t.Fatal(err)
	}

	// THEN token 1 (previously seen, positive logit) is divided by the
	// penalty while token 0 is untouched
	if inputs.Logits[0][0][0][1] != 2 {
		t.Errorf("expected token 1 penalized to 2, got %v", inputs.Logits[0][0][0][1])
	}
	if inputs.Logits[0][0][0][0] != 4 {
		t.Errorf("expected token 0 unpenalized at 4, got %v", inputs.Logits[0][0][0][0])
	}
}

func TestPenaltyLayer_MinLength_BansEndIDBeforeMinLength(t *testing.T) {
	l := NewPenaltyLayer(1, 32)
	cfg := decodetypes.DefaultSamplingConfig()
	cfg.MinLength = 5
	if err := l.Setup(SetupParams{BatchSlots: []int{0}, Configs: []decodetypes.SamplingConfig{cfg}}); err != nil {
		t.Fatal(err)
	}

	inputs := &decodetypes.DecodingInput{
		Logits:     [][][][]float64{{{{1, 1, 1}}}},
		BatchSlots: []int{0},
		EndIDs:     []int{2},
	}
	outputs := &decodetypes.DecodingOutput{}
	if err := l.ForwardAsync(outputs, inputs, nil); err != nil {
		t.Fatal(err)
	}

	if got := inputs.Logits[0][0][0][2]; got > -1e20 {
		t.Errorf("expected endID logit floored to -inf before minLength, got %v", got)
	}
}
