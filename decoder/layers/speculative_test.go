package layers

import (
	"testing"

	"github.com/inference-sim/decodecore/decoder/decodetypes"
)

// rowFavoring builds a logits row whose argmax is token.
func rowFavoring(vocab, token int) []float64 {
	row := make([]float64, vocab)
	row[token] = 100
	return row
}

func newSpeculativeOutputs() *decodetypes.DecodingOutput {
	return &decodetypes.DecodingOutput{
		OutputIDs:  [][][]int{{{}}},
		SeqLengths: [][]int{{0}},
		Speculative: &decodetypes.SpeculativeDecodingOutput{
			AcceptedLength: make([]int, 1),
			AcceptedTokens: make([][]int, 1),
		},
	}
}

func TestSpeculativeLayer_AcceptByIDs_PartialPrefixPlusBonus(t *testing.T) {
	// GIVEN draft [3,4,5] and per-position target argmax tokens [3,4,9]:
	// the draft diverges at position 2
	rng := decodetypes.NewSlotRNGPool()
	l := NewSpeculativeLayer(1, rng)
	cfg := decodetypes.DefaultSamplingConfig()
	if err := l.Setup(SetupParams{BatchSlots: []int{0}, Configs: []decodetypes.SamplingConfig{cfg}}); err != nil {
		t.Fatal(err)
	}

	vocab := 10
	inputs := &decodetypes.DecodingInput{
		Logits: [][][][]float64{{
			{rowFavoring(vocab, 3)},
			{rowFavoring(vocab, 4)},
			{rowFavoring(vocab, 9)},
		}},
		BatchSlots: []int{0},
		Speculative: &decodetypes.SpeculativeDecodingInput{
			DraftTokens: [][]int{{3, 4, 5}},
		},
	}
	outputs := newSpeculativeOutputs()

	// WHEN the layer evaluates acceptance
	if err := l.ForwardAsync(outputs, inputs, nil); err != nil {
		t.Fatal(err)
	}

	// THEN the accepted prefix is [3,4] and the emitted token at the first
	// mismatch position is the target's own prediction, 9
	if outputs.Speculative.AcceptedLength[0] != 2 {
		t.Fatalf("expected accepted prefix length 2, got %d", outputs.Speculative.AcceptedLength[0])
	}
	want := []int{3, 4, 9}
	got := outputs.Speculative.AcceptedTokens[0]
	if len(got) != len(want) {
		t.Fatalf("expected emitted tokens %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %d, got %d", i, want[i], got[i])
		}
	}
	// AND the sequence advances by accepted + 1
	if outputs.SeqLengths[0][0] != 3 {
		t.Errorf("expected sequence length to grow by 3 (accepted 2 + bonus), got %d", outputs.SeqLengths[0][0])
	}
}

func TestSpeculativeLayer_AcceptByIDs_ZeroAcceptEmitsBonusOnly(t *testing.T) {
	// GIVEN a draft whose first token already mismatches the target
	rng := decodetypes.NewSlotRNGPool()
	l := NewSpeculativeLayer(1, rng)
	cfg := decodetypes.DefaultSamplingConfig()
	if err := l.Setup(SetupParams{BatchSlots: []int{0}, Configs: []decodetypes.SamplingConfig{cfg}}); err != nil {
		t.Fatal(err)
	}

	vocab := 10
	inputs := &decodetypes.DecodingInput{
		Logits: [][][][]float64{{
			{rowFavoring(vocab, 9)},
		}},
		BatchSlots: []int{0},
		Speculative: &decodetypes.SpeculativeDecodingInput{
			DraftTokens: [][]int{{3, 4, 5}},
		},
	}
	outputs := newSpeculativeOutputs()

	if err := l.ForwardAsync(outputs, inputs, nil); err != nil {
		t.Fatal(err)
	}

	if outputs.Speculative.AcceptedLength[0] != 0 {
		t.Fatalf("expected 0 accepted tokens, got %d", outputs.Speculative.AcceptedLength[0])
	}
	if got := outputs.Speculative.AcceptedTokens[0]; len(got) != 1 || got[0] != 9 {
		t.Errorf("expected bonus-only emission [9], got %v", got)
	}
}

func TestSpeculativeLayer_AcceptByIDs_FullMatchPrefix(t *testing.T) {
	// GIVEN a single-token draft [3] the target agrees with, plus a target
	// row for the bonus position favoring token 2
	rng := decodetypes.NewSlotRNGPool()
	l := NewSpeculativeLayer(1, rng)
	cfg := decodetypes.DefaultSamplingConfig()
	if err := l.Setup(SetupParams{BatchSlots: []int{0}, Configs: []decodetypes.SamplingConfig{cfg}}); err != nil {
		t.Fatal(err)
	}

	vocab := 5
	inputs := &decodetypes.DecodingInput{
		Logits: [][][][]float64{{
			{rowFavoring(vocab, 3)},
			{rowFavoring(vocab, 2)},
		}},
		BatchSlots: []int{0},
		Speculative: &decodetypes.SpeculativeDecodingInput{
			DraftTokens: [][]int{{3}},
		},
	}
	outputs := newSpeculativeOutputs()

	if err := l.ForwardAsync(outputs, inputs, nil); err != nil {
		t.Fatal(err)
	}

	if outputs.Speculative.AcceptedLength[0] != 1 {
		t.Fatalf("expected 1 accepted token, got %d", outputs.Speculative.AcceptedLength[0])
	}
	if got := outputs.Speculative.AcceptedTokens[0]; len(got) != 2 || got[0] != 3 || got[1] != 2 {
		t.Errorf("expected [3, 2] (accepted + bonus from the next position's row), got %v", got)
	}
	if outputs.SeqLengths[0][0] != 2 {
		t.Errorf("expected sequence length to grow by accepted+bonus count, got %d", outputs.SeqLengths[0][0])
	}
}
