// decodebench is a demonstration/benchmark harness: it drives GptDecoder
// against synthetic logits for a fixed batch and step count and prints
// summary stats. It is not a configuration surface for the decode core
// itself; the decoding core deliberately has no CLI surface of its own.
package main

import (
	"math/rand"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/decodecore/decoder"
	"github.com/inference-sim/decodecore/decoder/kvcache"
)

var (
	batchSize      int
	beamWidth      int
	vocabSize      int
	maxLen         int
	promptLen      int
	seed           int64
	topK           int
	topP           float64
	tokensPerBlock int
	primaryBlocks  int
	logLevel       string
)

var rootCmd = &cobra.Command{
	Use:   "decodebench",
	Short: "Drive GptDecoder against synthetic logits for a fixed batch and step count",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic decoding session and print summary stats",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
		logrus.Infof("decodebench: batch=%d beam=%d vocab=%d maxLen=%d topK=%d topP=%.2f",
			batchSize, beamWidth, vocabSize, maxLen, topK, topP)

		mode := decoder.ModeTopKTopP
		if beamWidth > 1 {
			mode = decoder.ModeBeamSearch
		}

		domain := decoder.DecoderDomain{
			MaxBatch:          batchSize,
			MaxBeam:           beamWidth,
			VocabSize:         vocabSize,
			VocabSizePadded:   vocabSize,
			MaxDecodingTokens: 1,
		}
		cacheCfg := kvcache.Config{
			TokensPerBlock: tokensPerBlock,
			PrimaryBlocks:  primaryBlocks,
			MaxSequences:   batchSize,
			MaxBeamWidth:   beamWidth,
			EnableReuse:    true,
		}

		gd, err := decoder.NewGptDecoder(domain, mode, maxLen, cacheCfg)
		if err != nil {
			logrus.Fatalf("NewGptDecoder: %v", err)
		}

		rng := rand.New(rand.NewSource(seed))
		outputs := newSyntheticOutputs(batchSize, beamWidth)
		batchSlots := make([]int, batchSize)
		endIDs := make([]int, batchSize)

		for slot := 0; slot < batchSize; slot++ {
			batchSlots[slot] = slot
			endIDs[slot] = vocabSize - 1
			prompt := randomTokens(rng, promptLen, vocabSize)
			cfg := decoder.DefaultSamplingConfig()
			cfg.RandomSeed = seed + int64(slot)
			cfg.TopK = []int{topK}
			cfg.TopP = topP
			cfg.EarlyStopping = decoder.EarlyStoppingNever
			if _, err := gd.AdmitRequest("", slot, beamWidth, prompt, cfg); err != nil {
				logrus.Fatalf("AdmitRequest(slot=%d): %v", slot, err)
			}
			for beam := 0; beam < beamWidth; beam++ {
				outputs.OutputIDs[slot][beam] = append([]int(nil), prompt...)
				outputs.SeqLengths[slot][beam] = len(prompt)
			}
		}

		steps := 0
		for ; steps < maxLen; steps++ {
			inputs := &decoder.DecodingInput{
				Step:       steps,
				MaxLength:  maxLen,
				EndIDs:     endIDs,
				Logits:     randomLogits(rng, batchSize, beamWidth, vocabSize),
				BatchSlots: batchSlots,
			}
			done, err := gd.Forward(outputs, inputs)
			if err != nil {
				logrus.Fatalf("Forward(step=%d): %v", steps, err)
			}
			if done {
				logrus.Infof("all slots finished at step %d", steps)
				break
			}
		}

		for slot := 0; slot < batchSize; slot++ {
			logrus.Infof("[slot %04d] final length=%d finished=%v", slot, outputs.SeqLengths[slot][0], outputs.Finished[slot][0])
		}
	},
}

func newSyntheticOutputs(batch, beam int) *decoder.DecodingOutput {
	out := &decoder.DecodingOutput{
		OutputIDs:   make([][][]int, batch),
		CumLogProbs: make([][]float64, batch),
		ParentIDs:   make([][]int, batch),
		Finished:    make([][]decoder.FinishReason, batch),
		FinishedSum: make([]int, batch),
		SeqLengths:  make([][]int, batch),
	}
	for i := 0; i < batch; i++ {
		out.OutputIDs[i] = make([][]int, beam)
		out.CumLogProbs[i] = make([]float64, beam)
		out.ParentIDs[i] = make([]int, beam)
		out.Finished[i] = make([]decoder.FinishReason, beam)
		out.SeqLengths[i] = make([]int, beam)
	}
	return out
}

func randomTokens(rng *rand.Rand, n, vocab int) []int {
	toks := make([]int, n)
	for i := range toks {
		toks[i] = rng.Intn(vocab - 1) // never emit the reserved end id in the prompt
	}
	return toks
}

func randomLogits(rng *rand.Rand, batch, beam, vocab int) [][][][]float64 {
	logits := make([][][][]float64, batch)
	for i := range logits {
		rows := make([][]float64, beam)
		for b := range rows {
			row := make([]float64, vocab)
			for v := range row {
				row[v] = rng.NormFloat64()
			}
			rows[b] = row
		}
		logits[i] = [][][]float64{rows}
	}
	return logits
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().IntVar(&batchSize, "batch", 4, "number of concurrent requests")
	runCmd.Flags().IntVar(&beamWidth, "beam", 1, "beam width (>1 switches to beam search mode)")
	runCmd.Flags().IntVar(&vocabSize, "vocab", 32, "vocabulary size")
	runCmd.Flags().IntVar(&maxLen, "max-len", 16, "maximum sequence length")
	runCmd.Flags().IntVar(&promptLen, "prompt-len", 3, "synthetic prompt length")
	runCmd.Flags().Int64Var(&seed, "seed", 1, "base random seed")
	runCmd.Flags().IntVar(&topK, "top-k", 4, "top-k truncation")
	runCmd.Flags().Float64Var(&topP, "top-p", 0.9, "top-p truncation")
	runCmd.Flags().IntVar(&tokensPerBlock, "tokens-per-block", 4, "KV cache tokens per block")
	runCmd.Flags().IntVar(&primaryBlocks, "primary-blocks", 64, "KV cache primary pool block count")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
}

func main() {
	Execute()
}
