package decoder

import (
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/decodecore/decoder/decodeerr"
	"github.com/inference-sim/decodecore/decoder/decodetypes"
	"github.com/inference-sim/decodecore/decoder/kvcache"
	"github.com/inference-sim/decodecore/decoder/layers"
)

// GptDecoder is the batch-level façade composing a KVCacheManager and a
// DynamicDecodePipeline. It owns the per-slot finish-state machine and is
// the only type in this module that talks to both sub-packages.
type GptDecoder struct {
	domain DecoderDomain
	mode   DecodingMode

	pipeline *layers.DynamicDecodePipeline
	cache    *kvcache.Manager
	rng      *SlotRNGPool
	ws       *workspaceSizeCache

	// states[slot][beam] tracks each beam's finish state. Terminal states
	// are sticky: ForwardAsync never downgrades a finished beam back to
	// generation, and never appends past the position it finished at.
	states [][]decodetypes.FinishReason

	// beamWidths[slot] is the beam count AdmitRequest installed for slot;
	// states[slot][beamWidths[slot]:] is unused padding, not live beams.
	beamWidths []int

	step int
}

// NewGptDecoder builds a decoder for a fixed DecoderDomain, decoding mode,
// maximum sequence length (needed by the penalty layer's rolling history),
// and KV-cache configuration.
func NewGptDecoder(domain DecoderDomain, mode DecodingMode, maxSeqLen int, cacheCfg kvcache.Config) (*GptDecoder, error) {
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	rng := NewSlotRNGPool()
	d := &GptDecoder{
		domain:   domain,
		mode:     mode,
		pipeline: layers.NewDynamicDecodePipeline(decodetypes.DecodingMode(mode), decodetypes.DecoderDomain(domain), maxSeqLen, rng),
		cache:    kvcache.NewManager(cacheCfg),
		rng:      rng,
		ws:       newWorkspaceSizeCache(),
	}
	d.states = make([][]decodetypes.FinishReason, domain.MaxBatch)
	for i := range d.states {
		d.states[i] = make([]decodetypes.FinishReason, domain.MaxBeam)
	}
	d.beamWidths = make([]int, domain.MaxBatch)
	return d, nil
}

// AdmitRequest installs a new request into slot: runs the pipeline's Setup
// for that slot and admits its prompt into the KV cache, returning the
// number of prompt tokens satisfied by prefix reuse.
func (d *GptDecoder) AdmitRequest(id string, slot int, beamWidth int, promptTokens []int, cfg SamplingConfig) (matchedTokens int, err error) {
	const op = "GptDecoder.AdmitRequest"
	if err := d.domain.ValidateBatchSlots(op, []int{slot}); err != nil {
		return 0, err
	}
	if beamWidth > d.domain.MaxBeam {
		return 0, decodeerr.New(decodeerr.InvalidArgument, op, "beamWidth exceeds DecoderDomain.MaxBeam")
	}

	params := layers.SetupParams{
		BatchSize:  1,
		BeamWidth:  beamWidth,
		BatchSlots: []int{slot},
		Configs:    []decodetypes.SamplingConfig{decodetypes.SamplingConfig(cfg)},
	}
	if err := d.pipeline.Setup(params); err != nil {
		return 0, err
	}

	matchedTokens, err = d.cache.AddSequence(id, slot, promptTokens, beamWidth)
	if err != nil {
		return matchedTokens, err
	}
	for beam := 0; beam < beamWidth; beam++ {
		d.states[slot][beam] = decodetypes.NotFinished
	}
	d.beamWidths[slot] = beamWidth
	logrus.Debugf("[slot %04d] admitted request %q: %d prompt tokens, %d matched by reuse", slot, id, len(promptTokens), matchedTokens)
	return matchedTokens, nil
}

// RemoveSequence releases slot's cache blocks and clears its finish state
// and RNG streams, making the slot eligible for reuse by a different
// request. This is the only way a terminal state is cleared.
func (d *GptDecoder) RemoveSequence(slot int) {
	d.cache.RemoveSequence(slot)
	for beam := range d.states[slot] {
		d.states[slot][beam] = decodetypes.NotFinished
	}
	d.rng.Reset(decodetypes.SubsystemSampling, slot)
	d.rng.Reset(decodetypes.SubsystemBeamSearch, slot)
	d.rng.Reset(decodetypes.SubsystemSpeculative, slot)
}

// isSlotFinished reports whether every live beam of slot has already reached
// a terminal state.
func (d *GptDecoder) isSlotFinished(slot int) bool {
	width := d.beamWidths[slot]
	if width == 0 {
		return false
	}
	for beam := 0; beam < width; beam++ {
		if !d.states[slot][beam].IsFinished() {
			return false
		}
	}
	return true
}

// ForwardAsync applies bad-word masking, runs the composed pipeline, then
// applies stop-word/max-length/EOS finish-state transitions and advances
// the KV cache by one token per slot. It never blocks on a synchronization
// point.
//
// Slots whose every beam already reached a terminal state are excluded from
// the pipeline call entirely: a caller that keeps re-submitting a finished
// slot must not see its output mutate further. A caller that drops finished
// slots from BatchSlots itself between steps, as the scheduler normally
// would, sees identical behavior.
func (d *GptDecoder) ForwardAsync(outputs *DecodingOutput, inputs *DecodingInput) error {
	const op = "GptDecoder.ForwardAsync"
	if err := d.domain.ValidateBatchSlots(op, inputs.BatchSlots); err != nil {
		return err
	}

	activeIdx := make([]int, 0, len(inputs.BatchSlots))
	activeSlots := make([]int, 0, len(inputs.BatchSlots))
	for i, slot := range inputs.BatchSlots {
		if d.isSlotFinished(slot) {
			continue
		}
		activeIdx = append(activeIdx, i)
		activeSlots = append(activeSlots, slot)
	}
	if len(activeSlots) == 0 {
		d.step++
		return nil
	}

	filteredIn, filteredOut := filterBatch(inputs, outputs, activeIdx, activeSlots)
	din := (*decodetypes.DecodingInput)(filteredIn)
	dout := (*decodetypes.DecodingOutput)(filteredOut)

	applyBadWords(dout, din)

	if err := d.pipeline.ForwardAsync(dout, din, nil); err != nil {
		return err
	}

	for fi, slot := range activeSlots {
		beamWidth := len(filteredOut.OutputIDs[fi])
		for beam := 0; beam < beamWidth; beam++ {
			d.advanceState(slot, beam, fi, din, dout)
		}
		d.applyBeamSearchDone(slot, fi, dout)
		d.syncCacheForSlot(slot, fi, filteredOut)
	}
	// FinishedSum is a flat per-dense-index field, so it does not alias back
	// into the caller's outputs the way the nested fields do; copy it by hand.
	for fi, origI := range activeIdx {
		outputs.FinishedSum[origI] = filteredOut.FinishedSum[fi]
	}
	d.step++
	return nil
}

// filterBatch builds dense-position views of inputs/outputs restricted to
// activeIdx, so the pipeline only ever sees slots with at least one live
// beam. Nested per-beam fields (OutputIDs, CumLogProbs, ParentIDs,
// SeqLengths, Finished, Logits) carry over their inner slice headers
// unchanged, so index-assignments the pipeline makes into them (e.g.
// outputs.OutputIDs[i][b] = ...) are visible through the caller's original
// outputs too; only flat fields like FinishedSum need an explicit copy-back
// in ForwardAsync. NewTokens is indexed [step][slot][beam] by slot, not by
// dense index, so it is passed through unchanged. Speculative and
// CacheIndirection inputs are not re-indexed: combining finished-slot skipping with speculative decoding or
// cache indirection is not exercised by this decoder and is left to callers
// to handle by excluding finished slots from BatchSlots themselves.
func filterBatch(inputs *DecodingInput, outputs *DecodingOutput, activeIdx, activeSlots []int) (*DecodingInput, *DecodingOutput) {
	fin := &DecodingInput{
		Step:             inputs.Step,
		MaxLength:        inputs.MaxLength,
		EndIDs:           inputs.EndIDs,
		InputLengths:     inputs.InputLengths,
		BadWordIDs:       inputs.BadWordIDs,
		StopWordIDs:      inputs.StopWordIDs,
		BatchSlots:       activeSlots,
		Speculative:      inputs.Speculative,
		CacheIndirection: inputs.CacheIndirection,
	}
	if inputs.Logits != nil {
		fin.Logits = make([][][][]float64, len(activeIdx))
	}
	if inputs.LogitsVec != nil {
		fin.LogitsVec = make([][]float64, len(activeIdx))
	}

	fout := &DecodingOutput{
		FinishedSum: make([]int, len(activeIdx)),
		NewTokens:   outputs.NewTokens,
		Beam:        outputs.Beam,
		Speculative: outputs.Speculative,
	}
	if outputs.OutputIDs != nil {
		fout.OutputIDs = make([][][]int, len(activeIdx))
	}
	if outputs.CumLogProbs != nil {
		fout.CumLogProbs = make([][]float64, len(activeIdx))
	}
	if outputs.ParentIDs != nil {
		fout.ParentIDs = make([][]int, len(activeIdx))
	}
	if outputs.Finished != nil {
		fout.Finished = make([][]FinishReason, len(activeIdx))
	}
	if outputs.SeqLengths != nil {
		fout.SeqLengths = make([][]int, len(activeIdx))
	}
	if outputs.LogProbs != nil {
		fout.LogProbs = make([][][]float64, len(activeIdx))
	}

	for fi, origI := range activeIdx {
		if inputs.Logits != nil {
			fin.Logits[fi] = inputs.Logits[origI]
		}
		if inputs.LogitsVec != nil {
			fin.LogitsVec[fi] = inputs.LogitsVec[origI]
		}
		if outputs.OutputIDs != nil {
			fout.OutputIDs[fi] = outputs.OutputIDs[origI]
		}
		if outputs.CumLogProbs != nil {
			fout.CumLogProbs[fi] = outputs.CumLogProbs[origI]
		}
		if outputs.ParentIDs != nil {
			fout.ParentIDs[fi] = outputs.ParentIDs[origI]
		}
		if outputs.Finished != nil {
			fout.Finished[fi] = outputs.Finished[origI]
		}
		if outputs.SeqLengths != nil {
			fout.SeqLengths[fi] = outputs.SeqLengths[origI]
		}
		if outputs.LogProbs != nil {
			fout.LogProbs[fi] = outputs.LogProbs[origI]
		}
	}
	return fin, fout
}

// advanceState implements the per-(slot,beam) finish transition: a beam
// stays live until an end id, max length, or stop-word match is observed,
// after which the state is sticky and the output ids beyond the finishing
// position are never touched again.
func (d *GptDecoder) advanceState(slot, beam, denseIdx int, inputs *decodetypes.DecodingInput, outputs *decodetypes.DecodingOutput) {
	if d.states[slot][beam].IsFinished() {
		// Sticky: ForwardAsync already excluded any slot whose beams are all
		// finished from the pipeline call, so this only fires for a beam
		// that finished mid-batch alongside still-live beams in the same
		// slot (beam search); its output position is left untouched.
		return
	}

	ids := outputs.OutputIDs[denseIdx][beam]
	seqLen := outputs.SeqLengths[denseIdx][beam]

	reason := decodetypes.NotFinished
	if slot < len(inputs.EndIDs) && len(ids) > 0 && ids[len(ids)-1] == inputs.EndIDs[slot] {
		reason = decodetypes.FinishedEOS
	} else if seqLen >= inputs.MaxLength {
		reason = decodetypes.FinishedMaxLength
	} else if matchesStopWords(ids, stopWordsFor(inputs, slot)) {
		reason = decodetypes.FinishedStopWords
	}

	if reason != decodetypes.NotFinished {
		d.states[slot][beam] = reason
		logrus.Debugf("[slot %04d][step %07d] beam %d finished: %v", slot, d.step, beam, reason)
	}
	outputs.Finished[denseIdx][beam] = d.states[slot][beam]
	outputs.FinishedSum[denseIdx] = countFinished(d.states[slot])
}

// applyBeamSearchDone reconciles the finish-state machine with the
// beam-search layer's own CBA-driven earlyStopping decision.
// A beam that ends mid-step is retired into the CBA and dropped from the
// layer's live-beam output entirely; it never reappears with endID as its
// last output token, so advanceState alone would never observe it finish.
// Once the slot's CBA satisfies its earlyStopping policy, every one of the
// slot's beams is terminal: there is nothing further for this slot to
// generate, beam-search semantics being slot-wide, not per-beam.
func (d *GptDecoder) applyBeamSearchDone(slot, denseIdx int, outputs *decodetypes.DecodingOutput) {
	hyps := d.pipeline.Hypotheses()
	if hyps == nil || !hyps.IsDone(slot) {
		return
	}
	width := d.beamWidths[slot]
	for beam := 0; beam < width; beam++ {
		if !d.states[slot][beam].IsFinished() {
			d.states[slot][beam] = decodetypes.FinishedEOS
			logrus.Debugf("[slot %04d][step %07d] beam %d finished: beam-search CBA satisfied earlyStopping", slot, d.step, beam)
		}
		if beam < len(outputs.Finished[denseIdx]) {
			outputs.Finished[denseIdx][beam] = d.states[slot][beam]
		}
	}
	if denseIdx < len(outputs.FinishedSum) {
		outputs.FinishedSum[denseIdx] = countFinished(d.states[slot][:width])
	}
}

// syncCacheForSlot advances the KV cache by the tokens this step committed
// for slot: one AddToken call carrying each beam's latest token.
func (d *GptDecoder) syncCacheForSlot(slot, denseIdx int, outputs *DecodingOutput) {
	beamWidth := len(outputs.OutputIDs[denseIdx])
	latest := make([]int, 0, beamWidth)
	for beam := 0; beam < beamWidth; beam++ {
		ids := outputs.OutputIDs[denseIdx][beam]
		if len(ids) == 0 {
			continue
		}
		latest = append(latest, ids[len(ids)-1])
	}
	if len(latest) == 0 {
		return
	}
	if err := d.cache.AddToken(slot, latest); err != nil {
		logrus.Warnf("[slot %04d] AddToken failed: %v", slot, err)
	}
}

// Forward is the synchronous variant: it calls ForwardAsync, then (in lieu
// of an actual stream synchronize, since there is no device here) returns
// whether every active slot has reached a terminal state.
func (d *GptDecoder) Forward(outputs *DecodingOutput, inputs *DecodingInput) (allDone bool, err error) {
	if err := d.ForwardAsync(outputs, inputs); err != nil {
		return false, err
	}
	for _, slot := range inputs.BatchSlots {
		if !d.isSlotFinished(slot) {
			return false, nil
		}
	}
	return true, nil
}

// GatherTree finalizes slot's beam-search output: inserts any still-live
// beams into the CBA and emits the top-beamWidth entries by normalized
// score. Only meaningful in ModeBeamSearch; it is idempotent because the
// live beams are inserted at most once per slot (layers.GatherTree tracks
// the insertion on the hypotheses), so a repeated call re-reads the same
// CBA contents.
func (d *GptDecoder) GatherTree(slot, beamWidth int, outputIDs [][]int, cumLogProbs []float64, lengthPenalty float64) [][]int {
	hyps := d.pipeline.Hypotheses()
	if hyps == nil {
		return outputIDs
	}
	return layers.GatherTree(hyps, slot, beamWidth, outputIDs, cumLogProbs, lengthPenalty)
}

// GetWorkspaceSize returns the pipeline's total workspace requirement for
// the current mode, memoized across repeated calls with the same shape.
// The cache is decoder-scoped, not process-global.
func (d *GptDecoder) GetWorkspaceSize(maxBatch, maxBeam int) int {
	key := workspaceKey{mode: d.mode, maxBatch: maxBatch, maxBeam: maxBeam}
	return d.ws.getOrCompute(key, d.pipeline.GetWorkspaceSize)
}

func countFinished(states []decodetypes.FinishReason) int {
	n := 0
	for _, s := range states {
		if s.IsFinished() {
			n++
		}
	}
	return n
}

// applyBadWords masks out logits that would complete a banned phrase: each
// slot's BadWordIDs is a list of token id sequences. A phrase's final
// token is masked only when the beam-0 output already ends with the
// phrase's preceding tokens, so a single-token phrase is always masked
// and a multi-token phrase bans only its completing token.
func applyBadWords(outputs *decodetypes.DecodingOutput, inputs *decodetypes.DecodingInput) {
	if len(inputs.BadWordIDs) == 0 {
		return
	}
	for i, slot := range inputs.BatchSlots {
		if slot >= len(inputs.BadWordIDs) {
			continue
		}
		phrases := inputs.BadWordIDs[slot]
		if len(phrases) == 0 {
			continue
		}
		row := rowForInput(inputs, i)
		var ids []int
		if outputs.OutputIDs != nil && i < len(outputs.OutputIDs) && len(outputs.OutputIDs[i]) > 0 {
			ids = outputs.OutputIDs[i][0]
		}
		for _, phrase := range phrases {
			if len(phrase) == 0 {
				continue
			}
			last := phrase[len(phrase)-1]
			if last < 0 || last >= len(row) {
				continue
			}
			if endsWith(ids, phrase[:len(phrase)-1]) {
				row[last] = negInfinity
			}
		}
	}
}

// endsWith reports whether ids ends with prefix; an empty prefix matches
// any output, including an empty one.
func endsWith(ids, prefix []int) bool {
	if len(prefix) > len(ids) {
		return false
	}
	tail := ids[len(ids)-len(prefix):]
	for j := range prefix {
		if tail[j] != prefix[j] {
			return false
		}
	}
	return true
}

func rowForInput(inputs *decodetypes.DecodingInput, i int) []float64 {
	if inputs.LogitsVec != nil {
		return inputs.LogitsVec[i]
	}
	return inputs.Logits[i][0][0]
}

const negInfinity = -1e30

// stopWordsFor returns slot's configured stop phrases, or nil if none are
// configured for it.
func stopWordsFor(inputs *decodetypes.DecodingInput, slot int) [][]int {
	if slot >= len(inputs.StopWordIDs) {
		return nil
	}
	return inputs.StopWordIDs[slot]
}

// matchesStopWords reports whether ids ends with any of words.
func matchesStopWords(ids []int, words [][]int) bool {
	for _, w := range words {
		if len(w) == 0 || len(w) > len(ids) {
			continue
		}
		tail := ids[len(ids)-len(w):]
		match := true
		for j := range w {
			if tail[j] != w[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
