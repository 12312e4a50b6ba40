package decodetypes

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// Subsystem names used to isolate independent randomness streams that might
// otherwise correlate (e.g. top-p sampling and speculative residual
// resampling for the same slot must not share a draw sequence).
const (
	SubsystemSampling    = "sampling"
	SubsystemBeamSearch  = "beam_search"
	SubsystemSpeculative = "speculative"
)

// SlotSubsystem returns the subsystem name for a given (subsystem, batch
// slot) pair, used as the key into a SlotRNGPool.
func SlotSubsystem(subsystem string, slot int) string {
	return fmt.Sprintf("%s/%d", subsystem, slot)
}

// SlotRNGPool provides deterministic, isolated *rand.Rand instances keyed by
// (subsystem, batch slot). This is the host-side stand-in for a per-slot
// curand state: a kernel that samples for slot N under subsystem S always
// draws from the same derived stream, so two steps with identical seed,
// logits, and batchSlots reproduce identical outputs.
//
// Derivation: derivedSeed = randomSeed XOR fnv1a64(subsystem/slot). Re-setup
// of a slot with a new randomSeed replaces its stream; it does not attempt
// to preserve draw position.
//
// Thread-safety: NOT thread-safe. The decode pipeline is single-threaded
// on the host; concurrent access is not supported.
type SlotRNGPool struct {
	streams map[string]*rand.Rand
	seeds   map[string]int64
}

// NewSlotRNGPool creates an empty pool.
func NewSlotRNGPool() *SlotRNGPool {
	return &SlotRNGPool{
		streams: make(map[string]*rand.Rand),
		seeds:   make(map[string]int64),
	}
}

// Seed installs (or re-installs) the per-slot seed for a subsystem. Called
// from a layer's setup() when a slot's SamplingConfig.RandomSeed changes.
// Re-seeding discards any in-flight stream so draws restart deterministically
// from the new seed.
func (p *SlotRNGPool) Seed(subsystem string, slot int, randomSeed int64) {
	key := SlotSubsystem(subsystem, slot)
	if existing, ok := p.seeds[key]; ok && existing == randomSeed {
		return
	}
	p.seeds[key] = randomSeed
	delete(p.streams, key)
}

// Rand returns the *rand.Rand for (subsystem, slot), creating it from the
// last-installed seed (defaulting to 0 if Seed was never called) on first
// use. Never returns nil.
func (p *SlotRNGPool) Rand(subsystem string, slot int) *rand.Rand {
	key := SlotSubsystem(subsystem, slot)
	if rng, ok := p.streams[key]; ok {
		return rng
	}
	seed := p.seeds[key] // zero value if absent: deterministic default
	derived := seed ^ fnv1a64(key)
	rng := rand.New(rand.NewSource(derived))
	p.streams[key] = rng
	return rng
}

// Reset clears the stream and seed of one (subsystem, slot) pair, forcing
// the next Rand call for that pair to recreate from a freshly-installed
// seed (or the zero-seed default). Used when a slot is
// removed and its batch index is reassigned to a different request.
func (p *SlotRNGPool) Reset(subsystem string, slot int) {
	key := SlotSubsystem(subsystem, slot)
	delete(p.streams, key)
	delete(p.seeds, key)
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
