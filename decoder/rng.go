package decoder

import "github.com/inference-sim/decodecore/decoder/decodetypes"

// Subsystem names used to isolate independent randomness streams that might
// otherwise correlate.
const (
	SubsystemSampling    = decodetypes.SubsystemSampling
	SubsystemBeamSearch  = decodetypes.SubsystemBeamSearch
	SubsystemSpeculative = decodetypes.SubsystemSpeculative
)

// SlotSubsystem returns the subsystem name for a given (subsystem, batch
// slot) pair, used as the key into a SlotRNGPool.
func SlotSubsystem(subsystem string, slot int) string {
	return decodetypes.SlotSubsystem(subsystem, slot)
}

// SlotRNGPool provides deterministic, isolated *rand.Rand instances keyed by
// (subsystem, batch slot). Defined in decodetypes; see domain.go for why.
type SlotRNGPool = decodetypes.SlotRNGPool

// NewSlotRNGPool creates an empty pool.
func NewSlotRNGPool() *SlotRNGPool { return decodetypes.NewSlotRNGPool() }
