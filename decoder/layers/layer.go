// Package layers implements the DynamicDecodePipeline and its composable
// layers: penalty application, top-k/top-p/min-p sampling, beam search
// with gatherTree finalization, and speculative-decoding acceptance. Each
// layer follows the same three-method contract so the pipeline can compose
// them without any inheritance hierarchy.
package layers

import "github.com/inference-sim/decodecore/decoder/decodetypes"

// SetupParams carries the per-slot sampling configs a layer should adopt,
// keyed by dense batch index (parallel to BatchSlots).
type SetupParams struct {
	BatchSize  int
	BeamWidth  int
	BatchSlots []int
	Configs    []decodetypes.SamplingConfig
}

// Workspace is scratch space a layer may read/write during ForwardAsync,
// supplied by the caller of ForwardAsync; the pipeline does not allocate
// it. Every layer here declares a zero-byte requirement.
type Workspace []byte

// Layer is the uniform contract every pipeline stage implements.
type Layer interface {
	// Setup installs per-slot parameters ahead of the first ForwardAsync
	// call, sized to the domain's max batch.
	Setup(params SetupParams) error

	// ForwardAsync transforms logits / produces tokens in place. Errors
	// surfaced here are detected at the next synchronization point, not
	// at the point of the (conceptually asynchronous) call itself.
	ForwardAsync(outputs *decodetypes.DecodingOutput, inputs *decodetypes.DecodingInput, ws Workspace) error

	// GetWorkspaceSize returns this layer's pre-declared scratch
	// requirement in bytes.
	GetWorkspaceSize() int
}
