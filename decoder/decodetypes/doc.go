// Package decodetypes holds the data-model types shared by package decoder
// and package decoder/layers (DecoderDomain, SamplingConfig,
// DecodingInput/DecodingOutput, BeamHypotheses, SlotRNGPool). It exists only
// to break the import cycle that would otherwise result from layers needing
// these types and decoder needing to call into layers from its GptDecoder
// façade, the same leaf-package pattern decoder/decodeerr uses for the
// shared error taxonomy. Package decoder re-exports everything here as type
// aliases so existing call sites see no difference.
package decodetypes
