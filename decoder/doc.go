// Package decoder implements the batched autoregressive decoding core of an
// LLM inference runtime: the subsystem that turns per-step model logits for
// a dynamically sized batch of concurrent requests into next-token output,
// while maintaining per-request sampling state, beam-search hypotheses,
// speculative-decoding acceptance, and the paged KV cache backing attention.
//
// # Reading Guide
//
// Start with these to understand the decode pipeline:
//   - domain.go: DecoderDomain, the immutable shape shared by every layer
//   - sampling_config.go: SamplingConfig, DecodingInput/DecodingOutput
//   - gptdecoder.go: the batch-level façade (AdmitRequest / ForwardAsync / Forward / GatherTree)
//
// # Architecture
//
// This package defines the domain types and the GptDecoder façade;
// the two heavyweight concerns live in sub-packages:
//   - decoder/kvcache: BlockManager (paged allocator + prefix-tree reuse)
//     and KVCacheManager (per-sequence lifecycle, device pointer broadcast)
//   - decoder/layers: the composable DynamicDecodePipeline (penalty,
//     sampling, beam search, speculative acceptance, explicit draft trees)
//
// The neural-network forward pass, GEMM kernels, tensor-parallel
// communication, the request-level scheduler, tokenization, and config-file
// parsing are all out of scope; this package only consumes their outputs
// (logits) and produces tokens plus cache bookkeeping instructions.
package decoder
