package quant

import "strings"

// MinElements is the smallest tensor considered for quantization.
// Anything below it keeps its source precision.
const MinElements = 1024

// Policy decides which tensors get packed to Q4_K and which keep their
// source precision.
type Policy struct {
	// QuantizeEmbeddings extends quantization to embedding and output
	// head tables, which otherwise stay in source precision.
	QuantizeEmbeddings bool

	// Exclude lists name patterns that are never quantized, whatever
	// the other rules say.
	Exclude []Pattern
}

// ShouldQuantize reports whether the named tensor is eligible for Q4_K
// packing. Only 2-D matrices of at least MinElements qualify; norms,
// biases, and expert router weights always keep their source
// precision.
func (p Policy) ShouldQuantize(name string, shape []uint64) bool {
	for _, pattern := range p.Exclude {
		if pattern.Match(name) {
			return false
		}
	}

	if len(shape) != 2 {
		return false
	}

	elements := uint64(1)
	for _, dim := range shape {
		elements *= dim
	}

	if elements < MinElements {
		return false
	}

	if isNorm(name) || isBias(name) || isRouter(name) {
		return false
	}

	if isEmbedding(name) {
		return p.QuantizeEmbeddings
	}

	return true
}

func isNorm(name string) bool {
	return strings.Contains(name, "norm") ||
		strings.Contains(name, "layernorm") ||
		strings.Contains(name, "ln_")
}

func isBias(name string) bool {
	return strings.HasSuffix(name, ".bias") || strings.HasSuffix(name, "_bias")
}

// isRouter matches mixture of experts routing weights. The
// ".gate.weight" suffix is the router in transformers naming; the
// "ffn_gate" MLP projection must not match it.
func isRouter(name string) bool {
	return strings.HasSuffix(name, ".gate.weight") ||
		strings.Contains(name, "ffn_gate_inp") ||
		strings.Contains(name, "router")
}

func isEmbedding(name string) bool {
	return strings.Contains(name, "embed") ||
		strings.Contains(name, "embd") ||
		strings.Contains(name, "lm_head") ||
		name == "output.weight"
}
