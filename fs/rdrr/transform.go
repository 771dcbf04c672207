package rdrr

import (
	"fmt"
	"strings"

	"github.com/reploid-ai/rdrr/types/errtypes"
)

// fixedWidths lists element widths of pass-through dtypes. Block
// quantized dtypes are absent, which keeps them out of the byte
// transpose.
var fixedWidths = map[string]int64{
	"F64":  8,
	"F32":  4,
	"F16":  2,
	"BF16": 2,
	"I64":  8,
	"I32":  4,
	"I16":  2,
	"I8":   1,
	"U8":   1,
}

// projectionNames are the linear projection segments eligible for
// layout transforms, covering both transformers and gguf naming.
var projectionNames = map[string]bool{
	"q_proj":       true,
	"k_proj":       true,
	"v_proj":       true,
	"o_proj":       true,
	"out_proj":     true,
	"qkv_proj":     true,
	"gate_proj":    true,
	"up_proj":      true,
	"down_proj":    true,
	"gate_up_proj": true,
	"attn_q":       true,
	"attn_k":       true,
	"attn_v":       true,
	"attn_qkv":     true,
	"attn_output":  true,
	"ffn_gate":     true,
	"ffn_up":       true,
	"ffn_down":     true,
	"ffn_gate_up":  true,
}

// IsProjection reports whether a tensor is a linear projection weight.
// Norm, bias, and rotary tensors never qualify.
func IsProjection(name string) bool {
	if strings.Contains(name, "norm") || strings.Contains(name, "rotary") || strings.HasSuffix(name, ".bias") {
		return false
	}

	if !strings.HasSuffix(name, ".weight") {
		return false
	}

	segments := strings.Split(name, ".")
	if len(segments) < 2 {
		return false
	}

	return projectionNames[segments[len(segments)-2]]
}

// IsFusionHalf reports whether a name is a gate or up projection that
// fusion would buffer.
func IsFusionHalf(name string) bool {
	_, _, ok := fusionTarget(name)
	return ok
}

// fusionTarget maps a gate or up projection name to the fused tensor
// name it belongs to. The bool reports whether the tensor is the gate
// half.
func fusionTarget(name string) (target string, gate, ok bool) {
	segments := strings.Split(name, ".")
	if len(segments) < 2 || segments[len(segments)-1] != "weight" {
		return "", false, false
	}

	switch segments[len(segments)-2] {
	case "gate_proj":
		segments[len(segments)-2] = "gate_up_proj"
		return strings.Join(segments, "."), true, true
	case "up_proj":
		segments[len(segments)-2] = "gate_up_proj"
		return strings.Join(segments, "."), false, true
	case "ffn_gate":
		segments[len(segments)-2] = "ffn_gate_up"
		return strings.Join(segments, "."), true, true
	case "ffn_up":
		segments[len(segments)-2] = "ffn_gate_up"
		return strings.Join(segments, "."), false, true
	}

	return "", false, false
}

// TransposeBytes swaps the axes of a row-major 2-D tensor, moving
// whole elements of the given byte width. Applying it twice restores
// the input.
func TransposeBytes(data []byte, shape []uint64, width int64) ([]byte, error) {
	if len(shape) != 2 {
		return nil, fmt.Errorf("transpose needs a 2-D tensor, got shape %v", shape)
	}

	rows, cols := int64(shape[0]), int64(shape[1])
	if rows*cols*width != int64(len(data)) {
		return nil, fmt.Errorf("transpose of %v with width %d wants %d bytes, got %d", shape, width, rows*cols*width, len(data))
	}

	out := make([]byte, len(data))
	for r := int64(0); r < rows; r++ {
		for c := int64(0); c < cols; c++ {
			copy(out[(c*rows+r)*width:(c*rows+r+1)*width], data[(r*cols+c)*width:(r*cols+c+1)*width])
		}
	}

	return out, nil
}

// pendingHalf is a buffered gate or up projection waiting for its
// partner.
type pendingHalf struct {
	name  string
	data  []byte
	shape []uint64
	dtype string
}

type pendingPair struct {
	gate *pendingHalf
	up   *pendingHalf
}

func (p *pendingPair) either() *pendingHalf {
	if p.gate != nil {
		return p.gate
	}

	return p.up
}

// fuse concatenates the pair along the leading dimension, gate first.
// The halves must agree on dtype and trailing dimension.
func (p *pendingPair) fuse() ([]byte, []uint64, string, error) {
	g, u := p.gate, p.up

	if g.dtype != u.dtype {
		return nil, nil, "", &errtypes.ConversionError{
			Tensor: g.name,
			Reason: fmt.Sprintf("cannot fuse with %q: dtype %s != %s", u.name, g.dtype, u.dtype),
		}
	}

	if g.shape[len(g.shape)-1] != u.shape[len(u.shape)-1] {
		return nil, nil, "", &errtypes.ConversionError{
			Tensor: g.name,
			Reason: fmt.Sprintf("cannot fuse with %q: trailing dimension %d != %d", u.name, g.shape[len(g.shape)-1], u.shape[len(u.shape)-1]),
		}
	}

	data := make([]byte, 0, len(g.data)+len(u.data))
	data = append(data, g.data...)
	data = append(data, u.data...)

	shape := []uint64{g.shape[0] + u.shape[0], g.shape[1]}
	return data, shape, g.dtype, nil
}
