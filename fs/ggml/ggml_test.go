package ggml

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTensorTypeSizes(t *testing.T) {
	cases := []struct {
		kind      TensorType
		blockSize uint64
		typeSize  uint64
	}{
		{TensorTypeF32, 1, 4},
		{TensorTypeF16, 1, 2},
		{TensorTypeBF16, 1, 2},
		{TensorTypeF64, 1, 8},
		{TensorTypeI8, 1, 1},
		{TensorTypeI16, 1, 2},
		{TensorTypeI32, 1, 4},
		{TensorTypeI64, 1, 8},
		{TensorTypeQ4_0, 32, 18},
		{TensorTypeQ4_1, 32, 20},
		{TensorTypeQ5_0, 32, 22},
		{TensorTypeQ5_1, 32, 24},
		{TensorTypeQ8_0, 32, 34},
		{TensorTypeQ8_1, 32, 36},
		{TensorTypeQ2_K, 256, 84},
		{TensorTypeQ3_K, 256, 110},
		{TensorTypeQ4_K, 256, 144},
		{TensorTypeQ5_K, 256, 176},
		{TensorTypeQ6_K, 256, 210},
		{TensorTypeQ8_K, 256, 292},
	}

	for _, tt := range cases {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if bs := tt.kind.BlockSize(); bs != tt.blockSize {
				t.Errorf("block size: expected %d, got %d", tt.blockSize, bs)
			}

			if ts := tt.kind.TypeSize(); ts != tt.typeSize {
				t.Errorf("type size: expected %d, got %d", tt.typeSize, ts)
			}
		})
	}
}

func TestTensorSize(t *testing.T) {
	cases := []struct {
		tensor Tensor
		want   uint64
	}{
		{Tensor{Name: "a", Kind: uint32(TensorTypeF32), Shape: []uint64{2, 2}}, 16},
		{Tensor{Name: "b", Kind: uint32(TensorTypeF16), Shape: []uint64{1024, 256}}, 524288},
		{Tensor{Name: "c", Kind: uint32(TensorTypeQ4_K), Shape: []uint64{256, 256}}, 36864},
		{Tensor{Name: "d", Kind: uint32(TensorTypeQ6_K), Shape: []uint64{4, 512}}, 1680},
	}

	for _, tt := range cases {
		t.Run(tt.tensor.Name, func(t *testing.T) {
			if got := tt.tensor.Size(); got != tt.want {
				t.Errorf("expected %d bytes, got %d", tt.want, got)
			}
		})
	}
}

func TestTensorLayers(t *testing.T) {
	tensors := make(map[string]*Tensor)
	for _, name := range []string{
		"token_embd.weight",
		"blk.0.attn_q.weight",
		"blk.0.attn_norm.weight",
		"blk.1.ffn_up.weight",
		"output_norm.weight",
		"model.layers.0.mlp.gate_proj.weight",
	} {
		tensors[name] = &Tensor{Name: name}
	}

	var items []*Tensor
	for _, v := range tensors {
		items = append(items, v)
	}

	got := Tensors{items: items}.GroupLayers()

	want := map[string]Layer{
		"blk.0": {
			"attn_q.weight":    tensors["blk.0.attn_q.weight"],
			"attn_norm.weight": tensors["blk.0.attn_norm.weight"],
		},
		"blk.1": {
			"ffn_up.weight": tensors["blk.1.ffn_up.weight"],
		},
		"model.layers.0": {
			"mlp.gate_proj.weight": tensors["model.layers.0.mlp.gate_proj.weight"],
		},
		"token_embd":  {"weight": tensors["token_embd.weight"]},
		"output_norm": {"weight": tensors["output_norm.weight"]},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected layers (-want +got):\n%s", diff)
	}
}

func TestTensorItemsPrefix(t *testing.T) {
	ts := Tensors{items: []*Tensor{
		{Name: "blk.0.attn_q.weight"},
		{Name: "blk.1.attn_q.weight"},
		{Name: "output.weight"},
	}}

	if n := len(ts.Items()); n != 3 {
		t.Errorf("expected 3 items, got %d", n)
	}

	for _, tensor := range ts.Items("blk.") {
		if !strings.HasPrefix(tensor.Name, "blk.") {
			t.Errorf("unexpected tensor %q", tensor.Name)
		}
	}

	if n := len(ts.Items("blk.")); n != 2 {
		t.Errorf("expected 2 blk items, got %d", n)
	}
}

func TestKVAccessors(t *testing.T) {
	kv := KV{
		"general.architecture":                   "llama",
		"llama.block_count":                      uint32(32),
		"llama.embedding_length":                 uint32(4096),
		"llama.attention.head_count":             uint32(32),
		"llama.attention.head_count_kv":          uint32(8),
		"llama.attention.layer_norm_rms_epsilon": float32(1e-6),
		"llama.expert_count":                     uint32(8),
		"tokenizer.ggml.model":                   "gpt2",
		"tokenizer.ggml.tokens":                  []string{"a", "b"},
	}

	if got := kv.Architecture(); got != "llama" {
		t.Errorf("architecture: got %q", got)
	}

	if got := kv.BlockCount(); got != 32 {
		t.Errorf("block count: got %d", got)
	}

	if got := kv.EmbeddingLength(); got != 4096 {
		t.Errorf("embedding length: got %d", got)
	}

	if got := kv.HeadCountKV(); got != 8 {
		t.Errorf("head count kv: got %d", got)
	}

	if got := kv.RMSNormEpsilon(); got != 1e-6 {
		t.Errorf("rms norm epsilon: got %v", got)
	}

	if got := kv.ExpertCount(); got != 8 {
		t.Errorf("expert count: got %d", got)
	}

	// defaults apply when keys are missing
	if got := kv.ContextLength(); got != 2048 {
		t.Errorf("context length default: got %d", got)
	}

	if got := kv.RopeFreqBase(); got != 10000 {
		t.Errorf("rope freq base default: got %v", got)
	}

	// mistyped values fall back to the default rather than coercing
	mistyped := KV{"general.architecture": uint32(1)}
	if got := mistyped.Architecture(); got != "unknown" {
		t.Errorf("mistyped architecture: got %q", got)
	}

	if got := kv.Strings("tokenizer.ggml.tokens"); len(got) != 2 {
		t.Errorf("tokens: got %v", got)
	}
}
