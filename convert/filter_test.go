package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterTextOnly(t *testing.T) {
	m := &Model{
		Architecture: "gemma3",
		Params: Params{
			ModelType: "gemma3",
			TextConfig: map[string]any{
				"model_type":          "gemma3_text",
				"hidden_size":         float64(64),
				"num_hidden_layers":   float64(2),
				"num_attention_heads": float64(4),
			},
		},
		Tensors: []Tensor{
			meta("vision_tower.patch_embed.weight", "F16", []uint64{8, 8}, 128),
			meta("multi_modal_projector.linear.weight", "F16", []uint64{8, 8}, 128),
			meta("language_model.model.embed_tokens.weight", "F16", []uint64{100, 64}, 12800),
			meta("language_model.model.layers.0.self_attn.q_proj.weight", "F16", []uint64{64, 64}, 8192),
		},
		TotalBytes: 128 + 128 + 12800 + 8192,
	}

	filterTextOnly(m)

	assert.Len(t, m.Tensors, 2)
	assert.Equal(t, "model.embed_tokens.weight", m.Tensors[0].Name())
	assert.Equal(t, "model.layers.0.self_attn.q_proj.weight", m.Tensors[1].Name())
	assert.Equal(t, int64(12800+8192), m.TotalBytes)

	// bytes still come from the wrapped tensor
	bts, err := m.Tensors[0].Bytes()
	assert.NoError(t, err)
	assert.Len(t, bts, 12800)

	// configuration narrowed to the text sub-config
	assert.Equal(t, "gemma3_text", m.Params.ModelType)
	assert.Equal(t, 64, m.Params.HiddenSize)
	assert.Equal(t, 2, m.Params.NumHiddenLayers)
	assert.Equal(t, "gemma3_text", m.Architecture)
}

func TestFilterTextOnlyModelPrefix(t *testing.T) {
	m := &Model{
		Tensors: []Tensor{
			meta("model.vision_tower.blocks.0.weight", "F16", []uint64{4, 4}, 32),
			meta("model.language_model.embed_tokens.weight", "F16", []uint64{10, 4}, 80),
			meta("lm_head.weight", "F16", []uint64{10, 4}, 80),
		},
		TotalBytes: 192,
	}

	filterTextOnly(m)

	assert.Len(t, m.Tensors, 2)
	assert.Equal(t, "model.embed_tokens.weight", m.Tensors[0].Name())
	assert.Equal(t, "lm_head.weight", m.Tensors[1].Name())
	assert.Equal(t, int64(160), m.TotalBytes)
}

func TestFilterTextOnlyPlainModel(t *testing.T) {
	m := &Model{
		Architecture: "llama",
		Params:       Params{ModelType: "llama"},
		Tensors: []Tensor{
			meta("model.embed_tokens.weight", "F16", []uint64{10, 4}, 80),
			meta("model.norm.weight", "F32", []uint64{4}, 16),
		},
		TotalBytes: 96,
	}

	filterTextOnly(m)

	// nothing to drop or rename on a text-only checkpoint
	assert.Len(t, m.Tensors, 2)
	assert.Equal(t, "model.embed_tokens.weight", m.Tensors[0].Name())
	assert.Equal(t, int64(96), m.TotalBytes)
	assert.Equal(t, "llama", m.Architecture)
}

func TestFilterTextOnlyKeepsOuterModelType(t *testing.T) {
	m := &Model{
		Params: Params{
			ModelType: "qwen2_vl",
			TextConfig: map[string]any{
				"hidden_size": float64(32),
			},
		},
	}

	filterTextOnly(m)

	assert.Equal(t, "qwen2_vl", m.Params.ModelType)
	assert.Equal(t, 32, m.Params.HiddenSize)
}

func TestHasAnyPrefix(t *testing.T) {
	assert.True(t, hasAnyPrefix("v.blocks.0.attn.weight", towerPrefixes))
	assert.True(t, hasAnyPrefix("visual.patch_embed.proj.weight", towerPrefixes))
	assert.False(t, hasAnyPrefix("blk.0.attn_v.weight", towerPrefixes))
	assert.False(t, hasAnyPrefix("model.layers.0.mlp.up_proj.weight", towerPrefixes))
}
