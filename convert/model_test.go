package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeTensor struct {
	name  string
	dtype string
	shape []uint64
	data  []byte
}

func (t fakeTensor) Name() string           { return t.name }
func (t fakeTensor) Dtype() string          { return t.dtype }
func (t fakeTensor) Shape() []uint64        { return t.shape }
func (t fakeTensor) Size() int64            { return int64(len(t.data)) }
func (t fakeTensor) Bytes() ([]byte, error) { return t.data, nil }

func meta(name, dtype string, shape []uint64, size int) fakeTensor {
	return fakeTensor{name: name, dtype: dtype, shape: shape, data: make([]byte, size)}
}

func TestDominantDtype(t *testing.T) {
	m := &Model{Tensors: []Tensor{
		meta("model.embed_tokens.weight", "F32", []uint64{1000, 64}, 256000),
		meta("model.layers.0.self_attn.q_proj.weight", "Q4_K", []uint64{64, 64}, 9216),
		meta("model.layers.0.mlp.up_proj.weight", "Q4_K", []uint64{256, 64}, 36864),
		meta("model.layers.0.input_layernorm.weight", "F32", []uint64{64}, 256),
		meta("model.layers.0.self_attn.o_proj.weight", "F16", []uint64{64, 64}, 8192),
	}}

	// embeddings and 1-D tensors sit out the vote
	assert.Equal(t, "Q4_K", m.DominantDtype())
}

func TestDominantDtypeTie(t *testing.T) {
	m := &Model{Tensors: []Tensor{
		meta("a.weight", "F16", []uint64{2, 2}, 100),
		meta("b.weight", "BF16", []uint64{2, 2}, 100),
	}}

	assert.Equal(t, "F16", m.DominantDtype())
}

func TestDominantDtypeEmpty(t *testing.T) {
	m := &Model{Tensors: []Tensor{
		meta("norm.weight", "F32", []uint64{8}, 32),
	}}

	assert.Equal(t, "F16", m.DominantDtype())
}

func TestModelTensorLookup(t *testing.T) {
	m := &Model{Tensors: []Tensor{
		meta("token_embd.weight", "F16", []uint64{10, 4}, 80),
	}}

	got, ok := m.Tensor("token_embd.weight")
	assert.True(t, ok)
	assert.Equal(t, "token_embd.weight", got.Name())

	_, ok = m.Tensor("missing.weight")
	assert.False(t, ok)
}

func TestIsEmbedding(t *testing.T) {
	assert.True(t, isEmbedding("model.embed_tokens.weight"))
	assert.True(t, isEmbedding("token_embd.weight"))
	assert.True(t, isEmbedding("lm_head.weight"))
	assert.True(t, isEmbedding("output.weight"))
	assert.False(t, isEmbedding("blk.0.attn_q.weight"))
	assert.False(t, isEmbedding("model.layers.3.mlp.down_proj.weight"))
}
