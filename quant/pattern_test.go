package quant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPatternMatch(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		match   bool
	}{
		{"blk.*.ffn_up.weight", "blk.0.ffn_up.weight", true},
		{"blk.*.ffn_up.weight", "blk.17.ffn_up.weight", true},
		{"blk.*.ffn_up.weight", "blk.17.ffn_down.weight", false},
		{"blk.*.ffn_up.weight", "blk.17.moe.ffn_up.weight", false},
		{"blk.*.ffn_up.weight", "blk.ffn_up.weight", false},
		{"model.layers.*.mlp.*_proj.weight", "model.layers.3.mlp.gate_proj.weight", true},
		{"model.layers.*.mlp.*_proj.weight", "model.layers.3.mlp.gate.weight", false},
		{"blk.1*.attn_q.weight", "blk.12.attn_q.weight", true},
		{"blk.1*.attn_q.weight", "blk.1.attn_q.weight", true},
		{"blk.1*.attn_q.weight", "blk.2.attn_q.weight", false},
		{"*", "output", true},
		{"*", "output.weight", false},
		{"*.weight", "output.weight", true},
		{"*.weight", "output.bias", false},
		{"output.weight", "output.weight", true},
		{"output.weight", "output.weights", false},
		{"token_embd*", "token_embd", true},
		{"*embd*", "token_embd", true},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "acb", false},
		{"", "", true},
		{"", "anything", false},
	}

	for _, tt := range cases {
		got := CompilePattern(tt.pattern).Match(tt.name)
		assert.Equalf(t, tt.match, got, "pattern %q name %q", tt.pattern, tt.name)
	}
}

func TestCompilePatterns(t *testing.T) {
	patterns := CompilePatterns([]string{"blk.*.ffn_up.weight", "output.weight"})
	assert.Len(t, patterns, 2)
	assert.Equal(t, "blk.*.ffn_up.weight", patterns[0].String())
	assert.True(t, patterns[1].Match("output.weight"))
}
