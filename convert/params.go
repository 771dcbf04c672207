package convert

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Params is the slice of checkpoint configuration the converter acts
// on. JSON configs carry numbers as float64 and sometimes as strings,
// so decoding goes through mapstructure with weak typing.
type Params struct {
	Architectures []string `mapstructure:"architectures"`
	ModelType     string   `mapstructure:"model_type"`

	HiddenSize        int `mapstructure:"hidden_size"`
	IntermediateSize  int `mapstructure:"intermediate_size"`
	NumHiddenLayers   int `mapstructure:"num_hidden_layers"`
	NumAttentionHeads int `mapstructure:"num_attention_heads"`
	NumKeyValueHeads  int `mapstructure:"num_key_value_heads"`
	HeadDim           int `mapstructure:"head_dim"`
	VocabSize         int `mapstructure:"vocab_size"`
	ContextLength     int `mapstructure:"max_position_embeddings"`

	RopeTheta  float64 `mapstructure:"rope_theta"`
	RMSNormEps float64 `mapstructure:"rms_norm_eps"`

	NumExperts       int `mapstructure:"num_local_experts"`
	NumExpertsPerTok int `mapstructure:"num_experts_per_tok"`

	// TextConfig is the nested language model configuration of a
	// multimodal checkpoint, kept raw so the text-only filter can
	// re-decode it.
	TextConfig map[string]any `mapstructure:"text_config"`
}

func decodeParams(config map[string]any) (Params, error) {
	var p Params
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return p, err
	}

	if err := dec.Decode(config); err != nil {
		return p, fmt.Errorf("decoding config: %w", err)
	}

	// moe checkpoints disagree on the expert count key
	if p.NumExperts == 0 {
		p.NumExperts = intFromAny(config["num_experts"])
	}

	if p.NumExpertsPerTok == 0 {
		p.NumExpertsPerTok = intFromAny(config["num_experts_per_token"])
	}

	return p, nil
}

func intFromAny(v any) int {
	switch v := v.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}

	return 0
}

var layerIndexPattern = regexp.MustCompile(`(?:^|\.)(?:layers|blk)\.(\d+)\.`)

// inferParams fills configuration gaps from tensor names and shapes.
// Explicit configuration always wins; only zero fields are touched.
// Defaults that cannot be derived from tensors come last: context
// length 2048, rope base 10000, norm epsilon 1e-5.
func inferParams(m *Model) {
	p := &m.Params

	if embd, ok := findEmbedding(m); ok {
		shape := embd.Shape()
		if p.HiddenSize == 0 {
			p.HiddenSize = int(shape[len(shape)-1])
		}

		if p.VocabSize == 0 {
			p.VocabSize = int(shape[0])
		}
	}

	if p.NumHiddenLayers == 0 {
		p.NumHiddenLayers = countLayers(m)
	}

	if p.HeadDim == 0 {
		if qnorm, ok := findSuffixTensor(m, "q_norm.weight"); ok && len(qnorm.Shape()) == 1 {
			p.HeadDim = int(qnorm.Shape()[0])
		} else if p.NumAttentionHeads > 0 && p.HiddenSize > 0 {
			p.HeadDim = p.HiddenSize / p.NumAttentionHeads
		}
	}

	if p.HeadDim > 0 {
		if p.NumAttentionHeads == 0 {
			if q, ok := findProjection(m, "q_proj", "attn_q"); ok {
				p.NumAttentionHeads = int(q.Shape()[0]) / p.HeadDim
			}
		}

		if p.NumKeyValueHeads == 0 {
			if k, ok := findProjection(m, "k_proj", "attn_k"); ok {
				p.NumKeyValueHeads = int(k.Shape()[0]) / p.HeadDim
			}
		}
	}

	if p.NumKeyValueHeads == 0 {
		p.NumKeyValueHeads = p.NumAttentionHeads
	}

	if p.IntermediateSize == 0 {
		if up, ok := findProjection(m, "up_proj", "ffn_up"); ok {
			p.IntermediateSize = int(up.Shape()[0])
		}
	}

	if p.ContextLength == 0 {
		p.ContextLength = 2048
	}

	if p.RopeTheta == 0 {
		p.RopeTheta = 10000
	}

	if p.RMSNormEps == 0 {
		p.RMSNormEps = 1e-5
	}
}

func findEmbedding(m *Model) (Tensor, bool) {
	for _, t := range m.Tensors {
		name := t.Name()
		if len(t.Shape()) != 2 {
			continue
		}

		if strings.HasSuffix(name, "embed_tokens.weight") || name == "token_embd.weight" || strings.HasSuffix(name, ".wte.weight") {
			return t, true
		}
	}

	return nil, false
}

// findProjection returns the first 2-D weight whose second-to-last
// name segment is one of the given projections.
func findProjection(m *Model, segments ...string) (Tensor, bool) {
	for _, t := range m.Tensors {
		if len(t.Shape()) != 2 || !strings.HasSuffix(t.Name(), ".weight") {
			continue
		}

		parts := strings.Split(t.Name(), ".")
		if len(parts) < 2 {
			continue
		}

		for _, segment := range segments {
			if parts[len(parts)-2] == segment {
				return t, true
			}
		}
	}

	return nil, false
}

func findSuffixTensor(m *Model, suffix string) (Tensor, bool) {
	for _, t := range m.Tensors {
		if strings.HasSuffix(t.Name(), suffix) {
			return t, true
		}
	}

	return nil, false
}

func countLayers(m *Model) int {
	maxIndex := -1
	for _, t := range m.Tensors {
		if match := layerIndexPattern.FindStringSubmatch(t.Name()); match != nil {
			if n, err := strconv.Atoi(match[1]); err == nil && n > maxIndex {
				maxIndex = n
			}
		}
	}

	return maxIndex + 1
}

// configSummary is the configuration block stamped into the manifest.
func (m *Model) configSummary() map[string]any {
	p := m.Params
	cfg := map[string]any{
		"hiddenSize":        p.HiddenSize,
		"intermediateSize":  p.IntermediateSize,
		"numLayers":         p.NumHiddenLayers,
		"numAttentionHeads": p.NumAttentionHeads,
		"numKeyValueHeads":  p.NumKeyValueHeads,
		"headDim":           p.HeadDim,
		"vocabSize":         p.VocabSize,
		"contextLength":     p.ContextLength,
		"ropeTheta":         p.RopeTheta,
		"rmsNormEps":        p.RMSNormEps,
	}

	if p.NumExperts > 0 {
		cfg["numExperts"] = p.NumExperts
		cfg["numExpertsPerToken"] = p.NumExpertsPerTok
	}

	return cfg
}
