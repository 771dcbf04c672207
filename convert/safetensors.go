package convert

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/reploid-ai/rdrr/fs/safetensors"
	"github.com/reploid-ai/rdrr/types/errtypes"
)

type safeTensor struct {
	t *safetensors.Tensor
}

func (t *safeTensor) Name() string {
	return t.t.Name
}

func (t *safeTensor) Dtype() string {
	return t.t.Dtype
}

func (t *safeTensor) Shape() []uint64 {
	return t.t.Shape
}

func (t *safeTensor) Size() int64 {
	return t.t.Size()
}

func (t *safeTensor) Bytes() ([]byte, error) {
	return t.t.Bytes()
}

func parseSafetensors(path string) (*Model, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &errtypes.IOError{Path: path, Op: "stat", Err: err}
	}

	var st *safetensors.Model
	if info.IsDir() {
		st, err = safetensors.OpenDir(path)
	} else {
		st, err = safetensors.Open(path)
	}
	if err != nil {
		return nil, err
	}

	model := &Model{
		Format:  FormatSafetensors,
		closers: []io.Closer{st},
	}

	if raw, ok := st.SideFiles["config.json"]; ok {
		var cfg map[string]any
		if err := json.Unmarshal(scrubNonFinite(raw), &cfg); err != nil {
			st.Close()
			return nil, &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("malformed config.json: %v", err)}
		}

		model.Config = cfg

		model.Params, err = decodeParams(cfg)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	model.Architecture = architectureName(model.Params)

	if raw, ok := st.SideFiles["tokenizer.json"]; ok {
		model.Tokenizer = &Tokenizer{raw: raw}
	}

	for _, t := range st.Tensors {
		model.Tensors = append(model.Tensors, &safeTensor{t: t})
		model.TotalBytes += t.Size()
	}

	return model, nil
}

// architectureName normalizes transformers naming: model_type when
// present ("llama"), otherwise the class name with its task suffix
// trimmed ("LlamaForCausalLM" becomes "llama").
func architectureName(p Params) string {
	if p.ModelType != "" {
		return p.ModelType
	}

	if len(p.Architectures) > 0 {
		name := p.Architectures[0]
		for _, suffix := range []string{"ForCausalLM", "ForConditionalGeneration", "LMHeadModel", "Model"} {
			name = strings.TrimSuffix(name, suffix)
		}

		return strings.ToLower(name)
	}

	return "unknown"
}
