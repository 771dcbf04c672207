package convert

import (
	"fmt"
	"io"
	"os"

	"github.com/reploid-ai/rdrr/fs/ggml"
	"github.com/reploid-ai/rdrr/types/errtypes"
)

type ggufTensor struct {
	tensor *ggml.Tensor
	file   *os.File

	// base is the absolute offset of the file's tensor data section.
	base int64
}

func (t *ggufTensor) Name() string {
	return t.tensor.Name
}

func (t *ggufTensor) Dtype() string {
	return t.tensor.Type()
}

func (t *ggufTensor) Shape() []uint64 {
	return t.tensor.Shape
}

func (t *ggufTensor) Size() int64 {
	return int64(t.tensor.Size())
}

func (t *ggufTensor) Bytes() ([]byte, error) {
	bts := make([]byte, t.tensor.Size())
	if _, err := t.file.ReadAt(bts, t.base+int64(t.tensor.Offset)); err != nil {
		return nil, &errtypes.IOError{Path: t.file.Name(), Op: "read", Err: err}
	}

	return bts, nil
}

func parseGGUF(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errtypes.IOError{Path: path, Op: "open", Err: err}
	}

	file, err := ggml.Decode(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	kv := file.KV
	model := &Model{
		Format:       FormatGGUF,
		Architecture: kv.Architecture(),
		Params: Params{
			HiddenSize:        int(kv.EmbeddingLength()),
			IntermediateSize:  int(kv.FeedForwardLength()),
			NumHiddenLayers:   int(kv.BlockCount()),
			NumAttentionHeads: int(kv.HeadCount()),
			NumKeyValueHeads:  int(kv.Uint("attention.head_count_kv")),
			HeadDim:           int(kv.Uint("attention.key_length")),
			ContextLength:     int(kv.ContextLength()),
			RopeTheta:         float64(kv.RopeFreqBase()),
			RMSNormEps:        float64(kv.RMSNormEpsilon()),
			NumExperts:        int(kv.ExpertCount()),
			NumExpertsPerTok:  int(kv.ExpertUsedCount()),
		},
		Tokenizer: tokenizerFromKV(kv),
		closers:   []io.Closer{f},
	}

	base := int64(file.Tensors.Offset)
	for _, tensor := range file.Tensors.Items() {
		model.Tensors = append(model.Tensors, &ggufTensor{tensor: tensor, file: f, base: base})
		model.TotalBytes += int64(tensor.Size())
	}

	if model.Tokenizer != nil {
		model.Params.VocabSize = len(model.Tokenizer.Tokens)
	}

	return model, nil
}

func tokenizerFromKV(kv ggml.KV) *Tokenizer {
	tokens := kv.Strings("tokenizer.ggml.tokens")
	if len(tokens) == 0 {
		return nil
	}

	t := &Tokenizer{
		Model:   kv.String("tokenizer.ggml.model"),
		Pre:     kv.String("tokenizer.ggml.pre"),
		Tokens:  tokens,
		Scores:  kv.Floats("tokenizer.ggml.scores"),
		Types:   kv.Ints("tokenizer.ggml.token_type"),
		Merges:  kv.Strings("tokenizer.ggml.merges"),
		Special: make(map[string]int32),
	}

	for _, role := range []string{"bos", "eos", "unk", "sep", "pad"} {
		if id, ok := kv[fmt.Sprintf("tokenizer.ggml.%s_token_id", role)].(uint32); ok {
			t.Special[role] = int32(id)
		}
	}

	return t
}
