package convert

import (
	"errors"
	"io"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

// Tensor is one source tensor. Metadata is available immediately,
// bytes are fetched on demand.
type Tensor interface {
	Name() string

	// Dtype is the ggml style element type tag: F32, F16, BF16,
	// Q4_K, I64, and so on.
	Dtype() string

	// Shape is ordered outermost dimension first.
	Shape() []uint64

	// Size is the serialized byte size in the source.
	Size() int64

	Bytes() ([]byte, error)
}

// Model is a parsed checkpoint of either format, ready to stream into
// a writer.
type Model struct {
	Format       string
	Architecture string
	Params       Params

	// Config is the raw source configuration when the checkpoint
	// carried one (config.json for safetensors inputs).
	Config map[string]any

	// Tokenizer is the bundled vocabulary, or nil when the source has
	// none.
	Tokenizer *Tokenizer

	Tensors []Tensor

	// TotalBytes is the serialized size of all tensor data.
	TotalBytes int64

	closers []io.Closer
}

// Close releases the underlying checkpoint files. Tensor bytes must
// not be fetched afterwards.
func (m *Model) Close() error {
	var errs []error
	for _, c := range m.closers {
		errs = append(errs, c.Close())
	}

	return errors.Join(errs...)
}

// Tensor looks up a tensor by name.
func (m *Model) Tensor(name string) (Tensor, bool) {
	for _, t := range m.Tensors {
		if t.Name() == name {
			return t, true
		}
	}

	return nil, false
}

// DominantDtype is the element type covering the most bytes across
// the model's 2-D weights, with embedding and output tables left out
// of the vote. Ties break toward F16.
func (m *Model) DominantDtype() string {
	totals := make(map[string]int64)
	for _, t := range m.Tensors {
		if len(t.Shape()) != 2 || isEmbedding(t.Name()) {
			continue
		}

		totals[t.Dtype()] += t.Size()
	}

	if len(totals) == 0 {
		return "F16"
	}

	dtypes := maps.Keys(totals)
	slices.Sort(dtypes)

	best := dtypes[0]
	for _, dtype := range dtypes[1:] {
		if totals[dtype] > totals[best] {
			best = dtype
		} else if totals[dtype] == totals[best] && dtype == "F16" {
			best = dtype
		}
	}

	return best
}

func isEmbedding(name string) bool {
	return strings.Contains(name, "embed") ||
		strings.Contains(name, "embd") ||
		strings.Contains(name, "lm_head") ||
		name == "output.weight"
}
