// Package convert drives a conversion end to end: detect the input
// format, parse the checkpoint, fill configuration gaps, and stream
// every tensor through the quantizer into a sharded output directory.
package convert

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/reploid-ai/rdrr/format"
	"github.com/reploid-ai/rdrr/fs/rdrr"
	"github.com/reploid-ai/rdrr/quant"
	"github.com/reploid-ai/rdrr/types/errtypes"
)

// Input formats.
const (
	FormatGGUF        = "gguf"
	FormatSafetensors = "safetensors"
)

// Quantization modes.
const (
	QuantizeQ4KM = "q4_k_m"
	QuantizeF16  = "f16"
	QuantizeF32  = "f32"
)

// Options configure a conversion run.
type Options struct {
	// Quantize selects the output mode: q4_k_m, f16, or f32. Empty
	// means q4_k_m.
	Quantize string

	// ShardSize in bytes. Zero means the writer default.
	ShardSize int64

	// Hash names the shard hash algorithm. Empty means xxh64.
	Hash string

	// ModelID overrides the id stamped into the manifest. Empty
	// derives it from the input name.
	ModelID string

	TextOnly           bool
	QuantizeEmbeddings bool

	// Exclude are dot-segment patterns naming tensors that must not
	// be quantized.
	Exclude []string

	FuseGateUp bool
	Transpose  bool

	// ReadAhead is how many tensors may be read and transformed ahead
	// of the writer. Zero means fully sequential.
	ReadAhead int

	// Progress, when set, is called after each tensor is written.
	Progress func(done, total int, written int64)
}

// Convert runs one conversion from an input checkpoint to an output
// directory. On error the output directory holds no manifest, so
// loaders treat it as incomplete.
func Convert(ctx context.Context, input, output string, opts Options) (*rdrr.Summary, error) {
	if opts.Quantize == "" {
		opts.Quantize = QuantizeQ4KM
	}

	switch opts.Quantize {
	case QuantizeQ4KM, QuantizeF16, QuantizeF32:
	default:
		return nil, fmt.Errorf("unknown quantization mode %q", opts.Quantize)
	}

	srcFormat, err := DetectFormat(input)
	if err != nil {
		return nil, err
	}

	model, err := Parse(srcFormat, input)
	if err != nil {
		return nil, err
	}
	defer model.Close()

	if opts.TextOnly {
		filterTextOnly(model)
	}

	inferParams(model)

	slog.Info("converting",
		"format", srcFormat,
		"architecture", model.Architecture,
		"tensors", len(model.Tensors),
		"size", format.HumanBytes2(uint64(model.TotalBytes)),
		"quantize", opts.Quantize)

	w, err := rdrr.NewWriter(output, rdrr.Options{
		ShardSize:  opts.ShardSize,
		Hash:       opts.Hash,
		Transpose:  opts.Transpose,
		FuseGateUp: opts.FuseGateUp,
	})
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		model:  model,
		writer: w,
		policy: quant.Policy{
			QuantizeEmbeddings: opts.QuantizeEmbeddings,
			Exclude:            quant.CompilePatterns(opts.Exclude),
		},
		opts: opts,
	}
	if err := p.run(ctx); err != nil {
		return nil, err
	}

	if model.Tokenizer != nil {
		if err := model.Tokenizer.Save(output); err != nil {
			return nil, err
		}
	}

	summary, err := w.Finalize(rdrr.Metadata{
		ModelID:      cmp.Or(opts.ModelID, deriveModelID(input)),
		Architecture: model.Architecture,
		Config:       model.configSummary(),
		Tokenizer:    model.Tokenizer.summary(),
		Source: map[string]any{
			"format":     srcFormat,
			"path":       filepath.Base(input),
			"totalBytes": model.TotalBytes,
		},
		Experts:         model.Params.NumExperts,
		ExpertsPerToken: model.Params.NumExpertsPerTok,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("conversion complete",
		"shards", summary.ShardCount,
		"tensors", summary.TensorCount,
		"size", format.HumanBytes2(uint64(summary.TotalSize)))

	return summary, nil
}

// DetectFormat sniffs what a path holds: directories are safetensors
// checkpoints, files are recognized by the GGUF magic or their
// extension.
func DetectFormat(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", &errtypes.IOError{Path: path, Op: "stat", Err: err}
	}

	if info.IsDir() {
		return FormatSafetensors, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", &errtypes.IOError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err == nil && string(magic) == "GGUF" {
		return FormatGGUF, nil
	}

	switch {
	case strings.HasSuffix(path, ".safetensors"):
		return FormatSafetensors, nil
	case strings.HasSuffix(path, ".gguf"):
		// let the decoder report what is wrong with the magic
		return FormatGGUF, nil
	}

	return "", &errtypes.FormatError{
		Format: "unknown",
		Reason: fmt.Sprintf("cannot detect the format of %s", filepath.Base(path)),
	}
}

// Parse reads a checkpoint of the given format into a Model.
func Parse(srcFormat, path string) (*Model, error) {
	switch srcFormat {
	case FormatGGUF:
		return parseGGUF(path)
	case FormatSafetensors:
		return parseSafetensors(path)
	}

	return nil, fmt.Errorf("unknown format %q", srcFormat)
}

// deriveModelID names the output after its input, extension stripped.
func deriveModelID(path string) string {
	base := filepath.Base(filepath.Clean(path))
	base = strings.TrimSuffix(base, ".gguf")
	base = strings.TrimSuffix(base, ".safetensors")
	return base
}
