package rdrr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"

	"github.com/reploid-ai/rdrr/envconfig"
	"github.com/reploid-ai/rdrr/format"
	"github.com/reploid-ai/rdrr/types/errtypes"
	"github.com/reploid-ai/rdrr/version"
)

// Options configures a Writer.
type Options struct {
	// ShardSize is the target shard size in bytes. Zero means
	// DefaultShardSize.
	ShardSize int64

	// Hash selects the shard content hash. Unknown algorithms fall
	// back to sha256 with a warning, never an error.
	Hash string

	// Transpose stores eligible projection weights column-major.
	Transpose bool

	// FuseGateUp merges each layer's gate and up projections into one
	// tensor before writing.
	FuseGateUp bool
}

// Metadata is what Finalize stamps into the manifest beyond the
// tensors themselves.
type Metadata struct {
	ModelID      string
	ModelType    string
	Architecture string

	// Quantization overrides the label; empty means detect the
	// dominant element type across 2-D weights.
	Quantization string

	Config    map[string]any
	Tokenizer map[string]any
	Source    map[string]any

	Experts         int
	ExpertsPerToken int
}

// Summary reports what Finalize produced.
type Summary struct {
	ManifestPath string
	ShardCount   int
	TotalSize    int64
	TensorCount  int
}

// Writer assembles shards one tensor at a time. It is single-owner:
// methods must be called from one goroutine, and nothing is readable
// by loaders until Finalize writes the manifest.
type Writer struct {
	dir  string
	opts Options
	hash string

	buf        []byte
	shardIndex int
	shards     []ShardRecord
	tensors    map[string]TensorLocation
	order      []string

	pending map[string]*pendingPair
	moe     *moeTracker

	finalized bool
}

// NewWriter creates the output directory and an empty writer.
func NewWriter(dir string, opts Options) (*Writer, error) {
	if opts.ShardSize == 0 {
		opts.ShardSize = DefaultShardSize
	}

	if opts.ShardSize < Alignment {
		return nil, fmt.Errorf("shard size %d is below the %d byte alignment", opts.ShardSize, Alignment)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &errtypes.IOError{Path: dir, Op: "mkdir", Err: err}
	}

	return &Writer{
		dir:     dir,
		opts:    opts,
		hash:    resolveHash(opts.Hash),
		tensors: make(map[string]TensorLocation),
		pending: make(map[string]*pendingPair),
		moe:     newMoETracker(),
	}, nil
}

// HashAlgorithm returns the algorithm shards are hashed with.
func (w *Writer) HashAlgorithm() string {
	return w.hash
}

// WriteTensor adds one tensor. With fusion enabled, gate and up
// projections are buffered until their partner arrives and written as
// one fused tensor; everything else goes straight to the shard
// buffer.
func (w *Writer) WriteTensor(name string, data []byte, shape []uint64, dtype string) error {
	if w.finalized {
		return fmt.Errorf("writer is finalized")
	}

	if len(shape) == 0 {
		return &errtypes.ConversionError{Tensor: name, Reason: "missing shape"}
	}

	if w.opts.FuseGateUp && len(shape) == 2 {
		if target, gate, ok := fusionTarget(name); ok {
			return w.bufferFusionHalf(target, gate, &pendingHalf{
				name:  name,
				data:  data,
				shape: slices.Clone(shape),
				dtype: dtype,
			})
		}
	}

	return w.writeTensor(name, data, shape, dtype)
}

func (w *Writer) bufferFusionHalf(target string, gate bool, half *pendingHalf) error {
	pair := w.pending[target]
	if pair == nil {
		pair = &pendingPair{}
		w.pending[target] = pair
	}

	if gate {
		if pair.gate != nil {
			return &errtypes.ConversionError{Tensor: half.name, Reason: "duplicate gate projection"}
		}

		pair.gate = half
	} else {
		if pair.up != nil {
			return &errtypes.ConversionError{Tensor: half.name, Reason: "duplicate up projection"}
		}

		pair.up = half
	}

	if pair.gate == nil || pair.up == nil {
		return nil
	}

	delete(w.pending, target)

	data, shape, dtype, err := pair.fuse()
	if err != nil {
		return err
	}

	return w.writeTensor(target, data, shape, dtype)
}

// WriteTransposed adds a tensor whose bytes were already packed in
// column order, recording the layout tag and the original row-major
// shape alongside the transposed one.
func (w *Writer) WriteTransposed(name string, data []byte, shape, originalShape []uint64, dtype string) error {
	if w.finalized {
		return fmt.Errorf("writer is finalized")
	}

	if len(shape) != 2 || len(originalShape) != 2 {
		return &errtypes.ConversionError{Tensor: name, Reason: "column layout needs a 2-D shape"}
	}

	return w.record(name, data, shape, dtype, "column", slices.Clone(originalShape))
}

func (w *Writer) writeTensor(name string, data []byte, shape []uint64, dtype string) error {
	var layout string
	var originalShape []uint64
	if w.opts.Transpose && len(shape) == 2 && IsProjection(name) {
		if width, ok := fixedWidths[dtype]; ok {
			transposed, err := TransposeBytes(data, shape, width)
			if err != nil {
				return &errtypes.ConversionError{Tensor: name, Reason: err.Error()}
			}

			data = transposed
			originalShape = slices.Clone(shape)
			shape = []uint64{shape[1], shape[0]}
			layout = "column"
		}
	}

	return w.record(name, data, shape, dtype, layout, originalShape)
}

func (w *Writer) record(name string, data []byte, shape []uint64, dtype, layout string, originalShape []uint64) error {
	if _, ok := w.tensors[name]; ok {
		return &errtypes.ConversionError{Tensor: name, Reason: "duplicate tensor"}
	}

	loc, err := w.appendTensor(data)
	if err != nil {
		return err
	}

	loc.Shape = slices.Clone(shape)
	loc.Dtype = dtype
	loc.Layout = layout
	loc.OriginalShape = originalShape

	w.tensors[name] = loc
	w.order = append(w.order, name)
	w.moe.track(name, loc)

	slog.Debug("wrote tensor", "name", name, "dtype", dtype, "shape", shape,
		"shard", loc.ShardIndex, "offset", loc.Offset, "size", loc.Size, "spans", len(loc.Spans))

	return nil
}

// appendTensor pads to the alignment boundary, flushes when the
// tensor would overflow a non-empty shard, and splits anything larger
// than one shard into spans. Padding always precedes a tensor; a
// flushed shard never ends in padding.
func (w *Writer) appendTensor(data []byte) (TensorLocation, error) {
	pad := padTo(int64(len(w.buf)), Alignment)
	if len(w.buf) > 0 && int64(len(w.buf))+pad+int64(len(data)) > w.opts.ShardSize {
		if err := w.flush(); err != nil {
			return TensorLocation{}, err
		}

		pad = 0
	}

	if pad > 0 {
		w.buf = append(w.buf, make([]byte, pad)...)
	}

	total := int64(len(data))
	spans := make([]Span, 0, 1)
	for {
		room := w.opts.ShardSize - int64(len(w.buf))
		if room <= 0 {
			if err := w.flush(); err != nil {
				return TensorLocation{}, err
			}

			room = w.opts.ShardSize
		}

		n := min(int64(len(data)), room)
		spans = append(spans, Span{ShardIndex: w.shardIndex, Offset: int64(len(w.buf)), Size: n})
		w.buf = append(w.buf, data[:n]...)
		data = data[n:]

		if len(data) == 0 {
			break
		}
	}

	loc := TensorLocation{
		ShardIndex: spans[0].ShardIndex,
		Offset:     spans[0].Offset,
		Size:       total,
	}
	if len(spans) > 1 {
		loc.Spans = spans
	}

	return loc, nil
}

// flush hashes and writes the in-progress shard. Empty buffers are a
// no-op so finalize can call it unconditionally.
func (w *Writer) flush() error {
	if len(w.buf) == 0 {
		return nil
	}

	name := fmt.Sprintf("shard_%05d.bin", w.shardIndex)
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, w.buf, 0o644); err != nil {
		return &errtypes.IOError{Path: path, Op: "write", Err: err}
	}

	w.shards = append(w.shards, ShardRecord{
		Index:         w.shardIndex,
		FileName:      name,
		Size:          int64(len(w.buf)),
		Hash:          hashBytes(w.hash, w.buf),
		HashAlgorithm: w.hash,
	})

	slog.Debug("wrote shard", "file", name, "size", format.HumanBytes2(uint64(len(w.buf))))

	w.shardIndex++
	w.buf = w.buf[:0]
	return nil
}

// Finalize writes any unpaired fusion halves and the tail shard, then
// the manifest through a temp file and rename. Until it returns, the
// output directory has no manifest and is not a valid container.
func (w *Writer) Finalize(meta Metadata) (*Summary, error) {
	if w.finalized {
		return nil, fmt.Errorf("writer is finalized")
	}

	targets := maps.Keys(w.pending)
	slices.Sort(targets)
	for _, target := range targets {
		half := w.pending[target].either()
		slog.Warn("fusion half has no partner, writing unfused", "tensor", half.name)

		if err := w.writeTensor(half.name, half.data, half.shape, half.dtype); err != nil {
			return nil, err
		}
	}
	clear(w.pending)

	if err := w.flush(); err != nil {
		return nil, err
	}

	w.finalized = true

	var totalSize int64
	for _, shard := range w.shards {
		totalSize += shard.Size
	}

	quantization := meta.Quantization
	if quantization == "" {
		quantization = w.dominantQuantization()
	}

	modelType := meta.ModelType
	if modelType == "" {
		modelType = "llm"
	}

	manifest := Manifest{
		Version:       ManifestVersion,
		ModelID:       meta.ModelID,
		ModelType:     modelType,
		Architecture:  meta.Architecture,
		Quantization:  quantization,
		HashAlgorithm: w.hash,
		Config:        meta.Config,
		Tokenizer:     meta.Tokenizer,
		Shards:        w.shards,
		Tensors:       w.tensors,
		MoE:           w.moe.config(meta.Experts, meta.ExpertsPerToken),
		TotalSize:     totalSize,
		TensorCount:   len(w.tensors),
		Conversion: &Conversion{
			Tool:      "rdrr",
			Version:   version.Version,
			ID:        uuid.NewString(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Source:    meta.Source,
		},
		Optimizations: &Optimizations{
			FuseGateUp: w.opts.FuseGateUp,
			Transpose:  w.opts.Transpose,
		},
	}

	path := filepath.Join(w.dir, ManifestName)
	if err := writeManifest(w.dir, path, &manifest); err != nil {
		return nil, err
	}

	return &Summary{
		ManifestPath: path,
		ShardCount:   len(w.shards),
		TotalSize:    totalSize,
		TensorCount:  len(w.tensors),
	}, nil
}

func writeManifest(dir, path string, manifest *Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	data = append(data, '\n')

	// stage in RDRR_TMPDIR when set; a rename cannot cross
	// filesystems, so fall back to the output dir if that fails
	if tempDir := envconfig.TmpDir; tempDir != "" {
		if err := commitFile(tempDir, path, data); err == nil {
			return nil
		}

		slog.Warn("temp dir unusable for manifest, staging in output dir", "tmpdir", tempDir)
	}

	return commitFile(dir, path, data)
}

func commitFile(tempDir, path string, data []byte) error {
	temp, err := os.CreateTemp(tempDir, "manifest-")
	if err != nil {
		return &errtypes.IOError{Path: tempDir, Op: "create", Err: err}
	}
	defer temp.Close()
	defer os.Remove(temp.Name())

	if _, err := temp.Write(data); err != nil {
		return &errtypes.IOError{Path: temp.Name(), Op: "write", Err: err}
	}

	if err := temp.Close(); err != nil {
		return &errtypes.IOError{Path: temp.Name(), Op: "close", Err: err}
	}

	if err := os.Rename(temp.Name(), path); err != nil {
		return &errtypes.IOError{Path: path, Op: "rename", Err: err}
	}

	return nil
}

// dominantQuantization labels the run by the element type covering
// the most bytes across 2-D weights, skipping embedding and output
// tables. Ties break toward f16.
func (w *Writer) dominantQuantization() string {
	totals := make(map[string]int64)
	for _, name := range w.order {
		loc := w.tensors[name]
		if len(loc.Shape) != 2 || isEmbeddingName(name) {
			continue
		}

		totals[quantLabel(loc.Dtype)] += loc.Size
	}

	if len(totals) == 0 {
		return "f16"
	}

	labels := maps.Keys(totals)
	slices.Sort(labels)

	best := labels[0]
	for _, label := range labels[1:] {
		if totals[label] > totals[best] {
			best = label
		} else if totals[label] == totals[best] && label == "f16" {
			best = label
		}
	}

	return best
}

func isEmbeddingName(name string) bool {
	return strings.Contains(name, "embed") ||
		strings.Contains(name, "embd") ||
		strings.Contains(name, "lm_head") ||
		name == "output.weight"
}

// quantLabel maps an element type to its manifest label.
func quantLabel(dtype string) string {
	if dtype == "Q4_K" {
		return "q4_k_m"
	}

	return strings.ToLower(dtype)
}

func resolveHash(name string) string {
	switch name {
	case "", "xxh64":
		return "xxh64"
	case "sha256":
		return "sha256"
	default:
		slog.Warn("unknown hash algorithm, falling back to sha256", "requested", name)
		return "sha256"
	}
}

func hashBytes(algorithm string, data []byte) string {
	if algorithm == "xxh64" {
		return fmt.Sprintf("%016x", xxhash.Sum64(data))
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile streams a file through the named algorithm, for
// verification against shard records.
func HashFile(path, algorithm string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &errtypes.IOError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	if algorithm == "xxh64" {
		digest := xxhash.New()
		if _, err := io.Copy(digest, f); err != nil {
			return "", &errtypes.IOError{Path: path, Op: "read", Err: err}
		}

		return fmt.Sprintf("%016x", digest.Sum64()), nil
	}

	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", &errtypes.IOError{Path: path, Op: "read", Err: err}
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}

func padTo(offset, align int64) int64 {
	return (align - offset%align) % align
}
