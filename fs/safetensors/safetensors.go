// Package safetensors reads single-file and sharded safetensors
// checkpoints. Headers are parsed eagerly and validated; tensor data
// stays on disk behind io.ReaderAt windows until it is asked for.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/reploid-ai/rdrr/types/errtypes"
)

// MaxHeaderSize caps the JSON header read. Real checkpoints carry
// headers in the tens of kilobytes; anything past this is rejected
// before allocation.
const MaxHeaderSize = 100 << 20

// sideFileNames are checkpoint companions picked up from the model
// directory when present. They ride along as raw bytes.
var sideFileNames = []string{
	"config.json",
	"tokenizer_config.json",
	"tokenizer.json",
}

// dtypeWidths maps each supported dtype to its element width in
// bytes.
var dtypeWidths = map[string]int64{
	"F64":  8,
	"F32":  4,
	"F16":  2,
	"BF16": 2,
	"I64":  8,
	"I32":  4,
	"I16":  2,
	"I8":   1,
	"U8":   1,
	"BOOL": 1,
}

// DtypeWidth returns the element width of a dtype in bytes.
func DtypeWidth(dtype string) (int64, bool) {
	width, ok := dtypeWidths[dtype]
	return width, ok
}

// Tensor locates one tensor inside an open checkpoint. It stays valid
// until the owning Model is closed.
type Tensor struct {
	Name  string
	Dtype string
	Shape []uint64

	// Path is the checkpoint file holding the data, relative to the
	// model directory.
	Path string

	file   *os.File
	offset int64
	size   int64
}

// Size returns the byte size of the tensor data.
func (t *Tensor) Size() int64 {
	return t.size
}

// Elements returns the number of values in the tensor.
func (t *Tensor) Elements() uint64 {
	n := uint64(1)
	for _, dim := range t.Shape {
		n *= dim
	}

	return n
}

// Reader returns a reader over the tensor bytes. Readers are
// independent, so tensors can be read concurrently.
func (t *Tensor) Reader() io.Reader {
	return io.NewSectionReader(t.file, t.offset, t.size)
}

// Bytes reads the whole tensor into memory.
func (t *Tensor) Bytes() ([]byte, error) {
	bts := make([]byte, t.size)
	if _, err := t.file.ReadAt(bts, t.offset); err != nil {
		return nil, &errtypes.IOError{Path: t.Path, Op: "read", Err: err}
	}

	return bts, nil
}

// Model is an open checkpoint: every tensor across one or more
// safetensors files, merged header metadata, and any side files that
// travel with the weights.
type Model struct {
	// Tensors is sorted by name.
	Tensors []*Tensor

	// Metadata merges the __metadata__ entries of all files.
	Metadata map[string]string

	// SideFiles holds raw config.json and tokenizer files when
	// present next to the weights.
	SideFiles map[string][]byte

	files []*os.File
}

// Close releases the underlying files. Tensors must not be read after
// Close.
func (m *Model) Close() error {
	var errs []error
	for _, f := range m.files {
		errs = append(errs, f.Close())
	}

	return errors.Join(errs...)
}

// Tensor returns the named tensor, or nil.
func (m *Model) Tensor(name string) *Tensor {
	i, ok := slices.BinarySearchFunc(m.Tensors, name, func(t *Tensor, name string) int {
		return strings.Compare(t.Name, name)
	})
	if !ok {
		return nil
	}

	return m.Tensors[i]
}

// Open reads a single safetensors file. Side files are picked up from
// the file's directory.
func Open(path string) (*Model, error) {
	m := &Model{Metadata: make(map[string]string)}
	if err := m.addFile(filepath.Dir(path), filepath.Base(path)); err != nil {
		m.Close()
		if errors.Is(err, os.ErrNotExist) {
			return nil, &errtypes.IOError{Path: path, Op: "open", Err: err}
		}

		return nil, err
	}

	m.finish(filepath.Dir(path))
	return m, nil
}

// OpenDir reads a sharded checkpoint directory. A
// *.safetensors.index.json drives shard selection when present;
// otherwise every *.safetensors file is merged in sorted order.
func OpenDir(dir string) (*Model, error) {
	indexes, err := filepath.Glob(filepath.Join(dir, "*.safetensors.index.json"))
	if err != nil {
		return nil, err
	}

	if len(indexes) > 0 {
		return openIndexed(dir, indexes[0])
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}

	if len(matches) == 0 {
		return nil, &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("no safetensors files in %s", dir)}
	}

	m := &Model{Metadata: make(map[string]string)}
	for _, match := range matches {
		if err := m.addFile(dir, filepath.Base(match)); err != nil {
			m.Close()
			return nil, err
		}
	}

	m.finish(dir)
	return m, nil
}

func openIndexed(dir, indexPath string) (*Model, error) {
	bts, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, &errtypes.IOError{Path: indexPath, Op: "read", Err: err}
	}

	var index struct {
		Metadata  map[string]any    `json:"metadata"`
		WeightMap map[string]string `json:"weight_map"`
	}
	if err := json.Unmarshal(bts, &index); err != nil {
		return nil, &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("malformed index %s: %v", filepath.Base(indexPath), err)}
	}

	if len(index.WeightMap) == 0 {
		return nil, &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("index %s has an empty weight_map", filepath.Base(indexPath))}
	}

	shards := make(map[string]struct{})
	for name, shard := range index.WeightMap {
		if !filepath.IsLocal(shard) {
			return nil, &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("index maps %q outside the checkpoint directory", name)}
		}

		shards[shard] = struct{}{}
	}

	names := maps.Keys(shards)
	slices.Sort(names)

	m := &Model{Metadata: make(map[string]string)}
	for _, name := range names {
		err := m.addFile(dir, name)
		if errors.Is(err, os.ErrNotExist) {
			m.Close()
			return nil, &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("index references missing file %q", name)}
		} else if err != nil {
			m.Close()
			return nil, err
		}
	}

	// Every indexed tensor must have shown up in its shard.
	for name, shard := range index.WeightMap {
		t := m.tensorUnsorted(name)
		if t == nil {
			m.Close()
			return nil, &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("index lists %q but %s does not contain it", name, shard)}
		}
	}

	m.finish(dir)
	return m, nil
}

// addFile opens and parses one safetensors file, appending its
// tensors to the model.
func (m *Model) addFile(dir, name string) error {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}

		return &errtypes.IOError{Path: path, Op: "open", Err: err}
	}

	m.files = append(m.files, f)

	fi, err := f.Stat()
	if err != nil {
		return &errtypes.IOError{Path: path, Op: "stat", Err: err}
	}

	var headerLen uint64
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("%s: truncated header length", name)}
	}

	if headerLen == 0 {
		return &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("%s: empty header", name)}
	}

	if headerLen > MaxHeaderSize {
		return &errtypes.SizeGuardError{What: "header", Size: headerLen, Limit: MaxHeaderSize}
	}

	dataStart := 8 + int64(headerLen)
	if dataStart > fi.Size() {
		return &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("%s: header extends past the end of the file", name)}
	}

	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(f, buf); err != nil {
		return &errtypes.IOError{Path: path, Op: "read", Err: err}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf, &raw); err != nil {
		return &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("%s: malformed JSON header: %v", name, err)}
	}

	keys := maps.Keys(raw)
	slices.Sort(keys)

	for _, key := range keys {
		if key == "__metadata__" {
			var meta map[string]string
			if err := json.Unmarshal(raw[key], &meta); err != nil {
				return &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("%s: malformed __metadata__: %v", name, err)}
			}

			maps.Copy(m.Metadata, meta)
			continue
		}

		var meta struct {
			Dtype   string   `json:"dtype"`
			Shape   []uint64 `json:"shape"`
			Offsets []int64  `json:"data_offsets"`
		}
		if err := json.Unmarshal(raw[key], &meta); err != nil {
			return &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("%s: malformed entry for %q: %v", name, key, err)}
		}

		width, ok := dtypeWidths[meta.Dtype]
		if !ok {
			return &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("%s: unsupported dtype %q for %q", name, meta.Dtype, key)}
		}

		// Zero-dimensional entries are quantization state from
		// formats like bitsandbytes, not weights.
		if len(meta.Shape) == 0 {
			return &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("%s: tensor %q has no shape", name, key)}
		}

		if len(meta.Offsets) != 2 || meta.Offsets[0] < 0 || meta.Offsets[1] < meta.Offsets[0] {
			return &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("%s: invalid data_offsets for %q", name, key)}
		}

		if dataStart+meta.Offsets[1] > fi.Size() {
			return &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("%s: tensor %q points past the end of the file", name, key)}
		}

		elements := uint64(1)
		for _, dim := range meta.Shape {
			elements *= dim
		}

		if size := meta.Offsets[1] - meta.Offsets[0]; size != int64(elements)*width {
			return &errtypes.FormatError{
				Format: "safetensors",
				Reason: fmt.Sprintf("%s: tensor %q is %d bytes, want %d for %v %s", name, key, size, int64(elements)*width, meta.Shape, meta.Dtype),
			}
		}

		if t := m.tensorUnsorted(key); t != nil {
			return &errtypes.FormatError{Format: "safetensors", Reason: fmt.Sprintf("duplicate tensor %q in %s and %s", key, t.Path, name)}
		}

		m.Tensors = append(m.Tensors, &Tensor{
			Name:   key,
			Dtype:  meta.Dtype,
			Shape:  meta.Shape,
			Path:   name,
			file:   f,
			offset: dataStart + meta.Offsets[0],
			size:   meta.Offsets[1] - meta.Offsets[0],
		})
	}

	return nil
}

// tensorUnsorted scans linearly; it serves the parse phase before
// finish sorts the slice.
func (m *Model) tensorUnsorted(name string) *Tensor {
	for _, t := range m.Tensors {
		if t.Name == name {
			return t
		}
	}

	return nil
}

func (m *Model) finish(dir string) {
	slices.SortFunc(m.Tensors, func(a, b *Tensor) int {
		return strings.Compare(a.Name, b.Name)
	})

	m.SideFiles = make(map[string][]byte)
	for _, name := range sideFileNames {
		if bts, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			m.SideFiles[name] = bts
		}
	}
}
