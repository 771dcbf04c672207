package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reploid-ai/rdrr/types/errtypes"
)

type fixtureTensor struct {
	dtype string
	shape []uint64
	data  []byte
}

// writeFixture lays out tensors back to back in sorted name order and
// writes a complete safetensors file.
func writeFixture(tb testing.TB, path string, tensors map[string]fixtureTensor, metadata map[string]string) {
	tb.Helper()

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}

	// Offsets are assigned in sorted name order so fixtures are
	// deterministic.
	slices.Sort(names)

	header := make(map[string]any, len(tensors)+1)
	if metadata != nil {
		header["__metadata__"] = metadata
	}

	var offset int64
	var data []byte
	for _, name := range names {
		t := tensors[name]
		header[name] = map[string]any{
			"dtype":        t.dtype,
			"shape":        t.shape,
			"data_offsets": []int64{offset, offset + int64(len(t.data))},
		}
		offset += int64(len(t.data))
		data = append(data, t.data...)
	}

	bts, err := json.Marshal(header)
	require.NoError(tb, err)

	f, err := os.Create(path)
	require.NoError(tb, err)
	defer f.Close()

	require.NoError(tb, binary.Write(f, binary.LittleEndian, uint64(len(bts))))
	_, err = f.Write(bts)
	require.NoError(tb, err)
	_, err = f.Write(data)
	require.NoError(tb, err)
}

func f32bytes(vs ...float32) []byte {
	bts := make([]byte, 0, len(vs)*4)
	for _, v := range vs {
		bts = binary.LittleEndian.AppendUint32(bts, math.Float32bits(v))
	}

	return bts
}

func TestOpenSingle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")

	writeFixture(t, path, map[string]fixtureTensor{
		"model.embed_tokens.weight": {dtype: "F32", shape: []uint64{2, 2}, data: f32bytes(1, 2, 3, 4)},
		"model.norm.weight":         {dtype: "F16", shape: []uint64{4}, data: []byte{0, 0x3c, 0, 0x3c, 0, 0x3c, 0, 0x3c}},
	}, map[string]string{"format": "pt"})

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	require.Len(t, m.Tensors, 2)
	assert.Equal(t, "model.embed_tokens.weight", m.Tensors[0].Name)
	assert.Equal(t, "model.norm.weight", m.Tensors[1].Name)
	assert.Equal(t, map[string]string{"format": "pt"}, m.Metadata)

	embed := m.Tensor("model.embed_tokens.weight")
	require.NotNil(t, embed)
	assert.Equal(t, "F32", embed.Dtype)
	assert.Equal(t, []uint64{2, 2}, embed.Shape)
	assert.Equal(t, int64(16), embed.Size())
	assert.Equal(t, uint64(4), embed.Elements())

	bts, err := embed.Bytes()
	require.NoError(t, err)
	assert.Equal(t, f32bytes(1, 2, 3, 4), bts)

	norm := m.Tensor("model.norm.weight")
	require.NotNil(t, norm)
	got, err := io.ReadAll(norm.Reader())
	require.NoError(t, err)
	assert.Len(t, got, 8)

	assert.Nil(t, m.Tensor("missing"))
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.safetensors"))

	var ioErr *errtypes.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "open", ioErr.Op)
}

func TestOpenBadHeaders(t *testing.T) {
	dir := t.TempDir()

	write := func(name string, bts []byte) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, bts, 0o644))
		return path
	}

	u64 := func(n uint64) []byte {
		return binary.LittleEndian.AppendUint64(nil, n)
	}

	cases := []struct {
		name   string
		bts    []byte
		reason string
	}{
		{"truncated.safetensors", []byte{1, 2, 3}, "truncated header length"},
		{"empty.safetensors", u64(0), "empty header"},
		{"pasteof.safetensors", append(u64(1000), '{'), "past the end"},
		{"badjson.safetensors", append(u64(4), []byte("{..}")...), "malformed JSON header"},
	}

	for _, tt := range cases {
		_, err := Open(write(tt.name, tt.bts))

		var formatErr *errtypes.FormatError
		require.ErrorAsf(t, err, &formatErr, "case %s", tt.name)
		assert.Containsf(t, formatErr.Reason, tt.reason, "case %s", tt.name)
	}
}

func TestOpenHeaderSizeGuard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.safetensors")

	bts := binary.LittleEndian.AppendUint64(nil, MaxHeaderSize+1)
	require.NoError(t, os.WriteFile(path, bts, 0o644))

	_, err := Open(path)

	var guardErr *errtypes.SizeGuardError
	require.ErrorAs(t, err, &guardErr)
	assert.Equal(t, "header", guardErr.What)
}

func TestOpenEntryValidation(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name   string
		entry  map[string]any
		data   []byte
		reason string
	}{
		{
			name:   "baddtype",
			entry:  map[string]any{"dtype": "Q8_0", "shape": []uint64{2}, "data_offsets": []int64{0, 2}},
			data:   []byte{0, 0},
			reason: "unsupported dtype",
		},
		{
			name:   "noshape",
			entry:  map[string]any{"dtype": "F32", "shape": []uint64{}, "data_offsets": []int64{0, 4}},
			data:   []byte{0, 0, 0, 0},
			reason: "has no shape",
		},
		{
			name:   "badoffsets",
			entry:  map[string]any{"dtype": "F32", "shape": []uint64{1}, "data_offsets": []int64{4, 0}},
			data:   []byte{0, 0, 0, 0},
			reason: "invalid data_offsets",
		},
		{
			name:   "sizemismatch",
			entry:  map[string]any{"dtype": "F32", "shape": []uint64{3}, "data_offsets": []int64{0, 4}},
			data:   []byte{0, 0, 0, 0},
			reason: "want 12",
		},
		{
			name:   "pastend",
			entry:  map[string]any{"dtype": "F32", "shape": []uint64{4}, "data_offsets": []int64{0, 16}},
			data:   []byte{0, 0, 0, 0},
			reason: "past the end",
		},
	}

	for _, tt := range cases {
		header, err := json.Marshal(map[string]any{"w": tt.entry})
		require.NoError(t, err)

		path := filepath.Join(dir, tt.name+".safetensors")
		bts := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
		bts = append(bts, header...)
		bts = append(bts, tt.data...)
		require.NoError(t, os.WriteFile(path, bts, 0o644))

		_, err = Open(path)

		var formatErr *errtypes.FormatError
		require.ErrorAsf(t, err, &formatErr, "case %s", tt.name)
		assert.Containsf(t, formatErr.Reason, tt.reason, "case %s", tt.name)
	}
}

func TestOpenDirGlob(t *testing.T) {
	dir := t.TempDir()

	writeFixture(t, filepath.Join(dir, "model-00001-of-00002.safetensors"), map[string]fixtureTensor{
		"a.weight": {dtype: "F32", shape: []uint64{1}, data: f32bytes(1)},
	}, nil)
	writeFixture(t, filepath.Join(dir, "model-00002-of-00002.safetensors"), map[string]fixtureTensor{
		"b.weight": {dtype: "F32", shape: []uint64{1}, data: f32bytes(2)},
	}, nil)

	m, err := OpenDir(dir)
	require.NoError(t, err)
	defer m.Close()

	require.Len(t, m.Tensors, 2)
	assert.Equal(t, "a.weight", m.Tensors[0].Name)
	assert.Equal(t, "model-00001-of-00002.safetensors", m.Tensors[0].Path)
	assert.Equal(t, "b.weight", m.Tensors[1].Name)
	assert.Equal(t, "model-00002-of-00002.safetensors", m.Tensors[1].Path)
}

func TestOpenDirEmpty(t *testing.T) {
	_, err := OpenDir(t.TempDir())

	var formatErr *errtypes.FormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Contains(t, formatErr.Reason, "no safetensors files")
}

func TestOpenDirDuplicate(t *testing.T) {
	dir := t.TempDir()

	writeFixture(t, filepath.Join(dir, "model-00001-of-00002.safetensors"), map[string]fixtureTensor{
		"a.weight": {dtype: "F32", shape: []uint64{1}, data: f32bytes(1)},
	}, nil)
	writeFixture(t, filepath.Join(dir, "model-00002-of-00002.safetensors"), map[string]fixtureTensor{
		"a.weight": {dtype: "F32", shape: []uint64{1}, data: f32bytes(2)},
	}, nil)

	_, err := OpenDir(dir)

	var formatErr *errtypes.FormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Contains(t, formatErr.Reason, "duplicate tensor")
}

func writeIndex(tb testing.TB, dir string, weightMap map[string]string) {
	tb.Helper()

	bts, err := json.Marshal(map[string]any{
		"metadata":   map[string]any{"total_size": 8},
		"weight_map": weightMap,
	})
	require.NoError(tb, err)
	require.NoError(tb, os.WriteFile(filepath.Join(dir, "model.safetensors.index.json"), bts, 0o644))
}

func TestOpenDirIndexed(t *testing.T) {
	dir := t.TempDir()

	writeFixture(t, filepath.Join(dir, "shard-a.safetensors"), map[string]fixtureTensor{
		"a.weight": {dtype: "F32", shape: []uint64{1}, data: f32bytes(1)},
	}, nil)
	writeFixture(t, filepath.Join(dir, "shard-b.safetensors"), map[string]fixtureTensor{
		"b.weight": {dtype: "F32", shape: []uint64{1}, data: f32bytes(2)},
	}, nil)

	// A stray unindexed file must not be picked up.
	writeFixture(t, filepath.Join(dir, "stray.safetensors"), map[string]fixtureTensor{
		"stray.weight": {dtype: "F32", shape: []uint64{1}, data: f32bytes(3)},
	}, nil)

	writeIndex(t, dir, map[string]string{
		"a.weight": "shard-a.safetensors",
		"b.weight": "shard-b.safetensors",
	})

	m, err := OpenDir(dir)
	require.NoError(t, err)
	defer m.Close()

	require.Len(t, m.Tensors, 2)
	assert.NotNil(t, m.Tensor("a.weight"))
	assert.NotNil(t, m.Tensor("b.weight"))
	assert.Nil(t, m.Tensor("stray.weight"))
}

func TestOpenDirIndexMissingShard(t *testing.T) {
	dir := t.TempDir()

	writeIndex(t, dir, map[string]string{"a.weight": "gone.safetensors"})

	_, err := OpenDir(dir)

	var formatErr *errtypes.FormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Contains(t, formatErr.Reason, "missing file")
}

func TestOpenDirIndexMissingTensor(t *testing.T) {
	dir := t.TempDir()

	writeFixture(t, filepath.Join(dir, "shard-a.safetensors"), map[string]fixtureTensor{
		"a.weight": {dtype: "F32", shape: []uint64{1}, data: f32bytes(1)},
	}, nil)

	writeIndex(t, dir, map[string]string{
		"a.weight": "shard-a.safetensors",
		"b.weight": "shard-a.safetensors",
	})

	_, err := OpenDir(dir)

	var formatErr *errtypes.FormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Contains(t, formatErr.Reason, `lists "b.weight"`)
}

func TestOpenDirIndexEscape(t *testing.T) {
	dir := t.TempDir()

	writeIndex(t, dir, map[string]string{"a.weight": "../outside.safetensors"})

	_, err := OpenDir(dir)

	var formatErr *errtypes.FormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Contains(t, formatErr.Reason, "outside the checkpoint")
}

func TestSideFiles(t *testing.T) {
	dir := t.TempDir()

	writeFixture(t, filepath.Join(dir, "model.safetensors"), map[string]fixtureTensor{
		"a.weight": {dtype: "F32", shape: []uint64{1}, data: f32bytes(1)},
	}, nil)

	config := []byte(`{"hidden_size": 2048}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), config, 0o644))

	m, err := OpenDir(dir)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, config, m.SideFiles["config.json"])
	assert.NotContains(t, m.SideFiles, "tokenizer.json")
}

func TestDtypeWidth(t *testing.T) {
	cases := map[string]int64{
		"F64": 8, "F32": 4, "F16": 2, "BF16": 2,
		"I64": 8, "I32": 4, "I16": 2, "I8": 1, "U8": 1, "BOOL": 1,
	}

	for dtype, want := range cases {
		got, ok := DtypeWidth(dtype)
		require.Truef(t, ok, "dtype %s", dtype)
		assert.Equalf(t, want, got, "dtype %s", dtype)
	}

	_, ok := DtypeWidth("Q4_K")
	assert.False(t, ok)
}
