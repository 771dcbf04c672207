package ggml

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/reploid-ai/rdrr/fs/util/bufioutil"
	"github.com/reploid-ai/rdrr/types/errtypes"
)

const (
	// fileMagic spells "GGUF" when read little-endian.
	fileMagic = 0x46554747
	// fileMagicBE is the same file written big-endian.
	fileMagicBE = 0x47475546
)

const (
	// MaxStringLength caps any string length declared in metadata.
	MaxStringLength = 1 << 20
	// MaxArrayLength caps any element count declared in metadata,
	// including the tensor directory itself.
	MaxArrayLength = 10_000_000
)

const (
	ggufTypeUint8 uint32 = iota
	ggufTypeInt8
	ggufTypeUint16
	ggufTypeInt16
	ggufTypeUint32
	ggufTypeInt32
	ggufTypeFloat32
	ggufTypeBool
	ggufTypeString
	ggufTypeArray
	ggufTypeUint64
	ggufTypeInt64
	ggufTypeFloat64
)

// Decode reads a GGUF file: magic, version, metadata key-values, and the
// tensor directory. Tensor payloads are left in place; the returned File
// records where they start. Strings and arrays apply size guards before
// any allocation driven by a length read from the file.
func Decode(rs io.ReadSeeker) (*File, error) {
	length, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}

	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	br := bufioutil.NewBufferedSeeker(rs, 32<<10)

	magic, err := readGGUF[uint32](br)
	if err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}

	switch magic {
	case fileMagic:
	case fileMagicBE:
		return nil, &errtypes.FormatError{Format: "gguf", Reason: "big-endian files are not supported"}
	default:
		return nil, &errtypes.FormatError{Format: "gguf", Reason: fmt.Sprintf("bad magic %#08x", magic)}
	}

	version, err := readGGUF[uint32](br)
	if err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}

	switch version {
	case 2, 3:
	case 1:
		return nil, &errtypes.FormatError{Format: "gguf", Reason: "version 1 files are not supported"}
	default:
		return nil, &errtypes.FormatError{Format: "gguf", Reason: fmt.Sprintf("unsupported version %d", version)}
	}

	numTensor, err := readGGUF[uint64](br)
	if err != nil {
		return nil, fmt.Errorf("reading tensor count: %w", err)
	}

	if numTensor > MaxArrayLength {
		return nil, &errtypes.SizeGuardError{What: "tensor directory", Size: numTensor, Limit: MaxArrayLength}
	}

	numKV, err := readGGUF[uint64](br)
	if err != nil {
		return nil, fmt.Errorf("reading metadata count: %w", err)
	}

	if numKV > MaxArrayLength {
		return nil, &errtypes.SizeGuardError{What: "metadata table", Size: numKV, Limit: MaxArrayLength}
	}

	kv := make(KV, numKV)
	for i := uint64(0); i < numKV; i++ {
		k, err := readGGUFString(br)
		if err != nil {
			return nil, fmt.Errorf("reading metadata key: %w", err)
		}

		t, err := readGGUF[uint32](br)
		if err != nil {
			return nil, fmt.Errorf("reading metadata type for %q: %w", k, err)
		}

		var v any
		switch t {
		case ggufTypeUint8:
			v, err = readGGUF[uint8](br)
		case ggufTypeInt8:
			v, err = readGGUF[int8](br)
		case ggufTypeUint16:
			v, err = readGGUF[uint16](br)
		case ggufTypeInt16:
			v, err = readGGUF[int16](br)
		case ggufTypeUint32:
			v, err = readGGUF[uint32](br)
		case ggufTypeInt32:
			v, err = readGGUF[int32](br)
		case ggufTypeUint64:
			v, err = readGGUF[uint64](br)
		case ggufTypeInt64:
			v, err = readGGUF[int64](br)
		case ggufTypeFloat32:
			v, err = readGGUF[float32](br)
		case ggufTypeFloat64:
			v, err = readGGUF[float64](br)
		case ggufTypeBool:
			v, err = readGGUF[bool](br)
		case ggufTypeString:
			v, err = readGGUFString(br)
		case ggufTypeArray:
			v, err = readGGUFArray(br)
		default:
			return nil, &errtypes.FormatError{Format: "gguf", Reason: fmt.Sprintf("invalid metadata type %d for %q", t, k)}
		}

		if err != nil {
			return nil, fmt.Errorf("reading metadata value for %q: %w", k, err)
		}

		kv[k] = v
	}

	var parameters uint64
	tensors := make([]*Tensor, 0, numTensor)
	for i := uint64(0); i < numTensor; i++ {
		name, err := readGGUFString(br)
		if err != nil {
			return nil, fmt.Errorf("reading tensor name: %w", err)
		}

		dims, err := readGGUF[uint32](br)
		if err != nil {
			return nil, fmt.Errorf("reading dimensions for %q: %w", name, err)
		}

		if dims < 1 || dims > 4 {
			return nil, &errtypes.FormatError{Format: "gguf", Reason: fmt.Sprintf("tensor %q has %d dimensions", name, dims)}
		}

		// dimensions are stored innermost first, surfaced outermost first
		shape := make([]uint64, dims)
		for i := range shape {
			shape[i], err = readGGUF[uint64](br)
			if err != nil {
				return nil, fmt.Errorf("reading shape for %q: %w", name, err)
			}
		}
		slices.Reverse(shape)

		kind, err := readGGUF[uint32](br)
		if err != nil {
			return nil, fmt.Errorf("reading type for %q: %w", name, err)
		}

		if TensorType(kind).TypeSize() == 0 {
			return nil, &errtypes.FormatError{Format: "gguf", Reason: fmt.Sprintf("tensor %q has unsupported type %d", name, kind)}
		}

		offset, err := readGGUF[uint64](br)
		if err != nil {
			return nil, fmt.Errorf("reading offset for %q: %w", name, err)
		}

		tensor := Tensor{
			Name:   name,
			Kind:   kind,
			Offset: offset,
			Shape:  shape,
		}

		tensors = append(tensors, &tensor)
		parameters += tensor.Elements()
	}

	// patch KV with parameter count
	kv["general.parameter_count"] = parameters

	alignment := kv.Alignment()
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil, &errtypes.FormatError{Format: "gguf", Reason: fmt.Sprintf("alignment %d is not a power of two", alignment)}
	}

	pos, err := br.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	dataOffset := pos + padding(pos, int64(alignment))

	var end uint64
	for _, tensor := range tensors {
		if tensor.Offset%uint64(alignment) != 0 {
			return nil, &errtypes.FormatError{Format: "gguf", Reason: fmt.Sprintf("tensor %q offset %d is not %d-byte aligned", tensor.Name, tensor.Offset, alignment)}
		}

		if tensor.Offset < end {
			return nil, &errtypes.FormatError{Format: "gguf", Reason: fmt.Sprintf("tensor %q overlaps the previous tensor", tensor.Name)}
		}

		end = tensor.Offset + tensor.Size()
	}

	if numTensor > 0 && int64(end) > length-dataOffset {
		return nil, &errtypes.FormatError{Format: "gguf", Reason: fmt.Sprintf("file truncated: tensor data needs %d bytes, have %d", end, length-dataOffset)}
	}

	return &File{
		KV:      kv,
		Tensors: Tensors{items: tensors, Offset: uint64(dataOffset)},
		Length:  length,
	}, nil
}

func readGGUF[T any](r io.Reader) (T, error) {
	var t T
	err := binary.Read(r, binary.LittleEndian, &t)
	return t, err
}

func readGGUFString(r io.Reader) (string, error) {
	length, err := readGGUF[uint64](r)
	if err != nil {
		return "", err
	}

	if length > MaxStringLength {
		return "", &errtypes.SizeGuardError{What: "string", Size: length, Limit: MaxStringLength}
	}

	var b bytes.Buffer
	if _, err := io.CopyN(&b, r, int64(length)); err != nil {
		return "", err
	}

	return b.String(), nil
}

type scalarType interface {
	uint8 | int8 | uint16 | int16 | uint32 | int32 |
		uint64 | int64 | float32 | float64 | bool
}

func readGGUFArrayData[T scalarType](r io.Reader, n uint64) ([]T, error) {
	s := make([]T, n)
	if err := binary.Read(r, binary.LittleEndian, s); err != nil {
		return nil, err
	}

	return s, nil
}

func readGGUFArray(r io.Reader) (any, error) {
	t, err := readGGUF[uint32](r)
	if err != nil {
		return nil, err
	}

	n, err := readGGUF[uint64](r)
	if err != nil {
		return nil, err
	}

	if n > MaxArrayLength {
		return nil, &errtypes.SizeGuardError{What: "array", Size: n, Limit: MaxArrayLength}
	}

	switch t {
	case ggufTypeUint8:
		return readGGUFArrayData[uint8](r, n)
	case ggufTypeInt8:
		return readGGUFArrayData[int8](r, n)
	case ggufTypeUint16:
		return readGGUFArrayData[uint16](r, n)
	case ggufTypeInt16:
		return readGGUFArrayData[int16](r, n)
	case ggufTypeUint32:
		return readGGUFArrayData[uint32](r, n)
	case ggufTypeInt32:
		return readGGUFArrayData[int32](r, n)
	case ggufTypeUint64:
		return readGGUFArrayData[uint64](r, n)
	case ggufTypeInt64:
		return readGGUFArrayData[int64](r, n)
	case ggufTypeFloat32:
		return readGGUFArrayData[float32](r, n)
	case ggufTypeFloat64:
		return readGGUFArrayData[float64](r, n)
	case ggufTypeBool:
		return readGGUFArrayData[bool](r, n)
	case ggufTypeString:
		s := make([]string, n)
		for i := range s {
			s[i], err = readGGUFString(r)
			if err != nil {
				return nil, err
			}
		}
		return s, nil
	case ggufTypeArray:
		s := make([]any, n)
		for i := range s {
			s[i], err = readGGUFArray(r)
			if err != nil {
				return nil, err
			}
		}
		return s, nil
	default:
		return nil, &errtypes.FormatError{Format: "gguf", Reason: fmt.Sprintf("invalid array type %d", t)}
	}
}

// WriteGGUF writes a version 3, little-endian GGUF file: metadata in
// sorted key order, the tensor directory, then 32-byte aligned tensor
// data in the order given.
func WriteGGUF(ws io.WriteSeeker, kv KV, ts []*Tensor) error {
	if err := binary.Write(ws, binary.LittleEndian, []byte("GGUF")); err != nil {
		return err
	}

	if err := binary.Write(ws, binary.LittleEndian, uint32(3)); err != nil {
		return err
	}

	if err := binary.Write(ws, binary.LittleEndian, uint64(len(ts))); err != nil {
		return err
	}

	if err := binary.Write(ws, binary.LittleEndian, uint64(len(kv))); err != nil {
		return err
	}

	keys := maps.Keys(kv)
	slices.Sort(keys)

	for _, k := range keys {
		if err := writeGGUFString(ws, k); err != nil {
			return err
		}

		var err error
		switch v := kv[k].(type) {
		case uint32:
			err = writeGGUF(ws, ggufTypeUint32, v)
		case int32:
			err = writeGGUF(ws, ggufTypeInt32, v)
		case uint64:
			err = writeGGUF(ws, ggufTypeUint64, v)
		case float32:
			err = writeGGUF(ws, ggufTypeFloat32, v)
		case bool:
			err = writeGGUF(ws, ggufTypeBool, v)
		case string:
			if err := binary.Write(ws, binary.LittleEndian, ggufTypeString); err != nil {
				return err
			}
			err = writeGGUFString(ws, v)
		case []uint32:
			err = writeGGUFArray(ws, ggufTypeUint32, v)
		case []int32:
			err = writeGGUFArray(ws, ggufTypeInt32, v)
		case []float32:
			err = writeGGUFArray(ws, ggufTypeFloat32, v)
		case []string:
			if err := binary.Write(ws, binary.LittleEndian, ggufTypeArray); err != nil {
				return err
			}
			if err := binary.Write(ws, binary.LittleEndian, ggufTypeString); err != nil {
				return err
			}
			if err := binary.Write(ws, binary.LittleEndian, uint64(len(v))); err != nil {
				return err
			}
			for _, e := range v {
				if err := writeGGUFString(ws, e); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unsupported metadata type %T for %q", v, k)
		}
		if err != nil {
			return err
		}
	}

	var offset uint64
	for _, t := range ts {
		if err := writeGGUFString(ws, t.Name); err != nil {
			return err
		}

		dims := len(t.Shape)
		if err := binary.Write(ws, binary.LittleEndian, uint32(dims)); err != nil {
			return err
		}

		for i := range t.Shape {
			if err := binary.Write(ws, binary.LittleEndian, t.Shape[dims-1-i]); err != nil {
				return err
			}
		}

		if err := binary.Write(ws, binary.LittleEndian, t.Kind); err != nil {
			return err
		}

		if err := binary.Write(ws, binary.LittleEndian, offset); err != nil {
			return err
		}

		offset += t.Size()
		offset += uint64(padding(int64(offset), 32))
	}

	pos, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	if err := binary.Write(ws, binary.LittleEndian, bytes.Repeat([]byte{0}, int(padding(pos, 32)))); err != nil {
		return err
	}

	for _, t := range ts {
		if _, err := t.WriteTo(ws); err != nil {
			return err
		}

		pos, err := ws.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}

		if err := binary.Write(ws, binary.LittleEndian, bytes.Repeat([]byte{0}, int(padding(pos, 32)))); err != nil {
			return err
		}
	}

	return nil
}

func writeGGUF[V any](ws io.Writer, t uint32, v V) error {
	if err := binary.Write(ws, binary.LittleEndian, t); err != nil {
		return err
	}

	return binary.Write(ws, binary.LittleEndian, v)
}

func writeGGUFString(ws io.Writer, s string) error {
	if err := binary.Write(ws, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}

	_, err := io.Copy(ws, strings.NewReader(s))
	return err
}

func writeGGUFArray[S ~[]E, E scalarType](ws io.Writer, t uint32, s S) error {
	if err := binary.Write(ws, binary.LittleEndian, ggufTypeArray); err != nil {
		return err
	}

	if err := binary.Write(ws, binary.LittleEndian, t); err != nil {
		return err
	}

	if err := binary.Write(ws, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}

	return binary.Write(ws, binary.LittleEndian, s)
}

func padding(offset, align int64) int64 {
	return (align - offset%align) % align
}
