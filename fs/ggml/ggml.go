// Package ggml holds the tensor and metadata vocabulary shared by every
// reader and writer in the converter: element types with their block and
// byte sizes, typed GGUF metadata, and tensor descriptors.
package ggml

import (
	"fmt"
	"io"
	"slices"
	"strings"
)

// File is a decoded GGUF file: metadata plus the tensor directory. Tensor
// payloads are not read; callers window into the source file using
// Tensors.Offset and each tensor's relative offset.
type File struct {
	KV      KV
	Tensors Tensors

	// Length is the total size of the file in bytes.
	Length int64
}

type Tensors struct {
	items []*Tensor

	// Offset is the absolute file offset where tensor data begins,
	// always a multiple of the file's alignment.
	Offset uint64
}

func (s Tensors) Items(prefix ...string) []*Tensor {
	if len(prefix) == 0 {
		return s.items
	}

	var items []*Tensor
	for _, t := range s.items {
		if strings.HasPrefix(t.Name, prefix[0]) {
			items = append(items, t)
		}
	}

	return items
}

// GroupLayers buckets tensors by their layer: "blk.3.attn_q.weight"
// lands in layer "blk.3" under key "attn_q.weight", top-level tensors
// land in a layer named by their first name segment.
func (ts Tensors) GroupLayers() map[string]Layer {
	layers := make(map[string]Layer)
	for _, t := range ts.items {
		parts := strings.Split(t.Name, ".")
		if index := slices.IndexFunc(parts, func(s string) bool { return s == "blk" || s == "layers" }); index != -1 {
			if len(parts) > index+2 {
				// blk and layers carry a layer number, keep it in the group name
				parts = append(
					[]string{strings.Join(parts[:index+2], ".")},
					parts[index+2:]...)
			}
		}

		if _, ok := layers[parts[0]]; !ok {
			layers[parts[0]] = make(Layer)
		}

		layers[parts[0]][strings.Join(parts[1:], ".")] = t
	}

	return layers
}

type Layer map[string]*Tensor

func (l Layer) Size() (size uint64) {
	for _, t := range l {
		size += t.Size()
	}

	return size
}

// Tensor describes one entry of a tensor directory. Shape is ordered
// outermost dimension first.
type Tensor struct {
	Name   string `json:"name"`
	Kind   uint32 `json:"kind"`
	Offset uint64 `json:"-"`

	// Shape is the number of elements in each dimension
	Shape []uint64 `json:"shape"`

	io.WriterTo `json:"-"`
}

func (t Tensor) block() (n int) {
	if _, err := fmt.Sscanf(t.Name, "blk.%d.", &n); err != nil {
		return -1
	}

	return
}

func (t Tensor) blockSize() uint64 {
	return TensorType(t.Kind).BlockSize()
}

func (t Tensor) typeSize() uint64 {
	return TensorType(t.Kind).TypeSize()
}

func (t Tensor) Elements() uint64 {
	var count uint64 = 1
	for _, n := range t.Shape {
		count *= n
	}
	return count
}

func (t Tensor) Size() uint64 {
	return t.Elements() * t.typeSize() / t.blockSize()
}

func (t Tensor) Type() string {
	return TensorType(t.Kind).String()
}
