// Package quant packs float32 weights into the Q4_K block format and
// reverses the packing. Values are grouped into 256-element superblocks
// of eight 32-element sub-blocks; each sub-block stores a 6-bit scale
// and a 6-bit minimum against two half precision super-block scales,
// then a 4-bit code per value.
package quant

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
	"github.com/x448/float16"
)

const (
	// BlockElements is the number of weights in one superblock.
	BlockElements = 256

	// BlockBytes is the packed size of one superblock: two half
	// precision super-scales, twelve bytes of 6-bit sub-block codes,
	// and 128 bytes of 4-bit values.
	BlockBytes = 2 + 2 + scaleSize + BlockElements/2

	subElements = 32
	subBlocks   = BlockElements / subElements
	scaleSize   = 12
)

// Quantize packs a flat buffer into Q4_K superblocks. A tail shorter
// than a full superblock is zero padded, so the result always holds a
// whole number of blocks.
func Quantize(data []float32) []byte {
	blocks := (len(data) + BlockElements - 1) / BlockElements
	out := make([]byte, blocks*BlockBytes)

	var block [BlockElements]float32
	for i := 0; i < blocks; i++ {
		n := copy(block[:], data[i*BlockElements:])
		for j := n; j < BlockElements; j++ {
			block[j] = 0
		}

		quantizeBlock(&block, out[i*BlockBytes:(i+1)*BlockBytes])
	}

	return out
}

// QuantizeRows packs a row-major tensor one row at a time so every row
// starts on a block boundary and decodes independently. Rows whose
// length is not a multiple of the superblock size are zero padded.
func QuantizeRows(data []float32, shape []uint64) ([]byte, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("missing shape for %d values", len(data))
	}

	cols := int(shape[len(shape)-1])
	rows := 1
	for _, dim := range shape[:len(shape)-1] {
		rows *= int(dim)
	}

	if rows*cols != len(data) {
		return nil, fmt.Errorf("shape %v does not match %d values", shape, len(data))
	}

	rowBytes := (cols + BlockElements - 1) / BlockElements * BlockBytes
	out := make([]byte, 0, rows*rowBytes)
	for r := 0; r < rows; r++ {
		out = append(out, Quantize(data[r*cols:(r+1)*cols])...)
	}

	return out, nil
}

// QuantizeColumns transposes a 2-D tensor and packs the result row by
// row, so codes run along the original column axis. It returns the
// packed bytes and the transposed shape.
func QuantizeColumns(data []float32, shape []uint64) ([]byte, []uint64, error) {
	if len(shape) != 2 {
		return nil, nil, fmt.Errorf("column-wise quantization needs a 2-D tensor, got shape %v", shape)
	}

	if int(shape[0]*shape[1]) != len(data) {
		return nil, nil, fmt.Errorf("shape %v does not match %d values", shape, len(data))
	}

	n := tensor.New(tensor.WithShape(int(shape[0]), int(shape[1])), tensor.WithBacking(slices.Clone(data)))
	if err := n.T(1, 0); err != nil {
		return nil, nil, err
	}

	if err := n.Transpose(); err != nil {
		return nil, nil, err
	}

	ts, err := native.SelectF32(n, 1)
	if err != nil {
		return nil, nil, err
	}

	f32s := make([]float32, 0, len(data))
	for _, t := range ts {
		f32s = append(f32s, t...)
	}

	tshape := []uint64{shape[1], shape[0]}
	packed, err := QuantizeRows(f32s, tshape)
	if err != nil {
		return nil, nil, err
	}

	return packed, tshape, nil
}

// Dequantize expands count values from packed superblocks. Padding
// values beyond count are discarded.
func Dequantize(packed []byte, count int) ([]float32, error) {
	if len(packed)%BlockBytes != 0 {
		return nil, fmt.Errorf("packed length %d is not a multiple of the %d byte block size", len(packed), BlockBytes)
	}

	blocks := len(packed) / BlockBytes
	if count > blocks*BlockElements {
		return nil, fmt.Errorf("%d blocks hold at most %d values, want %d", blocks, blocks*BlockElements, count)
	}

	out := make([]float32, blocks*BlockElements)
	for i := 0; i < blocks; i++ {
		dequantizeBlock(packed[i*BlockBytes:(i+1)*BlockBytes], out[i*BlockElements:(i+1)*BlockElements])
	}

	return out[:count], nil
}

func quantizeBlock(x *[BlockElements]float32, out []byte) {
	var scales, mins [subBlocks]float32
	var maxScale, maxMin float32

	for j := range scales {
		sub := x[j*subElements : (j+1)*subElements]

		low, high := sub[0], sub[0]
		for _, v := range sub[1:] {
			if v < low {
				low = v
			}

			if v > high {
				high = v
			}
		}

		// The minimum is stored negated so reconstruction subtracts
		// it, which pins all-positive sub-blocks to a zero offset.
		low = min(low, 0)

		scales[j] = (high - low) / 15
		mins[j] = -low

		maxScale = max(maxScale, scales[j])
		maxMin = max(maxMin, mins[j])
	}

	var invScale, invMin float32
	if maxScale > 0 {
		invScale = 63 / maxScale
	}

	if maxMin > 0 {
		invMin = 63 / maxMin
	}

	var scaleCodes, minCodes [subBlocks]uint8
	for j := range scales {
		scaleCodes[j] = uint8(min(nearestInt(invScale*scales[j]), 63))
		minCodes[j] = uint8(min(nearestInt(invMin*mins[j]), 63))
	}

	d := float16.Fromfloat32(maxScale / 63)
	dmin := float16.Fromfloat32(maxMin / 63)
	binary.LittleEndian.PutUint16(out[0:], d.Bits())
	binary.LittleEndian.PutUint16(out[2:], dmin.Bits())
	packScales(&scaleCodes, &minCodes, out[4:4+scaleSize])

	// Codes are fit against the scales as they decode, not as they
	// were computed, so rounding in d and the 6-bit codes cannot bias
	// the reconstruction.
	df, dminf := d.Float32(), dmin.Float32()

	var codes [BlockElements]uint8
	for j := range scales {
		scale := df * float32(scaleCodes[j])
		if scale == 0 {
			continue
		}

		offset := dminf * float32(minCodes[j])
		for i, v := range x[j*subElements : (j+1)*subElements] {
			q := nearestInt((v + offset) / scale)
			codes[j*subElements+i] = uint8(max(0, min(q, 15)))
		}
	}

	qs := out[4+scaleSize:]
	for c := 0; c < BlockElements/64; c++ {
		for l := 0; l < 32; l++ {
			qs[c*32+l] = codes[c*64+l] | codes[c*64+l+32]<<4
		}
	}
}

func dequantizeBlock(in []byte, out []float32) {
	d := float16.Frombits(binary.LittleEndian.Uint16(in[0:])).Float32()
	dmin := float16.Frombits(binary.LittleEndian.Uint16(in[2:])).Float32()
	scales := in[4 : 4+scaleSize]
	qs := in[4+scaleSize:]

	for c := 0; c < BlockElements/64; c++ {
		sc, m := unpackScaleMin(scales, 2*c)
		d1, m1 := d*float32(sc), dmin*float32(m)

		sc, m = unpackScaleMin(scales, 2*c+1)
		d2, m2 := d*float32(sc), dmin*float32(m)

		for l := 0; l < 32; l++ {
			q := qs[c*32+l]
			out[c*64+l] = d1*float32(q&0xF) - m1
			out[c*64+l+32] = d2*float32(q>>4) - m2
		}
	}
}

// packScales stores eight 6-bit scales and eight 6-bit minimums in
// twelve bytes. The first four pairs keep their low six bits in bytes
// 0..7; the last four pairs split across the nibbles of bytes 8..11
// and the top two bits of bytes 0..7.
func packScales(sc, mn *[subBlocks]uint8, out []byte) {
	for j := 0; j < 4; j++ {
		out[j] = sc[j] & 63
		out[j+4] = mn[j] & 63
	}

	for j := 4; j < 8; j++ {
		out[j+4] = (sc[j] & 0xF) | ((mn[j] & 0xF) << 4)
		out[j-4] |= (sc[j] >> 4) << 6
		out[j] |= (mn[j] >> 4) << 6
	}
}

func unpackScaleMin(scales []byte, j int) (uint8, uint8) {
	if j < 4 {
		return scales[j] & 63, scales[j+4] & 63
	}

	sc := (scales[j+4] & 0xF) | ((scales[j-4] >> 6) << 4)
	mn := (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	return sc, mn
}

func nearestInt(v float32) int {
	return int(math.Round(float64(v)))
}
