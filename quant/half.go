package quant

import (
	"encoding/binary"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DecodeF16 expands little-endian half precision bytes.
func DecodeF16(bts []byte) []float32 {
	f32s := make([]float32, len(bts)/2)
	for i := range f32s {
		f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(bts[i*2:])).Float32()
	}

	return f32s
}

// EncodeF16 packs values as little-endian half precision with
// round-to-nearest-even.
func EncodeF16(f32s []float32) []byte {
	bts := make([]byte, len(f32s)*2)
	for i, f := range f32s {
		binary.LittleEndian.PutUint16(bts[i*2:], float16.Fromfloat32(f).Bits())
	}

	return bts
}

// DecodeBF16 expands bfloat16 bytes.
func DecodeBF16(bts []byte) []float32 {
	return bfloat16.DecodeFloat32(bts)
}

// DecodeF32 reinterprets little-endian float32 bytes.
func DecodeF32(bts []byte) []float32 {
	f32s := make([]float32, len(bts)/4)
	for i := range f32s {
		f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(bts[i*4:]))
	}

	return f32s
}

// DecodeF64 narrows little-endian float64 bytes to float32.
func DecodeF64(bts []byte) []float32 {
	f32s := make([]float32, len(bts)/8)
	for i := range f32s {
		f32s[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(bts[i*8:])))
	}

	return f32s
}

// EncodeF32 packs values as little-endian float32 bytes.
func EncodeF32(f32s []float32) []byte {
	bts := make([]byte, len(f32s)*4)
	for i, f := range f32s {
		binary.LittleEndian.PutUint32(bts[i*4:], math.Float32bits(f))
	}

	return bts
}
