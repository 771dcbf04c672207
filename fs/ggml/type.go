package ggml

import "fmt"

// TensorType mirrors the ggml tensor type enumeration. The numeric values
// are part of the GGUF wire format and must not change.
type TensorType uint32

const (
	TensorTypeF32 TensorType = iota
	TensorTypeF16
	TensorTypeQ4_0
	TensorTypeQ4_1
	tensorTypeQ4_2 // unused by modern files
	tensorTypeQ4_3 // unused by modern files
	TensorTypeQ5_0
	TensorTypeQ5_1
	TensorTypeQ8_0
	TensorTypeQ8_1
	TensorTypeQ2_K
	TensorTypeQ3_K
	TensorTypeQ4_K
	TensorTypeQ5_K
	TensorTypeQ6_K
	TensorTypeQ8_K
	tensorTypeIQ2_XXS
	tensorTypeIQ2_XS
	tensorTypeIQ3_XXS
	tensorTypeIQ1_S
	tensorTypeIQ4_NL
	tensorTypeIQ3_S
	tensorTypeIQ2_S
	tensorTypeIQ4_XS
	TensorTypeI8
	TensorTypeI16
	TensorTypeI32
	TensorTypeI64
	TensorTypeF64
	tensorTypeIQ1_M
	TensorTypeBF16
)

// BlockSize is the number of elements stored per block. Scalar types
// report 1.
func (t TensorType) BlockSize() uint64 {
	switch t {
	case
		TensorTypeF32,
		TensorTypeF16,
		TensorTypeI8,
		TensorTypeI16,
		TensorTypeI32,
		TensorTypeI64,
		TensorTypeF64,
		TensorTypeBF16:
		return 1
	case
		TensorTypeQ4_0,
		TensorTypeQ4_1,
		TensorTypeQ5_0,
		TensorTypeQ5_1,
		TensorTypeQ8_0,
		TensorTypeQ8_1,
		tensorTypeIQ4_NL:
		return 32
	default:
		return 256
	}
}

// TypeSize is the number of bytes occupied by one block. Unknown types
// report 0.
func (t TensorType) TypeSize() uint64 {
	blockSize := t.BlockSize()

	switch t {
	case TensorTypeF32:
		return 4
	case TensorTypeF16:
		return 2
	case TensorTypeQ4_0:
		return 2 + blockSize/2
	case TensorTypeQ4_1:
		return 2 + 2 + blockSize/2
	case TensorTypeQ5_0:
		return 2 + 4 + blockSize/2
	case TensorTypeQ5_1:
		return 2 + 2 + 4 + blockSize/2
	case TensorTypeQ8_0:
		return 2 + blockSize
	case TensorTypeQ8_1:
		return 2 + 2 + blockSize
	case TensorTypeQ2_K:
		return blockSize/16 + blockSize/4 + 2 + 2
	case TensorTypeQ3_K:
		return blockSize/8 + blockSize/4 + 12 + 2
	case TensorTypeQ4_K:
		return 2 + 2 + 12 + blockSize/2
	case TensorTypeQ5_K:
		return 2 + 2 + 12 + blockSize/8 + blockSize/2
	case TensorTypeQ6_K:
		return blockSize/2 + blockSize/4 + blockSize/16 + 2
	case TensorTypeQ8_K:
		return 4 + blockSize + 2*blockSize/16
	case tensorTypeIQ2_XXS:
		return 2 + 2*blockSize/8
	case tensorTypeIQ2_XS:
		return 2 + 2*blockSize/8 + blockSize/32
	case tensorTypeIQ3_XXS:
		return 2 + blockSize/4 + blockSize/8
	case tensorTypeIQ1_S:
		return 2 + blockSize/8 + blockSize/16
	case tensorTypeIQ4_NL:
		return 2 + blockSize/2
	case tensorTypeIQ3_S:
		return 2 + blockSize/4 + blockSize/8 + blockSize/32 + 4
	case tensorTypeIQ2_S:
		return 2 + blockSize/4 + blockSize/16
	case tensorTypeIQ4_XS:
		return 2 + 2 + blockSize/2 + blockSize/64
	case tensorTypeIQ1_M:
		return blockSize/8 + blockSize/16 + blockSize/32
	case TensorTypeI8:
		return 1
	case TensorTypeI16:
		return 2
	case TensorTypeI32:
		return 4
	case TensorTypeI64:
		return 8
	case TensorTypeF64:
		return 8
	case TensorTypeBF16:
		return 2
	default:
		return 0
	}
}

// IsQuantized reports whether values are packed into multi-element
// blocks, meaning individual elements have no fixed byte width.
func (t TensorType) IsQuantized() bool {
	return t.BlockSize() > 1
}

func (t TensorType) String() string {
	switch t {
	case TensorTypeF32:
		return "F32"
	case TensorTypeF16:
		return "F16"
	case TensorTypeQ4_0:
		return "Q4_0"
	case TensorTypeQ4_1:
		return "Q4_1"
	case TensorTypeQ5_0:
		return "Q5_0"
	case TensorTypeQ5_1:
		return "Q5_1"
	case TensorTypeQ8_0:
		return "Q8_0"
	case TensorTypeQ8_1:
		return "Q8_1"
	case TensorTypeQ2_K:
		return "Q2_K"
	case TensorTypeQ3_K:
		return "Q3_K"
	case TensorTypeQ4_K:
		return "Q4_K"
	case TensorTypeQ5_K:
		return "Q5_K"
	case TensorTypeQ6_K:
		return "Q6_K"
	case TensorTypeQ8_K:
		return "Q8_K"
	case tensorTypeIQ2_XXS:
		return "IQ2_XXS"
	case tensorTypeIQ2_XS:
		return "IQ2_XS"
	case tensorTypeIQ3_XXS:
		return "IQ3_XXS"
	case tensorTypeIQ1_S:
		return "IQ1_S"
	case tensorTypeIQ4_NL:
		return "IQ4_NL"
	case tensorTypeIQ3_S:
		return "IQ3_S"
	case tensorTypeIQ2_S:
		return "IQ2_S"
	case tensorTypeIQ4_XS:
		return "IQ4_XS"
	case tensorTypeIQ1_M:
		return "IQ1_M"
	case TensorTypeI8:
		return "I8"
	case TensorTypeI16:
		return "I16"
	case TensorTypeI32:
		return "I32"
	case TensorTypeI64:
		return "I64"
	case TensorTypeF64:
		return "F64"
	case TensorTypeBF16:
		return "BF16"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// FileType is the general.file_type metadata value naming the dominant
// quantization of a GGUF file.
type FileType uint32

const (
	FileTypeF32 FileType = iota
	FileTypeF16
	FileTypeQ4_0
	FileTypeQ4_1
	fileTypeQ4_1_F16 // unused by modern files
	fileTypeQ4_2     // unused by modern files
	fileTypeQ4_3     // unused by modern files
	FileTypeQ8_0
	FileTypeQ5_0
	FileTypeQ5_1
	FileTypeQ2_K
	FileTypeQ3_K_S
	FileTypeQ3_K_M
	FileTypeQ3_K_L
	FileTypeQ4_K_S
	FileTypeQ4_K_M
	FileTypeQ5_K_S
	FileTypeQ5_K_M
	FileTypeQ6_K
	FileTypeIQ2_XXS
	FileTypeIQ2_XS
	FileTypeQ2_K_S
	FileTypeIQ3_XS
	FileTypeIQ3_XXS
	FileTypeIQ1_S
	FileTypeIQ4_NL
	FileTypeIQ3_S
	FileTypeIQ3_M
	FileTypeIQ2_S
	FileTypeIQ2_M
	FileTypeIQ4_XS
	FileTypeIQ1_M
	FileTypeBF16
)

func (t FileType) String() string {
	switch t {
	case FileTypeF32:
		return "F32"
	case FileTypeF16:
		return "F16"
	case FileTypeQ4_0:
		return "Q4_0"
	case FileTypeQ4_1:
		return "Q4_1"
	case FileTypeQ8_0:
		return "Q8_0"
	case FileTypeQ5_0:
		return "Q5_0"
	case FileTypeQ5_1:
		return "Q5_1"
	case FileTypeQ2_K:
		return "Q2_K"
	case FileTypeQ3_K_S:
		return "Q3_K_S"
	case FileTypeQ3_K_M:
		return "Q3_K_M"
	case FileTypeQ3_K_L:
		return "Q3_K_L"
	case FileTypeQ4_K_S:
		return "Q4_K_S"
	case FileTypeQ4_K_M:
		return "Q4_K_M"
	case FileTypeQ5_K_S:
		return "Q5_K_S"
	case FileTypeQ5_K_M:
		return "Q5_K_M"
	case FileTypeQ6_K:
		return "Q6_K"
	case FileTypeIQ2_XXS:
		return "IQ2_XXS"
	case FileTypeIQ2_XS:
		return "IQ2_XS"
	case FileTypeQ2_K_S:
		return "Q2_K_S"
	case FileTypeIQ3_XS:
		return "IQ3_XS"
	case FileTypeIQ3_XXS:
		return "IQ3_XXS"
	case FileTypeIQ1_S:
		return "IQ1_S"
	case FileTypeIQ4_NL:
		return "IQ4_NL"
	case FileTypeIQ3_S:
		return "IQ3_S"
	case FileTypeIQ3_M:
		return "IQ3_M"
	case FileTypeIQ2_S:
		return "IQ2_S"
	case FileTypeIQ2_M:
		return "IQ2_M"
	case FileTypeIQ4_XS:
		return "IQ4_XS"
	case FileTypeIQ1_M:
		return "IQ1_M"
	case FileTypeBF16:
		return "BF16"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}
