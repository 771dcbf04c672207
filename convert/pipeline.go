package convert

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/reploid-ai/rdrr/fs/rdrr"
	"github.com/reploid-ai/rdrr/quant"
	"github.com/reploid-ai/rdrr/types/errtypes"
)

// prepared is one tensor after dtype conversion, ready for the
// writer.
type prepared struct {
	name  string
	data  []byte
	shape []uint64
	dtype string

	// column is set when the bytes were packed column-major;
	// originalShape then holds the row-major shape.
	column        bool
	originalShape []uint64
}

type prepResult struct {
	prep prepared
	err  error
}

type pipeline struct {
	model  *Model
	writer *rdrr.Writer
	policy quant.Policy
	opts   Options

	written int64
}

// run streams every tensor through prepare and into the writer. With
// read-ahead, tensors are prepared in parallel but written strictly
// in input order; the writer stays single-owner.
func (p *pipeline) run(ctx context.Context) error {
	total := len(p.model.Tensors)

	if p.opts.ReadAhead <= 0 {
		for i, t := range p.model.Tensors {
			if err := ctx.Err(); err != nil {
				return err
			}

			prep, err := p.prepare(t)
			if err != nil {
				return err
			}

			if err := p.write(prep); err != nil {
				return err
			}

			p.report(i+1, total)
		}

		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.ReadAhead)

	// Each queued tensor gets a single-use result channel, so the
	// consumer below sees results in submission order no matter which
	// prepare finishes first.
	futures := make(chan chan prepResult, p.opts.ReadAhead)
	go func() {
		defer close(futures)
		for _, t := range p.model.Tensors {
			ch := make(chan prepResult, 1)
			select {
			case futures <- ch:
			case <-gctx.Done():
				return
			}

			g.Go(func() error {
				prep, err := p.prepare(t)
				ch <- prepResult{prep: prep, err: err}
				return err
			})
		}
	}()

	var failed error
	var done int
	for ch := range futures {
		r := <-ch
		if failed != nil {
			continue
		}

		if r.err != nil {
			failed = r.err
			cancel()
			continue
		}

		if err := p.write(r.prep); err != nil {
			failed = err
			cancel()
			continue
		}

		done++
		p.report(done, total)
	}

	if err := g.Wait(); err != nil && failed == nil {
		failed = err
	}

	if failed == nil {
		failed = ctx.Err()
	}

	return failed
}

func (p *pipeline) write(prep prepared) error {
	var err error
	if prep.column {
		err = p.writer.WriteTransposed(prep.name, prep.data, prep.shape, prep.originalShape, prep.dtype)
	} else {
		err = p.writer.WriteTensor(prep.name, prep.data, prep.shape, prep.dtype)
	}
	if err != nil {
		return err
	}

	p.written += int64(len(prep.data))
	return nil
}

func (p *pipeline) report(done, total int) {
	if p.opts.Progress != nil {
		p.opts.Progress(done, total, p.written)
	}
}

// prepare reads one tensor and converts it to its output encoding.
// Float tensors follow the quantization mode and policy; integer
// tensors narrow i64 to i32; block-quantized sources pass through
// byte-exact except Q4_K in f32 mode, which has a dequantizer.
func (p *pipeline) prepare(t Tensor) (prepared, error) {
	name, shape, dtype := t.Name(), t.Shape(), t.Dtype()

	data, err := t.Bytes()
	if err != nil {
		return prepared{}, err
	}

	switch dtype {
	case "F32", "F16", "BF16", "F64":
		return p.prepareFloat(name, data, shape, dtype)
	case "I64":
		narrowed, err := narrowI64(name, data)
		if err != nil {
			return prepared{}, err
		}

		return prepared{name: name, data: narrowed, shape: shape, dtype: "I32"}, nil
	case "Q4_K":
		if p.opts.Quantize == QuantizeF32 {
			f32s, err := quant.Dequantize(data, int(elements(shape)))
			if err != nil {
				return prepared{}, &errtypes.ConversionError{Tensor: name, Reason: err.Error()}
			}

			return prepared{name: name, data: quant.EncodeF32(f32s), shape: shape, dtype: "F32"}, nil
		}

		return prepared{name: name, data: data, shape: shape, dtype: dtype}, nil
	default:
		return prepared{name: name, data: data, shape: shape, dtype: dtype}, nil
	}
}

func (p *pipeline) prepareFloat(name string, data []byte, shape []uint64, dtype string) (prepared, error) {
	if p.opts.Quantize == QuantizeQ4KM && p.policy.ShouldQuantize(name, shape) {
		return p.quantize(name, data, shape, dtype)
	}

	target := p.floatTarget(shape)
	if dtype == target {
		return prepared{name: name, data: data, shape: shape, dtype: dtype}, nil
	}

	f32s := decodeFloats(data, dtype)
	if target == "F16" {
		return prepared{name: name, data: quant.EncodeF16(f32s), shape: shape, dtype: "F16"}, nil
	}

	return prepared{name: name, data: quant.EncodeF32(f32s), shape: shape, dtype: "F32"}, nil
}

func (p *pipeline) quantize(name string, data []byte, shape []uint64, dtype string) (prepared, error) {
	f32s := decodeFloats(data, dtype)

	// Fusion halves stay row-major so the fused halves remain
	// independently decodable.
	if p.opts.Transpose && len(shape) == 2 && rdrr.IsProjection(name) &&
		!(p.opts.FuseGateUp && rdrr.IsFusionHalf(name)) {
		packed, tshape, err := quant.QuantizeColumns(f32s, shape)
		if err != nil {
			return prepared{}, &errtypes.ConversionError{Tensor: name, Reason: err.Error()}
		}

		return prepared{
			name:          name,
			data:          packed,
			shape:         tshape,
			dtype:         "Q4_K",
			column:        true,
			originalShape: shape,
		}, nil
	}

	packed, err := quant.QuantizeRows(f32s, shape)
	if err != nil {
		return prepared{}, &errtypes.ConversionError{Tensor: name, Reason: err.Error()}
	}

	return prepared{name: name, data: packed, shape: shape, dtype: "Q4_K"}, nil
}

// floatTarget is the output element type for an unquantized float
// tensor: f32 mode and 1-D tensors keep full precision, everything
// else stores half precision.
func (p *pipeline) floatTarget(shape []uint64) string {
	if p.opts.Quantize == QuantizeF32 || len(shape) == 1 {
		return "F32"
	}

	return "F16"
}

func decodeFloats(data []byte, dtype string) []float32 {
	switch dtype {
	case "F32":
		return quant.DecodeF32(data)
	case "F16":
		return quant.DecodeF16(data)
	case "BF16":
		return quant.DecodeBF16(data)
	case "F64":
		return quant.DecodeF64(data)
	}

	return nil
}

// narrowI64 converts little-endian i64 values to i32, failing on any
// value that does not fit.
func narrowI64(name string, data []byte) ([]byte, error) {
	out := make([]byte, len(data)/2)
	for i := 0; i+8 <= len(data); i += 8 {
		v := int64(binary.LittleEndian.Uint64(data[i:]))
		if v > math.MaxInt32 || v < math.MinInt32 {
			return nil, &errtypes.ConversionError{
				Tensor: name,
				Reason: fmt.Sprintf("value %d does not fit in int32", v),
			}
		}

		binary.LittleEndian.PutUint32(out[i/2:], uint32(int32(v)))
	}

	return out, nil
}

func elements(shape []uint64) uint64 {
	n := uint64(1)
	for _, dim := range shape {
		n *= dim
	}

	return n
}
