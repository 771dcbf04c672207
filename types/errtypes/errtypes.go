// Package errtypes contains the error types shared across the converter.
package errtypes

import (
	"fmt"
)

// FormatError reports malformed or unsupported input: bad magic bytes,
// unknown versions or type codes, truncated sections, inconsistent shard
// indexes.
type FormatError struct {
	Format string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid %s input: %s", e.Format, e.Reason)
}

// SizeGuardError reports a declared size that exceeds a sanity cap before
// any allocation happens.
type SizeGuardError struct {
	What  string
	Size  uint64
	Limit uint64
}

func (e *SizeGuardError) Error() string {
	return fmt.Sprintf("%s too large: %d > %d", e.What, e.Size, e.Limit)
}

// ConversionError reports a semantic failure while transforming tensors,
// for example a fusion pair with mismatched trailing dimensions.
type ConversionError struct {
	Tensor string
	Reason string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("cannot convert %q: %s", e.Tensor, e.Reason)
}

// IOError wraps an operating system read or write failure with the path
// being touched.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
