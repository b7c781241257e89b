// Package host defines the boundary between the CFG chain analysis and the
// binary analysis backend that supplies image bytes, function boundaries,
// symbol names and the cross-reference index.
package host

import (
	"errors"
	"fmt"
)

// ErrUnmapped is returned by an ImageReader when an address is not backed by
// the loaded image.
var ErrUnmapped = errors.New("address not mapped")

// UnmappedError records the address and width of a failed read.
type UnmappedError struct {
	VA   uint64
	Size int
}

func (e *UnmappedError) Error() string {
	return fmt.Sprintf("read %d bytes at 0x%x: address not mapped", e.Size, e.VA)
}

func (e *UnmappedError) Unwrap() error { return ErrUnmapped }

// ImageReader reads little-endian integers at absolute addresses of the
// loaded image.
type ImageReader interface {
	BaseAddress() uint64
	ReadU8(va uint64) (uint8, error)
	ReadU16(va uint64) (uint16, error)
	ReadU32(va uint64) (uint32, error)
	ReadU64(va uint64) (uint64, error)
}

// Function is a function region recognized by the host.
type Function struct {
	Start uint64
	End   uint64 // exclusive
	Name  string // raw (possibly mangled) name, empty if unknown
}

// Contains reports whether va lies inside the function body.
func (f Function) Contains(va uint64) bool {
	return va >= f.Start && va < f.End
}

// FunctionIndex answers function boundary and naming questions.
type FunctionIndex interface {
	// FunctionAt returns the function whose body contains va.
	FunctionAt(va uint64) (Function, bool)
	// FunctionsContaining returns every function whose body contains va.
	// Overlapping function ranges yield more than one owner.
	FunctionsContaining(va uint64) []Function
	// FunctionByName returns the function with the given raw name.
	FunctionByName(name string) (Function, bool)
}

// XrefIndex is the cross-reference index of the image.
type XrefIndex interface {
	// XrefsTo returns the addresses of every instruction referencing va.
	XrefsTo(va uint64) []uint64
}

// Host is the full set of services the analysis consumes.
type Host interface {
	ImageReader
	FunctionIndex
	XrefIndex
}
