// Package hosttest provides an in-memory host.Host for tests.
package hosttest

import (
	"encoding/binary"
	"slices"

	"cfgchain/internal/host"
)

// Fake is a sparse byte image plus hand-declared functions and references.
// Unwritten bytes inside [Base, Base+Size) read as zero; anything outside is
// unmapped.
type Fake struct {
	Base  uint64
	Size  uint64
	mem   map[uint64]byte
	funcs []host.Function
	xrefs map[uint64][]uint64
}

// New returns an empty image of size bytes mapped at base.
func New(base, size uint64) *Fake {
	return &Fake{
		Base:  base,
		Size:  size,
		mem:   make(map[uint64]byte),
		xrefs: make(map[uint64][]uint64),
	}
}

func (f *Fake) BaseAddress() uint64 { return f.Base }

func (f *Fake) mapped(va uint64, n int) bool {
	return va >= f.Base && va+uint64(n) <= f.Base+f.Size
}

func (f *Fake) read(va uint64, n int) ([]byte, error) {
	if !f.mapped(va, n) {
		return nil, &host.UnmappedError{VA: va, Size: n}
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = f.mem[va+uint64(i)]
	}
	return b, nil
}

func (f *Fake) ReadU8(va uint64) (uint8, error) {
	b, err := f.read(va, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (f *Fake) ReadU16(va uint64) (uint16, error) {
	b, err := f.read(va, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (f *Fake) ReadU32(va uint64) (uint32, error) {
	b, err := f.read(va, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (f *Fake) ReadU64(va uint64) (uint64, error) {
	b, err := f.read(va, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Write stores raw bytes at va.
func (f *Fake) Write(va uint64, b []byte) {
	for i, c := range b {
		f.mem[va+uint64(i)] = c
	}
}

func (f *Fake) PutU8(va uint64, v uint8) { f.Write(va, []byte{v}) }

func (f *Fake) PutU16(va uint64, v uint16) {
	f.Write(va, binary.LittleEndian.AppendUint16(nil, v))
}

func (f *Fake) PutU32(va uint64, v uint32) {
	f.Write(va, binary.LittleEndian.AppendUint32(nil, v))
}

func (f *Fake) PutU64(va uint64, v uint64) {
	f.Write(va, binary.LittleEndian.AppendUint64(nil, v))
}

// AddFunction declares a function [start, end) with an optional raw name.
func (f *Fake) AddFunction(start, end uint64, name string) {
	f.funcs = append(f.funcs, host.Function{Start: start, End: end, Name: name})
}

// AddXref records a reference from site to target.
func (f *Fake) AddXref(site, target uint64) {
	f.xrefs[target] = append(f.xrefs[target], site)
}

// AddCall records a call from inside caller (its first byte) to callee.
func (f *Fake) AddCall(caller, callee uint64) {
	f.AddXref(caller, callee)
}

func (f *Fake) FunctionAt(va uint64) (host.Function, bool) {
	for _, fn := range f.funcs {
		if fn.Contains(va) {
			return fn, true
		}
	}
	return host.Function{}, false
}

func (f *Fake) FunctionsContaining(va uint64) []host.Function {
	var out []host.Function
	for _, fn := range f.funcs {
		if fn.Contains(va) {
			out = append(out, fn)
		}
	}
	return out
}

func (f *Fake) FunctionByName(name string) (host.Function, bool) {
	for _, fn := range f.funcs {
		if fn.Name == name {
			return fn, true
		}
	}
	return host.Function{}, false
}

func (f *Fake) XrefsTo(va uint64) []uint64 {
	return slices.Clone(f.xrefs[va])
}

var _ host.Host = (*Fake)(nil)
