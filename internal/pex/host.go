package pex

import (
	"encoding/binary"
	"slices"

	"cfgchain/internal/host"
)

var _ host.Host = (*Image)(nil)

func (im *Image) BaseAddress() uint64 { return im.Base }

func (im *Image) ReadU8(va uint64) (uint8, error) {
	b, err := im.ReadBytesVA(va, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (im *Image) ReadU16(va uint64) (uint16, error) {
	b, err := im.ReadBytesVA(va, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (im *Image) ReadU32(va uint64) (uint32, error) {
	b, err := im.ReadBytesVA(va, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (im *Image) ReadU64(va uint64) (uint64, error) {
	b, err := im.ReadBytesVA(va, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (im *Image) FunctionAt(va uint64) (host.Function, bool) {
	fns := im.funcs.containing(va)
	if len(fns) == 0 {
		return host.Function{}, false
	}
	return fns[0], true
}

func (im *Image) FunctionsContaining(va uint64) []host.Function {
	return im.funcs.containing(va)
}

func (im *Image) FunctionByName(name string) (host.Function, bool) {
	return im.funcs.byName(name)
}

func (im *Image) XrefsTo(va uint64) []uint64 {
	return slices.Clone(im.xrefs[va])
}

// Functions returns every discovered function in address order.
func (im *Image) Functions() []host.Function {
	return slices.Clone(im.funcs.list)
}

// Name returns the raw symbol name recorded for va, if any.
func (im *Image) Name(va uint64) string {
	return im.names[va]
}
