package guard

import (
	"fmt"

	"cfgchain/internal/host"
)

// Offsets into the DOS and NT headers shared by both formats.
const (
	dosLfanewOffset    = 0x3C
	ntSignatureSize    = 4
	fileHeaderSize     = 20
	optionalHeaderSkip = ntSignatureSize + fileHeaderSize

	magicPE32     = 0x10b
	magicPE32Plus = 0x20b

	guardFlagsHeaderSizeMask  = 0xF0000000
	guardFlagsHeaderSizeShift = 28

	// Every table entry starts with a 32-bit RVA of the function.
	entryRVASize = 4

	// FlagExportSuppressed marks an entry that is listed but not a valid
	// indirect call target.
	FlagExportSuppressed = 0x2
)

// Format is the PE optional header flavour, selected once by its magic.
// Each format carries its own offset table.
type Format struct {
	Name  string
	Magic uint16
	Bits  int

	// Offset of the load configuration data directory RVA from the start
	// of the optional header.
	LoadConfigDirOffset uint64
	// Offsets inside IMAGE_LOAD_CONFIG_DIRECTORY.
	FunctionTableOffset uint64
	FunctionCountOffset uint64
	GuardFlagsOffset    uint64
}

var (
	Format32 = Format{
		Name:                "PE32",
		Magic:               magicPE32,
		Bits:                32,
		LoadConfigDirOffset: 176,
		FunctionTableOffset: 80,
		FunctionCountOffset: 84,
		GuardFlagsOffset:    88,
	}
	Format64 = Format{
		Name:                "PE32+",
		Magic:               magicPE32Plus,
		Bits:                64,
		LoadConfigDirOffset: 192,
		FunctionTableOffset: 128,
		FunctionCountOffset: 136,
		GuardFlagsOffset:    144,
	}
)

// FormatForMagic returns the format identified by an optional header magic.
func FormatForMagic(magic uint16) (Format, error) {
	switch magic {
	case magicPE32:
		return Format32, nil
	case magicPE32Plus:
		return Format64, nil
	default:
		return Format{}, &FormatError{Magic: magic}
	}
}

func (f Format) String() string {
	return fmt.Sprintf("%s (%d-bit)", f.Name, f.Bits)
}

// readPointer reads a pointer-sized field: 4 bytes for PE32, 8 for PE32+.
func (f Format) readPointer(r host.ImageReader, va uint64) (uint64, error) {
	if f.Bits == 64 {
		return r.ReadU64(va)
	}
	v, err := r.ReadU32(va)
	return uint64(v), err
}
