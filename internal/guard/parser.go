// Package guard reconstructs the Control Flow Guard whitelist of a PE image
// and searches the call graph for chains that end at whitelisted functions.
package guard

import (
	"fmt"

	"cfgchain/internal/host"
)

// Descriptor locates the guard CF function table of an image.
type Descriptor struct {
	Format            Format
	LoadConfigAddress uint64
	TableAddress      uint64
	EntryCount        uint64
	HeaderSize        uint8
	EntrySize         uint64
}

// HasFlags reports whether table entries carry a trailing flag byte.
func (d Descriptor) HasFlags() bool {
	return d.HeaderSize >= 1
}

// EntryAddress returns the address of the i-th table entry.
func (d Descriptor) EntryAddress(i uint64) uint64 {
	return d.TableAddress + i*d.EntrySize
}

// ParseDescriptor decodes the guard CF function table location from the image
// headers. An optional header magic that is neither PE32 nor PE32+ yields a
// *FormatError.
func ParseDescriptor(r host.ImageReader) (Descriptor, error) {
	base := r.BaseAddress()

	lfanew, err := r.ReadU32(base + dosLfanewOffset)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read e_lfanew: %w", err)
	}
	optHeader := base + uint64(lfanew) + optionalHeaderSkip

	magic, err := r.ReadU16(optHeader)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read optional header magic: %w", err)
	}
	format, err := FormatForMagic(magic)
	if err != nil {
		return Descriptor{}, err
	}

	lcRVA, err := r.ReadU32(optHeader + format.LoadConfigDirOffset)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read load config directory: %w", err)
	}
	if lcRVA == 0 {
		return Descriptor{}, ErrNoLoadConfig
	}
	lc := base + uint64(lcRVA)

	table, err := format.readPointer(r, lc+format.FunctionTableOffset)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read GuardCFFunctionTable: %w", err)
	}
	count, err := format.readPointer(r, lc+format.FunctionCountOffset)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read GuardCFFunctionCount: %w", err)
	}
	guardFlags, err := r.ReadU32(lc + format.GuardFlagsOffset)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read GuardFlags: %w", err)
	}
	if table == 0 && count != 0 {
		return Descriptor{}, ErrNoFunctionTable
	}

	headerSize := uint8((guardFlags & guardFlagsHeaderSizeMask) >> guardFlagsHeaderSizeShift)

	return Descriptor{
		Format:            format,
		LoadConfigAddress: lc,
		TableAddress:      table,
		EntryCount:        count,
		HeaderSize:        headerSize,
		EntrySize:         entryRVASize + uint64(headerSize),
	}, nil
}
