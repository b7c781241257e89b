package pex

import (
	"debug/pe"
	"fmt"
)

const (
	// COFF symbol type with a function derived type (DTYPE_FUNCTION << 4).
	coffFunctionType = 0x20
	symClassExternal = 2
	symClassStatic   = 3
	maxExportName    = 1024
)

// loadNames collects names from the export directory and the COFF symbol
// table. Exports win over COFF symbols at the same address.
func (im *Image) loadNames() {
	im.names = make(map[uint64]string)
	im.loadCOFFSymbols()
	n, err := im.loadExports()
	if err != nil {
		im.log.Warn("export directory unreadable", "err", err)
	}
	im.log.Debug("loaded names", "exports", n, "total", len(im.names))
}

func (im *Image) loadCOFFSymbols() {
	for _, s := range im.File.Symbols {
		if s.SectionNumber <= 0 || int(s.SectionNumber) > len(im.File.Sections) {
			continue
		}
		if s.Type&0xF0 != coffFunctionType {
			continue
		}
		if s.StorageClass != symClassExternal && s.StorageClass != symClassStatic {
			continue
		}
		sec := im.File.Sections[s.SectionNumber-1]
		va := im.Base + uint64(sec.VirtualAddress) + uint64(s.Value)
		im.names[va] = s.Name
	}
}

// loadExports walks IMAGE_EXPORT_DIRECTORY. Forwarded exports, whose
// function RVA points back into the directory, are skipped.
func (im *Image) loadExports() (int, error) {
	rva, size := im.dataDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if rva == 0 || size == 0 {
		return 0, nil
	}
	dir := im.Base + uint64(rva)

	numNames, err := im.ReadU32(dir + 24)
	if err != nil {
		return 0, err
	}
	funcsRVA, err := im.ReadU32(dir + 28)
	if err != nil {
		return 0, err
	}
	namesRVA, err := im.ReadU32(dir + 32)
	if err != nil {
		return 0, err
	}
	ordsRVA, err := im.ReadU32(dir + 36)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := uint64(0); i < uint64(numNames); i++ {
		nameRVA, err := im.ReadU32(im.Base + uint64(namesRVA) + i*4)
		if err != nil {
			return count, err
		}
		ord, err := im.ReadU16(im.Base + uint64(ordsRVA) + i*2)
		if err != nil {
			return count, err
		}
		fnRVA, err := im.ReadU32(im.Base + uint64(funcsRVA) + uint64(ord)*4)
		if err != nil {
			return count, err
		}
		if fnRVA >= rva && fnRVA < rva+size {
			continue
		}
		name, err := im.readCString(im.Base + uint64(nameRVA))
		if err != nil {
			return count, err
		}
		im.names[im.Base+uint64(fnRVA)] = name
		count++
	}
	return count, nil
}

func (im *Image) readCString(va uint64) (string, error) {
	s, ok := im.SectionAt(va)
	if !ok {
		return "", fmt.Errorf("string at 0x%x: not mapped", va)
	}
	n := min(s.VA+s.Size-va, maxExportName)
	b, err := im.ReadBytesVA(va, int(n))
	if err != nil {
		return "", err
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}
