// Package pextest writes small synthetic PE images for tests.
package pextest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	FileAlign   = 0x200
	HeadersSize = 0x400
	PEHeaderOff = 0x80

	dirLoadConfig = 10
	unwindChain   = 0x4
)

// Section is the raw data of one section. Exec sections are filled with
// int3.
type Section struct {
	Name  string
	RVA   uint32
	VSize uint32
	Data  []byte
	Exec  bool
}

// NewSection returns size bytes of raw data followed by 0x100 bytes of zero
// fill.
func NewSection(name string, rva, size uint32, exec bool) *Section {
	s := &Section{Name: name, RVA: rva, VSize: size + 0x100, Data: make([]byte, size), Exec: exec}
	if exec {
		for i := range s.Data {
			s.Data[i] = 0xcc
		}
	}
	return s
}

func (s *Section) Put(rva uint32, b ...byte) {
	copy(s.Data[rva-s.RVA:], b)
}

func (s *Section) PutU16(rva uint32, v uint16) {
	binary.LittleEndian.PutUint16(s.Data[rva-s.RVA:], v)
}

func (s *Section) PutU32(rva uint32, v uint32) {
	binary.LittleEndian.PutUint32(s.Data[rva-s.RVA:], v)
}

func (s *Section) PutU64(rva uint32, v uint64) {
	binary.LittleEndian.PutUint64(s.Data[rva-s.RVA:], v)
}

// Call writes a rel32 call at rva.
func (s *Section) Call(rva, target uint32) {
	s.Put(rva, 0xe8)
	s.PutU32(rva+1, Rel32(rva+5, target))
}

// Rel32 is the displacement of a relative branch ending at next.
func Rel32(next, target uint32) uint32 {
	return target - next
}

// PE describes an image. Sections are laid out in order after the headers.
type PE struct {
	Is64     bool
	Base     uint64
	Entry    uint32
	Dirs     map[int]pe.DataDirectory
	Sections []*Section
}

// Bytes serializes the image.
func (p *PE) Bytes(tb testing.TB) []byte {
	tb.Helper()

	var hdr bytes.Buffer
	dos := make([]byte, PEHeaderOff)
	copy(dos, "MZ")
	binary.LittleEndian.PutUint32(dos[0x3C:], PEHeaderOff)
	hdr.Write(dos)
	hdr.WriteString("PE\x00\x00")

	var dirs [16]pe.DataDirectory
	for i, d := range p.Dirs {
		dirs[i] = d
	}
	sizeOfImage := uint32(0x1000)
	for _, s := range p.Sections {
		sizeOfImage = max(sizeOfImage, s.RVA+0x1000)
	}

	fh := pe.FileHeader{
		Machine:          pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections: uint16(len(p.Sections)),
		Characteristics:  pe.IMAGE_FILE_EXECUTABLE_IMAGE,
	}
	var opt any
	if p.Is64 {
		fh.Machine = pe.IMAGE_FILE_MACHINE_AMD64
		fh.SizeOfOptionalHeader = uint16(binary.Size(pe.OptionalHeader64{}))
		opt = &pe.OptionalHeader64{
			Magic:               0x20b,
			AddressOfEntryPoint: p.Entry,
			ImageBase:           p.Base,
			SectionAlignment:    0x1000,
			FileAlignment:       FileAlign,
			SizeOfImage:         sizeOfImage,
			SizeOfHeaders:       HeadersSize,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dirs,
		}
	} else {
		fh.SizeOfOptionalHeader = uint16(binary.Size(pe.OptionalHeader32{}))
		opt = &pe.OptionalHeader32{
			Magic:               0x10b,
			AddressOfEntryPoint: p.Entry,
			ImageBase:           uint32(p.Base),
			SectionAlignment:    0x1000,
			FileAlignment:       FileAlign,
			SizeOfImage:         sizeOfImage,
			SizeOfHeaders:       HeadersSize,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dirs,
		}
	}
	require.NoError(tb, binary.Write(&hdr, binary.LittleEndian, fh))
	require.NoError(tb, binary.Write(&hdr, binary.LittleEndian, opt))

	off := uint32(HeadersSize)
	for _, s := range p.Sections {
		sh := pe.SectionHeader32{
			VirtualSize:      s.VSize,
			VirtualAddress:   s.RVA,
			SizeOfRawData:    uint32(len(s.Data)),
			PointerToRawData: off,
			Characteristics:  pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_CNT_INITIALIZED_DATA,
		}
		if s.Exec {
			sh.Characteristics = pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_CNT_CODE
		}
		copy(sh.Name[:], s.Name)
		require.NoError(tb, binary.Write(&hdr, binary.LittleEndian, sh))
		off += uint32(len(s.Data))
	}
	require.LessOrEqual(tb, hdr.Len(), HeadersSize)

	out := make([]byte, HeadersSize, off)
	copy(out, hdr.Bytes())
	for _, s := range p.Sections {
		out = append(out, s.Data...)
	}
	return out
}

// Write stores the image in a temporary directory and returns its path.
func (p *PE) Write(tb testing.TB) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "image.exe")
	require.NoError(tb, os.WriteFile(path, p.Bytes(tb), 0o644))
	return path
}

const (
	Base64    = 0x140000000
	RVAMain   = 0x1000
	RVAHelper = 0x1020
	RVALeaf   = 0x1040
	RVATail   = 0x1060

	Base32 = 0x400000
)

// Image64 lays out:
//
//	Main   0x1000  call Helper                      (exported)
//	Helper 0x1020  push rbp; mov rbp, rsp; call Leaf (exported, mangled)
//	Leaf   0x1040  ret                               (no unwind data)
//	tail   0x1060  call Leaf; chained to Main's unwind info
//
// with a guard CF function table listing Main and Helper.
func Image64() *PE {
	text := NewSection(".text", 0x1000, FileAlign, true)
	text.Call(RVAMain, RVAHelper)
	text.Put(RVAMain+5, 0xc3)

	text.Put(RVAHelper, 0x55, 0x48, 0x89, 0xe5)
	text.Call(RVAHelper+4, RVALeaf)
	text.Put(RVAHelper+9, 0x5d, 0xc3)

	text.Put(RVALeaf, 0xc3)

	text.Call(RVATail, RVALeaf)
	text.Put(RVATail+5, 0xc3)

	rdata := NewSection(".rdata", 0x2000, 3*FileAlign, false)
	// Unwind info: plain for Main and Helper, chained for the tail chunk.
	rdata.Put(0x2100, 0x01, 0, 0, 0)
	rdata.Put(0x2104, 0x01, 0, 0, 0)
	rdata.Put(0x2108, 0x01|unwindChain<<3, 0, 0, 0)
	rdata.PutU32(0x210c, RVAMain)
	rdata.PutU32(0x2110, RVAMain+0x10)
	rdata.PutU32(0x2114, 0x2100)

	// Export directory.
	rdata.PutU32(0x2200+24, 2)
	rdata.PutU32(0x2200+28, 0x2240)
	rdata.PutU32(0x2200+32, 0x2250)
	rdata.PutU32(0x2200+36, 0x2260)
	rdata.PutU32(0x2240, RVAMain)
	rdata.PutU32(0x2244, RVAHelper)
	rdata.PutU32(0x2250, 0x2270)
	rdata.PutU32(0x2254, 0x2280)
	rdata.PutU16(0x2260, 0)
	rdata.PutU16(0x2262, 1)
	rdata.Put(0x2270, []byte("Main\x00")...)
	rdata.Put(0x2280, []byte("_Z6helperv\x00")...)

	// Load config with a guard table of two entries and one flag byte each.
	rdata.PutU64(0x2300+128, Base64+0x2400)
	rdata.PutU64(0x2300+136, 2)
	rdata.PutU32(0x2300+144, 1<<28)
	rdata.PutU32(0x2400, RVAMain)
	rdata.PutU32(0x2405, RVAHelper)

	pdata := NewSection(".pdata", 0x3000, FileAlign, false)
	for i, rf := range [][3]uint32{
		{RVAMain, RVAMain + 0x10, 0x2100},
		{RVAHelper, RVAHelper + 0x10, 0x2104},
		{RVATail, RVATail + 0x10, 0x2108},
	} {
		at := uint32(0x3000 + i*12)
		pdata.PutU32(at, rf[0])
		pdata.PutU32(at+4, rf[1])
		pdata.PutU32(at+8, rf[2])
	}

	return &PE{
		Is64:  true,
		Base:  Base64,
		Entry: RVAMain,
		Dirs: map[int]pe.DataDirectory{
			pe.IMAGE_DIRECTORY_ENTRY_EXPORT:    {VirtualAddress: 0x2200, Size: 0x90},
			pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION: {VirtualAddress: 0x3000, Size: 36},
			dirLoadConfig:                      {VirtualAddress: 0x2300, Size: 0x148},
		},
		Sections: []*Section{text, rdata, pdata},
	}
}

// Image32 has two frame-pointer functions and a push of the second one's
// address:
//
//	0x1000  push ebp; mov ebp, esp; call 0x1020; pop ebp; ret
//	0x1010  push 0x401020; ret
//	0x1020  push ebp; mov ebp, esp; pop ebp; ret
func Image32() *PE {
	text := NewSection(".text", 0x1000, FileAlign, true)
	text.Put(0x1000, 0x55, 0x8b, 0xec)
	text.Call(0x1003, 0x1020)
	text.Put(0x1008, 0x5d, 0xc3)
	text.Put(0x1010, 0x68)
	text.PutU32(0x1011, Base32+0x1020)
	text.Put(0x1015, 0xc3)
	text.Put(0x1020, 0x55, 0x89, 0xe5, 0x5d, 0xc3)

	return &PE{
		Base:     Base32,
		Sections: []*Section{text},
	}
}
