// Package pex loads PE images and serves them as a host.Host: image bytes at
// their preferred virtual addresses, function boundaries, names and a cross
// reference index built from an x86 linear sweep.
package pex

import (
	"bytes"
	"debug/pe"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/charmbracelet/log"

	"cfgchain/internal/host"
	"cfgchain/internal/logging"
)

// ErrUnsupportedMachine is returned for images that are not x86 or x86-64.
var ErrUnsupportedMachine = errors.New("unsupported machine")

// Section is a mapped image section.
type Section struct {
	Name    string
	VA      uint64 // absolute
	Size    uint64 // virtual size
	Off     uint64 // file offset of raw data
	RawSize uint64
	Exec    bool
}

func (s Section) contains(va uint64) bool {
	return va >= s.VA && va < s.VA+s.Size
}

type Image struct {
	Path     string
	File     *pe.File
	All      []byte
	Base     uint64
	Bits     int
	Entry    uint64
	Headers  Section
	Sections []Section

	log   *log.Logger
	names map[uint64]string
	funcs *functionTable
	xrefs map[uint64][]uint64

	f      *os.File
	mapped bool
}

type Option func(*Image)

// WithLogger sets the logger used while analyzing the image.
func WithLogger(l *log.Logger) Option {
	return func(im *Image) { im.log = l }
}

// Open maps the file at path and analyzes it.
func Open(path string, opts ...Option) (*Image, error) {
	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if fi.Size() == 0 {
		of.Close()
		return nil, fmt.Errorf("open pe: %s is empty", path)
	}

	all, err := syscall.Mmap(int(of.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		of.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im, err := load(all, path, opts)
	if err != nil {
		syscall.Munmap(all)
		of.Close()
		return nil, err
	}
	im.f = of
	im.mapped = true
	return im, nil
}

// Parse analyzes an image already held in memory.
func Parse(data []byte, opts ...Option) (*Image, error) {
	return load(data, "", opts)
}

func load(all []byte, path string, opts []Option) (*Image, error) {
	f, err := pe.NewFile(bytes.NewReader(all))
	if err != nil {
		return nil, fmt.Errorf("open pe: %w", err)
	}

	im := &Image{Path: path, File: f, All: all}
	for _, o := range opts {
		o(im)
	}
	if im.log == nil {
		im.log = logging.Default()
	}

	var sizeOfHeaders uint32
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		im.Bits = 32
		im.Base = uint64(oh.ImageBase)
		im.Entry = uint64(oh.AddressOfEntryPoint)
		sizeOfHeaders = oh.SizeOfHeaders
	case *pe.OptionalHeader64:
		im.Bits = 64
		im.Base = oh.ImageBase
		im.Entry = uint64(oh.AddressOfEntryPoint)
		sizeOfHeaders = oh.SizeOfHeaders
	default:
		f.Close()
		return nil, fmt.Errorf("open pe: missing optional header")
	}
	if im.Entry != 0 {
		im.Entry += im.Base
	}

	switch f.Machine {
	case pe.IMAGE_FILE_MACHINE_I386, pe.IMAGE_FILE_MACHINE_AMD64:
	default:
		f.Close()
		return nil, fmt.Errorf("%w: 0x%x", ErrUnsupportedMachine, f.Machine)
	}

	hdr := min(uint64(sizeOfHeaders), uint64(len(all)))
	im.Headers = Section{Name: "HEADER", VA: im.Base, Size: hdr, RawSize: hdr}

	for _, s := range f.Sections {
		size := uint64(s.VirtualSize)
		if size == 0 {
			size = uint64(s.Size)
		}
		raw := uint64(s.Size)
		if uint64(s.Offset)+raw > uint64(len(all)) {
			raw = uint64(len(all)) - min(uint64(s.Offset), uint64(len(all)))
		}
		im.Sections = append(im.Sections, Section{
			Name:    s.Name,
			VA:      im.Base + uint64(s.VirtualAddress),
			Size:    size,
			Off:     uint64(s.Offset),
			RawSize: min(raw, size),
			Exec:    s.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE != 0,
		})
	}

	im.log.Debug("mapped image", "path", path, "base", fmt.Sprintf("0x%x", im.Base),
		"bits", im.Bits, "sections", len(im.Sections))

	im.analyze()
	return im, nil
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var err1, err2 error
	if im.mapped && im.All != nil {
		err1 = syscall.Munmap(im.All)
	}
	im.All = nil
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if im.File != nil {
		if err3 := im.File.Close(); err3 != nil && err2 == nil {
			err2 = err3
		}
		im.File = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// Mode returns the x86 decoder mode for the image.
func (im *Image) Mode() int { return im.Bits }

// SectionAt returns the mapped region containing va.
func (im *Image) SectionAt(va uint64) (Section, bool) {
	if im.Headers.contains(va) {
		return im.Headers, true
	}
	for _, s := range im.Sections {
		if s.contains(va) {
			return s, true
		}
	}
	return Section{}, false
}

// ReadBytesVA copies size bytes starting at va. Bytes past a section's raw
// data read as zero. The range must not cross a section boundary.
func (im *Image) ReadBytesVA(va uint64, size int) ([]byte, error) {
	s, ok := im.SectionAt(va)
	if !ok || size < 0 || va+uint64(size) > s.VA+s.Size {
		return nil, &host.UnmappedError{VA: va, Size: size}
	}
	out := make([]byte, size)
	rel := va - s.VA
	if rel < s.RawSize {
		n := min(uint64(size), s.RawSize-rel)
		copy(out, im.All[s.Off+rel:s.Off+rel+n])
	}
	return out, nil
}

// SectionData returns the raw bytes backing s, without zero fill.
func (im *Image) SectionData(s Section) []byte {
	return im.All[s.Off : s.Off+s.RawSize]
}

// InExec reports whether va lies in an executable section.
func (im *Image) InExec(va uint64) bool {
	for _, s := range im.Sections {
		if s.Exec && s.contains(va) {
			return true
		}
	}
	return false
}

// dataDirectory returns the RVA and size of directory entry idx.
func (im *Image) dataDirectory(idx int) (uint32, uint32) {
	var dirs []pe.DataDirectory
	switch oh := im.File.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	case *pe.OptionalHeader64:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	}
	if idx >= len(dirs) {
		return 0, 0
	}
	return dirs[idx].VirtualAddress, dirs[idx].Size
}
