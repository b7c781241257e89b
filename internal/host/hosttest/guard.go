package hosttest

// Layout of the synthetic images produced by GuardImage.
const (
	PEHeaderOffset  = 0x80
	LoadConfigRVA   = 0x400
	FunctionTableVA = 0x800 // relative to base
)

// Entry is one row of a synthetic guard CF function table.
type Entry struct {
	RVA   uint32
	Flags uint8
}

// GuardImage writes PE headers, a load configuration directory and a guard
// CF function table into f. headerSize is the per-entry trailing byte count
// stored in the top nibble of GuardFlags.
func GuardImage(f *Fake, is64 bool, headerSize uint8, entries []Entry) {
	base := f.Base
	f.PutU32(base+0x3C, PEHeaderOffset)
	f.Write(base+PEHeaderOffset, []byte("PE\x00\x00"))

	opt := base + PEHeaderOffset + 4 + 20
	table := base + FunctionTableVA
	lc := base + LoadConfigRVA
	guardFlags := uint32(headerSize&0xF) << 28

	if is64 {
		f.PutU16(opt, 0x20b)
		f.PutU32(opt+192, LoadConfigRVA)
		f.PutU64(lc+128, table)
		f.PutU64(lc+136, uint64(len(entries)))
		f.PutU32(lc+144, guardFlags)
	} else {
		f.PutU16(opt, 0x10b)
		f.PutU32(opt+176, LoadConfigRVA)
		f.PutU32(lc+80, uint32(table))
		f.PutU32(lc+84, uint32(len(entries)))
		f.PutU32(lc+88, guardFlags)
	}

	stride := uint64(4 + headerSize)
	for i, e := range entries {
		at := table + uint64(i)*stride
		f.PutU32(at, e.RVA)
		if headerSize >= 1 {
			f.PutU8(at+4, e.Flags)
		}
	}
}
