package pex

import (
	"cmp"
	"debug/pe"
	"encoding/binary"
	"slices"
	"sort"

	"cfgchain/internal/disasm"
	"cfgchain/internal/host"
)

const (
	runtimeFunctionSize = 12
	unwindFlagChainInfo = 0x4
)

// span is a contiguous code range owned by the function at index owner.
// Chained unwind entries produce several spans per function.
type span struct {
	start, end uint64
	owner      int
}

type functionTable struct {
	list   []host.Function // sorted by Start
	spans  []span          // sorted by start
	maxLen uint64
	names  map[string]int
}

func (t *functionTable) containing(va uint64) []host.Function {
	if t == nil || len(t.spans) == 0 {
		return nil
	}
	// Last span starting at or before va.
	i := sort.Search(len(t.spans), func(i int) bool { return t.spans[i].start > va }) - 1
	var out []host.Function
	for ; i >= 0; i-- {
		sp := t.spans[i]
		if sp.start+t.maxLen <= va {
			break
		}
		if va >= sp.start && va < sp.end {
			fn := t.list[sp.owner]
			if !slices.ContainsFunc(out, func(f host.Function) bool { return f.Start == fn.Start }) {
				out = append(out, fn)
			}
		}
	}
	return out
}

func (t *functionTable) byName(name string) (host.Function, bool) {
	if t == nil {
		return host.Function{}, false
	}
	i, ok := t.names[name]
	if !ok {
		return host.Function{}, false
	}
	return t.list[i], true
}

// sweep is the outcome of a linear decode over the executable sections.
type sweep struct {
	xrefs     map[uint64][]uint64
	calls     map[uint64]struct{}
	prologues map[uint64]struct{}
}

func (im *Image) analyze() {
	im.loadNames()
	sw := im.sweep()
	im.xrefs = sw.xrefs
	im.funcs = im.buildFunctions(sw)
	im.log.Debug("analyzed image", "functions", len(im.funcs.list), "targets", len(im.xrefs))
}

// sweep decodes every executable section and indexes each reference whose
// target lies inside the image.
func (im *Image) sweep() sweep {
	sw := sweep{
		xrefs:     make(map[uint64][]uint64),
		calls:     make(map[uint64]struct{}),
		prologues: make(map[uint64]struct{}),
	}
	framePush, frameMov := "push ebp", "mov ebp, esp"
	if im.Bits == 64 {
		framePush, frameMov = "push rbp", "mov rbp, rsp"
	}

	for _, s := range im.Sections {
		if !s.Exec {
			continue
		}
		var prev disasm.Inst
		disasm.Walk(im.SectionData(s), s.VA, im.Mode(), func(in disasm.Inst) bool {
			if in.Valid && prev.Valid && prev.Text == framePush && in.Text == frameMov {
				sw.prologues[prev.VA] = struct{}{}
			}
			prev = in
			if in.Kind == 0 {
				return true
			}
			if _, ok := im.SectionAt(in.Target); !ok {
				return true
			}
			sw.xrefs[in.Target] = append(sw.xrefs[in.Target], in.VA)
			if in.Kind == disasm.RefCall && im.InExec(in.Target) {
				sw.calls[in.Target] = struct{}{}
			}
			return true
		})
	}
	return sw
}

// buildFunctions combines .pdata ranges with heuristic entry points. A
// heuristic function extends to the next known start or the end of its
// section.
func (im *Image) buildFunctions(sw sweep) *functionTable {
	t := &functionTable{names: make(map[string]int)}

	type entry struct {
		start, end uint64
		chunks     []span
	}
	byStart := make(map[uint64]*entry)
	var unwound []span
	var unwoundMax uint64

	for _, rf := range im.runtimeFunctions() {
		e, ok := byStart[rf.primary]
		if !ok {
			e = &entry{start: rf.primary}
			byStart[rf.primary] = e
		}
		if rf.begin == rf.primary {
			e.end = rf.end
		}
		e.chunks = append(e.chunks, span{start: rf.begin, end: rf.end})
		unwound = append(unwound, span{start: rf.begin, end: rf.end})
		unwoundMax = max(unwoundMax, rf.end-rf.begin)
	}
	slices.SortFunc(unwound, compareSpans)

	candidates := make(map[uint64]struct{})
	for va := range im.names {
		if im.InExec(va) {
			candidates[va] = struct{}{}
		}
	}
	if im.Entry != 0 && im.InExec(im.Entry) {
		candidates[im.Entry] = struct{}{}
	}
	for va := range sw.calls {
		candidates[va] = struct{}{}
	}
	for va := range sw.prologues {
		candidates[va] = struct{}{}
	}

	// Heuristic starts already covered by an unwind range are dropped.
	covered := func(va uint64) bool {
		i := sort.Search(len(unwound), func(i int) bool { return unwound[i].start > va }) - 1
		for ; i >= 0 && unwound[i].start+unwoundMax > va; i-- {
			if va < unwound[i].end {
				return true
			}
		}
		return false
	}
	var starts []uint64
	for va := range candidates {
		if _, ok := byStart[va]; ok {
			continue
		}
		if covered(va) {
			continue
		}
		starts = append(starts, va)
	}
	for va := range byStart {
		starts = append(starts, va)
	}
	slices.Sort(starts)

	for i, va := range starts {
		if _, ok := byStart[va]; ok {
			continue
		}
		sec, _ := im.SectionAt(va)
		end := sec.VA + sec.Size
		if i+1 < len(starts) && starts[i+1] < end {
			end = starts[i+1]
		}
		if j := sort.Search(len(unwound), func(j int) bool { return unwound[j].start > va }); j < len(unwound) && unwound[j].start < end {
			end = unwound[j].start
		}
		byStart[va] = &entry{start: va, end: end, chunks: []span{{start: va, end: end}}}
	}

	for i, va := range starts {
		e := byStart[va]
		if e.end <= e.start {
			// Only chained fragments were seen for this primary.
			e.end = e.start + 1
		}
		name := im.names[va]
		t.list = append(t.list, host.Function{Start: e.start, End: e.end, Name: name})
		if name != "" {
			if _, dup := t.names[name]; !dup {
				t.names[name] = i
			}
		}
		for _, c := range e.chunks {
			c.owner = i
			t.spans = append(t.spans, c)
			t.maxLen = max(t.maxLen, c.end-c.start)
		}
	}
	slices.SortFunc(t.spans, compareSpans)
	return t
}

func compareSpans(a, b span) int {
	return cmp.Compare(a.start, b.start)
}

type runtimeFunction struct {
	begin, end uint64
	primary    uint64
}

// runtimeFunctions reads the x64 exception directory. Entries whose unwind
// info is chained are attributed to the function that owns the chain root.
func (im *Image) runtimeFunctions() []runtimeFunction {
	if im.Bits != 64 {
		return nil
	}
	rva, size := im.dataDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION)
	if rva == 0 || size < runtimeFunctionSize {
		return nil
	}
	data, err := im.ReadBytesVA(im.Base+uint64(rva), int(size))
	if err != nil {
		im.log.Warn("exception directory unreadable", "err", err)
		return nil
	}

	var out []runtimeFunction
	for off := 0; off+runtimeFunctionSize <= len(data); off += runtimeFunctionSize {
		begin := binary.LittleEndian.Uint32(data[off:])
		end := binary.LittleEndian.Uint32(data[off+4:])
		unwind := binary.LittleEndian.Uint32(data[off+8:])
		if begin == 0 || end <= begin {
			continue
		}
		out = append(out, runtimeFunction{
			begin:   im.Base + uint64(begin),
			end:     im.Base + uint64(end),
			primary: im.Base + uint64(im.chainRoot(begin, unwind)),
		})
	}
	return out
}

// chainRoot follows UNWIND_INFO chains back to the primary function start.
func (im *Image) chainRoot(begin, unwind uint32) uint32 {
	for range 32 {
		// An odd unwind RVA points at another RUNTIME_FUNCTION.
		if unwind&1 != 0 {
			rf, err := im.ReadBytesVA(im.Base+uint64(unwind&^1), runtimeFunctionSize)
			if err != nil {
				return begin
			}
			begin, unwind = binary.LittleEndian.Uint32(rf), binary.LittleEndian.Uint32(rf[8:])
			continue
		}
		hdr, err := im.ReadBytesVA(im.Base+uint64(unwind), 4)
		if err != nil || (hdr[0]>>3)&unwindFlagChainInfo == 0 {
			return begin
		}
		codes := (uint32(hdr[2]) + 1) &^ 1
		rf, err := im.ReadBytesVA(im.Base+uint64(unwind)+4+uint64(codes)*2, runtimeFunctionSize)
		if err != nil {
			return begin
		}
		begin, unwind = binary.LittleEndian.Uint32(rf), binary.LittleEndian.Uint32(rf[8:])
	}
	return begin
}
