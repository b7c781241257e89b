// Package disasm decodes x86 and x86-64 machine code into a flat instruction
// stream and extracts the code and data references each instruction makes.
package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// RefKind classifies a reference made by an instruction.
type RefKind uint8

const (
	RefCall RefKind = iota + 1
	RefJump
	RefBranch // conditional
	RefData   // address operand of a non-branch instruction
)

func (k RefKind) String() string {
	switch k {
	case RefCall:
		return "call"
	case RefJump:
		return "jump"
	case RefBranch:
		return "branch"
	case RefData:
		return "data"
	}
	return "none"
}

// Inst is a simplified decoded instruction.
type Inst struct {
	VA     uint64  // virtual address of instruction
	Len    int     // encoded length
	Text   string  // Intel syntax, lowercase
	Op     string  // mnemonic in lowercase
	Target uint64  // referenced address when Kind != 0
	Kind   RefKind // zero when the instruction references no address
	Valid  bool    // false for undecodable bytes
}

// Stream is a linear sequence of instructions.
type Stream []Inst

// endbr reports whether code starts with ENDBR64 or ENDBR32, which x86asm
// does not decode.
func endbr(code []byte) bool {
	return len(code) >= 4 && code[0] == 0xf3 && code[1] == 0x0f &&
		code[2] == 0x1e && (code[3] == 0xfa || code[3] == 0xfb)
}

// Decode performs a linear sweep over code mapped at va. mode is 32 or 64.
// Bytes that fail to decode become single-byte invalid entries so the sweep
// can resynchronize.
func Decode(code []byte, va uint64, mode int) Stream {
	var out Stream
	Walk(code, va, mode, func(in Inst) bool {
		out = append(out, in)
		return true
	})
	return out
}

// Walk is Decode without materializing the stream. It stops early when fn
// returns false.
func Walk(code []byte, va uint64, mode int, fn func(Inst) bool) {
	off := 0
	for off < len(code) {
		pc := va + uint64(off)

		if endbr(code[off:]) {
			op := "endbr64"
			if code[off+3] == 0xfb {
				op = "endbr32"
			}
			if !fn(Inst{VA: pc, Len: 4, Text: op, Op: op, Valid: true}) {
				return
			}
			off += 4
			continue
		}

		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil || inst.Len == 0 {
			if !fn(Inst{VA: pc, Len: 1, Text: fmt.Sprintf("db 0x%02x", code[off]), Op: "db"}) {
				return
			}
			off++
			continue
		}

		in := Inst{
			VA:    pc,
			Len:   inst.Len,
			Text:  strings.ToLower(x86asm.IntelSyntax(inst, pc, nil)),
			Op:    strings.ToLower(inst.Op.String()),
			Valid: true,
		}
		in.Target, in.Kind = reference(inst, pc, mode)
		if !fn(in) {
			return
		}
		off += inst.Len
	}
}

// reference extracts the address referenced by inst, if any.
func reference(inst x86asm.Inst, pc uint64, mode int) (uint64, RefKind) {
	next := pc + uint64(inst.Len)

	kind := RefData
	switch {
	case inst.Op == x86asm.CALL:
		kind = RefCall
	case inst.Op == x86asm.JMP:
		kind = RefJump
	case isConditional(inst.Op):
		kind = RefBranch
	}

	for _, a := range inst.Args {
		if a == nil {
			break
		}
		switch arg := a.(type) {
		case x86asm.Rel:
			return mask(next+uint64(int64(arg)), mode), kind
		case x86asm.Mem:
			if arg.Base == x86asm.RIP && arg.Index == 0 {
				// The operand addresses memory; for call/jmp that is an
				// import slot, not the destination.
				return next + uint64(arg.Disp), RefData
			}
			if mode == 32 && arg.Base == 0 && arg.Index == 0 && arg.Segment == 0 {
				return mask(uint64(arg.Disp), mode), RefData
			}
		case x86asm.Imm:
			// push offset / mov reg, offset in 32-bit code.
			if mode == 32 && kind == RefData && (inst.Op == x86asm.PUSH || inst.Op == x86asm.MOV) {
				return uint64(uint32(arg)), RefData
			}
		}
	}
	return 0, 0
}

func mask(v uint64, mode int) uint64 {
	if mode == 32 {
		return v & 0xffffffff
	}
	return v
}

func isConditional(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

// String formats the instruction as "address  text".
func (in Inst) String() string {
	return fmt.Sprintf("%-10x %s", in.VA, in.Text)
}

// Lines renders the stream one instruction per line. labels, when non-nil,
// supplies annotations appended as comments.
func (s Stream) Lines(labels func(uint64) string) []string {
	out := make([]string, 0, len(s))
	for _, in := range s {
		line := in.String()
		if labels != nil && in.Kind != 0 {
			if l := labels(in.Target); l != "" {
				line = fmt.Sprintf("%-48s ; %s", line, l)
			}
		}
		out = append(out, line)
	}
	return out
}
