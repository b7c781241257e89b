package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"cfgchain/internal/disasm"
	"cfgchain/internal/guard"
	"cfgchain/internal/pex"
	"cfgchain/internal/ui/colorize"
)

// maxListing caps the bytes decoded for one function.
const maxListing = 64 << 10

var disasmCmd = &cobra.Command{
	Use:   "disasm <image> <function>",
	Short: "Disassemble the function containing an address",
	Long: `Disasm prints the function that contains the given address or name.
References to other functions are annotated with their names, and guard CF
targets are marked.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		img, reg, err := a.open(args[0])
		if err != nil {
			return err
		}
		defer img.Close()

		addr, err := resolveStart(reg, args[1])
		if err != nil {
			return err
		}
		lines, err := disassemble(img, reg, addr)
		if err != nil {
			return err
		}
		return writeListing(a.out, lines, a.styled)
	},
}

// disassemble renders the function containing addr, one line per
// instruction, preceded by a comment header.
func disassemble(img *pex.Image, reg *guard.Registry, addr uint64) ([]string, error) {
	fn, ok := img.FunctionAt(addr)
	if !ok {
		return nil, fmt.Errorf("no function contains %s", guard.FormatAddress(addr))
	}
	size := min(fn.End-fn.Start, maxListing)
	code, err := img.ReadBytesVA(fn.Start, int(size))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", guard.FormatAddress(fn.Start), err)
	}

	names := reg.NameOptions()
	header := fmt.Sprintf("; %s @ %s (%d bytes)", guard.ResolveName(img, fn.Start, names), guard.FormatAddress(fn.Start), fn.End-fn.Start)
	if rec, ok, _ := reg.Lookup(fn.Start); ok {
		header += targetMark(rec)
	}

	labels := func(target uint64) string {
		if _, ok := img.FunctionAt(target); !ok {
			return ""
		}
		label := guard.ResolveName(img, target, names)
		if rec, ok, _ := reg.Lookup(target); ok {
			label += targetMark(rec)
		}
		return label
	}

	stream := disasm.Decode(code, fn.Start, img.Mode())
	return append([]string{header}, stream.Lines(labels)...), nil
}

func targetMark(rec guard.FunctionRecord) string {
	if rec.Suppressed() {
		return " [guard, suppressed]"
	}
	return " [guard]"
}

func writeListing(w io.Writer, lines []string, styled bool) error {
	if styled {
		colored := make([]string, len(lines))
		for i, l := range lines {
			colored[i] = colorize.InstructionLine(l)
		}
		lines = colored
	}
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}

func init() {
	rootCmd.AddCommand(disasmCmd)
}
