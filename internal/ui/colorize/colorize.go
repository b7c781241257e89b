package colorize

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

var disabled atomic.Bool

// SetEnabled turns colour output on or off process wide.
func SetEnabled(on bool) { disabled.Store(!on) }

// Enabled reports whether colour output is on. CFGCHAIN_NO_COLOR disables
// it regardless of SetEnabled.
func Enabled() bool {
	return !disabled.Load() && os.Getenv("CFGCHAIN_NO_COLOR") == ""
}

// getLexer returns the first lexer registered under one of names.
func getLexer(names ...string) chroma.Lexer {
	for _, name := range names {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getStyle returns the first registered style of names, or the fallback.
func getStyle(names ...string) *chroma.Style {
	for _, name := range names {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

func format(code string, lexer chroma.Lexer, style *chroma.Style) (string, error) {
	if lexer == nil {
		return code, nil
	}
	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}
	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, style, iterator); err != nil {
		return code, err
	}
	return buf.String(), nil
}

// Source highlights a JSON or YAML document. language is a chroma lexer
// name. The input is returned unchanged when colour is off.
func Source(code, language string) (string, error) {
	if !Enabled() {
		return code, nil
	}
	return format(code, getLexer(language), getStyle("cfgchain-report", "dracula", "monokai"))
}

// Assembly highlights a multi-line x86 listing.
func Assembly(code string) (string, error) {
	if !Enabled() {
		return code, nil
	}
	return format(code, getLexer("nasm", "gas"), getStyle("disasm-dark", "dracula", "monokai"))
}

// InstructionLine colorizes one "address  instruction ; comment" line
// produced by the disassembler, keeping the address gray.
func InstructionLine(line string) string {
	if !Enabled() {
		return line
	}

	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, ";") {
		return fmt.Sprintf("\033[38;2;235;194;237m%s\033[0m", line)
	}

	addr, rest, ok := strings.Cut(line, " ")
	if !ok || !isHex(addr) {
		return colorizeFullLine(line)
	}
	return fmt.Sprintf("\033[38;2;79;79;79m%s\033[0m %s", addr, colorizeFullLine(rest))
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !((ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')) {
			return false
		}
	}
	return true
}

func colorizeFullLine(line string) string {
	out, err := format(line, getLexer("nasm", "gas"), getStyle("disasm-dark", "dracula", "monokai"))
	if err != nil {
		return line
	}
	// The formatter terminates its output with a newline the caller did not
	// ask for.
	return strings.TrimSuffix(out, "\n")
}

// StripANSI removes ANSI escape sequences.
func StripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for _, r := range s {
		if r == '\x1b' {
			inEscape = true
		} else if inEscape {
			if r == 'm' {
				inEscape = false
			}
		} else {
			result.WriteRune(r)
		}
	}

	return result.String()
}
