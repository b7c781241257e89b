package report

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss/v2"

	"cfgchain/internal/guard"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	addrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	funcStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	nsStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	paramStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
	hitStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// ColorizeName highlights a demangled C++ name: namespaces in gray, the
// function name in orange and the parameter list in cyan. Hex labels are
// rendered as addresses.
func ColorizeName(name string) string {
	if strings.HasPrefix(name, "0x") {
		return addrStyle.Render(name)
	}

	params := ""
	if i := strings.Index(name, "("); i != -1 {
		name, params = name[:i], name[i:]
	}

	var out string
	if i := strings.LastIndex(name, "::"); i != -1 {
		out = nsStyle.Render(name[:i+2]) + funcStyle.Render(name[i+2:])
	} else {
		out = funcStyle.Render(name)
	}
	if params != "" {
		out += paramStyle.Render(params)
	}
	return out
}

// WriteStyledChains is WriteChains with terminal styling. The whitelisted
// end of each chain is marked.
func WriteStyledChains(w io.Writer, res *guard.Result) error {
	bw := bufio.NewWriter(w)
	for _, c := range res.Chains {
		fmt.Fprintln(bw, headerStyle.Render("Found chain:"))
		for i, n := range c.Reversed() {
			marker := "  "
			if i == 0 {
				marker = hitStyle.Render("▶ ")
			}
			fmt.Fprintf(bw, "%s%s  %s\n", marker, addrStyle.Render(fmt.Sprintf("%-12x", n.Address)), ColorizeName(n.Name))
		}
		fmt.Fprintln(bw)
	}
	if res.Truncated {
		fmt.Fprintln(bw, warningStyle.Render(fmt.Sprintf("search stopped after %d expansions; results are partial", res.Expansions)))
	}
	return bw.Flush()
}

// WriteStyledListing is WriteListing with terminal styling. Suppressed
// entries are dimmed.
func WriteStyledListing(w io.Writer, records []guard.FunctionRecord) error {
	bw := bufio.NewWriter(w)
	for _, r := range records {
		name := ColorizeName(r.Name)
		if r.Suppressed() {
			name = addrStyle.Render(r.Name + " (suppressed)")
		}
		fmt.Fprintf(bw, "%s  %s\n", addrStyle.Render(fmt.Sprintf("%-12x", r.Address)), name)
	}
	return bw.Flush()
}
