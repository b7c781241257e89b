// Package report renders search results and registry listings as plain
// text, styled terminal text, JSON or YAML.
package report

import (
	"bufio"
	"fmt"
	"io"

	"cfgchain/internal/guard"
)

// WriteChains prints every chain of res as "Found chain:" followed by one
// label per line, deepest caller first and the start last, then a blank
// line. An empty result prints nothing.
func WriteChains(w io.Writer, res *guard.Result) error {
	bw := bufio.NewWriter(w)
	for _, c := range res.Chains {
		fmt.Fprintln(bw, "Found chain:")
		for _, n := range c.Reversed() {
			fmt.Fprintln(bw, n.Name)
		}
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}

// WriteListing prints one line per record.
func WriteListing(w io.Writer, records []guard.FunctionRecord) error {
	bw := bufio.NewWriter(w)
	for _, r := range records {
		fmt.Fprintf(bw, "%s : %s flags : %d\n", guard.FormatAddress(r.Address), r.Name, r.Flags)
	}
	return bw.Flush()
}
