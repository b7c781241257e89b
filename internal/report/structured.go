package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"cfgchain/internal/guard"
	"cfgchain/internal/ui/colorize"
)

// Format selects the report encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates an output format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
}

// Node is a chain element with a printable address.
type Node struct {
	Address string `json:"address" yaml:"address"`
	Name    string `json:"name" yaml:"name"`
}

func newNode(n guard.Node) Node {
	return Node{Address: guard.FormatAddress(n.Address), Name: n.Name}
}

// ChainReport is the machine readable form of a search. Chains are in
// printed order: the whitelisted function first, the start last.
type ChainReport struct {
	RunID             string    `json:"run_id" yaml:"run_id"`
	GeneratedAt       time.Time `json:"generated_at" yaml:"generated_at"`
	Image             string    `json:"image,omitempty" yaml:"image,omitempty"`
	Start             Node      `json:"start" yaml:"start"`
	Depth             int       `json:"depth" yaml:"depth"`
	IncludeSuppressed bool      `json:"include_suppressed" yaml:"include_suppressed"`
	Prune             bool      `json:"prune" yaml:"prune"`
	Expansions        int       `json:"expansions" yaml:"expansions"`
	Truncated         bool      `json:"truncated" yaml:"truncated"`
	Chains            [][]Node  `json:"chains" yaml:"chains"`
}

// Function is a registry record with a printable address.
type Function struct {
	Address    string `json:"address" yaml:"address"`
	Name       string `json:"name" yaml:"name"`
	Flags      uint8  `json:"flags" yaml:"flags"`
	Suppressed bool   `json:"suppressed" yaml:"suppressed"`
}

// ListReport is the machine readable form of a registry listing.
type ListReport struct {
	RunID       string     `json:"run_id" yaml:"run_id"`
	GeneratedAt time.Time  `json:"generated_at" yaml:"generated_at"`
	Image       string     `json:"image,omitempty" yaml:"image,omitempty"`
	Format      string     `json:"format" yaml:"format"`
	Table       string     `json:"table" yaml:"table"`
	EntryCount  uint64     `json:"entry_count" yaml:"entry_count"`
	EntrySize   uint64     `json:"entry_size" yaml:"entry_size"`
	Functions   []Function `json:"functions" yaml:"functions"`
}

// Reporter writes results in one format.
type Reporter struct {
	Out    io.Writer
	Format Format
	// Styled selects lipgloss rendering for the text format and chroma
	// highlighting for JSON and YAML.
	Styled bool
	Image  string
	// Width is the wrap width of rendered markdown. Zero means 80.
	Width int

	newID func() string
	now   func() time.Time
}

// New returns a reporter writing to out.
func New(out io.Writer, format Format, styled bool) *Reporter {
	return &Reporter{Out: out, Format: format, Styled: styled, newID: uuid.NewString, now: time.Now}
}

// NewChainReport converts a search result.
func (r *Reporter) NewChainReport(res *guard.Result, opts guard.Options) ChainReport {
	rep := ChainReport{
		RunID:             r.newID(),
		GeneratedAt:       r.now().UTC(),
		Image:             r.Image,
		Start:             newNode(res.Start),
		Depth:             res.Depth,
		IncludeSuppressed: opts.IncludeSuppressed,
		Prune:             opts.Prune,
		Expansions:        res.Expansions,
		Truncated:         res.Truncated,
		Chains:            make([][]Node, 0, len(res.Chains)),
	}
	for _, c := range res.Chains {
		nodes := make([]Node, 0, len(c))
		for _, n := range c.Reversed() {
			nodes = append(nodes, newNode(n))
		}
		rep.Chains = append(rep.Chains, nodes)
	}
	return rep
}

// NewListReport converts a registry listing.
func (r *Reporter) NewListReport(desc guard.Descriptor, records []guard.FunctionRecord) ListReport {
	rep := ListReport{
		RunID:       r.newID(),
		GeneratedAt: r.now().UTC(),
		Image:       r.Image,
		Format:      desc.Format.String(),
		Table:       guard.FormatAddress(desc.TableAddress),
		EntryCount:  desc.EntryCount,
		EntrySize:   desc.EntrySize,
		Functions:   make([]Function, 0, len(records)),
	}
	for _, rec := range records {
		rep.Functions = append(rep.Functions, Function{
			Address:    guard.FormatAddress(rec.Address),
			Name:       rec.Name,
			Flags:      rec.Flags,
			Suppressed: rec.Suppressed(),
		})
	}
	return rep
}

// Chains writes a search result.
func (r *Reporter) Chains(res *guard.Result, opts guard.Options) error {
	switch r.Format {
	case FormatJSON, FormatYAML:
		return r.encode(r.NewChainReport(res, opts))
	}
	if r.Styled {
		return WriteStyledChains(r.Out, res)
	}
	return WriteChains(r.Out, res)
}

// Listing writes registry records.
func (r *Reporter) Listing(desc guard.Descriptor, records []guard.FunctionRecord) error {
	switch r.Format {
	case FormatJSON, FormatYAML:
		return r.encode(r.NewListReport(desc, records))
	}
	if r.Styled {
		return WriteStyledListing(r.Out, records)
	}
	return WriteListing(r.Out, records)
}

func (r *Reporter) encode(v any) error {
	var (
		data []byte
		err  error
	)
	lang := string(r.Format)
	if r.Format == FormatJSON {
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("encode %s report: %w", lang, err)
	}

	out := string(data)
	if r.Styled {
		if colored, err := colorize.Source(out, lang); err == nil {
			out = colored
		}
	}
	_, err = io.WriteString(r.Out, out)
	return err
}
