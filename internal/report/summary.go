package report

import (
	"fmt"
	"io"
	"strings"

	"cfgchain/internal/cfgchain/styles"
	"cfgchain/internal/guard"
)

// SectionSummary describes one mapped section.
type SectionSummary struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
	Size    uint64 `json:"size" yaml:"size"`
	Exec    bool   `json:"exec" yaml:"exec"`
}

// Summary is the overview printed by the info command.
type Summary struct {
	RunID       string           `json:"run_id" yaml:"run_id"`
	Image       string           `json:"image,omitempty" yaml:"image,omitempty"`
	Format      string           `json:"format" yaml:"format"`
	Base        string           `json:"base" yaml:"base"`
	Entry       string           `json:"entry" yaml:"entry"`
	LoadConfig  string           `json:"load_config" yaml:"load_config"`
	Table       string           `json:"table" yaml:"table"`
	EntryCount  uint64           `json:"entry_count" yaml:"entry_count"`
	HeaderSize  uint8            `json:"header_size" yaml:"header_size"`
	EntrySize   uint64           `json:"entry_size" yaml:"entry_size"`
	Targets     int              `json:"targets" yaml:"targets"`
	Suppressed  int              `json:"suppressed" yaml:"suppressed"`
	Unresolved  uint64           `json:"unresolved" yaml:"unresolved"`
	Functions   int              `json:"functions" yaml:"functions"`
	Sections    []SectionSummary `json:"sections" yaml:"sections"`
}

// NewSummary fills the guard table part of a summary. Image level fields
// are left to the caller.
func (r *Reporter) NewSummary(desc guard.Descriptor, records []guard.FunctionRecord) Summary {
	s := Summary{
		RunID:      r.newID(),
		Image:      r.Image,
		Format:     desc.Format.String(),
		LoadConfig: guard.FormatAddress(desc.LoadConfigAddress),
		Table:      guard.FormatAddress(desc.TableAddress),
		EntryCount: desc.EntryCount,
		HeaderSize: desc.HeaderSize,
		EntrySize:  desc.EntrySize,
		Targets:    len(records),
	}
	for _, rec := range records {
		if rec.Suppressed() {
			s.Suppressed++
		}
	}
	if uint64(len(records)) < desc.EntryCount {
		s.Unresolved = desc.EntryCount - uint64(len(records))
	}
	return s
}

// Markdown renders the summary as a markdown document.
func (s Summary) Markdown() string {
	var b strings.Builder
	title := s.Image
	if title == "" {
		title = "image"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	b.WriteString("| Field | Value |\n|---|---|\n")
	row := func(k, v string) { fmt.Fprintf(&b, "| %s | %s |\n", k, v) }
	row("Format", s.Format)
	row("Base", "`"+s.Base+"`")
	row("Entry", "`"+s.Entry+"`")
	row("Load config", "`"+s.LoadConfig+"`")
	row("Guard table", "`"+s.Table+"`")
	row("Entries", fmt.Sprintf("%d (%d bytes each, %d header bytes)", s.EntryCount, s.EntrySize, s.HeaderSize))
	row("Resolved targets", fmt.Sprintf("%d", s.Targets))
	row("Export suppressed", fmt.Sprintf("%d", s.Suppressed))
	row("Discovered functions", fmt.Sprintf("%d", s.Functions))

	if s.Unresolved > 0 {
		fmt.Fprintf(&b, "\n*%d table entries did not resolve to a function and were skipped.*\n", s.Unresolved)
	}

	if len(s.Sections) > 0 {
		b.WriteString("\n## Sections\n\n| Name | Address | Size | Exec |\n|---|---|---|---|\n")
		for _, sec := range s.Sections {
			exec := ""
			if sec.Exec {
				exec = "x"
			}
			fmt.Fprintf(&b, "| %s | `%s` | 0x%x | %s |\n", sec.Name, sec.Address, sec.Size, exec)
		}
	}
	return b.String()
}

// Summary writes s. Text output is markdown, rendered with glamour when
// styled.
func (r *Reporter) Summary(s Summary) error {
	switch r.Format {
	case FormatJSON, FormatYAML:
		return r.encode(s)
	}
	md := s.Markdown()
	if r.Styled {
		width := r.Width
		if width <= 0 {
			width = 80
		}
		md = styles.RenderMarkdown(md, width, true)
	}
	_, err := io.WriteString(r.Out, md)
	return err
}
