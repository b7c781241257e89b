package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"cfgchain/internal/guard"
)

// A calls nothing; B calls A; C calls B. C is whitelisted.
func abcResult() *guard.Result {
	a := guard.Node{Address: 0x401000, Name: "A"}
	b := guard.Node{Address: 0x402000, Name: "B"}
	c := guard.Node{Address: 0x403000, Name: "C"}
	return &guard.Result{
		Start:      a,
		Depth:      2,
		Chains:     []guard.Chain{{a, b, c}},
		Expansions: 2,
	}
}

func fixedReporter(buf *bytes.Buffer, f Format) *Reporter {
	r := New(buf, f, false)
	r.newID = func() string { return "00000000-0000-0000-0000-000000000001" }
	r.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	r.Image = "sample.dll"
	return r
}

func TestWriteChainsPrintedOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteChains(&buf, abcResult()))
	assert.Equal(t, "Found chain:\nC\nB\nA\n\n", buf.String())
}

func TestWriteChainsEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteChains(&buf, &guard.Result{Chains: []guard.Chain{}}))
	assert.Empty(t, buf.String())
}

func TestWriteListing(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteListing(&buf, []guard.FunctionRecord{
		{Address: 0x401000, Name: "target()", Flags: 0},
		{Address: 0x401100, Name: "0x401100", Flags: 2},
	}))
	assert.Equal(t, "0x401000 : target() flags : 0\n0x401100 : 0x401100 flags : 2\n", buf.String())
}

func TestStyledMatchesPlainContent(t *testing.T) {
	var buf bytes.Buffer
	res := abcResult()
	res.Truncated = true
	require.NoError(t, WriteStyledChains(&buf, res))

	plain := ansi.Strip(buf.String())
	assert.Contains(t, plain, "Found chain:")
	assert.Contains(t, plain, "▶ 403000")
	assert.Contains(t, plain, "results are partial")

	buf.Reset()
	require.NoError(t, WriteStyledListing(&buf, []guard.FunctionRecord{{Address: 0x401100, Name: "f", Flags: 2}}))
	assert.Contains(t, ansi.Strip(buf.String()), "f (suppressed)")
}

func TestColorizeName(t *testing.T) {
	for _, name := range []string{"ns::Class::method(int, char*)", "plain", "0x401000", "f()"} {
		assert.Equal(t, name, ansi.Strip(ColorizeName(name)))
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"text": FormatText, "JSON": FormatJSON, "yaml": FormatYAML, "yml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestJSONChainReport(t *testing.T) {
	var buf bytes.Buffer
	r := fixedReporter(&buf, FormatJSON)
	require.NoError(t, r.Chains(abcResult(), guard.Options{MaxDepth: 2, Prune: true}))

	var got ChainReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", got.RunID)
	assert.Equal(t, "sample.dll", got.Image)
	assert.Equal(t, Node{Address: "0x401000", Name: "A"}, got.Start)
	assert.True(t, got.Prune)
	assert.Equal(t, [][]Node{{
		{Address: "0x403000", Name: "C"},
		{Address: "0x402000", Name: "B"},
		{Address: "0x401000", Name: "A"},
	}}, got.Chains)
}

func TestJSONEmptyChains(t *testing.T) {
	var buf bytes.Buffer
	r := fixedReporter(&buf, FormatJSON)
	require.NoError(t, r.Chains(&guard.Result{Depth: 1, Chains: []guard.Chain{}}, guard.Options{MaxDepth: 1}))
	assert.Contains(t, buf.String(), `"chains": []`)
}

func TestYAMLListReport(t *testing.T) {
	var buf bytes.Buffer
	r := fixedReporter(&buf, FormatYAML)
	desc := guard.Descriptor{Format: guard.Format64, TableAddress: 0x140002400, EntryCount: 2, HeaderSize: 1, EntrySize: 5}
	require.NoError(t, r.Listing(desc, []guard.FunctionRecord{
		{Address: 0x140001000, Name: "Main"},
		{Address: 0x140001020, Name: "helper()", Flags: 2},
	}))

	var got ListReport
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "PE32+ (64-bit)", got.Format)
	assert.Equal(t, "0x140002400", got.Table)
	assert.Equal(t, uint64(5), got.EntrySize)
	require.Len(t, got.Functions, 2)
	assert.True(t, got.Functions[1].Suppressed)
	assert.False(t, got.Functions[0].Suppressed)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), got.GeneratedAt)
}

func TestReporterTextDelegates(t *testing.T) {
	var buf bytes.Buffer
	r := fixedReporter(&buf, FormatText)
	require.NoError(t, r.Chains(abcResult(), guard.Options{MaxDepth: 2}))
	assert.Equal(t, "Found chain:\nC\nB\nA\n\n", buf.String())
}

func TestSummary(t *testing.T) {
	var buf bytes.Buffer
	r := fixedReporter(&buf, FormatText)
	desc := guard.Descriptor{Format: guard.Format32, LoadConfigAddress: 0x402000, TableAddress: 0x403000, EntryCount: 3, EntrySize: 4}
	s := r.NewSummary(desc, []guard.FunctionRecord{
		{Address: 0x401000, Name: "a"},
		{Address: 0x401100, Name: "b", Flags: 2},
	})
	assert.Equal(t, 2, s.Targets)
	assert.Equal(t, 1, s.Suppressed)
	assert.Equal(t, uint64(1), s.Unresolved)
	assert.Equal(t, "0x403000", s.Table)

	s.Sections = []SectionSummary{{Name: ".text", Address: "0x401000", Size: 0x200, Exec: true}}
	require.NoError(t, r.Summary(s))
	out := buf.String()
	assert.Contains(t, out, "# sample.dll")
	assert.Contains(t, out, "| Format | PE32 (32-bit) |")
	assert.Contains(t, out, "*1 table entries did not resolve to a function and were skipped.*")
	assert.Contains(t, out, "| .text | `0x401000` | 0x200 | x |")

	buf.Reset()
	r.Format = FormatJSON
	require.NoError(t, r.Summary(s))
	var got Summary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, s, got)
}
