package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"cfgchain/internal/guard"
	"cfgchain/internal/logging"
	"cfgchain/internal/pex"
	"cfgchain/internal/pex/pextest"
	"cfgchain/internal/report"
)

const (
	addrMain   = pextest.Base64 + pextest.RVAMain
	addrHelper = pextest.Base64 + pextest.RVAHelper
	addrLeaf   = pextest.Base64 + pextest.RVALeaf
)

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// execute runs the root command in an empty home and working directory so
// that no config file is picked up.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		resetFlags(rootCmd)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func openRegistry(t *testing.T) (*pex.Image, *guard.Registry) {
	t.Helper()
	img, err := pex.Open(pextest.Image64().Write(t), pex.WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { img.Close() })
	return img, guard.NewRegistry(img, guard.WithLogger(logging.Discard()))
}

func TestResolveStart(t *testing.T) {
	_, reg := openRegistry(t)

	for in, want := range map[string]uint64{
		"0x140001040":  addrLeaf,
		"0X140001040":  addrLeaf,
		" Main ":       addrMain,
		"_Z6helperv":   addrHelper,
		"helper()":     addrHelper,
		"140001020":    addrHelper,
		"0x0000000001": 1,
	} {
		got, err := resolveStart(reg, in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := resolveStart(reg, "missing")
	assert.ErrorIs(t, err, ErrUnknownStart)
	_, err = resolveStart(reg, "")
	assert.ErrorIs(t, err, ErrUnknownStart)
	_, err = resolveStart(reg, "0xnothex")
	assert.Error(t, err)
}

func TestSearchCommand(t *testing.T) {
	path := pextest.Image64().Write(t)

	out, err := execute(t, "search", path, "0x140001040", "--depth", "2")
	require.NoError(t, err)
	assert.Equal(t, "Found chain:\nMain\n0x140001040\n\n"+
		"Found chain:\nhelper()\n0x140001040\n\n"+
		"Found chain:\nMain\nhelper()\n0x140001040\n\n", out)
}

func TestSearchCommandNoChains(t *testing.T) {
	out, err := execute(t, "search", pextest.Image64().Write(t), "Main")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSearchCommandJSON(t *testing.T) {
	out, err := execute(t, "search", "-o", "json", "--short-names", pextest.Image64().Write(t), "_Z6helperv")
	require.NoError(t, err)

	var rep report.ChainReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, report.Node{Address: "0x140001020", Name: "helper"}, rep.Start)
	assert.Equal(t, 3, rep.Depth)
	assert.Equal(t, [][]report.Node{{
		{Address: "0x140001000", Name: "Main"},
		{Address: "0x140001020", Name: "helper"},
	}}, rep.Chains)
}

func TestSearchCommandExpansionLimit(t *testing.T) {
	out, err := execute(t, "search", "--max-expansions", "1", "--depth", "2", "-o", "yaml", pextest.Image64().Write(t), "0x140001040")
	require.NoError(t, err)

	var rep report.ChainReport
	require.NoError(t, yaml.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.Truncated)
	assert.Equal(t, 1, rep.Expansions)
	assert.Len(t, rep.Chains, 2)
}

func TestSearchCommandErrors(t *testing.T) {
	path := pextest.Image64().Write(t)

	_, err := execute(t, "search", path, "missing")
	assert.ErrorIs(t, err, ErrUnknownStart)

	_, err = execute(t, "search", path, "Main", "--depth", "0")
	assert.ErrorIs(t, err, guard.ErrInvalidDepth)

	garbage := filepath.Join(t.TempDir(), "garbage.exe")
	require.NoError(t, os.WriteFile(garbage, []byte("MZ not really"), 0o644))
	_, err = execute(t, "search", garbage, "0x1000")
	assert.Error(t, err)

	// No load config directory.
	_, err = execute(t, "search", pextest.Image32().Write(t), "0x401020")
	assert.ErrorIs(t, err, guard.ErrNoLoadConfig)
}

func TestSearchCommandConfigFile(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "cfgchain.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("depth: 1\n"), 0o644))

	out, err := execute(t, "search", "--config", cfg, pextest.Image64().Write(t), "0x140001040")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "Found chain:"))
}

func TestListCommand(t *testing.T) {
	path := pextest.Image64().Write(t)

	out, err := execute(t, "list", path)
	require.NoError(t, err)
	assert.Equal(t, "0x140001000 : Main flags : 0\n0x140001020 : helper() flags : 0\n", out)

	out, err = execute(t, "list", path, "--grep", "help")
	require.NoError(t, err)
	assert.Equal(t, "0x140001020 : helper() flags : 0\n", out)
}

func TestInfoCommand(t *testing.T) {
	path := pextest.Image64().Write(t)

	out, err := execute(t, "info", "-o", "yaml", path)
	require.NoError(t, err)

	var s report.Summary
	require.NoError(t, yaml.Unmarshal([]byte(out), &s))
	assert.Equal(t, "PE32+ (64-bit)", s.Format)
	assert.Equal(t, "0x140000000", s.Base)
	assert.Equal(t, "0x140001000", s.Entry)
	assert.Equal(t, "0x140002400", s.Table)
	assert.Equal(t, uint64(2), s.EntryCount)
	assert.Equal(t, uint64(5), s.EntrySize)
	assert.Equal(t, 2, s.Targets)
	assert.Equal(t, 3, s.Functions)
	require.Len(t, s.Sections, 3)
	assert.Equal(t, ".pdata", s.Sections[2].Name)

	out, err = execute(t, "info", path)
	require.NoError(t, err)
	assert.Contains(t, out, "| Format | PE32+ (64-bit) |")
	assert.Contains(t, out, "| .text | `0x140001000` |")
}

func TestDisasmCommand(t *testing.T) {
	out, err := execute(t, "disasm", pextest.Image64().Write(t), "Main")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.NotEmpty(t, lines)
	assert.Equal(t, "; Main @ 0x140001000 (16 bytes) [guard]", lines[0])
	require.Greater(t, len(lines), 2)
	assert.Contains(t, lines[1], "call")
	assert.Contains(t, lines[1], "; helper() [guard]")
	assert.Contains(t, lines[2], "ret")

	_, err = execute(t, "disasm", pextest.Image64().Write(t), "0x140002000")
	assert.Error(t, err)
}

func TestFollowOnce(t *testing.T) {
	targets := filepath.Join(t.TempDir(), "starts.txt")
	require.NoError(t, os.WriteFile(targets, []byte("# leaf\n\n0x140001040\nbogus\nhelper()\n"), 0o644))

	out, err := execute(t, "follow", "--once", "--depth", "1", pextest.Image64().Write(t), targets)
	require.NoError(t, err)
	assert.Equal(t, "Found chain:\nMain\n0x140001040\n\n"+
		"Found chain:\nhelper()\n0x140001040\n\n"+
		"Found chain:\nMain\nhelper()\n\n", out)
}

func TestSchemaCommand(t *testing.T) {
	out, err := execute(t, "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "max_expansions")
}

func TestStructuredOutput(t *testing.T) {
	assert.True(t, structuredOutput([]string{"search", "-o", "json", "a", "b"}))
	assert.True(t, structuredOutput([]string{"list", "--output=yaml", "a"}))
	assert.False(t, structuredOutput([]string{"list", "a"}))
	assert.False(t, structuredOutput([]string{"list", "-o", "text", "a"}))
	assert.False(t, structuredOutput([]string{"list", "-o"}))
}
