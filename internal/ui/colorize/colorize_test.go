package colorize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceDisabled(t *testing.T) {
	SetEnabled(false)
	defer SetEnabled(true)

	out, err := Source(`{"a": 1}`, "json")
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1}`, out)
	assert.Equal(t, "1000  ret", InstructionLine("1000  ret"))
}

func TestSourceEnabled(t *testing.T) {
	t.Setenv("CFGCHAIN_NO_COLOR", "")
	SetEnabled(true)

	out, err := Source("run_id: abc\n", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "\x1b[")
	assert.Equal(t, "run_id: abc\n", StripANSI(out))
}

func TestInstructionLine(t *testing.T) {
	t.Setenv("CFGCHAIN_NO_COLOR", "")
	SetEnabled(true)

	line := "140001000  call 0x140001020"
	out := InstructionLine(line)
	assert.NotEqual(t, line, out)
	assert.Equal(t, line, StripANSI(out))
}

func TestEnvDisables(t *testing.T) {
	t.Setenv("CFGCHAIN_NO_COLOR", "1")
	assert.False(t, Enabled())
}

func TestStylesRegistered(t *testing.T) {
	assert.Equal(t, "disasm-dark", DisasmDark.Name)
	assert.Equal(t, "cfgchain-report", ReportDark.Name)
}
