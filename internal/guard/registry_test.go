package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cfgchain/internal/host/hosttest"
	"cfgchain/internal/logging"
)

func newTestRegistry(f *hosttest.Fake, opts ...RegistryOption) *Registry {
	opts = append([]RegistryOption{WithLogger(logging.Discard())}, opts...)
	return NewRegistry(f, opts...)
}

// registryFixture declares five table entries; the one at RVA 0x5000 has no
// function behind it and the one at 0x1100 is export suppressed.
func registryFixture(is64 bool) *hosttest.Fake {
	f := hosttest.New(testBase, 0x10000)
	hosttest.GuardImage(f, is64, 1, []hosttest.Entry{
		{RVA: 0x1000},
		{RVA: 0x1100, Flags: FlagExportSuppressed},
		{RVA: 0x5000},
		{RVA: 0x1200, Flags: 0x1},
		{RVA: 0x1300},
	})
	f.AddFunction(testBase+0x1000, testBase+0x1080, "_Z6targetv")
	f.AddFunction(testBase+0x1100, testBase+0x1180, "suppressed_fn")
	f.AddFunction(testBase+0x1200, testBase+0x1280, "")
	f.AddFunction(testBase+0x1300, testBase+0x1380, "plain")
	return f
}

func TestRegistryBuild(t *testing.T) {
	for _, is64 := range []bool{false, true} {
		reg := newTestRegistry(registryFixture(is64))

		records, err := reg.List()
		require.NoError(t, err)

		assert.Equal(t, []FunctionRecord{
			{Address: testBase + 0x1000, Name: "target()", Flags: 0},
			{Address: testBase + 0x1100, Name: "suppressed_fn", Flags: FlagExportSuppressed},
			{Address: testBase + 0x1200, Name: "0x401200", Flags: 0x1},
			{Address: testBase + 0x1300, Name: "plain", Flags: 0},
		}, records)

		desc, err := reg.Descriptor()
		require.NoError(t, err)
		assert.Equal(t, uint64(5), desc.EntryCount)
		// entry_count - unresolved
		assert.Len(t, records, int(desc.EntryCount)-1)
	}
}

func TestRegistryNoFlagByte(t *testing.T) {
	f := hosttest.New(testBase, 0x10000)
	hosttest.GuardImage(f, false, 0, []hosttest.Entry{{RVA: 0x1000}, {RVA: 0x1100}})
	// Bytes following each RVA must not be taken as flags.
	f.PutU8(testBase+hosttest.FunctionTableVA+4+4, 0xFF)
	f.AddFunction(testBase+0x1000, testBase+0x1080, "a")
	f.AddFunction(testBase+0x1100, testBase+0x1180, "b")

	records, err := newTestRegistry(f).List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Zero(t, r.Flags)
	}
}

func TestRegistryBuildIsIdempotent(t *testing.T) {
	f := registryFixture(true)
	reg := newTestRegistry(f)

	require.NoError(t, reg.Build())
	first, err := reg.List()
	require.NoError(t, err)

	// Changes to the image are not observed until the cache is invalidated.
	f.AddFunction(testBase+0x5000, testBase+0x5010, "late")
	require.NoError(t, reg.Build())
	second, err := reg.List()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, reg.Built())

	reg.Invalidate()
	assert.False(t, reg.Built())
	third, err := reg.List()
	require.NoError(t, err)
	assert.Len(t, third, len(first)+1)

	f.AddFunction(testBase+0x6000, testBase+0x6010, "unlisted")
	require.NoError(t, reg.Rebuild())
	fourth, err := reg.List()
	require.NoError(t, err)
	assert.Equal(t, third, fourth)
}

func TestRegistryBuildFailure(t *testing.T) {
	f := registryFixture(false)
	f.PutU16(testBase+hosttest.PEHeaderOffset+24, 0x1234)
	reg := newTestRegistry(f)

	err := reg.Build()
	assert.ErrorIs(t, err, ErrUnrecognizedFormat)
	assert.False(t, reg.Built())

	_, err = reg.List()
	assert.ErrorIs(t, err, ErrUnrecognizedFormat)
}

func TestRegistryDuplicateAddress(t *testing.T) {
	f := hosttest.New(testBase, 0x10000)
	hosttest.GuardImage(f, true, 0, []hosttest.Entry{{RVA: 0x1000}, {RVA: 0x1000}})
	f.AddFunction(testBase+0x1000, testBase+0x1080, "a")

	records, err := newTestRegistry(f).List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRegistryWhitelist(t *testing.T) {
	reg := newTestRegistry(registryFixture(false))

	strict, err := reg.Whitelist(false)
	require.NoError(t, err)
	assert.Len(t, strict, 3)
	assert.NotContains(t, strict, uint64(testBase+0x1100))
	// Bit 0 alone does not suppress.
	assert.Contains(t, strict, uint64(testBase+0x1200))

	all, err := reg.Whitelist(true)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Contains(t, all, uint64(testBase+0x1100))
}

func TestRegistrySearchBySubstring(t *testing.T) {
	reg := newTestRegistry(registryFixture(true))

	got, err := reg.SearchBySubstring("target")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(testBase+0x1000), got[0].Address)

	got, err = reg.SearchBySubstring("PLAIN")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = reg.SearchBySubstring("")
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestRegistryLookup(t *testing.T) {
	reg := newTestRegistry(registryFixture(true))

	rec, ok, err := reg.Lookup(testBase + 0x1300)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "plain", rec.Name)

	_, ok, err = reg.Lookup(testBase + 0x5000)
	require.NoError(t, err)
	assert.False(t, ok)
}
