package guard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cfgchain/internal/host"
	"cfgchain/internal/host/hosttest"
)

const (
	testBase = 0x400000
	testSize = 0x10000
)

func TestParseDescriptor(t *testing.T) {
	tests := []struct {
		name       string
		is64       bool
		headerSize uint8
		entries    []hosttest.Entry
		wantFormat Format
	}{
		{
			name:       "pe32 without flags",
			is64:       false,
			headerSize: 0,
			entries:    []hosttest.Entry{{RVA: 0x1000}, {RVA: 0x1100}},
			wantFormat: Format32,
		},
		{
			name:       "pe32 with flag byte",
			is64:       false,
			headerSize: 1,
			entries:    []hosttest.Entry{{RVA: 0x1000, Flags: 2}, {RVA: 0x1100}, {RVA: 0x1200}},
			wantFormat: Format32,
		},
		{
			name:       "pe32+ with flag byte",
			is64:       true,
			headerSize: 1,
			entries:    []hosttest.Entry{{RVA: 0x1000}, {RVA: 0x1100, Flags: 2}},
			wantFormat: Format64,
		},
		{
			name:       "pe32+ wide header",
			is64:       true,
			headerSize: 3,
			entries:    []hosttest.Entry{{RVA: 0x1000}},
			wantFormat: Format64,
		},
		{
			name:       "empty table",
			is64:       true,
			headerSize: 0,
			entries:    nil,
			wantFormat: Format64,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := hosttest.New(testBase, testSize)
			hosttest.GuardImage(f, tt.is64, tt.headerSize, tt.entries)

			desc, err := ParseDescriptor(f)
			require.NoError(t, err)

			assert.Equal(t, tt.wantFormat, desc.Format)
			assert.Equal(t, uint64(testBase+hosttest.FunctionTableVA), desc.TableAddress)
			assert.Equal(t, uint64(testBase+hosttest.LoadConfigRVA), desc.LoadConfigAddress)
			assert.Equal(t, uint64(len(tt.entries)), desc.EntryCount)
			assert.Equal(t, tt.headerSize, desc.HeaderSize)
			assert.Equal(t, uint64(4+tt.headerSize), desc.EntrySize)
			assert.Equal(t, tt.headerSize >= 1, desc.HasFlags())
		})
	}
}

func TestParseDescriptorUnknownMagic(t *testing.T) {
	f := hosttest.New(testBase, testSize)
	hosttest.GuardImage(f, false, 0, []hosttest.Entry{{RVA: 0x1000}})
	f.PutU16(testBase+hosttest.PEHeaderOffset+24, 0x107) // ROM image

	_, err := ParseDescriptor(f)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnrecognizedFormat)

	var fe *FormatError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, uint16(0x107), fe.Magic)
}

func TestParseDescriptorNoLoadConfig(t *testing.T) {
	f := hosttest.New(testBase, testSize)
	hosttest.GuardImage(f, true, 0, nil)
	f.PutU32(testBase+hosttest.PEHeaderOffset+24+192, 0)

	_, err := ParseDescriptor(f)
	assert.ErrorIs(t, err, ErrNoLoadConfig)
}

func TestParseDescriptorMissingTable(t *testing.T) {
	f := hosttest.New(testBase, testSize)
	hosttest.GuardImage(f, false, 0, []hosttest.Entry{{RVA: 0x1000}})
	f.PutU32(testBase+hosttest.LoadConfigRVA+80, 0)

	_, err := ParseDescriptor(f)
	assert.ErrorIs(t, err, ErrNoFunctionTable)
}

func TestParseDescriptorUnmappedHeader(t *testing.T) {
	f := hosttest.New(testBase, testSize)
	f.PutU32(testBase+0x3C, 0xFFFF0) // points past the end of the image

	_, err := ParseDescriptor(f)
	assert.ErrorIs(t, err, host.ErrUnmapped)
}

func TestFormatForMagic(t *testing.T) {
	f, err := FormatForMagic(0x10b)
	require.NoError(t, err)
	assert.Equal(t, 32, f.Bits)

	f, err = FormatForMagic(0x20b)
	require.NoError(t, err)
	assert.Equal(t, 64, f.Bits)
	assert.Equal(t, "PE32+ (64-bit)", f.String())

	_, err = FormatForMagic(0)
	assert.ErrorIs(t, err, ErrUnrecognizedFormat)
}
