package layout

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegion(t *testing.T, size int) []byte {
	t.Helper()
	mem := make([]byte, size)
	require.NoError(t, InitHeader(mem, uint64(size)))
	return mem
}

func TestInitAndReadHeader(t *testing.T) {
	mem := newRegion(t, 4096)
	assert.True(t, IsInitialized(mem))

	h, err := ReadHeader(mem)
	require.NoError(t, err)
	assert.Equal(t, Magic, h.Magic)
	assert.Equal(t, Version, h.Version)
	assert.Equal(t, uint64(4096), h.Total)
	assert.Equal(t, uint32(HeaderSize), h.Bump)
	assert.Equal(t, Nil, h.FreeHead)
	assert.Zero(t, h.Live)
}

func TestInitHeaderRejectsBadSizes(t *testing.T) {
	mem := make([]byte, MinRegionSize-1)
	assert.ErrorIs(t, InitHeader(mem, uint64(len(mem))), ErrCorruptHeader)

	mem = make([]byte, 128)
	assert.ErrorIs(t, InitHeader(mem, 256), ErrCorruptHeader)
	assert.False(t, IsInitialized(mem))
}

func TestReadHeaderCorruption(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(mem []byte) []byte
	}{
		{"uninitialized", func(mem []byte) []byte { return make([]byte, len(mem)) }},
		{"short", func(mem []byte) []byte { return mem[:HeaderSize-1] }},
		{"version", func(mem []byte) []byte {
			binary.LittleEndian.PutUint32(mem[headerVersionOffset:], Version+1)
			return mem
		}},
		{"total mismatch", func(mem []byte) []byte { return mem[:len(mem)-Align] }},
		{"bump past end", func(mem []byte) []byte {
			SetBump(mem, uint32(len(mem)+1))
			return mem
		}},
		{"bump inside header", func(mem []byte) []byte {
			SetBump(mem, HeaderSize-Align)
			return mem
		}},
		{"free head past bump", func(mem []byte) []byte {
			SetFreeHead(mem, HeaderSize)
			return mem
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := tc.mutate(newRegion(t, 1024))
			_, err := ReadHeader(mem)
			assert.ErrorIs(t, err, ErrCorruptHeader)
		})
	}
}

func TestBlockRoundTripAndWalk(t *testing.T) {
	mem := newRegion(t, 1024)
	first := Block{Offset: HeaderSize, Size: 8, Flags: FlagAllocated}
	second := Block{Offset: first.End(), Size: 12, Next: 7 * Align, Child: 9 * Align, Flags: FlagAllocated | FlagChild}
	require.NoError(t, WriteBlock(mem, first))
	require.NoError(t, WriteBlock(mem, second))
	SetBump(mem, second.End())

	got, err := ReadBlock(mem, second.Offset)
	require.NoError(t, err)
	assert.Equal(t, second, got)
	assert.True(t, got.Allocated())
	assert.True(t, got.IsChild())
	assert.Equal(t, second.Offset+BlockHeaderSize, got.Payload())

	var seen []uint32
	require.NoError(t, Walk(mem, func(b Block) error {
		seen = append(seen, b.Offset)
		return nil
	}))
	assert.Equal(t, []uint32{first.Offset, second.Offset}, seen)
}

func TestReadBlockBounds(t *testing.T) {
	mem := newRegion(t, 256)
	b := Block{Offset: HeaderSize, Size: 16, Flags: FlagAllocated}
	require.NoError(t, WriteBlock(mem, b))

	// Past the bump cursor nothing is a block yet.
	_, err := ReadBlock(mem, HeaderSize)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	SetBump(mem, b.End())
	_, err = ReadBlock(mem, HeaderSize)
	require.NoError(t, err)

	_, err = ReadBlock(mem, 0)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	_, err = ReadBlock(mem, HeaderSize+2)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	// Payload bytes carry no block tag.
	_, err = ReadBlock(mem, b.Payload())
	assert.ErrorIs(t, err, ErrOutOfBounds)

	assert.ErrorIs(t, WriteBlock(mem, Block{Offset: 0, Size: 4}), ErrOutOfBounds)
	assert.ErrorIs(t, WriteBlock(mem, Block{Offset: HeaderSize, Size: 1024}), ErrOutOfBounds)
}

func TestAlignSize(t *testing.T) {
	assert.Equal(t, uint64(4), AlignSize(1))
	assert.Equal(t, uint64(4), AlignSize(4))
	assert.Equal(t, uint64(8), AlignSize(5))
}
