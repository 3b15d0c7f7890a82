// Package layout defines the binary structures a region carries in its own
// bytes, so that every process mapping the same region reads them identically.
//
// A region starts with a fixed 32-byte header followed by physically
// contiguous blocks up to the bump cursor. Each block is a 16-byte header and
// its payload. All links are region-relative offsets; absolute addresses never
// leave the process that computed them.
package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

// Region header layout.
const (
	headerMagicOffset    = 0
	headerVersionOffset  = 4
	headerLockOffset     = 8
	headerFreeHeadOffset = 12
	headerTotalOffset    = 16
	headerBumpOffset     = 24
	headerLiveOffset     = 28

	// HeaderSize is the number of bytes reserved at offset 0 of every region.
	HeaderSize = 32
)

// Block header layout.
const (
	blockSizeOffset  = 0
	blockNextOffset  = 4
	blockChildOffset = 8
	blockFlagsOffset = 12

	// BlockHeaderSize precedes every payload.
	BlockHeaderSize = 16
)

const (
	// Magic identifies an initialized region ("SHMA" little endian).
	Magic = uint32('S') | uint32('H')<<8 | uint32('M')<<16 | uint32('A')<<24

	// Version is bumped whenever the on-region format changes.
	Version = uint32(1)

	// Align is the payload granularity; it keeps every header field 4-byte aligned.
	Align = 4

	// MinPayload is the smallest payload a block is ever split down to.
	MinPayload = Align

	// Nil is the null offset. Offset 0 is always the region header, so no
	// block can live there.
	Nil = uint32(0)

	// MinRegionSize fits the header and one minimal block.
	MinRegionSize = HeaderSize + BlockHeaderSize + MinPayload

	// MaxRegionSize is bounded by 32-bit links.
	MaxRegionSize = uint64(^uint32(0))
)

// Block flags. The high half of the flags word carries a tag so that a stray
// offset into payload bytes is unlikely to parse as a block.
const (
	FlagAllocated = uint32(1 << 0)
	FlagChild     = uint32(1 << 1)

	blockTag     = uint32(0xB10C) << 16
	blockTagMask = uint32(0xFFFF) << 16
)

var (
	// ErrCorruptHeader reports a region whose header fails validation.
	ErrCorruptHeader = errors.New("corrupt region header")
	// ErrOutOfBounds reports a block offset outside the allocated part of a region.
	ErrOutOfBounds = errors.New("block offset out of bounds")
)

// Header is the decoded region header.
type Header struct {
	Magic    uint32
	Version  uint32
	FreeHead uint32
	Total    uint64
	Bump     uint32
	Live     uint32
}

// Block is the decoded header of one block. Offset is the position of the
// block header, not of its payload.
type Block struct {
	Offset uint32
	Size   uint32
	Next   uint32
	Child  uint32
	Flags  uint32
}

// Allocated reports whether the block is in use.
func (b Block) Allocated() bool { return b.Flags&FlagAllocated != 0 }

// IsChild reports whether the block hangs under a parent's child list.
func (b Block) IsChild() bool { return b.Flags&FlagChild != 0 }

// Payload returns the region offset of the block's first payload byte.
func (b Block) Payload() uint32 { return b.Offset + BlockHeaderSize }

// End returns the offset just past the block, i.e. the next physical block.
func (b Block) End() uint32 { return b.Offset + BlockHeaderSize + b.Size }

// AlignSize rounds n up to the payload granularity.
func AlignSize(n uint64) uint64 {
	return (n + Align - 1) &^ (Align - 1)
}

// InitHeader writes a fresh header into a newly created region. The magic is
// stored last so that a concurrent opener sees either nothing or a complete header.
func InitHeader(mem []byte, total uint64) error {
	if uint64(len(mem)) != total {
		return fmt.Errorf("%w: mapped %d bytes, header claims %d", ErrCorruptHeader, len(mem), total)
	}
	if total < MinRegionSize || total > MaxRegionSize {
		return fmt.Errorf("%w: region size %d outside [%d, %d]", ErrCorruptHeader, total, MinRegionSize, MaxRegionSize)
	}
	le := binary.LittleEndian
	le.PutUint32(mem[headerVersionOffset:], Version)
	le.PutUint32(mem[headerLockOffset:], 0)
	le.PutUint32(mem[headerFreeHeadOffset:], Nil)
	le.PutUint64(mem[headerTotalOffset:], total)
	le.PutUint32(mem[headerBumpOffset:], HeaderSize)
	le.PutUint32(mem[headerLiveOffset:], 0)
	le.PutUint32(mem[headerMagicOffset:], Magic)
	return nil
}

// ReadHeader decodes and validates the region header.
func ReadHeader(mem []byte) (Header, error) {
	if len(mem) < HeaderSize {
		return Header{}, fmt.Errorf("%w: region of %d bytes is smaller than its header", ErrCorruptHeader, len(mem))
	}
	le := binary.LittleEndian
	h := Header{
		Magic:    le.Uint32(mem[headerMagicOffset:]),
		Version:  le.Uint32(mem[headerVersionOffset:]),
		FreeHead: le.Uint32(mem[headerFreeHeadOffset:]),
		Total:    le.Uint64(mem[headerTotalOffset:]),
		Bump:     le.Uint32(mem[headerBumpOffset:]),
		Live:     le.Uint32(mem[headerLiveOffset:]),
	}
	switch {
	case h.Magic != Magic:
		return h, fmt.Errorf("%w: bad magic %#x", ErrCorruptHeader, h.Magic)
	case h.Version != Version:
		return h, fmt.Errorf("%w: unsupported version %d, expected %d", ErrCorruptHeader, h.Version, Version)
	case h.Total != uint64(len(mem)):
		return h, fmt.Errorf("%w: recorded size %d, mapped %d", ErrCorruptHeader, h.Total, len(mem))
	case h.Bump < HeaderSize || uint64(h.Bump) > h.Total:
		return h, fmt.Errorf("%w: bump cursor %d outside [%d, %d]", ErrCorruptHeader, h.Bump, HeaderSize, h.Total)
	case h.FreeHead != Nil && (h.FreeHead < HeaderSize || h.FreeHead >= h.Bump):
		return h, fmt.Errorf("%w: free list head %d outside [%d, %d)", ErrCorruptHeader, h.FreeHead, HeaderSize, h.Bump)
	}
	return h, nil
}

// IsInitialized reports whether a creator has finished writing the header.
func IsInitialized(mem []byte) bool {
	return len(mem) >= HeaderSize && binary.LittleEndian.Uint32(mem[headerMagicOffset:]) == Magic
}

// SetFreeHead stores the free-list head.
func SetFreeHead(mem []byte, off uint32) {
	binary.LittleEndian.PutUint32(mem[headerFreeHeadOffset:], off)
}

// SetBump stores the bump cursor.
func SetBump(mem []byte, off uint32) {
	binary.LittleEndian.PutUint32(mem[headerBumpOffset:], off)
}

// SetLive stores the live block count.
func SetLive(mem []byte, n uint32) {
	binary.LittleEndian.PutUint32(mem[headerLiveOffset:], n)
}

// LockWord returns the address of the header's lock word. The region must be
// mapped at a page boundary, which keeps the word 4-byte aligned for atomics.
func LockWord(mem []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[headerLockOffset]))
}

// ReadBlock decodes the block header at off. The whole block must lie below
// the bump cursor and carry the block tag.
func ReadBlock(mem []byte, off uint32) (Block, error) {
	if err := checkBlockBounds(mem, off); err != nil {
		return Block{}, err
	}
	le := binary.LittleEndian
	b := Block{
		Offset: off,
		Size:   le.Uint32(mem[off+blockSizeOffset:]),
		Next:   le.Uint32(mem[off+blockNextOffset:]),
		Child:  le.Uint32(mem[off+blockChildOffset:]),
		Flags:  le.Uint32(mem[off+blockFlagsOffset:]),
	}
	if b.Flags&blockTagMask != blockTag {
		return Block{}, fmt.Errorf("%w: no block at offset %d", ErrOutOfBounds, off)
	}
	b.Flags &^= blockTagMask
	if uint64(b.End()) > uint64(bump(mem)) || b.End() < b.Offset {
		return Block{}, fmt.Errorf("%w: block at %d with size %d overruns bump cursor %d", ErrOutOfBounds, off, b.Size, bump(mem))
	}
	return b, nil
}

// WriteBlock encodes b at b.Offset. The header must lie inside the mapped
// region; callers move the bump cursor themselves.
func WriteBlock(mem []byte, b Block) error {
	off := b.Offset
	if off < HeaderSize || uint64(off)+BlockHeaderSize+uint64(b.Size) > uint64(len(mem)) || off%Align != 0 {
		return fmt.Errorf("%w: block at %d with size %d in region of %d bytes", ErrOutOfBounds, off, b.Size, len(mem))
	}
	le := binary.LittleEndian
	le.PutUint32(mem[off+blockSizeOffset:], b.Size)
	le.PutUint32(mem[off+blockNextOffset:], b.Next)
	le.PutUint32(mem[off+blockChildOffset:], b.Child)
	le.PutUint32(mem[off+blockFlagsOffset:], (b.Flags&^blockTagMask)|blockTag)
	return nil
}

// Walk visits every block between the header and the bump cursor in address
// order. It stops at the first error returned by fn or by decoding.
func Walk(mem []byte, fn func(Block) error) error {
	end := bump(mem)
	for off := uint32(HeaderSize); off < end; {
		b, err := ReadBlock(mem, off)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
		off = b.End()
	}
	return nil
}

func checkBlockBounds(mem []byte, off uint32) error {
	if off < HeaderSize || off%Align != 0 || uint64(off)+BlockHeaderSize > uint64(bump(mem)) {
		return fmt.Errorf("%w: offset %d", ErrOutOfBounds, off)
	}
	return nil
}

func bump(mem []byte) uint32 {
	b := binary.LittleEndian.Uint32(mem[headerBumpOffset:])
	if uint64(b) > uint64(len(mem)) {
		return uint32(len(mem))
	}
	return b
}
