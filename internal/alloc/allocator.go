// Package alloc implements the in-region allocator: first fit over an
// address-ordered free list, bump placement into untouched capacity, and
// parent/child linkage with cascading frees.
//
// An Allocator performs no synchronization. Every call mutates bytes shared
// with other processes, so callers must hold the region lock for the duration
// of each call.
package alloc

import (
	"errors"
	"fmt"

	"github.com/srediag/shmalloc/internal/layout"
)

var (
	// ErrOutOfMemory reports that neither a free block nor untouched capacity fits the request.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrInvalidSize reports a zero or unrepresentable size.
	ErrInvalidSize = errors.New("invalid size")
	// ErrInvalidBuffer reports a Buffer that does not name a live allocated block.
	ErrInvalidBuffer = errors.New("invalid buffer")
)

// Buffer locates an allocation by region-relative payload offset and the
// size requested for it. It carries no address and is valid in every process
// that maps the region.
type Buffer struct {
	Offset uint64
	Size   uint64
}

// IsZero reports whether b is the zero Buffer.
func (b Buffer) IsZero() bool { return b.Offset == 0 && b.Size == 0 }

// Stats summarizes region occupancy. Byte counts are payload bytes; header
// overhead is reported separately.
type Stats struct {
	Capacity     uint64
	Used         uint64
	Free         uint64
	Overhead     uint64
	LargestFree  uint64
	LiveBlocks   uint32
	FreeBlocks   uint32
	Untouched    uint64
	BumpOffset   uint32
	FreeListHead uint32
}

// Allocator manages the blocks of one mapped region.
type Allocator struct {
	mem []byte
}

// Init writes a fresh header into mem and returns an allocator over it.
func Init(mem []byte) (*Allocator, error) {
	if err := layout.InitHeader(mem, uint64(len(mem))); err != nil {
		return nil, err
	}
	return &Allocator{mem: mem}, nil
}

// New returns an allocator over a region whose header was written by Init,
// possibly in another process.
func New(mem []byte) (*Allocator, error) {
	if _, err := layout.ReadHeader(mem); err != nil {
		return nil, err
	}
	return &Allocator{mem: mem}, nil
}

// Bytes returns the payload bytes of a live buffer.
func (a *Allocator) Bytes(buf Buffer) ([]byte, error) {
	if _, err := a.lookup(buf); err != nil {
		return nil, err
	}
	return a.mem[buf.Offset : buf.Offset+buf.Size : buf.Offset+buf.Size], nil
}

// Allocate reserves size bytes and returns a root buffer.
func (a *Allocator) Allocate(size uint64) (Buffer, error) {
	need, err := checkSize(size)
	if err != nil {
		return Buffer{}, err
	}
	hdr, err := layout.ReadHeader(a.mem)
	if err != nil {
		return Buffer{}, err
	}
	b, err := a.place(hdr, need)
	if err != nil {
		return Buffer{}, err
	}
	b.Flags = layout.FlagAllocated
	b.Next, b.Child = layout.Nil, layout.Nil
	if err := layout.WriteBlock(a.mem, b); err != nil {
		return Buffer{}, err
	}
	layout.SetLive(a.mem, hdr.Live+1)
	return Buffer{Offset: uint64(b.Payload()), Size: size}, nil
}

// AllocateMore reserves size bytes linked under parent, so that freeing
// parent also frees the new buffer. parent is validated before any space is taken.
func (a *Allocator) AllocateMore(size uint64, parent Buffer) (Buffer, error) {
	need, err := checkSize(size)
	if err != nil {
		return Buffer{}, err
	}
	hdr, err := layout.ReadHeader(a.mem)
	if err != nil {
		return Buffer{}, err
	}
	p, err := a.lookup(parent)
	if err != nil {
		return Buffer{}, err
	}
	b, err := a.place(hdr, need)
	if err != nil {
		return Buffer{}, err
	}
	b.Flags = layout.FlagAllocated | layout.FlagChild
	b.Next, b.Child = p.Child, layout.Nil
	if err := layout.WriteBlock(a.mem, b); err != nil {
		return Buffer{}, err
	}
	p.Child = b.Offset
	if err := layout.WriteBlock(a.mem, p); err != nil {
		return Buffer{}, err
	}
	layout.SetLive(a.mem, hdr.Live+1)
	return Buffer{Offset: uint64(b.Payload()), Size: size}, nil
}

// Deallocate frees buf and, depth first, every buffer allocated beneath it.
// It returns the number of blocks freed. A buffer that is not live, including
// one already freed directly or through its parent, yields ErrInvalidBuffer.
func (a *Allocator) Deallocate(buf Buffer) (int, error) {
	hdr, err := layout.ReadHeader(a.mem)
	if err != nil {
		return 0, err
	}
	target, err := a.lookup(buf)
	if err != nil {
		return 0, err
	}
	if target.IsChild() {
		if err := a.unlink(target); err != nil {
			return 0, err
		}
	}

	freed := 0
	stack := []uint32{target.Child}
	a.release(target)
	freed++
	for len(stack) > 0 {
		off := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if off == layout.Nil {
			continue
		}
		if uint32(freed) > hdr.Live {
			return freed, fmt.Errorf("%w: child links form a cycle", layout.ErrCorruptHeader)
		}
		b, err := layout.ReadBlock(a.mem, off)
		if err != nil {
			return freed, fmt.Errorf("%w: child link: %v", layout.ErrCorruptHeader, err)
		}
		if !b.Allocated() || !b.IsChild() {
			return freed, fmt.Errorf("%w: child link to block %d that is not an allocated child", layout.ErrCorruptHeader, off)
		}
		stack = append(stack, b.Next, b.Child)
		a.release(b)
		freed++
	}
	if uint32(freed) > hdr.Live {
		return freed, fmt.Errorf("%w: freed %d blocks with %d live", layout.ErrCorruptHeader, freed, hdr.Live)
	}
	layout.SetLive(a.mem, hdr.Live-uint32(freed))
	return freed, a.coalesce()
}

// Stats walks the region and reports its occupancy.
func (a *Allocator) Stats() (Stats, error) {
	hdr, err := layout.ReadHeader(a.mem)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Capacity:     hdr.Total,
		Overhead:     layout.HeaderSize,
		LiveBlocks:   hdr.Live,
		BumpOffset:   hdr.Bump,
		FreeListHead: hdr.FreeHead,
	}
	err = layout.Walk(a.mem, func(b layout.Block) error {
		st.Overhead += layout.BlockHeaderSize
		if b.Allocated() {
			st.Used += uint64(b.Size)
			return nil
		}
		st.FreeBlocks++
		st.Free += uint64(b.Size)
		if uint64(b.Size) > st.LargestFree {
			st.LargestFree = uint64(b.Size)
		}
		return nil
	})
	if err != nil {
		return st, err
	}
	st.Untouched = hdr.Total - uint64(hdr.Bump)
	st.Free += st.Untouched
	if tail := carveable(hdr); tail > st.LargestFree {
		st.LargestFree = tail
	}
	return st, nil
}

// place finds room for a block with a payload of need bytes: first fit on
// the free list, splitting when the remainder can stand alone, else the bump
// cursor. The returned block is unlinked from the free list but not yet written.
func (a *Allocator) place(hdr layout.Header, need uint32) (layout.Block, error) {
	prev := layout.Nil
	limit := hdr.Total / (layout.BlockHeaderSize + layout.MinPayload)
	for cur, n := hdr.FreeHead, uint64(0); cur != layout.Nil; n++ {
		if n > limit {
			return layout.Block{}, fmt.Errorf("%w: free list does not terminate", layout.ErrCorruptHeader)
		}
		b, err := layout.ReadBlock(a.mem, cur)
		if err != nil {
			return layout.Block{}, fmt.Errorf("%w: free list: %v", layout.ErrCorruptHeader, err)
		}
		if b.Allocated() {
			return layout.Block{}, fmt.Errorf("%w: allocated block %d on free list", layout.ErrCorruptHeader, cur)
		}
		if b.Size < need {
			prev, cur = cur, b.Next
			continue
		}

		next := b.Next
		if b.Size-need >= layout.BlockHeaderSize+layout.MinPayload {
			rest := layout.Block{
				Offset: b.Offset + layout.BlockHeaderSize + need,
				Size:   b.Size - need - layout.BlockHeaderSize,
				Next:   b.Next,
			}
			if err := layout.WriteBlock(a.mem, rest); err != nil {
				return layout.Block{}, err
			}
			next = rest.Offset
			b.Size = need
		}
		if err := a.setNextFree(prev, next); err != nil {
			return layout.Block{}, err
		}
		return b, nil
	}

	if uint64(need) > carveable(hdr) {
		return layout.Block{}, ErrOutOfMemory
	}
	b := layout.Block{Offset: hdr.Bump, Size: need}
	layout.SetBump(a.mem, b.End())
	return b, nil
}

// setNextFree points the free-list predecessor (or the head when prev is Nil) at next.
func (a *Allocator) setNextFree(prev, next uint32) error {
	if prev == layout.Nil {
		layout.SetFreeHead(a.mem, next)
		return nil
	}
	p, err := layout.ReadBlock(a.mem, prev)
	if err != nil {
		return err
	}
	p.Next = next
	return layout.WriteBlock(a.mem, p)
}

// lookup resolves buf to its block by walking the physical chain, so an
// offset into the middle of a payload is never mistaken for a block.
func (a *Allocator) lookup(buf Buffer) (layout.Block, error) {
	if buf.Size == 0 || buf.Offset < layout.HeaderSize+layout.BlockHeaderSize || buf.Offset > layout.MaxRegionSize {
		return layout.Block{}, fmt.Errorf("%w: %+v", ErrInvalidBuffer, buf)
	}
	want := uint32(buf.Offset) - layout.BlockHeaderSize
	var found layout.Block
	err := layout.Walk(a.mem, func(b layout.Block) error {
		if b.Offset < want {
			return nil
		}
		if b.Offset == want && b.Allocated() && buf.Size <= uint64(b.Size) {
			found = b
			return errFound
		}
		return errMissing
	})
	switch {
	case errors.Is(err, errFound):
		return found, nil
	case err == nil, errors.Is(err, errMissing):
		return layout.Block{}, fmt.Errorf("%w: no live block for %+v", ErrInvalidBuffer, buf)
	default:
		return layout.Block{}, err
	}
}

// unlink removes a child block from its parent's child list. The referrer is
// either the parent (child link) or the previous sibling (next link).
func (a *Allocator) unlink(target layout.Block) error {
	err := layout.Walk(a.mem, func(b layout.Block) error {
		if !b.Allocated() {
			return nil
		}
		switch {
		case b.Child == target.Offset:
			b.Child = target.Next
		case b.IsChild() && b.Next == target.Offset:
			b.Next = target.Next
		default:
			return nil
		}
		if err := layout.WriteBlock(a.mem, b); err != nil {
			return err
		}
		return errFound
	})
	if errors.Is(err, errFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: child block %d has no parent", layout.ErrCorruptHeader, target.Offset)
}

// release marks b free and clears its payload. Free-list links are rebuilt
// by coalesce.
func (a *Allocator) release(b layout.Block) {
	clear(a.mem[b.Payload():b.End()])
	b.Flags, b.Next, b.Child = 0, layout.Nil, layout.Nil
	// b was just decoded from this region, so it cannot be out of bounds.
	_ = layout.WriteBlock(a.mem, b)
}

// coalesce merges physically adjacent free blocks, hands a trailing free
// block back to the bump cursor and relinks the free list in address order.
func (a *Allocator) coalesce() error {
	var runs []layout.Block
	merging := false
	err := layout.Walk(a.mem, func(b layout.Block) error {
		if b.Allocated() {
			merging = false
			return nil
		}
		if merging {
			last := &runs[len(runs)-1]
			clear(a.mem[b.Offset:b.Payload()])
			last.Size = b.End() - last.Offset - layout.BlockHeaderSize
			return nil
		}
		runs = append(runs, b)
		merging = true
		return nil
	})
	if err != nil {
		return err
	}

	hdr, err := layout.ReadHeader(a.mem)
	if err != nil {
		return err
	}
	if n := len(runs); n > 0 && runs[n-1].End() == hdr.Bump {
		tail := runs[n-1]
		clear(a.mem[tail.Offset:tail.Payload()])
		layout.SetBump(a.mem, tail.Offset)
		runs = runs[:n-1]
	}

	head := layout.Nil
	for i := len(runs) - 1; i >= 0; i-- {
		runs[i].Next = head
		if err := layout.WriteBlock(a.mem, runs[i]); err != nil {
			return err
		}
		head = runs[i].Offset
	}
	layout.SetFreeHead(a.mem, head)
	return nil
}

// carveable returns the largest payload that still fits past the bump cursor.
func carveable(hdr layout.Header) uint64 {
	room := hdr.Total - uint64(hdr.Bump)
	if room < layout.BlockHeaderSize {
		return 0
	}
	return (room - layout.BlockHeaderSize) &^ (layout.Align - 1)
}

func checkSize(size uint64) (uint32, error) {
	if size == 0 || size > layout.MaxRegionSize-layout.HeaderSize-layout.BlockHeaderSize {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return uint32(layout.AlignSize(size)), nil
}

var (
	errFound   = errors.New("found")
	errMissing = errors.New("missing")
)
