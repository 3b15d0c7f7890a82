package alloc

import (
	"fmt"

	"github.com/srediag/shmalloc/internal/layout"
)

// Check verifies the structural invariants of the region:
//   - blocks tile [header, bump) without gap or overlap (enforced by the walk),
//   - the live count matches the allocated blocks,
//   - the free list holds exactly the free blocks, in address order,
//   - no two free blocks are adjacent and the last block is allocated,
//   - every child block is reachable exactly once from a root.
func (a *Allocator) Check() error {
	hdr, err := layout.ReadHeader(a.mem)
	if err != nil {
		return err
	}

	var (
		live, children uint32
		free           = map[uint32]bool{}
		lastFree       bool
		last           layout.Block
		roots          []layout.Block
	)
	err = layout.Walk(a.mem, func(b layout.Block) error {
		last = b
		if !b.Allocated() {
			if lastFree {
				return fmt.Errorf("adjacent free blocks ending at %d", b.Offset)
			}
			if b.IsChild() || b.Child != layout.Nil {
				return fmt.Errorf("free block %d carries child links", b.Offset)
			}
			free[b.Offset] = true
			lastFree = true
			return nil
		}
		lastFree = false
		live++
		if b.IsChild() {
			children++
		} else {
			roots = append(roots, b)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if live != hdr.Live {
		return fmt.Errorf("header counts %d live blocks, found %d", hdr.Live, live)
	}
	if last.Offset != 0 && !last.Allocated() {
		return fmt.Errorf("trailing free block %d was not returned to the bump cursor", last.Offset)
	}

	prev, seen := uint32(0), 0
	for cur := hdr.FreeHead; cur != layout.Nil; {
		if !free[cur] {
			return fmt.Errorf("free list entry %d is not a free block", cur)
		}
		if cur <= prev {
			return fmt.Errorf("free list out of address order at %d", cur)
		}
		b, err := layout.ReadBlock(a.mem, cur)
		if err != nil {
			return err
		}
		prev, cur = cur, b.Next
		seen++
	}
	if seen != len(free) {
		return fmt.Errorf("free list holds %d of %d free blocks", seen, len(free))
	}

	visited := map[uint32]bool{}
	for _, r := range roots {
		stack := []uint32{r.Child}
		for len(stack) > 0 {
			off := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if off == layout.Nil {
				continue
			}
			if visited[off] {
				return fmt.Errorf("child block %d reachable twice", off)
			}
			visited[off] = true
			b, err := layout.ReadBlock(a.mem, off)
			if err != nil {
				return err
			}
			if !b.Allocated() || !b.IsChild() {
				return fmt.Errorf("child link to block %d that is not an allocated child", off)
			}
			stack = append(stack, b.Next, b.Child)
		}
	}
	if uint32(len(visited)) != children {
		return fmt.Errorf("%d child blocks, %d reachable from roots", children, len(visited))
	}
	return nil
}
