package shm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// SizeClass describes one buffer list of a Pool: buffers of Size bytes, of
// which at most Keep are cached.
type SizeClass struct {
	Size uint64
	Keep int
}

// Pool caches released buffers per size class in process memory so that hot
// sizes skip the allocator. Cached buffers stay allocated in the region until
// Drain.
//
// Only root buffers without children belong in a Pool: children of a cached
// buffer are not freed until the buffer leaves the pool.
type Pool struct {
	mu      sync.Mutex
	mem     *Memory
	classes []SizeClass
	free    map[uint64][]Buffer
}

// NewPool returns a Pool over m with the given size classes.
func NewPool(m *Memory, classes []SizeClass) (*Pool, error) {
	sorted := make([]SizeClass, len(classes))
	copy(sorted, classes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })
	for i, c := range sorted {
		if c.Size == 0 || c.Keep < 0 {
			return nil, fmt.Errorf("%w: size class %+v", ErrInvalidConfig, c)
		}
		if i > 0 && sorted[i-1].Size == c.Size {
			return nil, fmt.Errorf("%w: duplicate size class %d", ErrInvalidConfig, c.Size)
		}
	}
	return &Pool{mem: m, classes: sorted, free: make(map[uint64][]Buffer, len(sorted))}, nil
}

// Get returns a buffer of at least size bytes. Its Size is the class size, or
// size itself when no class is large enough.
func (p *Pool) Get(size uint64) (Buffer, error) {
	c, ok := p.class(size)
	if !ok {
		return p.mem.Allocate(size)
	}
	p.mu.Lock()
	if list := p.free[c.Size]; len(list) > 0 {
		buf := list[len(list)-1]
		p.free[c.Size] = list[:len(list)-1]
		p.mu.Unlock()
		return buf, nil
	}
	p.mu.Unlock()
	return p.mem.Allocate(c.Size)
}

// Put returns buf to its size class, or deallocates it when the class is full
// or buf matches no class.
func (p *Pool) Put(buf Buffer) error {
	p.mu.Lock()
	for _, c := range p.classes {
		if c.Size == buf.Size && len(p.free[c.Size]) < c.Keep {
			p.free[c.Size] = append(p.free[c.Size], buf)
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()
	return p.mem.Deallocate(buf)
}

// Drain deallocates every cached buffer.
func (p *Pool) Drain() error {
	p.mu.Lock()
	free := p.free
	p.free = make(map[uint64][]Buffer, len(p.classes))
	p.mu.Unlock()

	var errs []error
	for _, list := range free {
		for _, buf := range list {
			errs = append(errs, p.mem.Deallocate(buf))
		}
	}
	return errors.Join(errs...)
}

// Stats returns the number of cached buffers for each class size.
func (p *Pool) Stats() map[uint64]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := make(map[uint64]int, len(p.classes))
	for _, c := range p.classes {
		stats[c.Size] = len(p.free[c.Size])
	}
	return stats
}

func (p *Pool) class(size uint64) (SizeClass, bool) {
	i := sort.Search(len(p.classes), func(i int) bool { return p.classes[i].Size >= size })
	if i == len(p.classes) {
		return SizeClass{}, false
	}
	return p.classes[i], true
}
