package shm

import (
	"sort"
	"strconv"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

var (
	opened  = cmap.New[*Memory]()
	openSeq atomic.Uint64
)

func register(m *Memory) {
	m.seq = openSeq.Add(1)
	opened.Set(strconv.FormatUint(m.seq, 10), m)
}

func unregister(m *Memory) {
	opened.Remove(strconv.FormatUint(m.seq, 10))
}

// Opened returns every Memory this process has created or opened and not yet
// closed, oldest first.
func Opened() []*Memory {
	items := opened.Items()
	out := make([]*Memory, 0, len(items))
	for _, m := range items {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
