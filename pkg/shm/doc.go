// Package shm allocates buffers inside a named shared memory region that
// several processes map at once.
//
// One process creates the region with New; others attach with Open. Every
// allocation is described by a Buffer, a region-relative offset and size that
// means the same thing in every process, whatever address the region is
// mapped at. Buffers allocated with AllocateMore belong to a parent and are
// freed with it.
//
//	mem, err := shm.New("frames", 1<<20, 0)
//	if err != nil {
//		return err
//	}
//	defer mem.Close()
//
//	buf, err := mem.Allocate(4096)
//	// hand buf to another process, which calls shm.Open("frames") and mem.Bytes(buf)
//
// Allocator calls are serialized across processes by a lock word stored in
// the region header. Operations are instrumented with Prometheus, when
// Config.Registerer is set, and with OpenTelemetry metrics and traces.
package shm
