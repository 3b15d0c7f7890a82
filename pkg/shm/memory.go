package shm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmalloc/internal/alloc"
	"github.com/srediag/shmalloc/internal/layout"
	internalshm "github.com/srediag/shmalloc/internal/shm"
)

// Buffer names an allocation by its payload offset from the region start and
// its requested size. Buffers are plain values that mean the same thing in
// every process mapping the region.
type Buffer = alloc.Buffer

// Stats summarizes region occupancy.
type Stats = alloc.Stats

var errUninitialized = errors.New("region header not written yet")

// Memory is one process's mapping of a named shared region together with the
// allocator that manages it. All methods are safe for concurrent use; allocator
// calls from every process are serialized by a lock word inside the region.
type Memory struct {
	// mu keeps the mapping alive while an operation runs.
	mu     sync.RWMutex
	closed bool

	region  *internalshm.MappedRegion
	alloc   *alloc.Allocator
	lock    *internalshm.SpinLock
	config  *Config
	metrics *metrics
	tracer  trace.Tracer
	log     *logger

	seq       uint64
	closeOnce sync.Once
	closeErr  error
}

// New creates the named region with size bytes and initializes its allocator.
// hintAddress is an advisory placement for the mapping; zero lets the kernel
// choose.
func New(name string, size uint64, hintAddress uintptr) (*Memory, error) {
	return NewWithConfig(name, size, hintAddress, DefaultConfig())
}

// NewWithConfig is New with an explicit configuration.
func NewWithConfig(name string, size uint64, hintAddress uintptr, config *Config) (m *Memory, err error) {
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	if size < layout.MinRegionSize {
		return nil, fmt.Errorf("%w: size %d is too small, need at least %d", ErrInvalidSize, size, layout.MinRegionSize)
	}
	if size > layout.MaxRegionSize {
		return nil, fmt.Errorf("%w: size %d exceeds %d", ErrInvalidSize, size, layout.MaxRegionSize)
	}

	ctx, span := tracerOf(config).Start(context.Background(), "shm.New", trace.WithAttributes(
		attribute.String("shm.name", name), attribute.Int64("shm.size", int64(size))))
	defer func() { endSpan(span, err) }()

	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name:        name,
		Dir:         config.Dir,
		Size:        int(size),
		Create:      true,
		HintAddress: hintAddress,
		Perm:        config.Perm,
	})
	if err != nil {
		return nil, err
	}
	a, err := alloc.Init(region.Addr)
	if err != nil {
		return nil, errors.Join(err, discard(ctx, region))
	}
	m, err = newMemory(region, a, config)
	if err != nil {
		return nil, errors.Join(err, discard(ctx, region))
	}
	if hintAddress != 0 && region.Base() != hintAddress {
		m.log.infof("mapped at %#x, hint %#x not honored", region.Base(), hintAddress)
	}
	m.log.infof("created %s with %d bytes at %#x", region.Path, size, region.Base())
	return m, nil
}

// Open maps an existing region created by New, possibly in another process.
func Open(name string) (*Memory, error) {
	return OpenWithConfig(name, DefaultConfig())
}

// OpenWithConfig is Open with an explicit configuration. It waits up to
// config.OpenTimeout for the creator to finish initializing the region and
// fails with ErrCorruptHeader if it never does.
func OpenWithConfig(name string, config *Config) (m *Memory, err error) {
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}

	ctx, span := tracerOf(config).Start(context.Background(), "shm.Open", trace.WithAttributes(
		attribute.String("shm.name", name)))
	defer func() { endSpan(span, err) }()

	opts := internalshm.MapOptions{Name: name, Dir: config.Dir, Perm: config.Perm}
	var region *internalshm.MappedRegion
	attempt := func() error {
		r, err := internalshm.MapRegion(ctx, opts)
		switch {
		case errors.Is(err, internalshm.ErrEmpty):
			return err
		case err != nil:
			return backoff.Permanent(err)
		}
		if !layout.IsInitialized(r.Addr) {
			_ = internalshm.UnmapRegion(ctx, r)
			return errUninitialized
		}
		region = r
		return nil
	}
	err = backoff.Retry(attempt, backoff.WithContext(openBackOff(config.OpenTimeout), ctx))
	if errors.Is(err, internalshm.ErrEmpty) || errors.Is(err, errUninitialized) {
		return nil, fmt.Errorf("%w: %s not initialized within %v", ErrCorruptHeader, name, config.OpenTimeout)
	}
	if err != nil {
		return nil, err
	}

	a, err := alloc.New(region.Addr)
	if err != nil {
		return nil, errors.Join(err, internalshm.UnmapRegion(ctx, region))
	}
	m, err = newMemory(region, a, config)
	if err != nil {
		return nil, errors.Join(err, internalshm.UnmapRegion(ctx, region))
	}
	m.log.infof("opened %s with %d bytes at %#x", region.Path, len(region.Addr), region.Base())
	return m, nil
}

func openBackOff(timeout time.Duration) backoff.BackOff {
	if timeout == 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Millisecond),
		backoff.WithMaxInterval(50*time.Millisecond),
		backoff.WithMaxElapsedTime(timeout),
	)
}

func newMemory(region *internalshm.MappedRegion, a *alloc.Allocator, config *Config) (*Memory, error) {
	m := &Memory{
		region: region,
		alloc:  a,
		lock:   internalshm.NewSpinLock(layout.LockWord(region.Addr), config.LockTimeout),
		config: config,
		tracer: tracerOf(config),
		log:    newLogger("["+region.Name+"]", nil),
	}
	var err error
	if m.metrics, err = newMetrics(region.Name, config, m.Stats); err != nil {
		return nil, err
	}
	if err = m.metrics.register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	register(m)
	return m, nil
}

// discard releases a region that never became a Memory.
func discard(ctx context.Context, region *internalshm.MappedRegion) error {
	err := internalshm.UnmapRegion(ctx, region)
	if region.Created {
		err = errors.Join(err, region.Remove())
	}
	return err
}

// Allocate reserves size bytes and returns the Buffer naming them.
func (m *Memory) Allocate(size uint64) (buf Buffer, err error) {
	ctx, span := m.tracer.Start(context.Background(), "shm.Allocate", trace.WithAttributes(
		attribute.Int64("shm.size", int64(size))))
	defer func() {
		m.finish(ctx, span, opAllocate, 0, err, "offset", buf.Offset, "size", size)
	}()

	err = m.locked(ctx, func(a *alloc.Allocator) (err error) {
		buf, err = a.Allocate(size)
		return err
	})
	return buf, err
}

// AllocateMore reserves size bytes owned by parent. The new buffer is freed
// together with parent. parent must be live.
func (m *Memory) AllocateMore(size uint64, parent Buffer) (buf Buffer, err error) {
	ctx, span := m.tracer.Start(context.Background(), "shm.AllocateMore", trace.WithAttributes(
		attribute.Int64("shm.size", int64(size)), attribute.Int64("shm.parent", int64(parent.Offset))))
	defer func() {
		m.finish(ctx, span, opAllocateMore, 0, err, "offset", buf.Offset, "size", size, "parent", parent.Offset)
	}()

	err = m.locked(ctx, func(a *alloc.Allocator) (err error) {
		buf, err = a.AllocateMore(size, parent)
		return err
	})
	return buf, err
}

// Deallocate frees buf and every buffer allocated beneath it with
// AllocateMore. Freeing a buffer that is not live, including one already
// freed, returns ErrInvalidBuffer and changes nothing.
func (m *Memory) Deallocate(buf Buffer) (err error) {
	ctx, span := m.tracer.Start(context.Background(), "shm.Deallocate", trace.WithAttributes(
		attribute.Int64("shm.offset", int64(buf.Offset))))
	var freed int
	defer func() {
		span.SetAttributes(attribute.Int("shm.freed", freed))
		m.finish(ctx, span, opDeallocate, freed, err, "offset", buf.Offset, "size", buf.Size, "freed", freed)
	}()

	return m.locked(ctx, func(a *alloc.Allocator) (err error) {
		freed, err = a.Deallocate(buf)
		return err
	})
}

// Bytes returns the payload of a live buffer as mapped in this process. The
// slice is valid until the buffer is deallocated or m is closed.
func (m *Memory) Bytes(buf Buffer) (b []byte, err error) {
	err = m.locked(context.Background(), func(a *alloc.Allocator) (err error) {
		b, err = a.Bytes(buf)
		return err
	})
	return b, err
}

// Stats reports region occupancy.
func (m *Memory) Stats() (st Stats, err error) {
	err = m.locked(context.Background(), func(a *alloc.Allocator) (err error) {
		st, err = a.Stats()
		return err
	})
	return st, err
}

// Check verifies every allocator invariant of the region.
func (m *Memory) Check() error {
	return m.locked(context.Background(), func(a *alloc.Allocator) error {
		return a.Check()
	})
}

// Name returns the region name.
func (m *Memory) Name() string { return m.region.Name }

// Path returns the file backing the region.
func (m *Memory) Path() string { return m.region.Path }

// Size returns the region length in bytes.
func (m *Memory) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.region.Addr))
}

// Base returns the address the region is mapped at in this process.
func (m *Memory) Base() uintptr { return m.region.Base() }

// Created reports whether this process created the region.
func (m *Memory) Created() bool { return m.region.Created }

// Close unmaps the region. The creator also removes the name when
// Config.RemoveOnClose is set. Buffers stay valid for other processes still
// mapping the region. Only the first call does any work.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		unregister(m)
		m.metrics.unregister()

		m.mu.Lock()
		defer m.mu.Unlock()
		m.closed = true
		ctx := context.Background()
		errs := []error{internalshm.UnmapRegion(ctx, m.region)}
		if m.region.Created && m.config.RemoveOnClose {
			errs = append(errs, m.region.Remove())
		}
		m.closeErr = errors.Join(errs...)
		if m.closeErr != nil {
			m.log.errorf("close %s: %v", m.region.Path, m.closeErr)
			return
		}
		m.log.infof("closed %s", m.region.Path)
	})
	return m.closeErr
}

// locked runs fn with the region lock held.
func (m *Memory) locked(ctx context.Context, fn func(*alloc.Allocator) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if err := m.lock.Lock(ctx); err != nil {
		if errors.Is(err, ErrLockTimeout) {
			m.log.warnf("region lock held by pid %d for longer than %v", m.lock.Holder(), m.config.LockTimeout)
		}
		return err
	}
	defer m.lock.Unlock()
	return fn(m.alloc)
}

// finish records the outcome of an allocator operation. kv holds the audit
// details as alternating keys and values.
func (m *Memory) finish(ctx context.Context, span trace.Span, op string, freed int, err error, kv ...interface{}) {
	endSpan(span, err)
	m.metrics.observe(ctx, op, freed, err)
	if err != nil {
		m.log.debugf("%s failed: %v", op, err)
	} else {
		m.log.tracef("%s %v", op, kv)
	}
	if m.config.Audit == nil {
		return
	}
	details := map[string]interface{}{"region": m.region.Name}
	for i := 0; i+1 < len(kv); i += 2 {
		details[fmt.Sprint(kv[i])] = kv[i+1]
	}
	if err != nil {
		details["error"] = err.Error()
	}
	if aerr := m.config.Audit.LogEvent(op, details); aerr != nil {
		m.log.warnf("audit %s: %v", op, aerr)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
