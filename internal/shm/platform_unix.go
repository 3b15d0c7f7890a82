//go:build linux || darwin

package shm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapRegion creates or opens a named shared memory object and maps it
// read-write and shared. On failure nothing stays open or mapped, and a
// freshly created object is removed again.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := opts.path()
	if err != nil {
		return nil, err
	}
	perm := uint32(opts.Perm.Perm())
	if perm == 0 {
		perm = 0600
	}

	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		if opts.Size <= 0 {
			return nil, fmt.Errorf("%w: invalid region size %d", ErrOsFailure, opts.Size)
		}
		if !canCreate(uint64(opts.Size), filepath.Dir(path)) {
			return nil, fmt.Errorf("%w: not enough space in %s for %d bytes", ErrOsFailure, filepath.Dir(path), opts.Size)
		}
		flags |= unix.O_CREAT | unix.O_EXCL
	}
	fd, err := unix.Open(path, flags, perm)
	if err != nil {
		switch {
		case errors.Is(err, unix.EEXIST):
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		case errors.Is(err, unix.ENOENT):
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: open %s: %w", ErrOsFailure, path, err)
	}

	cleanup := func() {
		_ = unix.Close(fd)
		if opts.Create {
			_ = unix.Unlink(path)
		}
	}

	size := opts.Size
	if opts.Create {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			cleanup()
			return nil, fmt.Errorf("%w: ftruncate %s: %w", ErrOsFailure, path, err)
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			cleanup()
			return nil, fmt.Errorf("%w: fstat %s: %w", ErrOsFailure, path, err)
		}
		if st.Size == 0 {
			cleanup()
			return nil, fmt.Errorf("%w: %s", ErrEmpty, path)
		}
		size = int(st.Size)
	}

	// The hint is only an address suggestion for the kernel and is never dereferenced.
	hint := unsafe.Pointer(opts.HintAddress) //nolint:govet
	base, err := unix.MmapPtr(fd, 0, hint, uintptr(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: mmap %s: %w", ErrOsFailure, path, err)
	}
	return &MappedRegion{
		Addr:    unsafe.Slice((*byte)(base), size),
		Name:    opts.Name,
		Path:    path,
		Created: opts.Create,
		fd:      fd,
		base:    base,
	}, nil
}

// UnmapRegion unmaps the region and closes its descriptor. Only the first
// call does any work.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	region.closeOnce.Do(func() {
		var errs []error
		if err := unix.MunmapPtr(region.base, uintptr(len(region.Addr))); err != nil {
			errs = append(errs, fmt.Errorf("%w: munmap %s: %w", ErrOsFailure, region.Path, err))
		}
		if err := unix.Close(region.fd); err != nil {
			errs = append(errs, fmt.Errorf("%w: close %s: %w", ErrOsFailure, region.Path, err))
		}
		region.closeErr = errors.Join(errs...)
		region.Addr = nil
	})
	return region.closeErr
}
