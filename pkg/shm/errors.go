package shm

import (
	"errors"

	"github.com/srediag/shmalloc/internal/alloc"
	"github.com/srediag/shmalloc/internal/layout"
	internalshm "github.com/srediag/shmalloc/internal/shm"
)

var (
	// ErrOsFailure wraps platform failures while creating, mapping or closing a region.
	ErrOsFailure = internalshm.ErrOsFailure
	// ErrAlreadyExists is returned by New when the name is taken.
	ErrAlreadyExists = internalshm.ErrAlreadyExists
	// ErrNotFound is returned by Open when the name does not exist.
	ErrNotFound = internalshm.ErrNotFound
	// ErrUnsupported is returned on platforms without shared memory support.
	ErrUnsupported = internalshm.ErrUnsupported
	// ErrCorruptHeader is returned when an opened region fails validation.
	// The region must not be used further.
	ErrCorruptHeader = layout.ErrCorruptHeader
	// ErrOutOfMemory means no free block and no untouched capacity fit the request.
	ErrOutOfMemory = alloc.ErrOutOfMemory
	// ErrInvalidSize is returned for zero or unrepresentable sizes.
	ErrInvalidSize = alloc.ErrInvalidSize
	// ErrInvalidBuffer is returned for a Buffer that does not name a live allocation,
	// including one already deallocated.
	ErrInvalidBuffer = alloc.ErrInvalidBuffer
	// ErrLockTimeout is returned when the region lock could not be taken in time.
	ErrLockTimeout = internalshm.ErrLockTimeout

	// ErrClosed is returned by every operation on a closed Memory.
	ErrClosed = errors.New("shared memory closed")
	// ErrInvalidConfig is returned by VerifyConfig.
	ErrInvalidConfig = errors.New("invalid config")
)

// reason maps an error to a short label for metrics.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrOutOfMemory):
		return "out_of_memory"
	case errors.Is(err, ErrInvalidSize):
		return "invalid_size"
	case errors.Is(err, ErrInvalidBuffer):
		return "invalid_buffer"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrCorruptHeader):
		return "corrupt"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "other"
	}
}
