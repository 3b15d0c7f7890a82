// Package shm contains the platform side of a shared memory region: creating,
// opening, mapping and releasing named shared memory objects.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"
)

const defaultDevShm = "/dev/shm"

var (
	// ErrAlreadyExists reports a create for a name that is already in use.
	ErrAlreadyExists = errors.New("shared memory object already exists")
	// ErrNotFound reports an open for a name that does not exist.
	ErrNotFound = errors.New("shared memory object not found")
	// ErrOsFailure wraps any platform failure while creating, mapping or releasing a region.
	ErrOsFailure = errors.New("shared memory os failure")
	// ErrEmpty reports an object whose creator has not sized it yet.
	ErrEmpty = errors.New("shared memory object is empty")
	// ErrUnsupported is returned on platforms without a provider.
	ErrUnsupported = errors.New("shared memory regions are not supported on this platform")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Name string
	Path string
	// Created is set when this process created the object.
	Created bool

	fd        int
	base      unsafe.Pointer
	closeOnce sync.Once
	closeErr  error
}

// Base returns the process-local address the region is mapped at.
func (r *MappedRegion) Base() uintptr {
	return uintptr(r.base)
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name   string
	Dir    string
	Size   int
	Create bool
	// HintAddress asks the kernel to place the mapping at this address. It
	// is advisory: the region is usable wherever it lands.
	HintAddress uintptr
	Perm        os.FileMode
}

func (o MapOptions) path() (string, error) {
	if o.Name == "" || o.Name == "." || o.Name == ".." || strings.ContainsAny(o.Name, `/\`) {
		return "", fmt.Errorf("%w: invalid region name %q", ErrOsFailure, o.Name)
	}
	dir := o.Dir
	if dir == "" {
		dir = DefaultDir()
	}
	return filepath.Join(dir, o.Name), nil
}

// DefaultDir returns /dev/shm when it exists and the temp dir otherwise.
func DefaultDir() string {
	if info, err := os.Stat(defaultDevShm); err == nil && info.IsDir() {
		return defaultDevShm
	}
	return os.TempDir()
}

// Remove unlinks the named object. Mappings in other processes stay valid
// until they are closed.
func (r *MappedRegion) Remove() error {
	if err := os.Remove(r.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", ErrOsFailure, r.Path, err)
	}
	return nil
}
