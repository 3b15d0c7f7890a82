package shm

import (
	"github.com/shirou/gopsutil/v3/disk"
)

// canCreate reports whether the filesystem behind dir has size bytes free.
// When usage cannot be read the check passes and ftruncate or the first
// page fault reports the shortage instead.
func canCreate(size uint64, dir string) bool {
	stat, err := disk.Usage(dir)
	if err != nil {
		return true
	}
	return stat.Free >= size
}
