package sweeper

import (
	"golang.org/x/sys/unix"
)

// DiskPressureSample is a point-in-time free-space reading for one managed
// directory. Samples are produced on demand and never persisted.
type DiskPressureSample struct {
	Directory      string
	TotalBytes     uint64
	FreeBytes      uint64
	ThresholdBytes uint64
}

// Under reports whether free space has fallen below the threshold.
func (s DiskPressureSample) Under() bool {
	return s.FreeBytes < s.ThresholdBytes
}

// statfsFunc allows tests to stub filesystem stats.
type statfsFunc func(path string) (total uint64, free uint64, err error)

func realStatfs(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return total, free, nil
}
