//go:build linux

package sysmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Host reads memory from sysinfo(2). Buffers count as available.
type Host struct{}

func NewHost() Host { return Host{} }

func (Host) Sample() (Sample, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Sample{}, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return Sample{
		Total:     uint64(info.Totalram) * unit,
		Available: (uint64(info.Freeram) + uint64(info.Bufferram)) * unit,
	}, nil
}
