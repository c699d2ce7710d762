//go:build !linux

package sysmem

type Host struct{}

func NewHost() Host { return Host{} }

func (Host) Sample() (Sample, error) { return Sample{}, ErrUnsupported }
