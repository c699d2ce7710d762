// Package sysmem samples host-wide memory utilization.
package sysmem

import (
	"errors"
	"sync"
)

var ErrUnsupported = errors.New("memory sampling not supported on this platform")

// Sample is one reading of host memory.
type Sample struct {
	Total     uint64 `json:"total_bytes"`
	Available uint64 `json:"available_bytes"`
}

// Utilization is the used fraction in [0,1].
func (s Sample) Utilization() float64 {
	if s.Total == 0 {
		return 0
	}
	used := s.Total - min(s.Available, s.Total)
	return float64(used) / float64(s.Total)
}

type Sampler interface {
	Sample() (Sample, error)
}

// Fixed reports a settable utilization. Used by tests and dry runs.
type Fixed struct {
	mu   sync.Mutex
	util float64
}

func NewFixed(util float64) *Fixed { return &Fixed{util: util} }

func (f *Fixed) Set(util float64) {
	f.mu.Lock()
	f.util = util
	f.mu.Unlock()
}

func (f *Fixed) Sample() (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	const total = 1 << 30
	return Sample{Total: total, Available: uint64(float64(total) * (1 - f.util))}, nil
}
