package sysmem

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUtilization(t *testing.T) {
	assert.Zero(t, Sample{}.Utilization())
	assert.InDelta(t, 0.75, Sample{Total: 100, Available: 25}.Utilization(), 1e-9)
	assert.InDelta(t, 0.0, Sample{Total: 100, Available: 150}.Utilization(), 1e-9)
}

func TestFixed(t *testing.T) {
	f := NewFixed(0.5)
	s, err := f.Sample()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, s.Utilization(), 1e-6)
	f.Set(0.9)
	s, _ = f.Sample()
	assert.InDelta(t, 0.9, s.Utilization(), 1e-6)
}

func TestHost(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("sysinfo is linux only")
	}
	s, err := NewHost().Sample()
	require.NoError(t, err)
	assert.NotZero(t, s.Total)
	u := s.Utilization()
	assert.True(t, u >= 0 && u <= 1, "utilization %v", u)
}
