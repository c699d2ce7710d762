package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Cache[string, int] = (*InMemoryCache[string, int])(nil)

func TestInMemoryCache_TTL(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute)
	defer c.Close()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("a", 1, 0)
	c.Set("b", 2, time.Second)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok)
	c.cleanup()
	assert.Equal(t, 1, c.Size())

	c.Delete("a")
	assert.Equal(t, 0, c.Size())
}

func TestInMemoryCache_GetOrLoad(t *testing.T) {
	c := NewInMemoryCache[string, []string](time.Minute)
	defer c.Close()

	calls := 0
	load := func() ([]string, error) { calls++; return []string{"ping"}, nil }
	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad("commands", load)
		require.NoError(t, err)
		assert.Equal(t, []string{"ping"}, v)
	}
	assert.Equal(t, 1, calls)

	_, err := c.GetOrLoad("events", func() ([]string, error) { return nil, errors.New("scan failed") })
	require.Error(t, err)
	_, ok := c.Get("events")
	assert.False(t, ok)
}
