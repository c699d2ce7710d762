package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeRoundTrip(t *testing.T) {
	for _, id := range []string{"alice", "bob@example.com", "a/b c%d", "../../etc"} {
		name := escape(id)
		assert.NotContains(t, name, "/")
		got, ok := unescape(name)
		require.True(t, ok)
		assert.Equal(t, id, got)
	}
	_, ok := unescape("bad%2")
	assert.False(t, ok)
}

func TestJSONFileStore(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())
	type doc struct {
		Bots []string `json:"bots"`
	}

	var got doc
	require.ErrorIs(t, svc.NewStore("tenants", "a/b").Load(&got), ErrNotExists)

	require.NoError(t, svc.NewStore("tenants", "a/b").Save(doc{Bots: []string{"b1"}}))
	require.NoError(t, svc.NewStore("tenants", "carol").Save(doc{}))
	require.NoError(t, svc.NewStore("tenants", "a/b").Load(&got))
	assert.Equal(t, []string{"b1"}, got.Bots)

	ids, err := svc.List("tenants")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b", "carol"}, ids)

	require.NoError(t, svc.NewStore("tenants", "carol").Delete())
	require.NoError(t, svc.NewStore("tenants", "carol").Delete())
	ids, err = svc.List("tenants")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b"}, ids)

	ids, err = svc.List("missing")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
