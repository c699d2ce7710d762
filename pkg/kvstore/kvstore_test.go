package kvstore

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	raw := []byte(strings.Repeat("k", 32))

	k, err := ParseKey("")
	require.NoError(t, err)
	assert.Nil(t, k)

	k, err = ParseKey("0x" + hex.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, k)

	k, err = ParseKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, k)

	_, err = ParseKey("abcd")
	assert.Error(t, err)
	_, err = ParseKey("not a key!")
	assert.Error(t, err)
}

func TestStoreCRUD(t *testing.T) {
	s, err := Open(OpenOptions{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	_, found, err := s.Get("registry/alice")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set("registry/alice", []byte(`{}`)))
	require.NoError(t, s.Set("registry/bob", []byte(`{"b1":{}}`)))
	require.NoError(t, s.Set("other/x", []byte("1")))

	v, found, err := s.Get("registry/bob")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"b1":{}}`, string(v))

	keys, err := s.Keys("registry/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, keys)

	require.NoError(t, s.Delete("registry/alice"))
	keys, err = s.Keys("registry/")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, keys)

	require.Error(t, s.Set("  ", nil))
}

func TestNilStore(t *testing.T) {
	var s *Store
	_, _, err := s.Get("k")
	assert.ErrorIs(t, err, ErrNotOpened)
	assert.NoError(t, s.Close())
}
