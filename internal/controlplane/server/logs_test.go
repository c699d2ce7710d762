package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailLinesDropsPartialFirstLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	require.NoError(t, os.WriteFile(path, []byte("aaaaaaaaaa\nbb\ncc\ndd\n"), 0o644))

	lines, err := tailLines(path, 10, 8)
	require.NoError(t, err)
	assert.Equal(t, []string{"cc", "dd"}, lines)

	lines, err = tailLines(path, 2, 1024)
	require.NoError(t, err)
	assert.Equal(t, []string{"cc", "dd"}, lines)
}

func TestLogFollowerSurvivesRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	fl := &logFollower{path: path}
	require.NoError(t, fl.open(true))
	defer fl.close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, _ = f.WriteString("one\ntw")
	f.Close()

	lines, err := fl.poll()
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, lines)

	require.NoError(t, os.Rename(path, filepath.Join(dir, "bot-1.log")))
	require.NoError(t, os.WriteFile(path, []byte("fresh\n"), 0o644))

	lines, err = fl.poll()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, lines)
}

func TestEscapeSSE(t *testing.T) {
	assert.Equal(t, `a\r\nb`, escapeSSE("a\r\nb"))
	assert.False(t, strings.Contains(escapeSSE("x\ny"), "\n"))
}
