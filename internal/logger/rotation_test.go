package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "app.log")

	w, err := NewRotatingWriter(name, 1, 0, false)
	require.NoError(t, err)
	w.maxSize = 64

	line := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 3; i++ {
		_, err := w.Write(line)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	matches, err := filepath.Glob(name + ".*")
	require.NoError(t, err)
	assert.NotEmpty(t, matches)

	info, err := os.Stat(name)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(64))
}

func TestRotatingWriterCloseTwice(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "a.log"), 1, 0, false)
	require.NoError(t, err)
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
