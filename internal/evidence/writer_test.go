package evidence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveNamesAndRefs(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "/output")
	require.NoError(t, err)

	ref, err := w.Save([]byte("jpeg-0"), 0.953)
	require.NoError(t, err)
	assert.Equal(t, "/output/detection_0_conf0.95.jpg", ref)

	ref, err = w.Save([]byte("jpeg-1"), 0.8)
	require.NoError(t, err)
	assert.Equal(t, "/output/detection_1_conf0.80.jpg", ref)

	data, err := os.ReadFile(filepath.Join(dir, "detection_0_conf0.95.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-0"), data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestNumberingResumes(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"detection_3_conf0.91.jpg", "detection_7_conf0.75.jpg", "other.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	w, err := NewWriter(dir, "/output")
	require.NoError(t, err)

	ref, err := w.Save([]byte("y"), 0.7)
	require.NoError(t, err)
	assert.Equal(t, "/output/detection_8_conf0.70.jpg", ref)
}

func TestNewWriterCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "output")
	_, err := NewWriter(dir, "/output")
	require.NoError(t, err)
	assert.DirExists(t, dir)
}
