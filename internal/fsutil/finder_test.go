package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFilesByExtension(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nested", "deep"), 0o755))
	for _, f := range []string{"a.hcl", "nested/b.hcl", "nested/deep/c.hcl", "nested/ignore.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, f), []byte("x"), 0o644))
	}

	files, err := FindFilesByExtension(root, ".hcl")
	require.NoError(t, err)
	assert.Len(t, files, 3)
	for _, f := range files {
		assert.Equal(t, ".hcl", filepath.Ext(f))
	}

	assert.Panics(t, func() { FindFilesByExtension(root, "") })
}

func TestReadChunkListManifest(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	write("pakchunk0_base.txt", `
# base content
level1.hcl
props.hcl
`)
	write("pakchunk1_dlc.txt", "dlc.hcl\n")
	manifest := write("chunks.txt", `
# listing files
pakchunk0_base.txt

pakchunk1_dlc.txt
`)

	lists, err := ReadChunkListManifest(manifest)
	require.NoError(t, err)
	require.Len(t, lists, 2)

	assert.Equal(t, "pakchunk0", lists[0].Container)
	assert.Equal(t, []string{
		filepath.Join(dir, "level1.hcl"),
		filepath.Join(dir, "props.hcl"),
	}, lists[0].Files)

	assert.Equal(t, "pakchunk1", lists[1].Container)
	assert.Equal(t, []string{filepath.Join(dir, "dlc.hcl")}, lists[1].Files)
}

func TestReadChunkListManifest_BadNaming(t *testing.T) {
	dir := t.TempDir()
	listing := filepath.Join(dir, "notachunk.txt")
	require.NoError(t, os.WriteFile(listing, []byte("a.hcl\n"), 0o644))
	manifest := filepath.Join(dir, "chunks.txt")
	require.NoError(t, os.WriteFile(manifest, []byte("notachunk.txt\n"), 0o644))

	_, err := ReadChunkListManifest(manifest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "naming scheme")
}

func TestReadChunkListManifest_MissingListing(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "chunks.txt")
	require.NoError(t, os.WriteFile(manifest, []byte("pakchunk0_missing.txt\n"), 0o644))

	_, err := ReadChunkListManifest(manifest)
	require.Error(t, err)
}
