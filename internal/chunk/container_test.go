package chunk

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pakchunk0.pscontainer")

	w, err := NewContainerWriter(path, "build-42", 3)
	require.NoError(t, err)

	first := ID{Package: 0x11, Type: TypeSummary}
	second := ID{Package: 0x11, Type: TypeExportBundleData}
	payload := bytes.Repeat([]byte("compressible payload "), 64)

	w.Add(first, payload)
	w.Add(second, []byte("small"))
	w.Add(GlobalID(TypeGlobalNames), nil)
	assert.Equal(t, 3, w.Len())
	require.NoError(t, w.Close())

	c, err := OpenContainer(path)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, path, c.Path())
	assert.Equal(t, "build-42", c.BuildID())
	assert.Equal(t, int32(3), c.MountOrder())
	assert.Equal(t, []ID{first, second, GlobalID(TypeGlobalNames)}, c.IDs())

	assert.True(t, c.Contains(first))
	assert.False(t, c.Contains(ID{Package: 0x99, Type: TypeSummary}))

	size, ok := c.Size(first)
	require.True(t, ok)
	assert.Equal(t, uint32(len(payload)), size)
	_, ok = c.Size(ID{Package: 0x99, Type: TypeSummary})
	assert.False(t, ok)

	got, err := c.Read(first)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = c.Read(second)
	require.NoError(t, err)
	assert.Equal(t, []byte("small"), got)

	_, err = c.Read(ID{Package: 0x99, Type: TypeSummary})
	assert.Error(t, err)
}

func TestOpenContainer_BadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.pscontainer")
	require.NoError(t, os.WriteFile(path, []byte("NOPE not a container"), 0o644))

	_, err := OpenContainer(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad magic")
}

func TestOpenContainer_DuplicateChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup.pscontainer")

	w, err := NewContainerWriter(path, "build-1", 0)
	require.NoError(t, err)
	id := ID{Package: 0x7, Type: TypeSummary}
	w.Add(id, []byte("one"))
	w.Add(id, []byte("two"))
	require.NoError(t, w.Close())

	_, err = OpenContainer(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate chunk")
}
