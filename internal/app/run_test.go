package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/packstream/internal/buildgraph"
	"github.com/vk/packstream/internal/chunk"
	"github.com/vk/packstream/internal/hclload"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRun_SingleContainerFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "props.hcl"), `
package "/Game/Props/Barrel" {
  export "Barrel" {}
}
`)
	outDir := filepath.Join(t.TempDir(), "out")
	cfg, err := NewConfig(Config{DescriptorPath: dir, OutputDirectory: outDir, LogFormat: "text", LogLevel: "error"})
	require.NoError(t, err)

	var out bytes.Buffer
	a := NewApp(&out, cfg, hclload.NewLoader())
	require.NoError(t, a.Run(context.Background(), cfg))

	c, err := chunk.OpenContainer(filepath.Join(outDir, "pakchunk0"+ContainerExtension))
	require.NoError(t, err)
	defer c.Close()

	pkgID := uint64(buildgraph.PackageIDFromName("/Game/Props/Barrel"))
	assert.True(t, c.Contains(chunk.ID{Package: pkgID, Type: chunk.TypeSummary}))
	assert.True(t, c.Contains(chunk.ID{Package: pkgID, Type: chunk.TypeExportBundleData}))
	assert.True(t, c.Contains(chunk.GlobalID(chunk.TypeGlobalPackageData)))
	assert.True(t, c.Contains(chunk.GlobalID(chunk.TypeInstallManifest)))

	raw, err := c.Read(chunk.GlobalID(chunk.TypeInstallManifest))
	require.NoError(t, err)
	m, err := chunk.DecodeInstallManifest(raw)
	require.NoError(t, err)
	assert.Equal(t, c.BuildID(), m.BuildID)
	assert.Equal(t, int32(1), m.PackageCount)
	assert.Equal(t, []string{"pakchunk0" + ContainerExtension}, m.Containers)
}

func TestRun_ChunkListSplitsContainers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.hcl"), `
package "/Game/Base" {
  export "BaseObj" {}
}
`)
	writeFile(t, filepath.Join(dir, "dlc.hcl"), `
package "/Game/Dlc" {
  imports = ["/Game/Base/BaseObj"]
  export "DlcObj" {
    serialize_before_create = ["/Game/Base/BaseObj"]
  }
}
`)
	writeFile(t, filepath.Join(dir, "pakchunk0_base.txt"), "base.hcl\n")
	writeFile(t, filepath.Join(dir, "pakchunk1_dlc.txt"), "dlc.hcl\n")
	writeFile(t, filepath.Join(dir, "chunks.txt"), "pakchunk0_base.txt\npakchunk1_dlc.txt\n")

	outDir := filepath.Join(t.TempDir(), "out")
	cfg, err := NewConfig(Config{
		ChunkListFile:   filepath.Join(dir, "chunks.txt"),
		OutputDirectory: outDir,
		LogFormat:       "text",
		LogLevel:        "error",
	})
	require.NoError(t, err)

	var out bytes.Buffer
	a := NewApp(&out, cfg, hclload.NewLoader())
	require.NoError(t, a.Run(context.Background(), cfg))

	base, err := chunk.OpenContainer(filepath.Join(outDir, "pakchunk0"+ContainerExtension))
	require.NoError(t, err)
	defer base.Close()
	dlc, err := chunk.OpenContainer(filepath.Join(outDir, "pakchunk1"+ContainerExtension))
	require.NoError(t, err)
	defer dlc.Close()

	assert.Equal(t, base.BuildID(), dlc.BuildID(), "one build id spans all containers")
	assert.Equal(t, int32(0), base.MountOrder())
	assert.Equal(t, int32(1), dlc.MountOrder())

	baseID := uint64(buildgraph.PackageIDFromName("/Game/Base"))
	dlcID := uint64(buildgraph.PackageIDFromName("/Game/Dlc"))

	// Each package's chunks live in its assigned container.
	assert.True(t, base.Contains(chunk.ID{Package: baseID, Type: chunk.TypeSummary}))
	assert.False(t, base.Contains(chunk.ID{Package: dlcID, Type: chunk.TypeSummary}))
	assert.True(t, dlc.Contains(chunk.ID{Package: dlcID, Type: chunk.TypeSummary}))

	// Global chunks and the manifest land in the first container only.
	assert.True(t, base.Contains(chunk.GlobalID(chunk.TypeGlobalPackageData)))
	assert.False(t, dlc.Contains(chunk.GlobalID(chunk.TypeGlobalPackageData)))
	assert.True(t, base.Contains(chunk.GlobalID(chunk.TypeInstallManifest)))

	// The cross-container arc survives: the DLC summary still names Base as
	// the source of its external dependency.
	raw, err := dlc.Read(chunk.ID{Package: dlcID, Type: chunk.TypeSummary})
	require.NoError(t, err)
	summary, err := chunk.DecodePackageSummary(raw)
	require.NoError(t, err)
	require.Len(t, summary.Graph.ExternalArcs, 1)
	assert.Equal(t, baseID, summary.Graph.ExternalArcs[0].FromPackage)
}

func TestRun_NoDescriptorsFound(t *testing.T) {
	empty := t.TempDir()
	cfg, err := NewConfig(Config{DescriptorPath: empty, OutputDirectory: t.TempDir(), LogFormat: "text", LogLevel: "error"})
	require.NoError(t, err)

	var out bytes.Buffer
	assert.Panics(t, func() { NewApp(&out, cfg, hclload.NewLoader()) })
}
