package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/vk/packstream/internal/buildgraph"
	"github.com/vk/packstream/internal/bundle"
	"github.com/vk/packstream/internal/chunk"
	"github.com/vk/packstream/internal/ctxlog"
)

// ContainerExtension is the file suffix of written container files.
const ContainerExtension = ".pscontainer"

// Run executes the offline pipeline: resolve the global build graph over
// every container's packages, compute the export load order, partition it
// into bundles, and write one container file per chunk list.
func (a *App) Run(ctx context.Context, appConfig *Config) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	builder := buildgraph.NewBuilder()
	containerOf := make(map[buildgraph.PackageID]int)
	for i, c := range a.containers {
		for _, desc := range c.model.Packages {
			pkg := builder.AddPackage(desc)
			if prev, ok := containerOf[pkg.ID]; ok {
				a.logger.Warn("Package declared in multiple containers, keeping first.",
					"package", pkg.Name, "container", a.containers[prev].name)
				continue
			}
			containerOf[pkg.ID] = i
		}
	}

	a.logger.Debug("Resolving build graph...", "packages", len(builder.Packages()))
	if err := builder.Resolve(ctx); err != nil {
		return fmt.Errorf("failed to resolve build graph: %w", err)
	}

	order, err := bundle.ComputeLoadOrder(ctx, builder)
	if err != nil {
		return fmt.Errorf("failed to compute load order: %w", err)
	}
	asm := bundle.BuildBundles(ctx, order)

	blobs, err := chunk.BuildChunks(ctx, builder, asm)
	if err != nil {
		return fmt.Errorf("failed to serialize chunks: %w", err)
	}

	if err := os.MkdirAll(appConfig.OutputDirectory, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	buildID := uuid.NewString()
	writers := make([]*chunk.ContainerWriter, len(a.containers))
	containerFiles := make([]string, len(a.containers))
	for i, c := range a.containers {
		fileName := c.name + ContainerExtension
		containerFiles[i] = fileName
		w, err := chunk.NewContainerWriter(filepath.Join(appConfig.OutputDirectory, fileName), buildID, int32(i))
		if err != nil {
			return err
		}
		writers[i] = w
	}

	// Per-package chunks land in the package's container; global chunks and
	// the manifest land in the first one.
	for _, blob := range blobs {
		target := 0
		if blob.ID.Package != 0 {
			if idx, ok := containerOf[buildgraph.PackageID(blob.ID.Package)]; ok {
				target = idx
			}
		}
		writers[target].Add(blob.ID, blob.Data)
	}
	manifest, err := chunk.EncodeManifest(buildID, containerFiles, len(builder.Packages()))
	if err != nil {
		return err
	}
	writers[0].Add(manifest.ID, manifest.Data)

	for i, w := range writers {
		if err := w.Close(); err != nil {
			return err
		}
		a.logger.Info("Container written.", "container", containerFiles[i], "chunks", w.Len())
	}

	a.logger.Info("Build finished.",
		"build_id", buildID,
		"packages", len(builder.Packages()),
		"containers", len(writers))
	a.logger.Debug("App.Run method finished.")
	return nil
}
