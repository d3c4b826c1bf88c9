package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/packstream/internal/ctxlog"
	"github.com/vk/packstream/internal/descriptor"
	"github.com/vk/packstream/internal/fsutil"
	"github.com/vk/packstream/internal/hclload"
)

// containerInput is one output container and the descriptor model assigned
// to it.
type containerInput struct {
	name  string
	model *descriptor.Model
}

// App encapsulates the build tool's dependencies, configuration, and
// lifecycle.
type App struct {
	outW       io.Writer
	logger     *slog.Logger
	containers []containerInput
}

// NewApp is the constructor for the build tool. It returns a fully
// initialized App instance with every descriptor parsed and assigned to its
// output container.
func NewApp(outW io.Writer, appConfig *Config, loader *hclload.Loader) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	lists, err := collectChunkLists(appConfig)
	if err != nil {
		// A failure to resolve inputs is a fatal startup error.
		panic(fmt.Errorf("failed to resolve descriptor inputs: %w", err))
	}

	var containers []containerInput
	for _, list := range lists {
		model, err := loader.Load(ctx, list.Files...)
		if err != nil {
			panic(fmt.Errorf("failed to load descriptors for container %q: %w", list.Container, err))
		}
		containers = append(containers, containerInput{name: list.Container, model: model})
		logger.Debug("Container descriptors loaded.", "container", list.Container, "packages", len(model.Packages))
	}

	return &App{
		outW:       outW,
		logger:     logger,
		containers: containers,
	}
}

// collectChunkLists resolves the configured inputs into per-container file
// lists. Without a chunk list manifest every descriptor goes into one
// default container.
func collectChunkLists(appConfig *Config) ([]fsutil.ChunkList, error) {
	if appConfig.ChunkListFile != "" {
		return fsutil.ReadChunkListManifest(appConfig.ChunkListFile)
	}
	files, err := fsutil.FindFilesByExtension(appConfig.DescriptorPath, ".hcl")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl descriptors found under %q", appConfig.DescriptorPath)
	}
	return []fsutil.ChunkList{{Container: "pakchunk0", Files: files}}, nil
}
