// Package fsutil provides file system utility functions.
package fsutil

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FindFilesByExtension recursively searches the given root path for all files ending
// with the specified extension. It returns a slice of their full paths.
func FindFilesByExtension(rootPath string, extension string) ([]string, error) {
	if extension == "" {
		panic("extension must not be empty")
	}

	var files []string
	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), extension) {
			files = append(files, path)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return files, nil
}

// ChunkList is one parsed chunk listing: the container name derived from the
// listing file name (e.g. "pakchunk0" from "pakchunk0_files.txt") and the
// descriptor paths it assigns to that container.
type ChunkList struct {
	Container string
	Files     []string
}

// ReadChunkListManifest reads a manifest file whose lines each name one chunk
// listing file ("pakchunkN_*.txt"). Each listing holds one descriptor path per
// line; blank lines and '#' comments are skipped in both. Relative paths are
// resolved against the directory of the file declaring them.
func ReadChunkListManifest(manifestPath string) ([]ChunkList, error) {
	listings, err := readLines(manifestPath)
	if err != nil {
		return nil, err
	}

	var lists []ChunkList
	for _, listing := range listings {
		if !filepath.IsAbs(listing) {
			listing = filepath.Join(filepath.Dir(manifestPath), listing)
		}
		base := filepath.Base(listing)
		if !strings.HasPrefix(base, "pakchunk") {
			return nil, fmt.Errorf("chunk listing %q does not follow the pakchunkN_*.txt naming scheme", base)
		}
		container := base
		if idx := strings.IndexByte(base, '_'); idx > 0 {
			container = base[:idx]
		} else {
			container = strings.TrimSuffix(base, filepath.Ext(base))
		}

		files, err := readLines(listing)
		if err != nil {
			return nil, err
		}
		for i, f := range files {
			if !filepath.IsAbs(f) {
				files[i] = filepath.Join(filepath.Dir(listing), f)
			}
		}
		lists = append(lists, ChunkList{Container: container, Files: files})
	}
	return lists, nil
}

// readLines returns the non-empty, non-comment lines of a text file.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}
