package chunk

import (
	"bytes"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// containerMagic prefixes every container file.
const containerMagic = "PSC1"

// containerVersion is bumped on incompatible format changes.
const containerVersion uint32 = 1

type containerFile struct {
	Version    uint32        `msgpack:"v"`
	BuildID    string        `msgpack:"b"`
	MountOrder int32         `msgpack:"m"`
	Records    []chunkRecord `msgpack:"r"`
}

type chunkRecord struct {
	Package uint64 `msgpack:"p"`
	Type    uint8  `msgpack:"t"`
	RawSize uint32 `msgpack:"s"`
	// Data is the zstd-compressed chunk payload.
	Data []byte `msgpack:"d"`
}

// ContainerWriter accumulates chunks and flushes them to a single container
// file on Close.
type ContainerWriter struct {
	path string
	file containerFile
	enc  *zstd.Encoder
}

// NewContainerWriter prepares a writer for the container at path.
func NewContainerWriter(path, buildID string, mountOrder int32) (*ContainerWriter, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	return &ContainerWriter{
		path: path,
		file: containerFile{
			Version:    containerVersion,
			BuildID:    buildID,
			MountOrder: mountOrder,
		},
		enc: enc,
	}, nil
}

// Add appends one chunk with the given raw (uncompressed) payload.
func (w *ContainerWriter) Add(id ID, raw []byte) {
	w.file.Records = append(w.file.Records, chunkRecord{
		Package: id.Package,
		Type:    uint8(id.Type),
		RawSize: uint32(len(raw)),
		Data:    w.enc.EncodeAll(raw, nil),
	})
}

// Len returns the number of chunks added so far.
func (w *ContainerWriter) Len() int {
	return len(w.file.Records)
}

// Close encodes and writes the container file.
func (w *ContainerWriter) Close() error {
	defer w.enc.Close()

	var buf bytes.Buffer
	buf.WriteString(containerMagic)
	payload, err := msgpack.Marshal(&w.file)
	if err != nil {
		return fmt.Errorf("encoding container %q: %w", w.path, err)
	}
	buf.Write(payload)
	if err := os.WriteFile(w.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing container %q: %w", w.path, err)
	}
	return nil
}

// Container is a read-only mounted container file. Chunks stay compressed in
// memory and are decompressed per Read.
type Container struct {
	path       string
	buildID    string
	mountOrder int32
	records    map[ID]*chunkRecord
	order      []ID
	dec        *zstd.Decoder
}

// OpenContainer loads and indexes the container at path.
func OpenContainer(path string) (*Container, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading container %q: %w", path, err)
	}
	if len(raw) < len(containerMagic) || string(raw[:len(containerMagic)]) != containerMagic {
		return nil, fmt.Errorf("container %q: bad magic", path)
	}
	var file containerFile
	if err := msgpack.Unmarshal(raw[len(containerMagic):], &file); err != nil {
		return nil, fmt.Errorf("decoding container %q: %w", path, err)
	}
	if file.Version != containerVersion {
		return nil, fmt.Errorf("container %q: unsupported version %d", path, file.Version)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	c := &Container{
		path:       path,
		buildID:    file.BuildID,
		mountOrder: file.MountOrder,
		records:    make(map[ID]*chunkRecord, len(file.Records)),
		order:      make([]ID, 0, len(file.Records)),
		dec:        dec,
	}
	for i := range file.Records {
		rec := &file.Records[i]
		id := ID{Package: rec.Package, Type: Type(rec.Type)}
		if _, dup := c.records[id]; dup {
			return nil, fmt.Errorf("container %q: duplicate chunk %s", path, id)
		}
		c.records[id] = rec
		c.order = append(c.order, id)
	}
	return c, nil
}

// Path returns the container's file path.
func (c *Container) Path() string { return c.path }

// BuildID returns the build id the container was produced by.
func (c *Container) BuildID() string { return c.buildID }

// MountOrder returns the container's mount priority; higher wins on package
// id conflicts.
func (c *Container) MountOrder() int32 { return c.mountOrder }

// Contains reports whether the container holds the chunk.
func (c *Container) Contains(id ID) bool {
	_, ok := c.records[id]
	return ok
}

// Size returns the uncompressed size of the chunk.
func (c *Container) Size(id ID) (uint32, bool) {
	rec, ok := c.records[id]
	if !ok {
		return 0, false
	}
	return rec.RawSize, true
}

// Read decompresses and returns the chunk payload.
func (c *Container) Read(id ID) ([]byte, error) {
	rec, ok := c.records[id]
	if !ok {
		return nil, fmt.Errorf("container %q: chunk %s not found", c.path, id)
	}
	raw, err := c.dec.DecodeAll(rec.Data, make([]byte, 0, rec.RawSize))
	if err != nil {
		return nil, fmt.Errorf("container %q: decompressing chunk %s: %w", c.path, id, err)
	}
	return raw, nil
}

// IDs returns every chunk id in file order.
func (c *Container) IDs() []ID {
	ids := make([]ID, len(c.order))
	copy(ids, c.order)
	return ids
}

// Close releases the decoder.
func (c *Container) Close() {
	c.dec.Close()
}
