// Package source reads chunk byte ranges from a local file on demand.
//
// Every Read opens its own handle and reads through an io.SectionReader, so
// concurrent reads never share a cursor. Chunk memory comes from a buffer pool
// and must be handed back with Chunk.Release.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/rescale/rescale-upload/internal/cloud/chunk"
	"github.com/rescale/rescale-upload/internal/cloud/storage"
	"github.com/rescale/rescale-upload/internal/util/buffers"
)

// Source produces the bytes of a chunk descriptor.
type Source interface {
	Read(ctx context.Context, d chunk.Descriptor) (*Chunk, error)
}

// Fingerprint identifies the content a transfer was planned against.
// Digest is empty unless content verification was requested.
type Fingerprint struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	Digest  string    `json:"digest,omitempty"`
}

// Matches reports whether other describes the same file. Digests are only
// compared when both sides carry one.
func (f Fingerprint) Matches(other Fingerprint) bool {
	if f.Size != other.Size || !f.ModTime.Equal(other.ModTime) {
		return false
	}
	if f.Digest != "" && other.Digest != "" && f.Digest != other.Digest {
		return false
	}
	return true
}

// Stat fingerprints path by size and modification time.
func Stat(path string) (Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, unavailable(path, err)
	}
	if !info.Mode().IsRegular() {
		return Fingerprint{}, fmt.Errorf("%w: %s is not a regular file", storage.ErrFileUnavailable, path)
	}
	return Fingerprint{Size: info.Size(), ModTime: info.ModTime().UTC()}, nil
}

// Digest fingerprints path and adds an xxhash64 digest of its content.
// This reads the whole file once.
func Digest(ctx context.Context, path string) (Fingerprint, error) {
	fp, err := Stat(path)
	if err != nil {
		return fp, err
	}

	f, err := os.Open(path)
	if err != nil {
		return fp, unavailable(path, err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		if ctx.Err() != nil {
			return fp, ctx.Err()
		}
		return fp, unavailable(path, err)
	}
	fp.Digest = fmt.Sprintf("%016x", h.Sum64())
	return fp, nil
}

// FileSource reads chunks of one local file.
type FileSource struct {
	path        string
	fingerprint Fingerprint
	pool        *buffers.Pool
}

// NewFileSource creates a source over path that rejects reads once the file no
// longer matches fp. chunkSize sizes the buffer pool.
func NewFileSource(path string, fp Fingerprint, chunkSize int64) *FileSource {
	return &FileSource{
		path:        path,
		fingerprint: fp,
		pool:        buffers.Shared(int(chunkSize)),
	}
}

// Pool exposes the buffer pool backing chunk memory.
func (s *FileSource) Pool() *buffers.Pool {
	return s.pool
}

// Read loads the bytes of d. The file is reopened and re-checked on every call.
func (s *FileSource) Read(ctx context.Context, d chunk.Descriptor) (*Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Length > int64(s.pool.Size()) {
		return nil, fmt.Errorf("%w: chunk %d length %d exceeds buffer size %d",
			storage.ErrInvalidConfiguration, d.Index, d.Length, s.pool.Size())
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, unavailable(s.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, unavailable(s.path, err)
	}
	if info.Size() < d.End() {
		return nil, fmt.Errorf("%w: %s is %d bytes, %v needs %d",
			storage.ErrFileUnavailable, s.path, info.Size(), d, d.End())
	}
	if info.Size() != s.fingerprint.Size || !info.ModTime().UTC().Equal(s.fingerprint.ModTime) {
		return nil, fmt.Errorf("%w: %s changed since the transfer was planned", storage.ErrFileUnavailable, s.path)
	}

	buf := s.pool.Get()
	n, err := io.ReadFull(io.NewSectionReader(f, d.Offset, d.Length), (*buf)[:d.Length])
	if err != nil {
		s.pool.Put(buf)
		return nil, fmt.Errorf("%w: reading %v of %s: %v", storage.ErrFileUnavailable, d, s.path, err)
	}

	return &Chunk{index: d.Index, buf: buf, n: n, pool: s.pool}, nil
}

// Chunk holds the bytes of one descriptor in a pooled buffer.
type Chunk struct {
	index int
	buf   *[]byte
	n     int
	pool  *buffers.Pool

	once sync.Once
}

// NewChunk wraps data that does not come from a pool. Release is a no-op.
func NewChunk(index int, data []byte) *Chunk {
	return &Chunk{index: index, buf: &data, n: len(data)}
}

// Index returns the 1-based chunk index.
func (c *Chunk) Index() int { return c.index }

// Len returns the number of bytes in the chunk.
func (c *Chunk) Len() int { return c.n }

// Bytes returns the chunk data. Invalid after Release.
func (c *Chunk) Bytes() []byte {
	return (*c.buf)[:c.n]
}

// Reader returns a new seekable reader over the chunk data.
func (c *Chunk) Reader() *bytes.Reader {
	return bytes.NewReader(c.Bytes())
}

// Release returns the buffer to its pool. Safe to call more than once.
func (c *Chunk) Release() {
	c.once.Do(func() {
		if c.pool != nil {
			c.pool.Put(c.buf)
		}
		c.buf = &[]byte{}
		c.n = 0
	})
}

func unavailable(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s no longer exists", storage.ErrFileUnavailable, path)
	}
	return fmt.Errorf("%w: %s: %v", storage.ErrFileUnavailable, path, err)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
