// Package chunk splits a file into the ordered part layout of a multipart upload.
package chunk

import (
	"fmt"
	"iter"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
	"github.com/rescale/rescale-upload/internal/constants"
)

// Descriptor is one contiguous byte range of the source file.
// Index starts at 1 and matches the remote part number.
type Descriptor struct {
	Index  int
	Offset int64
	Length int64
}

// End returns the offset one past the last byte of the chunk.
func (d Descriptor) End() int64 {
	return d.Offset + d.Length
}

func (d Descriptor) String() string {
	return fmt.Sprintf("chunk %d [%d, %d)", d.Index, d.Offset, d.End())
}

// Plan is the immutable part layout for (fileSize, chunkSize).
// It holds no per-chunk state, so a resumed session recomputes identical
// descriptors without persisting them.
type Plan struct {
	fileSize  int64
	chunkSize int64
	total     int
}

// NewPlan validates the inputs and returns the layout.
// limits come from the remote store; zero fields are not enforced.
// A zero fileSize yields an empty plan, not an error.
func NewPlan(fileSize, chunkSize int64, limits storage.Limits) (*Plan, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", storage.ErrInvalidConfiguration, chunkSize)
	}
	if limits.MaxPartSize > 0 && chunkSize > limits.MaxPartSize {
		return nil, fmt.Errorf("%w: chunk size %d exceeds the store's maximum part size %d",
			storage.ErrInvalidConfiguration, chunkSize, limits.MaxPartSize)
	}
	if fileSize < 0 {
		return nil, fmt.Errorf("%w: negative file size %d", storage.ErrInvalidConfiguration, fileSize)
	}

	total64 := (fileSize + chunkSize - 1) / chunkSize
	if limits.MaxParts > 0 && total64 > int64(limits.MaxParts) {
		return nil, fmt.Errorf("%w: %d parts exceed the store's limit of %d (increase chunk size)",
			storage.ErrInvalidConfiguration, total64, limits.MaxParts)
	}
	// Only the last part may be smaller than the store minimum.
	if limits.MinPartSize > 0 && total64 > 1 && chunkSize < limits.MinPartSize {
		return nil, fmt.Errorf("%w: chunk size %d is below the store's minimum part size %d",
			storage.ErrInvalidConfiguration, chunkSize, limits.MinPartSize)
	}

	return &Plan{
		fileSize:  fileSize,
		chunkSize: chunkSize,
		total:     int(total64),
	}, nil
}

// FileSize returns the planned file size.
func (p *Plan) FileSize() int64 { return p.fileSize }

// ChunkSize returns the nominal chunk size.
func (p *Plan) ChunkSize() int64 { return p.chunkSize }

// TotalChunks returns the number of descriptors.
func (p *Plan) TotalChunks() int { return p.total }

// Empty reports the zero-length file path, where no chunks exist.
func (p *Plan) Empty() bool { return p.total == 0 }

// Descriptor computes the descriptor for a 1-based index.
func (p *Plan) Descriptor(index int) (Descriptor, error) {
	if index < 1 || index > p.total {
		return Descriptor{}, fmt.Errorf("chunk index %d out of range [1, %d]", index, p.total)
	}
	offset := int64(index-1) * p.chunkSize
	length := p.chunkSize
	if rest := p.fileSize - offset; rest < length {
		length = rest
	}
	return Descriptor{Index: index, Offset: offset, Length: length}, nil
}

// All yields every descriptor in index order. Each call restarts from index 1.
func (p *Plan) All() iter.Seq[Descriptor] {
	return func(yield func(Descriptor) bool) {
		for i := 1; i <= p.total; i++ {
			d, _ := p.Descriptor(i)
			if !yield(d) {
				return
			}
		}
	}
}

// Descriptors materializes the full sequence.
func (p *Plan) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, p.total)
	for d := range p.All() {
		out = append(out, d)
	}
	return out
}

// OptimalChunkSize picks a chunk size for totalSize spread over concurrency
// workers, clamped to [MinChunkSize, MaxChunkSize].
func OptimalChunkSize(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}
	cs := totalSize / int64(concurrency)

	// Reduce chunk size for very large chunks to improve parallelism
	if cs >= 100*1024*1024 {
		cs = cs / 2
	}

	if cs < constants.MinChunkSize {
		cs = constants.MinChunkSize
	}
	if cs > constants.MaxChunkSize {
		cs = constants.MaxChunkSize
	}
	return cs
}
