package logio

import (
	"fmt"

	"github.com/chengbin001/plfsio/internal/env"
)

// rotation is one physical file backing a logical byte range.
type rotation struct {
	file       env.RandomAccessFile
	size       int64
	logicalOff int64 // offset of this rotation's first byte in the logical stream
}

// Source serves positional reads over a logical byte stream that may
// span multiple rotated physical files (<prefix>.dat, <prefix>.dat.1, …
// <prefix>.dat.<numRotations>), presenting one continuous logical address
// space just as the Sink that wrote them did.
type Source struct {
	rotations []rotation
	totalSize int64
}

// OpenSource enumerates prefix's physical files from rotation 0 through
// numRotations (inclusive) and opens each for random access, stitching
// them into one logical address space in rotation order.
func OpenSource(fs env.FS, prefix string, numRotations int) (*Source, error) {
	if numRotations < 0 {
		numRotations = 0
	}
	src := &Source{rotations: make([]rotation, 0, numRotations+1)}

	var logicalOff int64
	for idx := 0; idx <= numRotations; idx++ {
		name := fileName(prefix, idx)
		f, err := fs.OpenRandomAccess(name)
		if err != nil {
			if idx == 0 {
				return nil, fmt.Errorf("logio: open source: %w", err)
			}
			break
		}
		size := f.Size()
		src.rotations = append(src.rotations, rotation{file: f, size: size, logicalOff: logicalOff})
		logicalOff += size
	}
	src.totalSize = logicalOff
	return src, nil
}

// TotalSize returns the sum of sizes of all physical files backing this
// source — the full extent of the logical address space.
func (s *Source) TotalSize() int64 {
	return s.totalSize
}

// findRotation returns the index into s.rotations whose logical range
// contains off, the last rotation if off equals the total size, or -1 if
// off is out of range.
func (s *Source) findRotation(off int64) int {
	for i, r := range s.rotations {
		if off >= r.logicalOff && off < r.logicalOff+r.size {
			return i
		}
	}
	if off == s.totalSize && len(s.rotations) > 0 {
		return len(s.rotations) - 1
	}
	return -1
}

// ReadAt reads len(p) bytes starting at logical offset off. A read may
// not span a rotation boundary with a single physical file; a request
// that crosses one is assembled transparently from the rotations it touches.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		idx := s.findRotation(off + int64(total))
		if idx < 0 {
			return total, fmt.Errorf("logio: read past end of source at offset %d", off+int64(total))
		}
		r := s.rotations[idx]
		localOff := off + int64(total) - r.logicalOff
		chunk := p[total:]
		if avail := r.size - localOff; int64(len(chunk)) > avail {
			chunk = chunk[:avail]
		}
		n, err := r.file.ReadAt(chunk, localOff)
		total += n
		if err != nil {
			return total, fmt.Errorf("logio: read: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// Close releases every physical file backing the source.
func (s *Source) Close() error {
	var firstErr error
	for _, r := range s.rotations {
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
