// reader.go implements the point-lookup path: open the footer once, pull
// the filter and index streams into an owned buffer, then on Get walk the
// index pairwise, test the filter, and only read (and seek into) a data
// block on a filter hit.
package plfsio

import (
	"github.com/chengbin001/plfsio/internal/block"
	"github.com/chengbin001/plfsio/internal/encoding"
	"github.com/chengbin001/plfsio/internal/env"
	"github.com/chengbin001/plfsio/internal/filter"
	"github.com/chengbin001/plfsio/internal/logio"
)

// indexEntryWidth is the width of one (filter_end, data_end) pair: two
// little-endian uint64s.
const indexEntryWidth = 16

// Reader performs point lookups against a log written by a Writer with
// matching Options.
type Reader struct {
	opts      *Options
	blockMode block.Mode
	source    *logio.Source

	footer  block.Footer
	filters []byte // owned copy of the filter stream
	indexes []byte // owned copy of the index stream (n+1 entries, 16 bytes each)
}

// NewReader opens a log written under prefix for point lookups. opts must
// match (in filter type, block padding, and comparator) the Options the
// corresponding Writer was opened with — nothing in the on-disk format
// records those choices, so a mismatch silently misreads the log. The
// compression codec is read from each block's trailer.
func NewReader(fs env.FS, prefix string, opts *Options, mode block.Mode, numRotations int) (*Reader, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	source, err := logio.OpenSource(fs, prefix, numRotations)
	if err != nil {
		return nil, newError("NewReader", KindIoError, err)
	}

	total := source.TotalSize()
	if total < int64(block.FooterLength) {
		source.Close()
		return nil, newError("NewReader", KindCorruption, nil)
	}

	footerBuf := make([]byte, block.FooterLength)
	if _, err := source.ReadAt(footerBuf, total-int64(block.FooterLength)); err != nil {
		source.Close()
		return nil, newError("NewReader", KindIoError, err)
	}
	footer, err := block.DecodeFooter(footerBuf)
	if err != nil {
		source.Close()
		return nil, newError("NewReader", KindCorruption, err)
	}

	r := &Reader{opts: opts, blockMode: mode, source: source, footer: footer}

	if footer.FilterHandle.Size > 0 {
		r.filters = make([]byte, footer.FilterHandle.Size)
		if _, err := source.ReadAt(r.filters, int64(footer.FilterHandle.Offset)); err != nil {
			source.Close()
			return nil, newError("NewReader", KindIoError, err)
		}
	}

	r.indexes = make([]byte, footer.IndexHandle.Size)
	if _, err := source.ReadAt(r.indexes, int64(footer.IndexHandle.Offset)); err != nil {
		source.Close()
		return nil, newError("NewReader", KindIoError, err)
	}
	// Finish always appends a closing sentinel pair even for an empty log,
	// so the stream is never shorter than one entry; anything not an exact
	// multiple of the entry width is a truncated or corrupt write.
	if len(r.indexes) == 0 || len(r.indexes)%indexEntryWidth != 0 {
		source.Close()
		return nil, newError("NewReader", KindCorruption, nil)
	}

	return r, nil
}

// Close releases the underlying log rotations.
func (r *Reader) Close() error {
	return r.source.Close()
}

// Get looks up key, returning (value, true) on a hit or (nil, false) if
// the key is not present.
func (r *Reader) Get(key []byte) ([]byte, bool, error) {
	numBlocks := len(r.indexes)/indexEntryWidth - 1
	if numBlocks <= 0 {
		return nil, false, nil
	}

	prevFilterEnd, prevDataEnd := int64(0), int64(0)
	for i := 0; i < numBlocks; i++ {
		filterEnd, dataEnd := r.indexEntry(i)

		if r.filterMayContain(key, prevFilterEnd, filterEnd) {
			value, found, err := r.scanBlock(key, prevDataEnd, dataEnd)
			if err != nil {
				return nil, false, err
			}
			if found {
				return value, true, nil
			}
		}

		prevFilterEnd, prevDataEnd = filterEnd, dataEnd
	}
	return nil, false, nil
}

func (r *Reader) indexEntry(i int) (filterEnd, dataEnd int64) {
	off := i * indexEntryWidth
	filterEnd = int64(encoding.DecodeFixed64(r.indexes[off : off+8]))
	dataEnd = int64(encoding.DecodeFixed64(r.indexes[off+8 : off+16]))
	return
}

func (r *Reader) filterMayContain(key []byte, start, end int64) bool {
	if r.opts.Filter == FilterNone {
		return true
	}
	if end <= start || end > int64(len(r.filters)) {
		return true // no stripe recorded (disabled for this block): fall through to the data
	}
	blob := r.filters[start:end]

	switch r.opts.Filter {
	case FilterBloom:
		fr := filter.NewBloomFilterReader(blob)
		return fr.MayContain(key)
	case FilterBitmap:
		numBits := len(blob) * 8
		fr := filter.NewBitmapFilterReader(blob, numBits)
		return fr.MayContain(key)
	case FilterCuckoo:
		fr := filter.NewCuckooFilterReader(blob)
		if fr == nil {
			return true // malformed stripe: fall through rather than panic
		}
		return fr.MayContain(key)
	default:
		return true
	}
}

func (r *Reader) scanBlock(key []byte, start, end int64) ([]byte, bool, error) {
	if end <= start {
		return nil, false, nil
	}
	raw := make([]byte, end-start)
	if _, err := r.source.ReadAt(raw, start); err != nil {
		return nil, false, newError("Get", KindIoError, err)
	}

	blk, err := block.Parse(r.blockMode, raw, r.opts.BlockPadding)
	if err != nil {
		return nil, false, newError("Get", KindCorruption, err)
	}

	// FixedKV blocks carry no sort guarantee across a buffer's arrival
	// order, so lookups use a full linear scan rather than a seek that
	// assumes monotonic keys; Sorted mode still gets the cheap
	// restart-point-assisted seek.
	it := blk.NewIterator(r.opts.Comparator)
	if r.blockMode == block.Sorted {
		it.Seek(key)
		if it.Valid() && bytesEqual(it.Key(), key) {
			return append([]byte(nil), it.Value()...), true, nil
		}
		return nil, false, it.Error()
	}

	for it.SeekToFirst(); it.Valid(); it.Next() {
		if bytesEqual(it.Key(), key) {
			return append([]byte(nil), it.Value()...), true, nil
		}
	}
	return nil, false, it.Error()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
