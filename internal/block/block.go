package block

import (
	"github.com/chengbin001/plfsio/internal/checksum"
	"github.com/chengbin001/plfsio/internal/compression"
	"github.com/chengbin001/plfsio/internal/encoding"
)

// Comparator orders keys. The zero value is not usable; use
// DefaultComparator for byte-lexicographic order.
type Comparator func(a, b []byte) int

// DefaultComparator compares byte slices lexicographically.
func DefaultComparator(a, b []byte) int {
	return bytesCompare(a, b)
}

// Block is a parsed, decompressed, checksum-verified block ready for iteration.
type Block struct {
	mode     Mode
	data     []byte // entries region, decompressed and with padding stripped
	restarts int     // offset of the restart array within data (Sorted mode only)
	numRestarts int
}

// Parse validates the trailer of raw (on-disk, still compressed/padded)
// block bytes, decompresses the payload, and returns a Block ready for
// iteration. padded must match the BlockPadding option the block was
// written with.
func Parse(mode Mode, raw []byte, padded bool) (*Block, error) {
	if len(raw) < TrailerSize {
		return nil, ErrBadBlock
	}
	trailerOffset := len(raw) - TrailerSize
	compressionByte := raw[trailerOffset]
	wantCRC := encoding.DecodeFixed32(raw[trailerOffset+1:])

	gotCRC := checksum.ComputeCRC32CChecksumWithLastByte(raw[:trailerOffset], compressionByte)
	if gotCRC != wantCRC {
		return nil, ErrChecksumMismatch
	}

	compressed := raw[:trailerOffset]
	compressionType := compression.Type(compressionByte)

	if padded && compressionType == compression.NoCompression && len(compressed) >= 4 {
		trueLen := encoding.DecodeFixed32(compressed[len(compressed)-4:])
		// A corrupt or foreign trueLen could exceed the buffer; guard it.
		if int(trueLen) <= len(compressed) {
			compressed = compressed[:trueLen]
		}
	}

	payload, err := compression.Decompress(compressionType, compressed)
	if err != nil {
		return nil, err
	}

	b := &Block{mode: mode, data: payload}
	if mode == Sorted {
		if len(payload) < 4 {
			return nil, ErrBadBlock
		}
		numRestarts := int(encoding.DecodeFixed32(payload[len(payload)-4:]))
		restartsSize := (numRestarts + 1) * 4
		if numRestarts <= 0 || restartsSize > len(payload) {
			return nil, ErrBadBlock
		}
		b.restarts = len(payload) - restartsSize
		b.numRestarts = numRestarts
	} else {
		b.restarts = len(payload)
	}
	return b, nil
}

// Size returns the size of the decoded entries region (excludes trailer/padding).
func (b *Block) Size() int { return len(b.data) }

func (b *Block) getRestartPoint(i int) int {
	offset := b.restarts + i*4
	return int(encoding.DecodeFixed32(b.data[offset:]))
}

// Iterator walks the entries of a Block in storage order (Sorted mode) or
// insertion order (FixedKV mode).
type Iterator struct {
	block      *Block
	cmp        Comparator
	current    int
	nextOffset int
	key        []byte
	value      []byte
	valid      bool
	err        error
}

// NewIterator creates an iterator over b; a nil cmp means DefaultComparator.
// In Sorted mode Seek uses cmp for its ordered search; in FixedKV mode Seek
// falls back to a full linear scan, since entries are not guaranteed sorted,
// and uses cmp only to test each key for equality with the target.
func (b *Block) NewIterator(cmp Comparator) *Iterator {
	if cmp == nil {
		cmp = DefaultComparator
	}
	return &Iterator{block: b, cmp: cmp}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid && it.err == nil }

// Key returns the current entry's key.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current entry's value.
func (it *Iterator) Value() []byte { return it.value }

// Error returns any parse error encountered while iterating.
func (it *Iterator) Error() error { return it.err }

// SeekToFirst positions the iterator at the first entry.
func (it *Iterator) SeekToFirst() {
	it.key = it.key[:0]
	it.value = nil
	it.valid = false
	it.current = 0
	it.nextOffset = 0
	it.Next()
}

// Next advances to the next entry.
func (it *Iterator) Next() {
	if it.err != nil {
		it.valid = false
		return
	}
	if it.nextOffset >= it.block.restarts {
		it.valid = false
		return
	}
	it.current = it.nextOffset
	it.parseCurrentEntry()
}

func (it *Iterator) parseCurrentEntry() {
	if it.block.mode == Sorted {
		it.parseSortedEntry()
	} else {
		it.parseFixedKVEntry()
	}
}

func (it *Iterator) parseSortedEntry() {
	data := it.block.data[it.current:]

	shared, n1, err := encoding.DecodeVarint32(data)
	if err != nil {
		it.err = ErrBadBlock
		it.valid = false
		return
	}
	data = data[n1:]

	unshared, n2, err := encoding.DecodeVarint32(data)
	if err != nil {
		it.err = ErrBadBlock
		it.valid = false
		return
	}
	data = data[n2:]

	valueLen, n3, err := encoding.DecodeVarint32(data)
	if err != nil {
		it.err = ErrBadBlock
		it.valid = false
		return
	}
	data = data[n3:]

	if int(shared) > len(it.key) || len(data) < int(unshared)+int(valueLen) {
		it.err = ErrBadBlock
		it.valid = false
		return
	}

	it.key = append(it.key[:shared], data[:unshared]...)
	data = data[unshared:]
	it.value = data[:valueLen]

	consumed := n1 + n2 + n3 + int(unshared) + int(valueLen)
	it.nextOffset = it.current + consumed
	it.valid = true
}

func (it *Iterator) parseFixedKVEntry() {
	data := it.block.data[it.current:]

	keyLen, n1, err := encoding.DecodeVarint32(data)
	if err != nil {
		it.err = ErrBadBlock
		it.valid = false
		return
	}
	data = data[n1:]

	valueLen, n2, err := encoding.DecodeVarint32(data)
	if err != nil {
		it.err = ErrBadBlock
		it.valid = false
		return
	}
	data = data[n2:]

	if len(data) < int(keyLen)+int(valueLen) {
		it.err = ErrBadBlock
		it.valid = false
		return
	}

	it.key = data[:keyLen]
	data = data[keyLen:]
	it.value = data[:valueLen]

	consumed := n1 + n2 + int(keyLen) + int(valueLen)
	it.nextOffset = it.current + consumed
	it.valid = true
}

func (it *Iterator) seekToRestartPoint(index int) {
	it.key = it.key[:0]
	it.value = nil
	it.valid = false
	offset := max(it.block.getRestartPoint(index), 0)
	it.current = offset
	it.nextOffset = offset
}

// Seek positions the iterator at the first entry whose key compares >=
// target. In Sorted mode this binary-searches restart points, then scans
// linearly. In FixedKV mode, entries are not guaranteed ordered so Seek
// performs a full linear scan from the start for an exact match.
func (it *Iterator) Seek(target []byte) {
	if it.block.mode != Sorted {
		it.seekLinear(target)
		return
	}

	left, right := 0, it.block.numRestarts-1
	for left < right {
		mid := (left + right + 1) / 2
		it.seekToRestartPoint(mid)
		it.Next()
		if !it.Valid() || it.cmp(it.key, target) > 0 {
			right = mid - 1
		} else {
			left = mid
		}
	}

	it.seekToRestartPoint(left)
	for {
		it.Next()
		if !it.Valid() {
			return
		}
		if it.cmp(it.key, target) >= 0 {
			return
		}
	}
}

// seekLinear scans every entry looking for an exact key match, used for
// FixedKV blocks where insertion order carries no ordering guarantee.
func (it *Iterator) seekLinear(target []byte) {
	it.SeekToFirst()
	for it.Valid() {
		if it.cmp(it.key, target) == 0 {
			return
		}
		it.Next()
	}
}
