// builder.go implements block building: entries are packed either with
// leveldb-style prefix compression and a restart-point index (sorted mode),
// or as a plain sequence of length-prefixed records (fixed-kv mode).
// Finish applies optional compression, an optional padding footer, and the
// 5-byte trailer (compression type + masked CRC32C) that every block ends
// with on disk.
package block

import (
	"github.com/chengbin001/plfsio/internal/checksum"
	"github.com/chengbin001/plfsio/internal/compression"
	"github.com/chengbin001/plfsio/internal/encoding"
)

// Mode selects how a Builder packs its entries.
type Mode int

const (
	// Sorted requires keys added via Add to be strictly increasing, and
	// packs them with shared-prefix compression and a restart-point array
	// so a reader can binary-search before scanning linearly.
	Sorted Mode = iota

	// FixedKV admits keys in any order. Entries are simply
	// length-prefixed (key_len, value_len, key, value) with no restart
	// array; a reader must scan linearly.
	FixedKV
)

// TrailerSize is the size of the trailer appended by Finish:
// 1 byte compression type + 4 bytes masked CRC32C (little-endian).
const TrailerSize = 5

// DefaultRestartInterval is the number of entries between restart points
// in Sorted mode.
const DefaultRestartInterval = 16

// Builder accumulates records and serializes them into one block.
type Builder struct {
	mode            Mode
	cmp             Comparator
	buffer          []byte
	restarts        []uint32 // only used in Sorted mode
	counter         int
	restartInterval int
	lastKey         []byte
	hasLastKey      bool
	finished        bool
}

// NewBuilder creates a Builder in the given mode. restartInterval is only
// meaningful in Sorted mode; pass DefaultRestartInterval unless the caller
// has a specific reason to deviate. cmp orders keys for Sorted mode's
// monotonicity check and must be the same comparator the reader's
// Iterator is opened with; pass nil (or DefaultComparator) for
// byte-lexicographic order.
func NewBuilder(mode Mode, restartInterval int, cmp Comparator) *Builder {
	if restartInterval < 1 {
		restartInterval = 1
	}
	if cmp == nil {
		cmp = DefaultComparator
	}
	b := &Builder{
		mode:            mode,
		cmp:             cmp,
		buffer:          make([]byte, 0, 4096),
		restartInterval: restartInterval,
	}
	if mode == Sorted {
		b.restarts = []uint32{0}
	}
	return b
}

// Reset returns the builder to an empty state for reuse.
func (b *Builder) Reset() {
	b.buffer = b.buffer[:0]
	if b.mode == Sorted {
		b.restarts = b.restarts[:1]
		b.restarts[0] = 0
	}
	b.counter = 0
	b.lastKey = b.lastKey[:0]
	b.hasLastKey = false
	b.finished = false
}

// Empty returns true if no entries have been added since construction or Reset.
func (b *Builder) Empty() bool {
	return len(b.buffer) == 0
}

// Add appends one record. In Sorted mode, key must compare greater than the
// previously added key; ErrOutOfOrder is returned otherwise.
func (b *Builder) Add(key, value []byte) error {
	if b.mode == Sorted {
		return b.addSorted(key, value)
	}
	return b.addFixedKV(key, value)
}

func (b *Builder) addSorted(key, value []byte) error {
	if b.hasLastKey && b.cmp(key, b.lastKey) <= 0 {
		return ErrOutOfOrder
	}

	shared := 0
	if b.counter < b.restartInterval {
		shared = sharedPrefixLength(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buffer)))
		b.counter = 0
	}
	unshared := len(key) - shared

	b.buffer = encoding.AppendVarint32(b.buffer, uint32(shared))
	b.buffer = encoding.AppendVarint32(b.buffer, uint32(unshared))
	b.buffer = encoding.AppendVarint32(b.buffer, uint32(len(value)))
	b.buffer = append(b.buffer, key[shared:]...)
	b.buffer = append(b.buffer, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.hasLastKey = true
	b.counter++
	return nil
}

func (b *Builder) addFixedKV(key, value []byte) error {
	b.buffer = encoding.AppendVarint32(b.buffer, uint32(len(key)))
	b.buffer = encoding.AppendVarint32(b.buffer, uint32(len(value)))
	b.buffer = append(b.buffer, key...)
	b.buffer = append(b.buffer, value...)
	return nil
}

// CurrentSizeEstimate returns an estimate of the block's size if finished now.
func (b *Builder) CurrentSizeEstimate() int {
	n := len(b.buffer)
	if b.mode == Sorted {
		n += len(b.restarts)*4 + 4
	}
	return n + TrailerSize
}

// Finish serializes the accumulated entries (appending the restart array in
// Sorted mode), compresses the result, optionally pads it to a multiple of
// physicalWriteSize, and appends the compression-type+CRC32C trailer.
//
// Padding is only honored when compression is compression.NoCompression:
// compressed streams are not reliably self-terminating in the presence of
// trailing zero bytes, so padding with an active codec is skipped (the
// caller should disable padding when using compression, or accept the
// slightly-short write).
func (b *Builder) Finish(compressionType compression.Type, padding bool, physicalWriteSize int) ([]byte, error) {
	payload := b.buffer
	if b.mode == Sorted {
		payload = append(payload, make([]byte, 0)...)
		for _, r := range b.restarts {
			payload = encoding.AppendFixed32(payload, r)
		}
		payload = encoding.AppendFixed32(payload, uint32(len(b.restarts)))
	}

	compressed, err := compression.Compress(compressionType, payload)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(compressed)+TrailerSize+physicalWriteSize)
	out = append(out, compressed...)

	// Padding zero-extends the block to a multiple of physicalWriteSize.
	// Because the trailer must always sit at the physical end, the true
	// (unpadded) length is recorded in the last 4 bytes of the padded
	// region itself, so a reader configured with BlockPadding can recover
	// it without a separate side table. Only meaningful with
	// NoCompression: compressed streams are not reliably self-terminating
	// in the presence of trailing zero bytes.
	if padding && compressionType == compression.NoCompression && physicalWriteSize > 0 {
		trueLen := uint32(len(out))
		padLen := physicalWriteSize - ((len(out) + TrailerSize) % physicalWriteSize)
		if padLen < 4 {
			padLen += physicalWriteSize
		}
		pad := make([]byte, padLen)
		encoding.EncodeFixed32(pad[padLen-4:], trueLen)
		out = append(out, pad...)
	}

	out = append(out, byte(compressionType))
	crc := checksum.ComputeCRC32CChecksumWithLastByte(out[:len(out)-1], byte(compressionType))
	out = encoding.AppendFixed32(out, crc)

	b.finished = true
	return out, nil
}

func sharedPrefixLength(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func bytesCompare(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
