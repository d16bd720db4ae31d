// Package block implements the on-disk block format for plfsio logs: a
// length-prefixed, restart-indexed key-value block (sorted, leveldb-style)
// or an unordered sequence of length-prefixed entries (fixed-kv), each
// terminated by a compression-type byte and a masked CRC32C checksum.
package block

import (
	"errors"

	"github.com/chengbin001/plfsio/internal/encoding"
)

// MaxVarint64Length is the maximum length of a varint64 encoding.
const MaxVarint64Length = 10

var (
	// ErrBadBlockHandle is returned when a block handle is corrupted.
	ErrBadBlockHandle = errors.New("block: bad block handle")

	// ErrBadBlockFooter is returned when a footer fails to decode.
	ErrBadBlockFooter = errors.New("block: bad footer")

	// ErrBadBlock is returned when a block's trailer or contents are corrupted.
	ErrBadBlock = errors.New("block: corrupted block")

	// ErrChecksumMismatch is returned when a block's CRC does not match its payload.
	ErrChecksumMismatch = errors.New("block: checksum mismatch")

	// ErrOutOfOrder is returned when Add is called with a key that does not
	// sort after the previously added key, in sorted mode.
	ErrOutOfOrder = errors.New("block: key out of order")
)

// Handle is a pointer to an extent of a file: an offset and a size.
type Handle struct {
	Offset uint64
	Size   uint64
}

// NullHandle is a block handle with offset=0 and size=0, representing "no block".
var NullHandle = Handle{Offset: 0, Size: 0}

// MaxEncodedLength is the maximum encoding length of a Handle: two varint64s.
const MaxEncodedLength = 2 * MaxVarint64Length

// IsNull returns true if this is a null block handle.
func (h Handle) IsNull() bool {
	return h.Offset == 0 && h.Size == 0
}

// EncodeTo appends the varint64-encoded handle to dst.
func (h Handle) EncodeTo(dst []byte) []byte {
	dst = encoding.AppendVarint64(dst, h.Offset)
	dst = encoding.AppendVarint64(dst, h.Size)
	return dst
}

// EncodeToSlice encodes the handle into a new slice.
func (h Handle) EncodeToSlice() []byte {
	return h.EncodeTo(nil)
}

// EncodedLength returns the encoded length of this handle.
func (h Handle) EncodedLength() int {
	return encoding.VarintLength(h.Offset) + encoding.VarintLength(h.Size)
}

// DecodeHandle decodes a block handle from data and returns the remaining bytes.
func DecodeHandle(data []byte) (Handle, []byte, error) {
	var h Handle

	offset, n1, err := encoding.DecodeVarint64(data)
	if err != nil {
		return Handle{}, nil, ErrBadBlockHandle
	}
	h.Offset = offset
	data = data[n1:]

	size, n2, err := encoding.DecodeVarint64(data)
	if err != nil {
		return Handle{}, nil, ErrBadBlockHandle
	}
	h.Size = size
	data = data[n2:]

	return h, data, nil
}

// DecodeHandleFrom decodes a block handle from data without returning remaining bytes.
func DecodeHandleFrom(data []byte) (Handle, error) {
	h, _, err := DecodeHandle(data)
	return h, err
}
