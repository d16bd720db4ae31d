// footer.go implements the fixed-size footer written at the tail of every
// plfsio log: two block handles (filter stream, then index stream) packed
// into 2*MaxEncodedLength bytes with zero padding.
package block

// FooterLength is the fixed size of the footer: two varint64-pair handles
// written back to back, then zero-padded to twice the maximum handle
// length so the footer offset is predictable without scanning.
const FooterLength = 2 * MaxEncodedLength

// Footer locates the filter stream and the index stream at the tail of a log.
type Footer struct {
	// FilterHandle addresses the filter stream (concatenated filter stripes).
	FilterHandle Handle

	// IndexHandle addresses the index stream (the (filter_end, data_end) pairs).
	IndexHandle Handle
}

// EncodeTo encodes the footer into a fixed FooterLength-byte buffer,
// zero-padding unused trailing bytes.
func (f Footer) EncodeTo() []byte {
	buf := make([]byte, 0, FooterLength)
	buf = f.FilterHandle.EncodeTo(buf)
	buf = f.IndexHandle.EncodeTo(buf)
	if len(buf) < FooterLength {
		buf = append(buf, make([]byte, FooterLength-len(buf))...)
	}
	return buf
}

// DecodeFooter decodes a footer from its fixed-size on-disk representation.
func DecodeFooter(data []byte) (Footer, error) {
	if len(data) < FooterLength {
		return Footer{}, ErrBadBlockFooter
	}
	filterHandle, rest, err := DecodeHandle(data)
	if err != nil {
		return Footer{}, ErrBadBlockFooter
	}
	indexHandle, _, err := DecodeHandle(rest)
	if err != nil {
		return Footer{}, ErrBadBlockFooter
	}
	return Footer{FilterHandle: filterHandle, IndexHandle: indexHandle}, nil
}
