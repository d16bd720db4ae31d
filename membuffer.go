package plfsio

// record is one buffered (key, value) pair, copied into the buffer's own
// storage so the caller's slices may be reused immediately after Add.
type record struct {
	key   []byte
	value []byte
}

// memBuffer is an in-memory accumulator of records. Exactly one buffer is
// active (accepts Add) at any instant; the rest are immutable (queued for
// or undergoing compaction) or free.
type memBuffer struct {
	records []record
	size    int // approximate bytes: sum of len(key)+len(value)
}

func newMemBuffer(capacityHint int) *memBuffer {
	return &memBuffer{records: make([]record, 0, capacityHint/32)}
}

func (b *memBuffer) add(key, value []byte) {
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	b.records = append(b.records, record{key: k, value: v})
	b.size += len(k) + len(v)
}

func (b *memBuffer) empty() bool {
	return len(b.records) == 0
}

func (b *memBuffer) reset() {
	b.records = b.records[:0]
	b.size = 0
}
