package filter

import (
	"github.com/chengbin001/plfsio/internal/checksum"
	"github.com/chengbin001/plfsio/internal/encoding"
)

const (
	// cuckooSlotsPerBucket is the fixed bucket width: 4 fingerprint slots.
	cuckooSlotsPerBucket = 4

	// defaultCuckooMaxMoves bounds the eviction chase within one table
	// before the builder opens a fresh auxiliary table and retries there.
	defaultCuckooMaxMoves = 500
)

type cuckooSlot struct {
	fingerprint uint32
	value       uint32
	used        bool
}

type cuckooTable struct {
	buckets [][cuckooSlotsPerBucket]cuckooSlot
}

// CuckooFilterBuilder builds a cuckoo filter: one or more fixed-capacity
// bucket tables of b-bit fingerprints, optionally paired with a v-bit
// value per slot. A key that exhausts its eviction chase in the current
// table causes a new table to open and the insertion to retry there, so
// add_key never fails; finish emits the whole sequence of tables.
type CuckooFilterBuilder struct {
	bitsPerFingerprint int
	bitsPerValue       int
	bucketCount        uint32
	maxMoves           int

	tables []*cuckooTable
	count  int
}

// NewCuckooFilterBuilder creates a builder sized for numKeys keys.
// cuckooFrac is the target load factor (bucket_count derives from
// ceil(numKeys/4/cuckooFrac) rounded up to the next power of two); a
// negative cuckooFrac instead sizes exactly ceil(numKeys/4) rounded up,
// ignoring load factor.
func NewCuckooFilterBuilder(numKeys, bitsPerFingerprint, bitsPerValue int, cuckooFrac float64, maxMoves int) *CuckooFilterBuilder {
	if bitsPerFingerprint < 1 {
		bitsPerFingerprint = 1
	}
	if bitsPerFingerprint > 32 {
		bitsPerFingerprint = 32
	}
	if bitsPerValue < 0 {
		bitsPerValue = 0
	}
	if numKeys < 1 {
		numKeys = 1
	}
	if maxMoves < 1 {
		maxMoves = defaultCuckooMaxMoves
	}

	var rawBuckets float64
	if cuckooFrac > 0 {
		rawBuckets = float64(numKeys) / 4 / cuckooFrac
	} else {
		rawBuckets = float64(numKeys) / 4
	}
	bucketCount := nextPowerOfTwo(uint32(ceilFloat(rawBuckets)))
	if bucketCount < 1 {
		bucketCount = 1
	}

	b := &CuckooFilterBuilder{
		bitsPerFingerprint: bitsPerFingerprint,
		bitsPerValue:       bitsPerValue,
		bucketCount:        bucketCount,
		maxMoves:           maxMoves,
	}
	b.tables = append(b.tables, b.newTable())
	return b
}

func (b *CuckooFilterBuilder) newTable() *cuckooTable {
	return &cuckooTable{buckets: make([][cuckooSlotsPerBucket]cuckooSlot, b.bucketCount)}
}

// Add inserts a key, optionally carrying a value (ignored when
// bitsPerValue is 0). Insertion never fails.
func (b *CuckooFilterBuilder) Add(key []byte, value uint32) {
	b.count++
	fp, i1 := b.fingerprintAndIndex(key)
	i2 := b.altIndex(i1, fp)

	for _, t := range b.tables {
		if t.insertAt(i1, fp, value) || t.insertAt(i2, fp, value) {
			return
		}
	}

	// Every existing table is full at both candidate buckets for this key;
	// chase evictions in the most recent table, opening fresh tables as
	// the chase exhausts until the key lands. The entry left without a
	// slot when a chase exhausts carries over into the fresh table.
	entry, bucket := cuckooSlot{fingerprint: fp, value: value, used: true}, i2
	for {
		t := b.tables[len(b.tables)-1]
		var ok bool
		if entry, bucket, ok = t.evictInsert(entry, bucket, b.maxMoves); ok {
			return
		}
		b.tables = append(b.tables, b.newTable())
	}
}

func (t *cuckooTable) insertAt(bucket uint32, fp, value uint32) bool {
	for slot := range cuckooSlotsPerBucket {
		if !t.buckets[bucket][slot].used {
			t.buckets[bucket][slot] = cuckooSlot{fingerprint: fp, value: value, used: true}
			return true
		}
	}
	return false
}

// evictInsert runs the kick chase starting from bucket, returning false if
// maxMoves is exhausted without finding a free slot, together with the
// entry then left without a slot and the bucket it was moving to.
func (t *cuckooTable) evictInsert(entry cuckooSlot, bucket uint32, maxMoves int) (cuckooSlot, uint32, bool) {
	idx := bucket
	for range maxMoves {
		slot := int(entry.fingerprint) % cuckooSlotsPerBucket
		evicted := t.buckets[idx][slot]
		t.buckets[idx][slot] = entry
		if !evicted.used {
			return cuckooSlot{}, 0, true
		}
		entry = evicted
		idx = altIndexFor(idx, entry.fingerprint, uint32(len(t.buckets)))
	}
	return entry, idx, false
}

func (b *CuckooFilterBuilder) fingerprintAndIndex(key []byte) (uint32, uint32) {
	h := checksum.XXH3_64bits(key)
	fpMask := uint32(1)<<b.bitsPerFingerprint - 1
	fp := uint32(h) & fpMask
	if fp == 0 {
		fp = 1 // fingerprint 0 is reserved to mean "empty slot"
	}
	idx := uint32(h>>32) % b.bucketCount
	return fp, idx
}

func (b *CuckooFilterBuilder) altIndex(index, fp uint32) uint32 {
	return altIndexFor(index, fp, b.bucketCount)
}

// altIndexFor computes the partner bucket via the standard
// index XOR hash(fingerprint) construction, which is reversible: applying
// it twice returns the original index.
func altIndexFor(index, fp, bucketCount uint32) uint32 {
	h := checksum.XXH3_64bits([]byte{byte(fp), byte(fp >> 8), byte(fp >> 16), byte(fp >> 24)})
	return (index ^ uint32(h)) % bucketCount
}

// NumTables returns the number of tables finish would emit.
func (b *CuckooFilterBuilder) NumTables() int {
	return len(b.tables)
}

// cuckooVariantTag identifies this builder's slot layout to a reader.
const cuckooVariantTag = byte(1)

// Finish serializes the filter into its on-disk blob: the concatenated
// tables followed by the fixed metadata suffix.
func (b *CuckooFilterBuilder) Finish() []byte {
	entryBytes := cuckooEntryByteSize(b.bitsPerFingerprint, b.bitsPerValue)
	slotsPerTable := int(b.bucketCount) * cuckooSlotsPerBucket

	out := make([]byte, 0, len(b.tables)*slotsPerTable*entryBytes+14)
	for _, t := range b.tables {
		for bucket := range b.bucketCount {
			for slot := range cuckooSlotsPerBucket {
				out = appendCuckooSlot(out, t.buckets[bucket][slot], b.bitsPerFingerprint, entryBytes)
			}
		}
	}

	out = encoding.AppendFixed32(out, uint32(len(b.tables)))
	out = encoding.AppendFixed32(out, b.bucketCount)
	out = append(out, byte(b.bitsPerFingerprint), byte(b.bitsPerValue), cuckooVariantTag)
	return out
}

// CuckooFilterReader reads a cuckoo filter blob for membership and
// (optionally) value lookups.
type CuckooFilterReader struct {
	numTables          uint32
	bucketCount        uint32
	bitsPerFingerprint int
	bitsPerValue       int
	entryBytes         int
	tables             []byte // numTables concatenated tables
}

// NewCuckooFilterReader parses a blob produced by CuckooFilterBuilder.Finish.
func NewCuckooFilterReader(data []byte) *CuckooFilterReader {
	const suffixLen = 4 + 4 + 1 + 1 + 1
	if len(data) < suffixLen {
		return nil
	}
	suffix := data[len(data)-suffixLen:]
	numTables := encoding.DecodeFixed32(suffix[0:])
	bucketCount := encoding.DecodeFixed32(suffix[4:])
	bitsPerFingerprint := int(suffix[8])
	bitsPerValue := int(suffix[9])
	if suffix[10] != cuckooVariantTag {
		return nil
	}

	entryBytes := cuckooEntryByteSize(bitsPerFingerprint, bitsPerValue)
	tablesLen := int(numTables) * int(bucketCount) * cuckooSlotsPerBucket * entryBytes
	tables := data[:len(data)-suffixLen]
	if len(tables) != tablesLen {
		return nil
	}

	return &CuckooFilterReader{
		numTables:          numTables,
		bucketCount:        bucketCount,
		bitsPerFingerprint: bitsPerFingerprint,
		bitsPerValue:       bitsPerValue,
		entryBytes:         entryBytes,
		tables:             tables,
	}
}

// MayContain reports whether key may have been added to the filter.
func (r *CuckooFilterReader) MayContain(key []byte) bool {
	_, ok := r.lookup(key)
	return ok
}

// Value returns a value associated with key, if the filter carries values
// and a matching fingerprint is present. Because fingerprint matches are
// probabilistic, treat the result as a candidate, not a unique answer —
// other keys may share the same fingerprint.
func (r *CuckooFilterReader) Value(key []byte) (uint32, bool) {
	return r.lookup(key)
}

func (r *CuckooFilterReader) lookup(key []byte) (uint32, bool) {
	if r == nil || r.bucketCount == 0 {
		return 0, false
	}
	h := checksum.XXH3_64bits(key)
	fpMask := uint32(1)<<r.bitsPerFingerprint - 1
	fp := uint32(h) & fpMask
	if fp == 0 {
		fp = 1
	}
	i1 := uint32(h>>32) % r.bucketCount
	i2 := altIndexFor(i1, fp, r.bucketCount)

	tableStride := int(r.bucketCount) * cuckooSlotsPerBucket * r.entryBytes
	for t := range r.numTables {
		table := r.tables[int(t)*tableStride : (int(t)+1)*tableStride]
		if v, ok := scanBucket(table, i1, fp, r.bitsPerFingerprint, r.entryBytes); ok {
			return v, true
		}
		if v, ok := scanBucket(table, i2, fp, r.bitsPerFingerprint, r.entryBytes); ok {
			return v, true
		}
	}
	return 0, false
}

func scanBucket(table []byte, bucket, fp uint32, bitsPerFingerprint, entryBytes int) (uint32, bool) {
	base := int(bucket) * cuckooSlotsPerBucket * entryBytes
	for slot := range cuckooSlotsPerBucket {
		off := base + slot*entryBytes
		entryFP, value, used := decodeCuckooSlot(table[off:off+entryBytes], bitsPerFingerprint)
		if used && entryFP == fp {
			return value, true
		}
	}
	return 0, false
}

// cuckooEntryByteSize returns the byte-aligned size of one (fingerprint,
// value) slot. Slots are byte-aligned rather than bit-packed across slot
// boundaries, trading some space for straightforward random access.
func cuckooEntryByteSize(bitsPerFingerprint, bitsPerValue int) int {
	return (bitsPerFingerprint + bitsPerValue + 7) / 8
}

func appendCuckooSlot(out []byte, s cuckooSlot, bitsPerFingerprint, entryBytes int) []byte {
	var packed uint64
	if s.used {
		packed = uint64(s.fingerprint) | uint64(s.value)<<bitsPerFingerprint
	}
	buf := make([]byte, entryBytes)
	for i := range entryBytes {
		buf[i] = byte(packed >> (8 * i))
	}
	return append(out, buf...)
}

func decodeCuckooSlot(buf []byte, bitsPerFingerprint int) (fp uint32, value uint32, used bool) {
	var packed uint64
	for i := len(buf) - 1; i >= 0; i-- {
		packed = packed<<8 | uint64(buf[i])
	}
	fpMask := uint64(1)<<bitsPerFingerprint - 1
	fp = uint32(packed & fpMask)
	value = uint32(packed >> bitsPerFingerprint)
	used = fp != 0
	return fp, value, used
}

func nextPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}

func ceilFloat(f float64) int {
	i := int(f)
	if float64(i) < f {
		i++
	}
	return i
}

