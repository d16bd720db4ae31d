package plfsio

// options.go implements engine configuration: a plain Options struct with
// a DefaultOptions() baseline, plus WithXxx(...) Option functions (the
// teacher's own trace.Writer functional-options pattern) for overriding
// individual fields without repeating the whole struct literal.

import (
	"github.com/chengbin001/plfsio/internal/block"
	"github.com/chengbin001/plfsio/internal/compression"
	"github.com/chengbin001/plfsio/internal/logging"
)

// Logger is an alias for the logging.Logger interface, so callers can
// supply their own implementation without importing the internal package.
type Logger = logging.Logger

// CompressionType is an alias for the per-block compression codec.
type CompressionType = compression.Type

// Compression type constants.
const (
	CompressionNone   = compression.NoCompression
	CompressionSnappy = compression.SnappyCompression
	CompressionZlib   = compression.ZlibCompression
	CompressionLZ4    = compression.LZ4Compression
	CompressionLZ4HC  = compression.LZ4HCCompression
	CompressionZstd   = compression.ZstdCompression
)

// FilterType selects the point-membership structure built alongside each
// block.
type FilterType int

const (
	// FilterNone disables the filter layer entirely.
	FilterNone FilterType = iota
	// FilterBloom builds a classic k-hash bloom block.
	FilterBloom
	// FilterBitmap builds the degenerate single-hash bitmap filter.
	FilterBitmap
	// FilterCuckoo builds a cuckoo block, optionally carrying a value
	// payload per key.
	FilterCuckoo
)

func (f FilterType) String() string {
	switch f {
	case FilterNone:
		return "NoFilter"
	case FilterBloom:
		return "Bloom"
	case FilterBitmap:
		return "Bitmap"
	case FilterCuckoo:
		return "Cuckoo"
	default:
		return "Unknown"
	}
}

// Comparator is an alias for the block package's key-ordering function.
type Comparator = block.Comparator

// Pool schedules compaction tasks. A nil Pool means inline (single
// threaded) compaction. *env.WorkerPool satisfies this interface; callers
// may also supply their own, e.g. to share one pool across writers.
type Pool interface {
	// Submit enqueues fn for execution and returns immediately, reporting
	// whether fn was accepted. A false return means the pool is saturated
	// or closed; the caller falls back to AllowEnvThreads or inline
	// execution rather than blocking. fn must not block indefinitely: the
	// writer's back-pressure depends on compactions eventually draining.
	Submit(fn func()) bool
}

// Options configures a Writer (and the Reader it produces readable logs
// for). The zero value is not valid; start from DefaultOptions.
type Options struct {
	// NumBuffers is N, the total number of MemBuffers (active + immutable
	// + free). Must be >= 2.
	NumBuffers int

	// TotalMemtableBudget is the upper bound, in bytes, on RAM across all
	// buffers; each buffer's capacity is TotalMemtableBudget / NumBuffers.
	TotalMemtableBudget int

	// MemtableUtil is the rotation threshold, as a fraction of one
	// buffer's capacity, at which Add triggers RotateBuffer.
	MemtableUtil float64

	// BlockSize is carried in Options but not consulted by the Writer:
	// each compacted buffer becomes exactly one data block, whatever its
	// size.
	BlockSize int

	// BlockPadding zero-pads blocks to a multiple of the physical write
	// size (the true length is recovered from the padding region itself).
	BlockPadding bool

	// PhysicalWriteSize is the write granularity blocks are padded to,
	// when BlockPadding is set.
	PhysicalWriteSize int

	// Filter selects the point-membership structure.
	Filter FilterType

	// BloomBitsPerKey controls the bloom filter's size/accuracy tradeoff.
	BloomBitsPerKey int

	// CuckooFrac is the cuckoo filter's target load factor; negative
	// means "exactly ceil(numKeys/4) buckets", ignoring load factor.
	CuckooFrac float64

	// CuckooMaxMoves bounds the eviction chain length before a cuckoo
	// insertion opens a fresh auxiliary table.
	CuckooMaxMoves int

	// CuckooBitsPerValue, when > 0, carries a small value alongside each
	// cuckoo fingerprint.
	CuckooBitsPerValue int

	// Compression is the per-block codec.
	Compression CompressionType

	// CompactionPool, when non-nil, executes compaction tasks. When nil
	// and AllowEnvThreads is false, compaction runs inline.
	CompactionPool Pool

	// AllowEnvThreads permits running a compaction on its own goroutine
	// when CompactionPool is nil or rejects the task.
	AllowEnvThreads bool

	// Comparator orders keys in sorted-mode blocks. Defaults to
	// byte-lexicographic order.
	Comparator Comparator

	// Logger receives structured diagnostic output. Defaults to a no-op
	// discard logger.
	Logger Logger
}

// Option configures an Options value on top of the baseline DefaultOptions
// returns. Grounded on the teacher's own functional-options usage
// (internal/trace/writer.go's WriterOption/WithMaxBytes), applied here to
// the one struct where the teacher otherwise prefers plain field
// assignment, since the per-field count (memtable sizing, filter tuning,
// compaction scheduling, comparator/logger overrides) is large enough
// that chaining named overrides onto a sane baseline reads better than a
// struct literal repeating every field.
type Option func(*Options)

// WithNumBuffers overrides the MemBuffer pool size (N >= 2).
func WithNumBuffers(n int) Option { return func(o *Options) { o.NumBuffers = n } }

// WithTotalMemtableBudget overrides the RAM budget shared across buffers.
func WithTotalMemtableBudget(bytes int) Option {
	return func(o *Options) { o.TotalMemtableBudget = bytes }
}

// WithMemtableUtil overrides the rotation threshold fraction.
func WithMemtableUtil(frac float64) Option { return func(o *Options) { o.MemtableUtil = frac } }

// WithBlockSize sets BlockSize, which the Writer does not consult.
func WithBlockSize(bytes int) Option { return func(o *Options) { o.BlockSize = bytes } }

// WithBlockPadding toggles padding blocks to a PhysicalWriteSize multiple.
func WithBlockPadding(enabled bool) Option { return func(o *Options) { o.BlockPadding = enabled } }

// WithPhysicalWriteSize overrides the write granularity padding aligns to.
func WithPhysicalWriteSize(bytes int) Option {
	return func(o *Options) { o.PhysicalWriteSize = bytes }
}

// WithFilter selects the point-membership structure.
func WithFilter(f FilterType) Option { return func(o *Options) { o.Filter = f } }

// WithBloomBitsPerKey overrides the bloom filter's size/accuracy tradeoff.
func WithBloomBitsPerKey(bits int) Option { return func(o *Options) { o.BloomBitsPerKey = bits } }

// WithCuckooFrac overrides the cuckoo filter's target load factor.
func WithCuckooFrac(frac float64) Option { return func(o *Options) { o.CuckooFrac = frac } }

// WithCuckooMaxMoves overrides the cuckoo eviction-chain length bound.
func WithCuckooMaxMoves(n int) Option { return func(o *Options) { o.CuckooMaxMoves = n } }

// WithCuckooBitsPerValue enables a per-key value payload in the cuckoo filter.
func WithCuckooBitsPerValue(bits int) Option {
	return func(o *Options) { o.CuckooBitsPerValue = bits }
}

// WithCompression overrides the per-block codec.
func WithCompression(c CompressionType) Option { return func(o *Options) { o.Compression = c } }

// WithCompactionPool routes compactions through pool instead of inline or
// AllowEnvThreads scheduling.
func WithCompactionPool(pool Pool) Option { return func(o *Options) { o.CompactionPool = pool } }

// WithAllowEnvThreads permits falling back to ad hoc goroutines per
// compaction when CompactionPool is nil.
func WithAllowEnvThreads(allow bool) Option { return func(o *Options) { o.AllowEnvThreads = allow } }

// WithComparator overrides sorted-mode key ordering.
func WithComparator(cmp Comparator) Option { return func(o *Options) { o.Comparator = cmp } }

// WithLogger overrides the diagnostic sink.
func WithLogger(logger Logger) Option { return func(o *Options) { o.Logger = logger } }

// DefaultOptions returns the option set described by the configuration
// table: 4 MiB total memtable budget, 97% rotation threshold, 32 KiB
// blocks, padding enabled, bloom filtering at 8 bits/key, no compression,
// inline compaction — then applies opts, in order, on top of that baseline.
func DefaultOptions(opts ...Option) *Options {
	o := &Options{
		NumBuffers:          2,
		TotalMemtableBudget: 4 << 20,
		MemtableUtil:        0.97,
		BlockSize:           32 << 10,
		BlockPadding:        true,
		PhysicalWriteSize:   4096,
		Filter:              FilterBloom,
		BloomBitsPerKey:     8,
		CuckooFrac:          0.95,
		CuckooMaxMoves:      500,
		CuckooBitsPerValue:  0,
		Compression:         CompressionNone,
		CompactionPool:      nil,
		AllowEnvThreads:     false,
		Comparator:          block.DefaultComparator,
		Logger:              logging.Discard,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
