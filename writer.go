// writer.go implements the double-buffered write path: a bounded pool of
// MemBuffers rotated under a mutex, with compaction (block + filter build,
// then the in-order append to the log) released from that mutex and
// serialized only by a ticket barrier. This is the concurrency core: the
// buffer-rotation decision is cheap and synchronous, but the expensive
// serialize-and-append work for different buffers can run in parallel,
// with only the commit point itself kept in ticket order.
//
// Style grounded on the teacher's background compaction loop
// (db/background.go), which pairs a sync.Mutex with a sync.Cond
// (pauseCond) to coordinate a pool of compaction workers against shared
// state; the ticket-ordered commit barrier here generalizes that pattern
// to a fixed log-append order instead of a free-form compaction picker.
package plfsio

import (
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/chengbin001/plfsio/internal/block"
	"github.com/chengbin001/plfsio/internal/encoding"
	"github.com/chengbin001/plfsio/internal/env"
	"github.com/chengbin001/plfsio/internal/filter"
	"github.com/chengbin001/plfsio/internal/logging"
	"github.com/chengbin001/plfsio/internal/logio"
)

type ticketedBuffer struct {
	ticket uint32
	buf    *memBuffer
}

// Writer is a double-buffered, log-structured directory writer: Add
// accumulates into the active MemBuffer, RotateBuffer hands it off to a
// background (or inline) compaction, and Finish drains every outstanding
// compaction before emitting the filter stream, the index stream, and the
// footer.
type Writer struct {
	opts      *Options
	sink      *logio.Sink
	lock      io.Closer
	log       Logger
	blockMode block.Mode
	bufCap    int

	mu   sync.Mutex
	cond *sync.Cond

	free      []*memBuffer
	immutable []ticketedBuffer
	active    *memBuffer

	numBgCompactions    int
	nextTicket          uint32
	lastCommittedTicket uint32

	bgStatus error
	finished bool

	// filterStream and indexStripe are mutated only by whichever
	// compaction currently holds the commit ticket (last_committed+1);
	// see runCompactionLocked for the happens-before argument that makes
	// this safe without holding mu across the mutation.
	filterStream []byte
	indexStripe  []byte
	dataOffset   int64
}

// NewWriter opens a new log under prefix on fs and returns a Writer
// configured by opts. mode selects the on-disk block packing: Sorted
// records are reordered by opts.Comparator before each block is built;
// FixedKV records keep arrival order and cost a linear scan on lookup.
func NewWriter(fs env.FS, prefix string, opts *Options, mode block.Mode) (*Writer, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.NumBuffers < 2 {
		opts.NumBuffers = 2
	}
	// A prefix is meant to have exactly one live Writer; the lock file
	// turns a second concurrent Writer on the same prefix into an
	// immediate open error instead of two goroutines silently
	// interleaving appends into the same log.
	lock, err := fs.Lock(prefix + ".lock")
	if err != nil {
		return nil, newError("NewWriter", KindIoError, err)
	}

	sink, err := logio.Open(fs, prefix, logio.SinkOptions{})
	if err != nil {
		_ = lock.Close()
		return nil, newError("NewWriter", KindIoError, err)
	}

	bufCap := opts.TotalMemtableBudget / opts.NumBuffers
	w := &Writer{
		opts:      opts,
		sink:      sink,
		lock:      lock,
		log:       logging.OrDefault(opts.Logger),
		blockMode: mode,
		bufCap:    bufCap,
		active:    newMemBuffer(bufCap),
	}
	for i := 1; i < opts.NumBuffers; i++ {
		w.free = append(w.free, newMemBuffer(bufCap))
	}
	w.cond = sync.NewCond(&w.mu)

	// Wire Fatalf, for conditions the writer considers unrecoverable
	// bookkeeping corruption rather than an ordinary I/O failure, to the
	// same sticky background-error state an I/O failure sets. Only
	// *logging.DefaultLogger exposes a settable handler; a caller-supplied
	// Logger implementation is responsible for its own Fatalf wiring.
	if dl, ok := w.log.(*logging.DefaultLogger); ok {
		dl.SetFatalHandler(func(msg string) {
			w.mu.Lock()
			if w.bgStatus == nil {
				w.bgStatus = fmt.Errorf("%w: %s", logging.ErrFatal, msg)
			}
			w.mu.Unlock()
			w.cond.Broadcast()
		})
	}
	return w, nil
}

func (w *Writer) logger() Logger {
	return w.log
}

// Add buffers one (key, value) pair, triggering RotateBuffer if the
// active buffer has crossed the rotation threshold.
func (w *Writer) Add(key, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.bgStatus != nil {
		return newError("Add", KindIoError, w.bgStatus)
	}
	if w.finished {
		return newError("Add", KindDisconnected, nil)
	}

	w.active.add(key, value)
	threshold := int(float64(w.bufCap) * w.opts.MemtableUtil)
	if w.active.size >= threshold {
		return w.rotateBufferLocked()
	}
	return nil
}

// rotateBufferLocked assigns the active buffer a ticket, schedules its
// compaction, and swaps in a free buffer, blocking (releasing mu via the
// condition variable) if none is available. Caller must hold mu.
func (w *Writer) rotateBufferLocked() error {
	for len(w.free) == 0 && w.bgStatus == nil {
		w.cond.Wait()
	}
	if w.bgStatus != nil {
		return newError("RotateBuffer", KindIoError, w.bgStatus)
	}
	if w.active.empty() {
		return nil
	}

	w.nextTicket++
	ticket := w.nextTicket
	buf := w.active

	w.free, w.active = w.free[:len(w.free)-1], w.free[len(w.free)-1]
	w.numBgCompactions++
	w.immutable = append(w.immutable, ticketedBuffer{ticket: ticket, buf: buf})

	w.logger().Debugf("%sticket %d assigned, %d bytes", logging.NSWriter, ticket, buf.size)
	w.scheduleCompactionLocked(ticket, buf)
	return nil
}

// scheduleCompactionLocked dispatches the compaction for (ticket, buf) per
// the configured concurrency mode. Caller holds mu on entry; for the
// inline path it is still held on return (runCompactionLocked preserves
// that contract), for the pooled/threaded paths the task reacquires mu
// itself once it actually runs.
func (w *Writer) scheduleCompactionLocked(ticket uint32, buf *memBuffer) {
	task := func() {
		w.mu.Lock()
		w.runCompactionLocked(ticket, buf)
		w.mu.Unlock()
	}
	if w.opts.CompactionPool != nil && w.opts.CompactionPool.Submit(task) {
		return
	}
	if w.opts.AllowEnvThreads {
		go task()
		return
	}
	w.runCompactionLocked(ticket, buf)
}

// runCompactionLocked executes one compaction: it assumes mu is held on
// entry and restores that invariant on exit, but releases mu for the
// expensive block/filter build (pure CPU, no shared state) and again for
// the log append (I/O). The append window is unprotected by mu but is
// still exclusive in practice: a compaction only reaches it after
// blocking on the ticket barrier until every earlier ticket has advanced
// last_committed_ticket, and no other goroutine touches filterStream,
// indexStripe or dataOffset until it does the same. The Lock/Unlock pairs
// bracketing the barrier wait establish the happens-before edges that
// make this handoff race-free despite mu being unheld during the append.
func (w *Writer) runCompactionLocked(ticket uint32, buf *memBuffer) {
	w.mu.Unlock()
	blockBytes, filterBytes, buildErr := w.buildBlockAndFilter(buf)
	w.mu.Lock()

	for w.lastCommittedTicket+1 != ticket {
		w.cond.Wait()
	}
	w.mu.Unlock()

	var stepErr error
	if buildErr != nil {
		stepErr = buildErr
	} else {
		filterEnd := int64(len(w.filterStream)) + int64(len(filterBytes))
		dataEnd := w.dataOffset + int64(len(blockBytes))

		w.filterStream = append(w.filterStream, filterBytes...)
		w.indexStripe = encoding.AppendFixed64(w.indexStripe, uint64(filterEnd))
		w.indexStripe = encoding.AppendFixed64(w.indexStripe, uint64(dataEnd))

		if len(blockBytes) > 0 {
			if err := w.sink.Append(blockBytes); err != nil {
				stepErr = err
			} else if got := w.sink.TellLogical(); got != dataEnd {
				// The sink's own logical offset disagreeing with our
				// running dataEnd tally means the index stripe being
				// built no longer matches the bytes actually on disk —
				// not a retryable I/O failure but a bookkeeping
				// invariant violation, so it latches bgStatus via
				// Fatalf rather than an ordinary Errorf.
				w.logger().Fatalf("%sticket %d: dataOffset invariant violated: tracked %d, sink reports %d", logging.NSCompact, ticket, dataEnd, got)
				stepErr = fmt.Errorf("%w: dataOffset invariant violated", logging.ErrFatal)
			} else {
				w.dataOffset = dataEnd
			}
		}
	}

	w.mu.Lock()
	if stepErr != nil {
		if w.bgStatus == nil {
			w.bgStatus = stepErr
		}
		w.logger().Errorf("%sticket %d failed: %v", logging.NSCompact, ticket, stepErr)
	} else {
		w.logger().Debugf("%sticket %d committed", logging.NSCompact, ticket)
	}
	w.lastCommittedTicket = ticket
	buf.reset()
	w.free = append(w.free, buf)
	w.numBgCompactions--
	w.cond.Broadcast()
}

// buildBlockAndFilter serializes buf into one data block and, if
// filtering is enabled, one filter blob. It touches no Writer state
// protected by mu and may run concurrently with other buffers' builds.
func (w *Writer) buildBlockAndFilter(buf *memBuffer) ([]byte, []byte, error) {
	if buf.empty() {
		return nil, nil, nil
	}

	records := buf.records
	if w.blockMode == block.Sorted {
		records = append([]record(nil), records...)
		sortRecords(records, w.opts.Comparator)
	}

	builder := block.NewBuilder(w.blockMode, block.DefaultRestartInterval, w.opts.Comparator)
	for _, r := range records {
		if err := builder.Add(r.key, r.value); err != nil {
			return nil, nil, err
		}
	}
	blockBytes, err := builder.Finish(w.opts.Compression, w.opts.BlockPadding, w.opts.PhysicalWriteSize)
	if err != nil {
		return nil, nil, err
	}

	filterBytes, err := w.buildFilter(records)
	if err != nil {
		return nil, nil, err
	}
	return blockBytes, filterBytes, nil
}

func (w *Writer) buildFilter(records []record) ([]byte, error) {
	switch w.opts.Filter {
	case FilterNone:
		return nil, nil
	case FilterBloom:
		fb := filter.NewBloomFilterBuilder(w.opts.BloomBitsPerKey)
		for _, r := range records {
			fb.AddKey(r.key)
		}
		return fb.Finish(), nil
	case FilterBitmap:
		numBits := (len(records)*8 + 7) &^ 7
		if numBits < 8 {
			numBits = 8
		}
		fb := filter.NewBitmapFilterBuilder(numBits)
		for _, r := range records {
			fb.AddKey(r.key)
		}
		return fb.Finish(), nil
	case FilterCuckoo:
		bitsPerFingerprint := 8
		fb := filter.NewCuckooFilterBuilder(len(records), bitsPerFingerprint, w.opts.CuckooBitsPerValue, w.opts.CuckooFrac, w.opts.CuckooMaxMoves)
		for _, r := range records {
			fb.Add(r.key, 0)
		}
		return fb.Finish(), nil
	default:
		return nil, nil
	}
}

func sortRecords(records []record, cmp Comparator) {
	if cmp == nil {
		cmp = block.DefaultComparator
	}
	slices.SortFunc(records, func(a, b record) int { return cmp(a.key, b.key) })
}

// Flush rotates the active buffer, if non-empty, so its contents begin
// compaction immediately rather than waiting for the threshold.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bgStatus != nil {
		return newError("Flush", KindIoError, w.bgStatus)
	}
	if w.finished {
		return newError("Flush", KindDisconnected, nil)
	}
	if w.active.empty() {
		return nil
	}
	return w.rotateBufferLocked()
}

// Wait blocks until every scheduled compaction has committed.
func (w *Writer) Wait() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numBgCompactions > 0 && w.bgStatus == nil {
		w.cond.Wait()
	}
	if w.bgStatus != nil {
		return newError("Wait", KindIoError, w.bgStatus)
	}
	return nil
}

// Sync flushes buffered bytes in the underlying log to stable storage,
// after waiting for in-flight compactions to commit their appends.
func (w *Writer) Sync() error {
	if err := w.Wait(); err != nil {
		return err
	}
	if err := w.sink.Sync(); err != nil {
		return newError("Sync", KindIoError, err)
	}
	return nil
}

// Finish rotates any remaining active buffer, drains all compactions,
// appends the filter stream, the index stream (with its sentinel entry),
// and the footer, then closes the log. A second call does nothing and
// returns a KindDisconnected error.
func (w *Writer) Finish() error {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return newError("Finish", KindDisconnected, nil)
	}
	if w.bgStatus == nil && !w.active.empty() {
		if err := w.rotateBufferLocked(); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	for w.numBgCompactions > 0 && w.bgStatus == nil {
		w.cond.Wait()
	}
	bgErr := w.bgStatus
	w.finished = true
	filterStream := w.filterStream
	indexStripe := w.indexStripe
	w.mu.Unlock()
	defer func() { _ = w.lock.Close() }()

	if bgErr != nil {
		_ = w.sink.Close(false)
		return newError("Finish", KindIoError, bgErr)
	}

	// Sentinel entry: the final (filter_end, data_end) pair closes the
	// last block's span even when it was never followed by another one.
	indexStripe = encoding.AppendFixed64(indexStripe, uint64(len(filterStream)))
	indexStripe = encoding.AppendFixed64(indexStripe, uint64(w.dataOffset))

	var filterHandle, indexHandle block.Handle
	if len(filterStream) > 0 {
		off := w.sink.TellLogical()
		if err := w.sink.Append(filterStream); err != nil {
			_ = w.sink.Close(false)
			return newError("Finish", KindIoError, err)
		}
		filterHandle = block.Handle{Offset: uint64(off), Size: uint64(len(filterStream))}
	}

	indexOff := w.sink.TellLogical()
	if err := w.sink.Append(indexStripe); err != nil {
		_ = w.sink.Close(false)
		return newError("Finish", KindIoError, err)
	}
	indexHandle = block.Handle{Offset: uint64(indexOff), Size: uint64(len(indexStripe))}

	footer := block.Footer{FilterHandle: filterHandle, IndexHandle: indexHandle}
	if err := w.sink.Append(footer.EncodeTo()); err != nil {
		_ = w.sink.Close(false)
		return newError("Finish", KindIoError, err)
	}

	if err := w.sink.Close(true); err != nil {
		return newError("Finish", KindIoError, err)
	}
	w.logger().Infof("%sfinished: %d index bytes, %d filter bytes", logging.NSWriter, len(indexStripe), len(filterStream))
	return nil
}
