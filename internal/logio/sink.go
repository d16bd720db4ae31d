// Package logio implements the append-only log stream abstraction that
// sits beneath the writer and reader: LogSink hides physical-file
// rotation and optional write buffering behind a logical offset that only
// ever increases, and LogSource serves positional reads across however
// many rotated physical files a prefix has accumulated.
package logio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chengbin001/plfsio/internal/env"
)

var (
	// ErrDisconnected is returned by Append/Sync/Rotate after Close.
	ErrDisconnected = errors.New("logio: sink is disconnected")

	// ErrRotationDisabled is returned by Rotate when the sink was opened
	// without rotation enabled.
	ErrRotationDisabled = errors.New("logio: rotation not enabled")
)

// SinkOptions configures Open.
type SinkOptions struct {
	// AllowRotation enables Rotate. When false, Rotate always fails.
	AllowRotation bool

	// MaxBufferBytes, when > 0, wraps the physical file in a write buffer
	// that batches small Appends before they reach the filesystem.
	MaxBufferBytes int
}

// Sink is an append-only, reference-counted, optionally rotatable byte
// stream. The logical offset reported by TellLogical is stable across
// rotations; only the physical offset within the current file resets.
type Sink struct {
	mu sync.Mutex

	fs      env.FS
	prefix  string
	opts    SinkOptions
	refs    int
	closed  bool
	closeErr error

	file         env.WritableFile
	buf          []byte
	logicalOff   int64
	physicalOff  int64
	rotationIdx  int
}

// fileName returns the physical file name for the given rotation index.
// Index 0 names the base file (<prefix>.dat); index > 0 appends .<idx>.
func fileName(prefix string, idx int) string {
	if idx == 0 {
		return prefix + ".dat"
	}
	return fmt.Sprintf("%s.dat.%d", prefix, idx)
}

// Open creates (or truncates) the first physical file for prefix and
// returns a Sink with one reference held.
func Open(fs env.FS, prefix string, opts SinkOptions) (*Sink, error) {
	f, err := fs.Create(fileName(prefix, 0))
	if err != nil {
		return nil, fmt.Errorf("logio: create sink: %w", err)
	}
	s := &Sink{
		fs:     fs,
		prefix: prefix,
		opts:   opts,
		refs:   1,
		file:   f,
	}
	if opts.MaxBufferBytes > 0 {
		s.buf = make([]byte, 0, opts.MaxBufferBytes)
	}
	return s, nil
}

// Ref increments the reference count; the sink is destroyed when the
// count returns to zero via Unref. Data and index writers typically share
// one Sink this way rather than each owning a private file handle.
func (s *Sink) Ref() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

// Unref decrements the reference count and, if it reaches zero, closes
// the sink (without a final sync) and returns any error from that close.
func (s *Sink) Unref() error {
	s.mu.Lock()
	s.refs--
	if s.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.Close(false)
}

// Append writes data to the sink, advancing the logical offset by
// len(data). Appends may be buffered; data is not guaranteed durable
// until Sync.
func (s *Sink) Append(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisconnected
	}

	if s.buf != nil {
		s.buf = append(s.buf, data...)
		s.logicalOff += int64(len(data))
		s.physicalOff += int64(len(data))
		if len(s.buf) >= cap(s.buf) {
			return s.flushLocked()
		}
		return nil
	}

	if err := s.file.Append(data); err != nil {
		return fmt.Errorf("logio: append: %w", err)
	}
	s.logicalOff += int64(len(data))
	s.physicalOff += int64(len(data))
	return nil
}

func (s *Sink) flushLocked() error {
	if len(s.buf) == 0 {
		return nil
	}
	if err := s.file.Append(s.buf); err != nil {
		return fmt.Errorf("logio: flush buffer: %w", err)
	}
	s.buf = s.buf[:0]
	return nil
}

// Sync forces buffered bytes to the physical file and then issues a
// device-level sync.
func (s *Sink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisconnected
	}
	if err := s.flushLocked(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("logio: sync: %w", err)
	}
	return nil
}

// Rotate closes the current physical file (syncing first if requested)
// and redirects subsequent appends to the next rotation of the prefix.
// The logical offset is unaffected; the physical offset resets to zero.
func (s *Sink) Rotate(sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisconnected
	}
	if !s.opts.AllowRotation {
		return ErrRotationDisabled
	}

	if err := s.flushLocked(); err != nil {
		return err
	}
	if sync {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("logio: rotate sync: %w", err)
		}
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("logio: rotate close: %w", err)
	}

	s.rotationIdx++
	f, err := s.fs.Create(fileName(s.prefix, s.rotationIdx))
	if err != nil {
		return fmt.Errorf("logio: rotate create: %w", err)
	}
	s.file = f
	s.physicalOff = 0
	return nil
}

// Close transitions the sink to a disconnected state; subsequent
// Append/Sync fail with ErrDisconnected. Idempotent after the first call.
func (s *Sink) Close(sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closeErr
	}
	s.closed = true

	if err := s.flushLocked(); err != nil {
		s.closeErr = err
	}
	if sync && s.closeErr == nil {
		if err := s.file.Sync(); err != nil {
			s.closeErr = fmt.Errorf("logio: close sync: %w", err)
		}
	}
	if err := s.file.Close(); err != nil && s.closeErr == nil {
		s.closeErr = fmt.Errorf("logio: close: %w", err)
	}
	return s.closeErr
}

// TellLogical returns the stable logical offset, unaffected by rotation.
func (s *Sink) TellLogical() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logicalOff
}

// TellPhysical returns the offset within the current physical file.
func (s *Sink) TellPhysical() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.physicalOff
}
