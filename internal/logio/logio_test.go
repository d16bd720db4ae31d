package logio

import (
	"path/filepath"
	"testing"

	"github.com/chengbin001/plfsio/internal/env"
)

func TestSinkAppendAndSync(t *testing.T) {
	fs := env.Default()
	prefix := filepath.Join(t.TempDir(), "data")

	sink, err := Open(fs, prefix, SinkOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := sink.Append([]byte("hello ")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := sink.Append([]byte("world")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := sink.TellLogical(); got != 11 {
		t.Fatalf("TellLogical = %d, want 11", got)
	}
	if err := sink.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := sink.Close(true); err != nil {
		t.Fatalf("Close: %v", err)
	}

	src, err := OpenSource(fs, prefix, 0)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	defer src.Close()

	buf := make([]byte, 11)
	if _, err := src.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "hello world" {
		t.Fatalf("got %q, want %q", buf, "hello world")
	}
}

func TestSinkAppendAfterCloseFails(t *testing.T) {
	fs := env.Default()
	prefix := filepath.Join(t.TempDir(), "data")
	sink, err := Open(fs, prefix, SinkOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := sink.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Append([]byte("x")); err != ErrDisconnected {
		t.Fatalf("Append after close = %v, want ErrDisconnected", err)
	}
}

func TestSinkRotationContinuousLogicalOffset(t *testing.T) {
	fs := env.Default()
	prefix := filepath.Join(t.TempDir(), "data")
	sink, err := Open(fs, prefix, SinkOptions{AllowRotation: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := sink.Append([]byte("aaaa")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	beforeRotate := sink.TellLogical()

	for i := 0; i < 7; i++ {
		if err := sink.Rotate(false); err != nil {
			t.Fatalf("Rotate: %v", err)
		}
	}
	afterRotate := sink.TellLogical()
	if beforeRotate != afterRotate {
		t.Fatalf("logical offset changed across rotation: %d -> %d", beforeRotate, afterRotate)
	}

	if err := sink.Append([]byte("bbbb")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := sink.TellLogical(); got != 8 {
		t.Fatalf("TellLogical after rotation append = %d, want 8", got)
	}
	if err := sink.Close(true); err != nil {
		t.Fatalf("Close: %v", err)
	}

	src, err := OpenSource(fs, prefix, 7)
	if err != nil {
		t.Fatalf("open source across rotations: %v", err)
	}
	defer src.Close()

	if got := src.TotalSize(); got != 8 {
		t.Fatalf("TotalSize = %d, want 8", got)
	}
	buf := make([]byte, 8)
	if _, err := src.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt across rotations: %v", err)
	}
	if string(buf) != "aaaabbbb" {
		t.Fatalf("got %q, want %q", buf, "aaaabbbb")
	}
}

func TestSinkRotateWithoutAllowRotationFails(t *testing.T) {
	fs := env.Default()
	prefix := filepath.Join(t.TempDir(), "data")
	sink, err := Open(fs, prefix, SinkOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := sink.Rotate(false); err != ErrRotationDisabled {
		t.Fatalf("Rotate = %v, want ErrRotationDisabled", err)
	}
}

func TestSinkRefCounting(t *testing.T) {
	fs := env.Default()
	prefix := filepath.Join(t.TempDir(), "data")
	sink, err := Open(fs, prefix, SinkOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sink.Ref()
	if err := sink.Unref(); err != nil {
		t.Fatalf("first Unref: %v", err)
	}
	if err := sink.Append([]byte("x")); err != nil {
		t.Fatalf("sink should still be open after one of two refs dropped: %v", err)
	}
	if err := sink.Unref(); err != nil {
		t.Fatalf("second Unref: %v", err)
	}
	if err := sink.Append([]byte("x")); err != ErrDisconnected {
		t.Fatalf("Append after final Unref = %v, want ErrDisconnected", err)
	}
}
