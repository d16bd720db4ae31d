package filter

import (
	"fmt"
	"testing"
)

func TestBitmapFilterBasic(t *testing.T) {
	b := NewBitmapFilterBuilder(8192)
	keys := make([][]byte, 0, 500)
	for i := range 500 {
		k := []byte(fmt.Sprintf("bitmap-%04d", i))
		keys = append(keys, k)
		b.AddKey(k)
	}
	data := b.Finish()

	r := NewBitmapFilterReader(data, 8192)
	for _, k := range keys {
		if !r.MayContain(k) {
			t.Fatalf("false negative for %q", k)
		}
	}
}

func TestBitmapFilterResetClears(t *testing.T) {
	b := NewBitmapFilterBuilder(1024)
	b.AddKey([]byte("x"))
	b.Reset()
	data := b.Finish()
	for _, by := range data {
		if by != 0 {
			t.Fatal("expected all-zero bitmap after reset")
		}
	}
}

func TestBitmapFilterReaderRejectsShortBlob(t *testing.T) {
	if r := NewBitmapFilterReader([]byte{0}, 100); r != nil {
		t.Fatal("expected nil reader for undersized blob")
	}
}
