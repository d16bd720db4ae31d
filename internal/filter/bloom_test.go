package filter

import (
	"fmt"
	"testing"
)

func TestBloomFilterBasic(t *testing.T) {
	b := NewBloomFilterBuilder(10)
	present := make([][]byte, 0, 1000)
	for i := range 1000 {
		k := []byte(fmt.Sprintf("key-%06d", i))
		present = append(present, k)
		b.AddKey(k)
	}
	data := b.Finish()

	r := NewBloomFilterReader(data)
	if r == nil {
		t.Fatal("reader is nil for non-empty filter")
	}
	for _, k := range present {
		if !r.MayContain(k) {
			t.Fatalf("filter reports false negative for %q", k)
		}
	}

	falsePositives := 0
	for i := range 10000 {
		k := []byte(fmt.Sprintf("absent-%06d", i))
		if r.MayContain(k) {
			falsePositives++
		}
	}
	if rate := float64(falsePositives) / 10000; rate > 0.02 {
		t.Fatalf("false positive rate too high: %f", rate)
	}
}

func TestBloomFilterEmpty(t *testing.T) {
	b := NewBloomFilterBuilder(10)
	data := b.Finish()
	if len(data) != BloomMetadataLen {
		t.Fatalf("expected %d bytes for empty filter, got %d", BloomMetadataLen, len(data))
	}

	r := NewBloomFilterReader(data)
	if r.MayContain([]byte("anything")) {
		t.Fatal("empty filter must never report a match")
	}
}

func TestBloomFilterBlobLayout(t *testing.T) {
	b := NewBloomFilterBuilder(10)
	for i := range 100 {
		b.AddKey([]byte(fmt.Sprintf("k%d", i)))
	}
	data := b.Finish()

	if (len(data)-BloomMetadataLen)%CacheLineSize != 0 {
		t.Fatalf("filter bits region %d is not a multiple of the cache line size", len(data)-BloomMetadataLen)
	}
	numProbes := data[len(data)-1]
	if numProbes == 0 {
		t.Fatal("non-empty filter must record a nonzero num_hashes byte")
	}
}

func TestBloomFilterResetReuse(t *testing.T) {
	b := NewBloomFilterBuilder(10)
	b.AddKey([]byte("a"))
	b.Reset()
	if b.NumKeys() != 0 {
		t.Fatalf("expected 0 keys after reset, got %d", b.NumKeys())
	}
	b.AddKey([]byte("b"))
	data := b.Finish()
	r := NewBloomFilterReader(data)
	if !r.MayContain([]byte("b")) {
		t.Fatal("filter should contain key added after reset")
	}
}

func TestBloomFilterReaderTooShort(t *testing.T) {
	if r := NewBloomFilterReader(nil); r != nil {
		t.Fatal("expected nil reader for empty blob")
	}
}
