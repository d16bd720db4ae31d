package filter

import (
	"fmt"
	"testing"
)

func TestCuckooFilterBasic(t *testing.T) {
	b := NewCuckooFilterBuilder(1000, 12, 0, 0.95, 500)
	keys := make([][]byte, 0, 1000)
	for i := range 1000 {
		k := []byte(fmt.Sprintf("cuckoo-key-%06d", i))
		keys = append(keys, k)
		b.Add(k, 0)
	}
	data := b.Finish()

	r := NewCuckooFilterReader(data)
	if r == nil {
		t.Fatal("reader is nil")
	}
	for _, k := range keys {
		if !r.MayContain(k) {
			t.Fatalf("false negative for %q", k)
		}
	}
}

func TestCuckooFilterValuePayload(t *testing.T) {
	b := NewCuckooFilterBuilder(100, 16, 8, 0.95, 500)
	for i := range 100 {
		b.Add([]byte(fmt.Sprintf("v-%03d", i)), uint32(i))
	}
	data := b.Finish()

	r := NewCuckooFilterReader(data)
	for i := range 100 {
		v, ok := r.Value([]byte(fmt.Sprintf("v-%03d", i)))
		if !ok {
			t.Fatalf("missing value for key %d", i)
		}
		if v != uint32(i) {
			t.Fatalf("value mismatch for key %d: got %d", i, v)
		}
	}
}

func TestCuckooFilterAuxiliaryTableOnOverload(t *testing.T) {
	// Exact sizing (negative cuckooFrac) for 4096 keys, mirroring the
	// concrete end-to-end scenario: finish() must produce a blob whose
	// num_tables may exceed 1, and every inserted key must still match.
	const numKeys = 4096
	b := NewCuckooFilterBuilder(numKeys, 8, 0, -1, 500)
	keys := make([][]byte, 0, numKeys)
	for i := range numKeys {
		k := []byte(fmt.Sprintf("overload-%04d", i))
		keys = append(keys, k)
		b.Add(k, 0)
	}
	data := b.Finish()

	r := NewCuckooFilterReader(data)
	if r == nil {
		t.Fatal("reader is nil")
	}
	for _, k := range keys {
		if !r.MayContain(k) {
			t.Fatalf("false negative for %q despite auxiliary tables", k)
		}
	}

	disjointMatches := 0
	for i := range numKeys {
		k := []byte(fmt.Sprintf("disjoint-%04d", i))
		if r.MayContain(k) {
			disjointMatches++
		}
	}
	if rate := float64(disjointMatches) / numKeys; rate > 0.01 {
		t.Fatalf("false positive rate too high against disjoint sample: %f", rate)
	}
}

func TestCuckooFilterReaderRejectsTruncated(t *testing.T) {
	if r := NewCuckooFilterReader([]byte{1}); r != nil {
		t.Fatal("expected nil reader for truncated blob")
	}
}
