package devils

import (
	"bytes"
	"strings"
	"testing"
)

func TestRangeCoderRoundTrip(t *testing.T) {
	// Inputs too short for the coder to shrink are declined, never expanded.
	for _, in := range [][]byte{[]byte("a"), []byte("hello, world")} {
		if _, ok := NewRangeCoder().Compress([][]byte{in}, 1<<20); ok {
			t.Errorf("Compress should decline input of length %d it cannot shrink", len(in))
		}
	}
	cases := [][]byte{
		bytes.Repeat([]byte{0}, 256),
		bytes.Repeat([]byte("abcabcabc"), 200),
		[]byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 50)),
	}
	c := NewRangeCoder()
	for _, in := range cases {
		out, ok := c.Compress([][]byte{in}, 1<<20)
		if !ok {
			t.Fatalf("Compress declined for input of length %d", len(in))
		}
		back, err := c.Decompress(out, 1<<20)
		if err != nil {
			t.Fatalf("Decompress error: %v", err)
		}
		if !bytes.Equal(back, in) {
			t.Errorf("round trip mismatch for input length %d", len(in))
		}
	}
}

func TestRangeCoderCompressAcrossMultipleBuffers(t *testing.T) {
	c := NewRangeCoder()
	buffers := [][]byte{[]byte(strings.Repeat("header--", 16)), []byte(strings.Repeat("payload-goes-here", 16))}
	out, ok := c.Compress(buffers, 1<<20)
	if !ok {
		t.Fatal("Compress declined")
	}
	back, err := c.Decompress(out, 1<<20)
	if err != nil {
		t.Fatalf("Decompress error: %v", err)
	}
	want := append(append([]byte{}, buffers[0]...), buffers[1]...)
	if !bytes.Equal(back, want) {
		t.Errorf("got %q, want %q", back, want)
	}
}

func TestRangeCoderRejectsOversizedOutput(t *testing.T) {
	c := NewRangeCoder()
	in := []byte("x")
	if _, ok := c.Compress([][]byte{in}, 0); ok {
		t.Error("Compress should decline when the result exceeds limit")
	}
}

func TestRangeCoderDecompressRejectsTruncatedHeader(t *testing.T) {
	c := NewRangeCoder()
	if _, err := c.Decompress([]byte{1, 2}, 1<<20); err == nil {
		t.Error("expected an error decompressing a too-short buffer")
	}
}

func TestRangeCoderEmptyInputDeclines(t *testing.T) {
	c := NewRangeCoder()
	if _, ok := c.Compress(nil, 1<<20); ok {
		t.Error("Compress should decline on empty input")
	}
}
