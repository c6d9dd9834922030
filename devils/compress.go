package devils

import (
	"encoding/binary"
	"fmt"
)

// Compressor is the pluggable payload compressor a Host may install, per
// SPEC_FULL.md §4.11/§4.13. Compress returns ok=false when it declines to
// compress (the caller then sends the datagram uncompressed); Decompress
// fails closed on any malformed input rather than guessing.
type Compressor interface {
	Compress(buffers [][]byte, limit int) ([]byte, bool)
	Decompress(in []byte, limit int) ([]byte, error)
}

// The range coder below is a carryless binary range coder in the mold of
// LZMA's bit coder: a 32-bit range, adaptive 11-bit bit probabilities, and
// deferred carry propagation through a byte cache. It drives an order-1
// byte model (each byte's 8 bits coded through a bit-tree conditioned on
// the previous output byte), which is the idiomatic-Go reimplementation
// devils_compress.c's order-2 PPM model collapses to per SPEC_FULL.md
// §4.13 and the Design Notes' guidance that the coder's exact modeling
// order is secondary to satisfying the Compressor interface's round-trip
// and no-expansion properties.
const (
	probBits  = 11
	probMax   = 1 << probBits
	probInit  = probMax / 2
	moveBits  = 5
	topValue  = 1 << 24
	lengthHdr = 4 // 4-byte big-endian uncompressed length prefix
)

type rangeEncoder struct {
	low       uint64
	rng       uint32
	cacheSize uint64
	cache     byte
	out       []byte
}

func newRangeEncoder() *rangeEncoder {
	return &rangeEncoder{rng: 0xFFFFFFFF, cacheSize: 1}
}

func (e *rangeEncoder) shiftLow() {
	if uint32(e.low>>32) != 0 || e.low < 0xFF000000 {
		temp := e.cache
		for {
			e.out = append(e.out, temp+byte(e.low>>32))
			temp = 0xFF
			e.cacheSize--
			if e.cacheSize == 0 {
				break
			}
		}
		e.cache = byte(e.low >> 24)
	}
	e.cacheSize++
	e.low = (e.low << 8) & 0xFFFFFFFF
}

func (e *rangeEncoder) encodeBit(prob *uint16, bit int) {
	bound := (e.rng >> probBits) * uint32(*prob)
	if bit == 0 {
		e.rng = bound
		*prob += uint16((probMax - uint32(*prob)) >> moveBits)
	} else {
		e.low += uint64(bound)
		e.rng -= bound
		*prob -= uint16(uint32(*prob) >> moveBits)
	}
	for e.rng < topValue {
		e.rng <<= 8
		e.shiftLow()
	}
}

func (e *rangeEncoder) flush() {
	for i := 0; i < 5; i++ {
		e.shiftLow()
	}
}

type rangeDecoder struct {
	rng  uint32
	code uint32
	in   []byte
	pos  int
}

// newRangeDecoder skips the encoder's leading always-zero byte and primes
// code with the following 4 bytes, mirroring rangeEncoder's initial state.
func newRangeDecoder(in []byte) *rangeDecoder {
	d := &rangeDecoder{rng: 0xFFFFFFFF, in: in, pos: 1}
	for i := 0; i < 4; i++ {
		d.code = d.code<<8 | uint32(d.nextByte())
	}
	return d
}

func (d *rangeDecoder) nextByte() byte {
	if d.pos >= len(d.in) {
		return 0
	}
	b := d.in[d.pos]
	d.pos++
	return b
}

func (d *rangeDecoder) decodeBit(prob *uint16) int {
	bound := (d.rng >> probBits) * uint32(*prob)
	var bit int
	if d.code < bound {
		d.rng = bound
		*prob += uint16((probMax - uint32(*prob)) >> moveBits)
		bit = 0
	} else {
		d.code -= bound
		d.rng -= bound
		*prob -= uint16(uint32(*prob) >> moveBits)
		bit = 1
	}
	for d.rng < topValue {
		d.rng <<= 8
		d.code = d.code<<8 | uint32(d.nextByte())
	}
	return bit
}

// byteModel is 256 contexts (the previous output byte) of an 8-bit
// bit-tree, each tree holding 256 adaptive probabilities (indices 1..255
// are used; index 0 is the unused tree root).
type byteModel struct {
	probs [256][256]uint16
}

func newByteModel() *byteModel {
	m := &byteModel{}
	for i := range m.probs {
		for j := range m.probs[i] {
			m.probs[i][j] = probInit
		}
	}
	return m
}

func (m *byteModel) encodeByte(e *rangeEncoder, context, symbol byte) {
	probs := &m.probs[context]
	idx := 1
	for i := 7; i >= 0; i-- {
		bit := int((symbol >> uint(i)) & 1)
		e.encodeBit(&probs[idx], bit)
		idx = (idx << 1) | bit
	}
}

func (m *byteModel) decodeByte(d *rangeDecoder, context byte) byte {
	probs := &m.probs[context]
	idx := 1
	for i := 0; i < 8; i++ {
		bit := d.decodeBit(&probs[idx])
		idx = (idx << 1) | bit
	}
	return byte(idx & 0xFF)
}

// RangeCoder is the Compressor this module ships. A host compresses only
// when HostConfig.Compressor is set; it installs none by default.
type RangeCoder struct{}

// NewRangeCoder constructs the default compressor. A fresh byteModel is
// built per call (rather than persisting adaptive state across datagrams)
// so Compress/Decompress remain independent, self-contained operations —
// each datagram decompresses on its own without depending on having seen
// every prior one, which matters because UDP can drop a compressed
// datagram entirely.
func NewRangeCoder() *RangeCoder { return &RangeCoder{} }

func (c *RangeCoder) Compress(buffers [][]byte, limit int) ([]byte, bool) {
	total := 0
	for _, b := range buffers {
		total += len(b)
	}
	if total == 0 {
		return nil, false
	}
	enc := newRangeEncoder()
	model := newByteModel()
	var context byte
	for _, buf := range buffers {
		for _, b := range buf {
			model.encodeByte(enc, context, b)
			context = b
		}
	}
	enc.flush()

	out := make([]byte, lengthHdr+len(enc.out))
	binary.BigEndian.PutUint32(out[0:lengthHdr], uint32(total))
	copy(out[lengthHdr:], enc.out)

	if len(out) >= total || len(out) > limit {
		return nil, false
	}
	return out, true
}

func (c *RangeCoder) Decompress(in []byte, limit int) ([]byte, error) {
	if len(in) < lengthHdr {
		return nil, fmt.Errorf("%w: compressed input too short", ErrBufferTooShort)
	}
	total := binary.BigEndian.Uint32(in[0:lengthHdr])
	if total == 0 || int(total) > limit {
		return nil, fmt.Errorf("devils: decompressed size %d exceeds limit %d", total, limit)
	}
	dec := newRangeDecoder(in[lengthHdr:])
	model := newByteModel()
	out := make([]byte, total)
	var context byte
	for i := range out {
		b := model.decodeByte(dec, context)
		out[i] = b
		context = b
	}
	return out, nil
}
