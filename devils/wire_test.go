package devils

import "testing"

func TestDatagramHeaderRoundTripWithSentTime(t *testing.T) {
	h := datagramHeader{PeerID: 17, SessionID: 2, Compressed: true, HasSentTime: true, SentTime: 0xBEEF}
	buf := make([]byte, h.size())
	n := h.encode(buf)
	if n != 4 {
		t.Fatalf("encode returned %d bytes, want 4", n)
	}
	got, consumed, err := decodeDatagramHeader(buf)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if consumed != 4 {
		t.Fatalf("decode consumed %d bytes, want 4", consumed)
	}
	if got != h {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestDatagramHeaderRoundTripWithoutSentTime(t *testing.T) {
	h := datagramHeader{PeerID: 4090, SessionID: 3, Compressed: false, HasSentTime: false}
	buf := make([]byte, h.size())
	n := h.encode(buf)
	if n != 2 {
		t.Fatalf("encode returned %d bytes, want 2", n)
	}
	got, consumed, err := decodeDatagramHeader(buf)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if consumed != 2 {
		t.Fatalf("decode consumed %d bytes, want 2", consumed)
	}
	if got != h {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestDecodeDatagramHeaderTooShort(t *testing.T) {
	if _, _, err := decodeDatagramHeader(nil); err == nil {
		t.Error("expected an error decoding an empty buffer")
	}
	if _, _, err := decodeDatagramHeader([]byte{0x80, 0x00}); err == nil {
		t.Error("expected an error when HasSentTime is set but only 2 bytes are present")
	}
}

func TestReconstructSentTimeSameEpoch(t *testing.T) {
	now := uint32(0x0001_2345)
	got := reconstructSentTime(now, 0x2340)
	if got != 0x0001_2340 {
		t.Errorf("reconstructSentTime = %#x, want %#x", got, 0x0001_2340)
	}
}

func TestReconstructSentTimeNudgesAcrossEpochBoundary(t *testing.T) {
	// remote's low 16 bits look like they're far in the future relative to
	// now's low 16 bits; the real timestamp must be from the prior epoch.
	now := uint32(0x0001_0010)
	got := reconstructSentTime(now, 0xFFF0)
	if got != 0x0000_FFF0 {
		t.Errorf("reconstructSentTime = %#x, want %#x", got, 0x0000_FFF0)
	}
}
