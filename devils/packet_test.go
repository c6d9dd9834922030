package devils

import "testing"

func TestPacketFlagHas(t *testing.T) {
	f := PacketFlagReliable | PacketFlagSent
	if !f.Has(PacketFlagReliable) {
		t.Error("expected Has(PacketFlagReliable) true")
	}
	if !f.Has(PacketFlagSent) {
		t.Error("expected Has(PacketFlagSent) true")
	}
	if f.Has(PacketFlagUnsequenced) {
		t.Error("expected Has(PacketFlagUnsequenced) false")
	}
	if !f.Has(PacketFlagReliable | PacketFlagSent) {
		t.Error("expected Has of both bits at once true")
	}
}

func TestNewPacketCopiesByDefault(t *testing.T) {
	data := []byte("hello")
	p := NewPacket(data, 0, nil)
	data[0] = 'H'
	if p.Data[0] != 'h' {
		t.Error("packet should own a copy of the input data")
	}
}

func TestNewPacketNoAllocateBorrows(t *testing.T) {
	data := []byte("hello")
	p := NewPacket(data, PacketFlagNoAllocate, nil)
	data[0] = 'H'
	if p.Data[0] != 'H' {
		t.Error("NoAllocate packet should reference the caller's buffer")
	}
}

func TestPacketRefCountingReleasesExactlyOnce(t *testing.T) {
	freed := 0
	p := NewPacket([]byte("x"), 0, func(*Packet) { freed++ })
	p.acquire()
	p.acquire()
	if p.RefCount() != 3 {
		t.Fatalf("refcount = %d, want 3", p.RefCount())
	}
	if p.release() {
		t.Error("release should not report destruction while references remain")
	}
	if p.release() {
		t.Error("release should not report destruction while one reference remains")
	}
	if !p.release() {
		t.Error("release should report destruction on the final reference")
	}
	if freed != 1 {
		t.Errorf("free callback ran %d times, want exactly 1", freed)
	}
}

func TestPacketMarkSent(t *testing.T) {
	p := NewPacket([]byte("x"), 0, nil)
	if p.Flags.Has(PacketFlagSent) {
		t.Fatal("fresh packet should not be marked sent")
	}
	p.markSent()
	if !p.Flags.Has(PacketFlagSent) {
		t.Error("markSent should set PacketFlagSent")
	}
}
