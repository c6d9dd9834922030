package devils

import "testing"

func TestNewAddressParsesIPv4(t *testing.T) {
	a, err := NewAddress("192.168.1.10", 7777)
	if err != nil {
		t.Fatalf("NewAddress error: %v", err)
	}
	if a.String() != "192.168.1.10:7777" {
		t.Errorf("String() = %q, want %q", a.String(), "192.168.1.10:7777")
	}
}

func TestNewAddressEmptyHostIsAny(t *testing.T) {
	a, err := NewAddress("", 0)
	if err != nil {
		t.Fatalf("NewAddress error: %v", err)
	}
	if a.Host != 0 {
		t.Errorf("expected INADDR_ANY (0), got %#x", a.Host)
	}
}

func TestNewAddressRejectsIPv6(t *testing.T) {
	if _, err := NewAddress("::1", 80); err == nil {
		t.Error("expected an error resolving an IPv6 literal")
	}
}

func TestAddressEqual(t *testing.T) {
	a, _ := NewAddress("10.0.0.1", 1234)
	b, _ := NewAddress("10.0.0.1", 1234)
	c, _ := NewAddress("10.0.0.2", 1234)
	if !a.Equal(b) {
		t.Error("identical addresses should be equal")
	}
	if a.Equal(c) {
		t.Error("different hosts should not be equal")
	}
	if (Address{}).Equal(Address{}) == false {
		t.Error("two zero-value addresses should be equal")
	}
}

func TestAddressUDPAddrRoundTrip(t *testing.T) {
	a, _ := NewAddress("203.0.113.5", 4444)
	u := a.UDPAddr()
	back := AddressFromUDP(u)
	if !a.Equal(back) {
		t.Errorf("round trip through UDPAddr changed the address: %s -> %s", a, back)
	}
}

func TestAddressIsBroadcast(t *testing.T) {
	a := Address{Host: broadcastHost, Port: 1}
	if !a.IsBroadcast() {
		t.Error("expected the sentinel broadcast host to report IsBroadcast true")
	}
	b := Address{Host: 0x01020304, Port: 1}
	if b.IsBroadcast() {
		t.Error("an ordinary host should not report IsBroadcast true")
	}
}
