package devils

import "testing"

func TestCommandEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*command{
		{
			Header: commandHeader{ID: cmdConnect, Acknowledge: true, ChannelID: 0xFF, ReliableSequenceNumber: 7},
			OutgoingPeerID: 12, IncomingSessionID: 1, OutgoingSessionID: 2,
			MTU: 1400, WindowSize: 32, ChannelCount: 4,
			IncomingBandwidth: 1000, OutgoingBandwidth: 2000,
			PacketThrottleInterval: 5000, PacketThrottleAcceleration: 2, PacketThrottleDeceleration: 2,
			ConnectID: 0xDEADBEEF, ConnectData: 0xCAFE,
		},
		{
			Header:            commandHeader{ID: cmdAcknowledge, ChannelID: 3},
			ReceivedReliableSequenceNumber: 99,
			ReceivedSentTime:               0x1234,
		},
		{
			Header:         commandHeader{ID: cmdSendReliable, Acknowledge: true, ChannelID: 1, ReliableSequenceNumber: 55},
			DataLength: 128,
		},
		{
			Header: commandHeader{ID: cmdSendFragment, Acknowledge: true, ChannelID: 2, ReliableSequenceNumber: 10},
			StartSequenceNumber: 10, DataLength: 64,
			FragmentCount: 4, FragmentNumber: 1, TotalLength: 256, FragmentOffset: 64,
		},
		{
			Header: commandHeader{ID: cmdDisconnect, ChannelID: 0},
			DisconnectData: 42,
		},
		{
			Header: commandHeader{ID: cmdPing, ChannelID: 0},
		},
	}

	for _, c := range cases {
		buf := c.encode(nil)
		if len(buf) != commandHeaderSize+c.size() {
			t.Fatalf("command %d: encoded length %d, want %d", c.Header.ID, len(buf), commandHeaderSize+c.size())
		}
		got, n, err := decodeCommand(buf)
		if err != nil {
			t.Fatalf("command %d: decode error: %v", c.Header.ID, err)
		}
		if n != len(buf) {
			t.Errorf("command %d: decode consumed %d, want %d", c.Header.ID, n, len(buf))
		}
		if *got != *c {
			t.Errorf("command %d: round trip mismatch:\n got  %+v\n want %+v", c.Header.ID, *got, *c)
		}
	}
}

func TestDecodeCommandRejectsUnknownID(t *testing.T) {
	buf := []byte{byte(cmdCount), 0, 0, 0}
	if _, _, err := decodeCommand(buf); err == nil {
		t.Error("expected an error decoding an out-of-range command id")
	}
}

func TestDecodeCommandRejectsTruncatedBody(t *testing.T) {
	c := &command{Header: commandHeader{ID: cmdConnect}}
	buf := c.encode(nil)
	if _, _, err := decodeCommand(buf[:len(buf)-1]); err == nil {
		t.Error("expected an error decoding a truncated command body")
	}
}

func TestCarriesPacket(t *testing.T) {
	carries := []commandID{cmdSendReliable, cmdSendUnreliable, cmdSendUnsequenced, cmdSendFragment, cmdSendUnreliableFragment}
	for _, id := range carries {
		c := &command{Header: commandHeader{ID: id}}
		if !c.carriesPacket() {
			t.Errorf("command %d should carry a packet payload", id)
		}
	}
	noCarry := []commandID{cmdAcknowledge, cmdConnect, cmdVerifyConnect, cmdDisconnect, cmdPing, cmdBandwidthLimit, cmdThrottleConfigure}
	for _, id := range noCarry {
		c := &command{Header: commandHeader{ID: id}}
		if c.carriesPacket() {
			t.Errorf("command %d should not carry a packet payload", id)
		}
	}
}
