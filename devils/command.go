package devils

import (
	"encoding/binary"
	"fmt"
)

// commandID is the low nibble of every command's first byte. The full
// ordered set is exactly the 12 records of SPEC_FULL.md §4.1.
type commandID uint8

const (
	cmdNone commandID = iota
	cmdAcknowledge
	cmdConnect
	cmdVerifyConnect
	cmdDisconnect
	cmdPing
	cmdSendReliable
	cmdSendUnreliable
	cmdSendFragment
	cmdSendUnsequenced
	cmdBandwidthLimit
	cmdThrottleConfigure
	cmdSendUnreliableFragment
	cmdCount
)

const (
	commandFlagAcknowledge uint8 = 1 << 7
	commandFlagUnsequenced uint8 = 1 << 6
	commandIDMask          uint8 = 0x0F

	commandHeaderSize = 4 // id+flags byte, channel id, 2-byte reliable sequence number

	headerFlagCompressed uint16 = 1 << 14
	headerFlagSentTime   uint16 = 1 << 15
	headerFlagMask              = headerFlagCompressed | headerFlagSentTime
	headerSessionMask    uint16 = 0x3 << 12
	headerSessionShift          = 12
	maxPeerID            uint16 = 0xFFF // 12 bits; the "no peer yet" sentinel

	datagramHeaderMinSize = 2 // peer-id field is always present
)

// commandSize is the fixed-layout byte length of each command's body, not
// counting the shared 4-byte commandHeaderSize nor any trailing packet
// payload. Matches devils_protocol.c's commandSizes table.
var commandSize = [cmdCount]int{
	cmdNone:                   0,
	cmdAcknowledge:            4,
	cmdConnect:                44,
	cmdVerifyConnect:          40,
	cmdDisconnect:             4,
	cmdPing:                   0,
	cmdSendReliable:           2,
	cmdSendUnreliable:         4,
	cmdSendFragment:           20,
	cmdSendUnsequenced:        4,
	cmdBandwidthLimit:         8,
	cmdThrottleConfigure:      12,
	cmdSendUnreliableFragment: 20,
}

// commandHeader is the 4-byte header shared by every command record.
type commandHeader struct {
	ID                     commandID
	Acknowledge            bool
	Unsequenced            bool
	ChannelID              uint8
	ReliableSequenceNumber uint16
}

func (h commandHeader) encode(buf []byte) {
	b := uint8(h.ID) & commandIDMask
	if h.Acknowledge {
		b |= commandFlagAcknowledge
	}
	if h.Unsequenced {
		b |= commandFlagUnsequenced
	}
	buf[0] = b
	buf[1] = h.ChannelID
	binary.BigEndian.PutUint16(buf[2:4], h.ReliableSequenceNumber)
}

func decodeCommandHeader(buf []byte) (commandHeader, error) {
	if len(buf) < commandHeaderSize {
		return commandHeader{}, fmt.Errorf("%w: short command header", ErrBufferTooShort)
	}
	return commandHeader{
		ID:                     commandID(buf[0] & commandIDMask),
		Acknowledge:            buf[0]&commandFlagAcknowledge != 0,
		Unsequenced:            buf[0]&commandFlagUnsequenced != 0,
		ChannelID:              buf[1],
		ReliableSequenceNumber: binary.BigEndian.Uint16(buf[2:4]),
	}, nil
}

// command is a tagged variant over the fixed set of wire records. Rather
// than an interface-per-command (which would force type assertions at
// every call site that just wants "the send path's byte count"), fields
// from every command shape live side by side and are read only under the
// Header.ID that defines which of them are meaningful — the same
// discriminated-struct idiom the teacher uses for EncapsulatedPacket.
type command struct {
	Header commandHeader

	// Acknowledge
	ReceivedReliableSequenceNumber uint16
	ReceivedSentTime               uint16

	// Connect / VerifyConnect
	OutgoingPeerID             uint16
	IncomingSessionID          uint8
	OutgoingSessionID          uint8
	MTU                        uint32
	WindowSize                 uint32
	ChannelCount               uint32
	IncomingBandwidth          uint32
	OutgoingBandwidth          uint32
	PacketThrottleInterval     uint32
	PacketThrottleAcceleration uint32
	PacketThrottleDeceleration uint32
	ConnectID                  uint32
	ConnectData                uint32 // application handshake payload (Connect only)

	// Disconnect
	DisconnectData uint32

	// Send*
	UnreliableSequenceNumber uint16
	UnsequencedGroup         uint16
	StartSequenceNumber      uint16
	FragmentCount            uint32
	FragmentNumber           uint32
	TotalLength              uint32
	FragmentOffset           uint32
	DataLength               uint16

	// BandwidthLimit
	// (reuses IncomingBandwidth / OutgoingBandwidth above)

	// ThrottleConfigure
	// (reuses PacketThrottleInterval / Acceleration / Deceleration above)
}

// size returns the encoded size of this command's fixed body, excluding
// header and trailing packet payload.
func (c *command) size() int { return commandSize[uint8(c.Header.ID)&commandIDMask] }

// encode appends this command's header and fixed body (not any trailing
// packet payload, which callers append separately from the Packet buffer)
// to buf, returning the extended slice.
func (c *command) encode(buf []byte) []byte {
	start := len(buf)
	total := commandHeaderSize + c.size()
	buf = append(buf, make([]byte, total)...)
	c.Header.encode(buf[start:])
	body := buf[start+commandHeaderSize:]

	switch c.Header.ID {
	case cmdAcknowledge:
		binary.BigEndian.PutUint16(body[0:2], c.ReceivedReliableSequenceNumber)
		binary.BigEndian.PutUint16(body[2:4], c.ReceivedSentTime)
	case cmdConnect:
		binary.BigEndian.PutUint16(body[0:2], c.OutgoingPeerID)
		body[2] = c.IncomingSessionID
		body[3] = c.OutgoingSessionID
		binary.BigEndian.PutUint32(body[4:8], c.MTU)
		binary.BigEndian.PutUint32(body[8:12], c.WindowSize)
		binary.BigEndian.PutUint32(body[12:16], c.ChannelCount)
		binary.BigEndian.PutUint32(body[16:20], c.IncomingBandwidth)
		binary.BigEndian.PutUint32(body[20:24], c.OutgoingBandwidth)
		binary.BigEndian.PutUint32(body[24:28], c.PacketThrottleInterval)
		binary.BigEndian.PutUint32(body[28:32], c.PacketThrottleAcceleration)
		binary.BigEndian.PutUint32(body[32:36], c.PacketThrottleDeceleration)
		binary.BigEndian.PutUint32(body[36:40], c.ConnectID)
		binary.BigEndian.PutUint32(body[40:44], c.ConnectData)
	case cmdVerifyConnect:
		binary.BigEndian.PutUint16(body[0:2], c.OutgoingPeerID)
		body[2] = c.IncomingSessionID
		body[3] = c.OutgoingSessionID
		binary.BigEndian.PutUint32(body[4:8], c.MTU)
		binary.BigEndian.PutUint32(body[8:12], c.WindowSize)
		binary.BigEndian.PutUint32(body[12:16], c.ChannelCount)
		binary.BigEndian.PutUint32(body[16:20], c.IncomingBandwidth)
		binary.BigEndian.PutUint32(body[20:24], c.OutgoingBandwidth)
		binary.BigEndian.PutUint32(body[24:28], c.PacketThrottleInterval)
		binary.BigEndian.PutUint32(body[28:32], c.PacketThrottleAcceleration)
		binary.BigEndian.PutUint32(body[32:36], c.PacketThrottleDeceleration)
		binary.BigEndian.PutUint32(body[36:40], c.ConnectID)
	case cmdDisconnect:
		binary.BigEndian.PutUint32(body[0:4], c.DisconnectData)
	case cmdPing:
		// no body
	case cmdSendReliable:
		binary.BigEndian.PutUint16(body[0:2], c.DataLength)
	case cmdSendUnreliable:
		binary.BigEndian.PutUint16(body[0:2], c.UnreliableSequenceNumber)
		binary.BigEndian.PutUint16(body[2:4], c.DataLength)
	case cmdSendFragment, cmdSendUnreliableFragment:
		binary.BigEndian.PutUint16(body[0:2], c.StartSequenceNumber)
		binary.BigEndian.PutUint16(body[2:4], c.DataLength)
		binary.BigEndian.PutUint32(body[4:8], c.FragmentCount)
		binary.BigEndian.PutUint32(body[8:12], c.FragmentNumber)
		binary.BigEndian.PutUint32(body[12:16], c.TotalLength)
		binary.BigEndian.PutUint32(body[16:20], c.FragmentOffset)
	case cmdSendUnsequenced:
		binary.BigEndian.PutUint16(body[0:2], c.UnsequencedGroup)
		binary.BigEndian.PutUint16(body[2:4], c.DataLength)
	case cmdBandwidthLimit:
		binary.BigEndian.PutUint32(body[0:4], c.IncomingBandwidth)
		binary.BigEndian.PutUint32(body[4:8], c.OutgoingBandwidth)
	case cmdThrottleConfigure:
		binary.BigEndian.PutUint32(body[0:4], c.PacketThrottleInterval)
		binary.BigEndian.PutUint32(body[4:8], c.PacketThrottleAcceleration)
		binary.BigEndian.PutUint32(body[8:12], c.PacketThrottleDeceleration)
	}
	return buf
}

// decodeCommand parses one command record (header + fixed body) starting
// at buf[0], returning the parsed command and the number of bytes consumed
// (header + fixed body; the caller advances separately past any trailing
// packet payload using DataLength/TotalLength as appropriate).
func decodeCommand(buf []byte) (*command, int, error) {
	header, err := decodeCommandHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	if header.ID == cmdNone || header.ID >= cmdCount {
		return nil, 0, fmt.Errorf("%w: command id %d", ErrInvalidCommand, header.ID)
	}
	bodyLen := commandSize[header.ID]
	total := commandHeaderSize + bodyLen
	if len(buf) < total {
		return nil, 0, fmt.Errorf("%w: command %d needs %d bytes, have %d", ErrBufferTooShort, header.ID, total, len(buf))
	}
	body := buf[commandHeaderSize:total]
	c := &command{Header: header}

	switch header.ID {
	case cmdAcknowledge:
		c.ReceivedReliableSequenceNumber = binary.BigEndian.Uint16(body[0:2])
		c.ReceivedSentTime = binary.BigEndian.Uint16(body[2:4])
	case cmdConnect:
		c.OutgoingPeerID = binary.BigEndian.Uint16(body[0:2])
		c.IncomingSessionID = body[2]
		c.OutgoingSessionID = body[3]
		c.MTU = binary.BigEndian.Uint32(body[4:8])
		c.WindowSize = binary.BigEndian.Uint32(body[8:12])
		c.ChannelCount = binary.BigEndian.Uint32(body[12:16])
		c.IncomingBandwidth = binary.BigEndian.Uint32(body[16:20])
		c.OutgoingBandwidth = binary.BigEndian.Uint32(body[20:24])
		c.PacketThrottleInterval = binary.BigEndian.Uint32(body[24:28])
		c.PacketThrottleAcceleration = binary.BigEndian.Uint32(body[28:32])
		c.PacketThrottleDeceleration = binary.BigEndian.Uint32(body[32:36])
		c.ConnectID = binary.BigEndian.Uint32(body[36:40])
		c.ConnectData = binary.BigEndian.Uint32(body[40:44])
	case cmdVerifyConnect:
		c.OutgoingPeerID = binary.BigEndian.Uint16(body[0:2])
		c.IncomingSessionID = body[2]
		c.OutgoingSessionID = body[3]
		c.MTU = binary.BigEndian.Uint32(body[4:8])
		c.WindowSize = binary.BigEndian.Uint32(body[8:12])
		c.ChannelCount = binary.BigEndian.Uint32(body[12:16])
		c.IncomingBandwidth = binary.BigEndian.Uint32(body[16:20])
		c.OutgoingBandwidth = binary.BigEndian.Uint32(body[20:24])
		c.PacketThrottleInterval = binary.BigEndian.Uint32(body[24:28])
		c.PacketThrottleAcceleration = binary.BigEndian.Uint32(body[28:32])
		c.PacketThrottleDeceleration = binary.BigEndian.Uint32(body[32:36])
		c.ConnectID = binary.BigEndian.Uint32(body[36:40])
	case cmdDisconnect:
		c.DisconnectData = binary.BigEndian.Uint32(body[0:4])
	case cmdPing:
		// no body
	case cmdSendReliable:
		c.DataLength = binary.BigEndian.Uint16(body[0:2])
	case cmdSendUnreliable:
		c.UnreliableSequenceNumber = binary.BigEndian.Uint16(body[0:2])
		c.DataLength = binary.BigEndian.Uint16(body[2:4])
	case cmdSendFragment, cmdSendUnreliableFragment:
		c.StartSequenceNumber = binary.BigEndian.Uint16(body[0:2])
		c.DataLength = binary.BigEndian.Uint16(body[2:4])
		c.FragmentCount = binary.BigEndian.Uint32(body[4:8])
		c.FragmentNumber = binary.BigEndian.Uint32(body[8:12])
		c.TotalLength = binary.BigEndian.Uint32(body[12:16])
		c.FragmentOffset = binary.BigEndian.Uint32(body[16:20])
	case cmdSendUnsequenced:
		c.UnsequencedGroup = binary.BigEndian.Uint16(body[0:2])
		c.DataLength = binary.BigEndian.Uint16(body[2:4])
	case cmdBandwidthLimit:
		c.IncomingBandwidth = binary.BigEndian.Uint32(body[0:4])
		c.OutgoingBandwidth = binary.BigEndian.Uint32(body[4:8])
	case cmdThrottleConfigure:
		c.PacketThrottleInterval = binary.BigEndian.Uint32(body[0:4])
		c.PacketThrottleAcceleration = binary.BigEndian.Uint32(body[4:8])
		c.PacketThrottleDeceleration = binary.BigEndian.Uint32(body[8:12])
	}
	return c, total, nil
}

// carriesPacket reports whether this command is followed in the datagram
// by DataLength bytes of application payload.
func (c *command) carriesPacket() bool {
	switch c.Header.ID {
	case cmdSendReliable, cmdSendUnreliable, cmdSendUnsequenced, cmdSendFragment, cmdSendUnreliableFragment:
		return true
	default:
		return false
	}
}
