package devils

import (
	"container/list"

	"github.com/duskrelay/devils/pkg/logger"
)

// PeerState is the peer lifecycle of SPEC_FULL.md §4.2.
type PeerState int32

const (
	StateDisconnected PeerState = iota
	StateConnecting
	StateAcknowledgingConnect
	StateConnectionPending
	StateConnectionSucceeded
	StateConnected
	StateDisconnectLater
	StateDisconnecting
	StateAcknowledgingDisconnect
	StateZombie
)

func (s PeerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAcknowledgingConnect:
		return "acknowledging_connect"
	case StateConnectionPending:
		return "connection_pending"
	case StateConnectionSucceeded:
		return "connection_succeeded"
	case StateConnected:
		return "connected"
	case StateDisconnectLater:
		return "disconnect_later"
	case StateDisconnecting:
		return "disconnecting"
	case StateAcknowledgingDisconnect:
		return "acknowledging_disconnect"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// controlChannelID is the sentinel channel id (0xFF) carrying each peer's
// own outgoing-reliable-sequence-number counter for control commands
// (CONNECT, DISCONNECT, PING, THROTTLE_CONFIGURE, BANDWIDTH_LIMIT) that
// don't belong to any application channel.
const controlChannelID uint8 = 0xFF

// Default per-peer tunables, from devils_peer.c / devils.h.
const (
	defaultRoundTripTime          = 500
	peerPacketThrottleInterval    = 5000
	peerPacketThrottleAcceleration = 2
	peerPacketThrottleDeceleration = 2
	peerPacketLossInterval        = 10000
	peerTimeoutLimit              = 32
	peerTimeoutMinimum            = 5000
	peerTimeoutMaximum            = 30000
	peerPingInterval              = 500
	packetThrottleScale           = 32
	packetThrottleCounterStep     = 7
	windowSizeScale               = 64 * 1024
)

// Peer is the local representation of a connecting or connected remote
// endpoint, per SPEC_FULL.md §3. The engine is single-threaded (§5): a Peer
// is only ever touched by the goroutine driving its Host's Service/Flush
// calls, so none of its fields need synchronization.
type Peer struct {
	host *Host
	log  *logger.Logger

	incomingPeerID    uint16
	outgoingPeerID    uint16
	incomingSessionID uint8
	outgoingSessionID uint8
	connectID         uint32

	Address Address
	state   PeerState

	channels []channel

	incomingBandwidth              uint32
	outgoingBandwidth              uint32
	incomingBandwidthThrottleEpoch uint32
	outgoingBandwidthThrottleEpoch uint32

	incomingDataTotal uint64
	outgoingDataTotal uint64

	lastSendTime    uint32
	lastReceiveTime uint32
	nextTimeout     uint32
	earliestTimeout uint32
	packetLossEpoch uint32

	packetsSent        uint32
	packetsLost        uint32
	packetLoss         uint32
	packetLossVariance uint32

	packetThrottle             uint32
	packetThrottleLimit        uint32
	packetThrottleCounter      uint32
	packetThrottleEpoch        uint32
	packetThrottleAcceleration uint32
	packetThrottleDeceleration uint32
	packetThrottleInterval     uint32

	pingInterval   uint32
	timeoutLimit   uint32
	timeoutMinimum uint32
	timeoutMaximum uint32

	lastRoundTripTime            uint32
	lowestRoundTripTime          uint32
	lastRoundTripTimeVariance    uint32
	highestRoundTripTimeVariance uint32
	roundTripTime                uint32
	roundTripTimeVariance        uint32

	mtu                   uint32
	windowSize            uint32
	reliableDataInTransit uint32

	outgoingReliableSequenceNumber uint16 // control-channel counter

	acknowledgements       *list.List // *acknowledgement
	sentReliableCommands   *list.List // *outgoingCommand
	sentUnreliableCommands *list.List // *outgoingCommand
	outgoingCommands       *list.List // *outgoingCommand
	dispatchedCommands     *list.List // *incomingCommand, ready for the application

	needsDispatch bool
	dispatchElem  *list.Element // this peer's node in host.dispatchQueue, nil when not enqueued

	totalWaitingData uint64
	eventData        uint32

	unsequencedWindow        [unsequencedWindowBits / 32]uint32
	incomingUnsequencedGroup uint16
	outgoingUnsequencedGroup uint16

	UserData interface{}
}

func newPeer(host *Host, incomingPeerID uint16) *Peer {
	p := &Peer{
		host:                   host,
		log:                    host.log,
		incomingPeerID:         incomingPeerID,
		state:                  StateDisconnected,
		mtu:                    host.mtu,
		windowSize:             reliableWindowSize * reliableWindows,
		acknowledgements:       list.New(),
		sentReliableCommands:   list.New(),
		sentUnreliableCommands: list.New(),
		outgoingCommands:       list.New(),
		dispatchedCommands:     list.New(),
	}
	p.reset()
	return p
}

// reset clears a peer back to DISCONNECTED, draining every queue and
// releasing every packet reference it held, per SPEC_FULL.md §3's
// ownership/lifecycle rule and §4.2's "forced reset".
func (p *Peer) reset() {
	if p.incomingPeerID < uint16(len(p.host.peers)) {
		p.host.unbindAddress(p)
	}
	if p.state == StateConnected || p.state == StateDisconnecting || p.state == StateAcknowledgingConnect || p.state == StateDisconnectLater {
		p.host.connectedPeers--
	}

	drainOutgoing(p.sentReliableCommands)
	drainOutgoing(p.sentUnreliableCommands)
	drainOutgoing(p.outgoingCommands)
	drainIncoming(p.dispatchedCommands)
	for _, ch := range p.channels {
		drainIncoming(ch.incomingReliableCommands)
		drainIncoming(ch.incomingUnreliableCommands)
	}
	p.acknowledgements.Init()

	p.host.dequeuePeer(p)

	p.outgoingPeerID = maxPeerID
	p.connectID = 0
	p.Address = Address{}
	p.state = StateDisconnected
	p.channels = nil
	p.incomingBandwidth = 0
	p.outgoingBandwidth = 0
	p.incomingBandwidthThrottleEpoch = 0
	p.outgoingBandwidthThrottleEpoch = 0
	p.incomingDataTotal = 0
	p.outgoingDataTotal = 0
	p.lastSendTime = 0
	p.lastReceiveTime = 0
	p.nextTimeout = 0
	p.earliestTimeout = 0
	p.packetLossEpoch = 0
	p.packetsSent = 0
	p.packetsLost = 0
	p.packetLoss = 0
	p.packetLossVariance = 0
	p.packetThrottle = defaultPacketThrottle
	p.packetThrottleLimit = packetThrottleScale
	p.packetThrottleCounter = 0
	p.packetThrottleEpoch = 0
	p.packetThrottleAcceleration = peerPacketThrottleAcceleration
	p.packetThrottleDeceleration = peerPacketThrottleDeceleration
	p.packetThrottleInterval = peerPacketThrottleInterval
	p.pingInterval = peerPingInterval
	p.timeoutLimit = peerTimeoutLimit
	p.timeoutMinimum = peerTimeoutMinimum
	p.timeoutMaximum = peerTimeoutMaximum
	p.lastRoundTripTime = defaultRoundTripTime
	p.lowestRoundTripTime = defaultRoundTripTime
	p.lastRoundTripTimeVariance = 0
	p.highestRoundTripTimeVariance = 0
	p.roundTripTime = defaultRoundTripTime
	p.roundTripTimeVariance = 0
	p.mtu = p.host.mtu
	p.windowSize = reliableWindowSize * reliableWindows
	p.reliableDataInTransit = 0
	p.outgoingReliableSequenceNumber = 0
	p.totalWaitingData = 0
	p.eventData = 0
	p.incomingUnsequencedGroup = 0
	p.outgoingUnsequencedGroup = 0
	for i := range p.unsequencedWindow {
		p.unsequencedWindow[i] = 0
	}
	p.UserData = nil
}

const defaultPacketThrottle = packetThrottleScale

func drainOutgoing(l *list.List) {
	for e := l.Front(); e != nil; {
		next := e.Next()
		oc := e.Value.(*outgoingCommand)
		if oc.packet != nil {
			oc.packet.release()
		}
		l.Remove(e)
		e = next
	}
}

func drainIncoming(l *list.List) {
	for e := l.Front(); e != nil; {
		next := e.Next()
		ic := e.Value.(*incomingCommand)
		if ic.packet != nil {
			ic.packet.release()
		}
		l.Remove(e)
		e = next
	}
}

func (p *Peer) setChannelCount(n int) {
	p.channels = make([]channel, n)
	for i := range p.channels {
		p.channels[i] = *newChannel()
	}
}

// channel returns the per-channel state for id, or nil if id is out of
// range for this peer's negotiated channel count.
func (p *Peer) channel(id uint8) *channel {
	if int(id) >= len(p.channels) {
		return nil
	}
	return &p.channels[id]
}

// Connected reports whether the peer is usable for Send.
func (p *Peer) Connected() bool {
	return p.state == StateConnected || p.state == StateDisconnectLater
}

func (p *Peer) queueAcknowledgement(header commandHeader, sentTime uint16) {
	p.acknowledgements.PushBack(&acknowledgement{
		channelID:              header.ChannelID,
		reliableSequenceNumber: header.ReliableSequenceNumber,
		sentTime:               sentTime,
	})
}

// enqueueOutgoing appends a prepared outgoingCommand to the not-yet-sent
// queue, accounting for total-waiting-data as it goes (§3 invariants). The
// reliable window and reliableDataInTransit are reserved later, at the
// point sendOutgoingCommands actually admits the command onto the wire
// (§4.8), not here — queueing a reliable send doesn't yet commit it against
// the window budget.
func (p *Peer) enqueueOutgoing(oc *outgoingCommand) {
	if oc.packet != nil {
		p.totalWaitingData += uint64(oc.fragmentLength)
	}
	p.outgoingCommands.PushBack(oc)
}

// acceptUnsequenced applies the duplicate/window test of SPEC_FULL.md §4.3
// to an incoming unsequenced group number, folding a 1024-wide bitmap
// forward as groups advance. This replaces the original's pointer-chasing
// window-rotation loop with delta arithmetic against a fixed-size array,
// the same simplification channel.go's reliable-window table makes.
func (p *Peer) acceptUnsequenced(group uint16) bool {
	delta := group - p.incomingUnsequencedGroup // wraps mod 65536 by construction

	if delta >= 0x8000 {
		// group is behind the window: either a very old duplicate or a
		// wrapped-around replay. Either way, reject it.
		return false
	}

	if delta >= unsequencedWindowBits {
		// Far enough ahead that the whole bitmap is stale: slide the
		// window so group becomes its newest (last) slot and start clean.
		for i := range p.unsequencedWindow {
			p.unsequencedWindow[i] = 0
		}
		p.incomingUnsequencedGroup = group - (unsequencedWindowBits - 1)
		delta = unsequencedWindowBits - 1
	}

	word := delta / 32
	bit := uint32(1) << (delta % 32)
	if p.unsequencedWindow[word]&bit != 0 {
		return false
	}
	p.unsequencedWindow[word] |= bit
	return true
}

// nextControlSequenceNumber advances and returns the reliable sequence
// number used for control-channel (0xFF) commands: CONNECT, DISCONNECT,
// PING, THROTTLE_CONFIGURE, BANDWIDTH_LIMIT.
func (p *Peer) nextControlSequenceNumber() uint16 {
	p.outgoingReliableSequenceNumber++
	return p.outgoingReliableSequenceNumber
}

// Ping queues a PING command on a connected peer. It does not check when
// the peer last sent anything; every call queues one.
func (p *Peer) Ping() {
	if p.state != StateConnected {
		return
	}
	oc := &outgoingCommand{
		command: command{Header: commandHeader{
			ID:                     cmdPing,
			Acknowledge:            true,
			ChannelID:              controlChannelID,
			ReliableSequenceNumber: p.nextControlSequenceNumber(),
		}},
		roundTripTimeoutLimit: peerTimeoutLimit,
	}
	p.enqueueOutgoing(oc)
}

// Send queues packet for delivery on channelID, choosing the wire command
// shape from the packet's flags and the negotiated MTU (§4.1, §4.4).
// It does not itself write to the socket; Host.Flush/Service does that.
func (p *Peer) Send(channelID uint8, packet *Packet) error {
	if p.state != StateConnected && p.state != StateDisconnectLater {
		return ErrPeerNotConnected
	}
	ch := p.channel(channelID)
	if ch == nil {
		return ErrChannelOutOfRange
	}
	if packet.Len() > int(p.host.maximumPacketSize) {
		return ErrPacketTooLarge
	}

	fragmentBody := int(p.mtu) - commandHeaderSize - commandSize[cmdSendFragment]
	if !packet.Flags.Has(PacketFlagReliable) && packet.Flags.Has(PacketFlagUnsequenced) {
		return p.queueUnsequenced(ch, channelID, packet)
	}
	if !packet.Flags.Has(PacketFlagReliable) && p.throttleDrop() {
		// Below the negotiated throttle ratio for this RTT window: drop the
		// send entirely, before any fragment acquires a reference, per
		// SPEC_FULL.md §4.6.
		return nil
	}
	if packet.Len() <= int(p.mtu)-commandHeaderSize-commandSize[cmdSendReliable] || !packet.Flags.Has(PacketFlagReliable) && packet.Len() <= int(p.mtu)-commandHeaderSize-commandSize[cmdSendUnreliable] {
		return p.queueWhole(ch, channelID, packet)
	}
	return p.queueFragmented(ch, channelID, packet, fragmentBody)
}

// throttleDrop applies the per-send packet-throttle test of SPEC_FULL.md
// §4.6 to unreliable, sequenced traffic: the counter advances by
// packetThrottleCounterStep (wrapping modulo packetThrottleScale) on every
// call, and a send is dropped once the counter exceeds the peer's current
// packetThrottle ratio, the same gate devils_peer.c applies before handing
// an unreliable command to the outgoing queue.
func (p *Peer) throttleDrop() bool {
	p.packetThrottleCounter = (p.packetThrottleCounter + packetThrottleCounterStep) % packetThrottleScale
	return p.packetThrottleCounter > p.packetThrottle
}

func (p *Peer) queueUnsequenced(ch *channel, channelID uint8, packet *Packet) error {
	ch.outgoingUnreliableSequenceNumber++
	packet.acquire()
	oc := &outgoingCommand{
		command: command{Header: commandHeader{
			ID:          cmdSendUnsequenced,
			Unsequenced: true,
			ChannelID:   channelID,
		},
			UnsequencedGroup: p.outgoingUnsequencedGroup,
			DataLength:       uint16(packet.Len()),
		},
		packet:         packet,
		fragmentLength: uint32(packet.Len()),
	}
	p.outgoingUnsequencedGroup++
	p.enqueueOutgoing(oc)
	return nil
}

func (p *Peer) queueWhole(ch *channel, channelID uint8, packet *Packet) error {
	packet.acquire()
	reliable := packet.Flags.Has(PacketFlagReliable)
	id := cmdSendUnreliable
	header := commandHeader{ChannelID: channelID}
	oc := &outgoingCommand{packet: packet, fragmentLength: uint32(packet.Len())}
	if reliable {
		ch.outgoingReliableSequenceNumber++
		id = cmdSendReliable
		header.ID = id
		header.Acknowledge = true
		header.ReliableSequenceNumber = ch.outgoingReliableSequenceNumber
		oc.reliableSequenceNumber = ch.outgoingReliableSequenceNumber
		oc.command = command{Header: header, DataLength: uint16(packet.Len())}
	} else {
		ch.outgoingUnreliableSequenceNumber++
		header.ID = id
		oc.unreliableSequenceNumber = ch.outgoingUnreliableSequenceNumber
		oc.command = command{Header: header, UnreliableSequenceNumber: ch.outgoingUnreliableSequenceNumber, DataLength: uint16(packet.Len())}
	}
	p.enqueueOutgoing(oc)
	return nil
}

// queueFragmented splits packet into fragmentBody-sized SEND_FRAGMENT (or
// SEND_UNRELIABLE_FRAGMENT) commands, all sharing one
// startSequenceNumber/fragmentCount pair so the receiver can reassemble
// them regardless of arrival order (§4.4).
func (p *Peer) queueFragmented(ch *channel, channelID uint8, packet *Packet, fragmentBody int) error {
	if fragmentBody <= 0 {
		return ErrPacketTooLarge
	}
	reliable := packet.Flags.Has(PacketFlagReliable)
	total := packet.Len()
	fragmentCount := uint32((total + fragmentBody - 1) / fragmentBody)
	if fragmentCount > maxFragmentCount {
		return ErrPacketTooLarge
	}

	id := cmdSendUnreliableFragment
	var start uint16
	if reliable {
		id = cmdSendFragment
		ch.outgoingReliableSequenceNumber++
		start = ch.outgoingReliableSequenceNumber
	} else {
		ch.outgoingUnreliableSequenceNumber++
		start = ch.outgoingUnreliableSequenceNumber
	}

	for i := uint32(0); i < fragmentCount; i++ {
		offset := int(i) * fragmentBody
		end := offset + fragmentBody
		if end > total {
			end = total
		}
		packet.acquire()
		header := commandHeader{ID: id, ChannelID: channelID}
		oc := &outgoingCommand{
			packet:         packet,
			fragmentOffset: uint32(offset),
			fragmentLength: uint32(end - offset),
		}
		if reliable {
			ch.outgoingReliableSequenceNumber++
			header.Acknowledge = true
			header.ReliableSequenceNumber = ch.outgoingReliableSequenceNumber
			oc.reliableSequenceNumber = ch.outgoingReliableSequenceNumber
		} else {
			ch.outgoingUnreliableSequenceNumber++
			oc.unreliableSequenceNumber = ch.outgoingUnreliableSequenceNumber
		}
		oc.command = command{
			Header:              header,
			StartSequenceNumber: start,
			DataLength:          uint16(end - offset),
			FragmentCount:       fragmentCount,
			FragmentNumber:      i,
			TotalLength:         uint32(total),
			FragmentOffset:      uint32(offset),
		}
		p.enqueueOutgoing(oc)
	}
	return nil
}

const maxFragmentCount = 1 << 20 // 1,048,576, per SPEC_FULL.md §4.4

// Disconnect begins a graceful disconnect: queues a DISCONNECT command and
// moves to DISCONNECTING, still delivering anything already queued first
// only if DisconnectLater was used instead (§4.2).
func (p *Peer) Disconnect(data uint32) {
	if p.state == StateDisconnecting || p.state == StateDisconnected || p.state == StateAcknowledgingDisconnect || p.state == StateZombie {
		return
	}
	drainOutgoing(p.outgoingCommands)
	if p.state == StateConnectionSucceeded || p.state == StateDisconnected {
		p.reset()
		return
	}
	oc := &outgoingCommand{
		command: command{Header: commandHeader{
			ID:                     cmdDisconnect,
			ChannelID:              controlChannelID,
			ReliableSequenceNumber: p.nextControlSequenceNumber(),
		}, DisconnectData: data},
	}
	if p.state == StateConnecting {
		oc.command.Header.Acknowledge = true
	} else {
		oc.command.Header.Unsequenced = true
	}
	p.enqueueOutgoing(oc)

	if p.state == StateConnected || p.state == StateDisconnectLater {
		p.state = StateDisconnecting
	} else {
		p.reset()
	}
}

// DisconnectLater finishes sending whatever is already queued, then
// disconnects once the outgoing queues drain (§4.2).
func (p *Peer) DisconnectLater(data uint32) {
	if (p.state == StateConnected || p.state == StateDisconnecting) &&
		(p.outgoingCommands.Len() > 0 || p.sentReliableCommands.Len() > 0 || p.sentUnreliableCommands.Len() > 0) {
		p.state = StateDisconnectLater
		p.eventData = data
		return
	}
	p.Disconnect(data)
}

// DisconnectNow tears the peer down immediately without waiting for an
// acknowledgement, per §4.2's forced path.
func (p *Peer) DisconnectNow(data uint32) {
	if p.state == StateDisconnected {
		return
	}
	if p.state != StateZombie && p.state != StateConnecting {
		oc := &outgoingCommand{
			command: command{Header: commandHeader{
				ID:                     cmdDisconnect,
				Unsequenced:            true,
				ChannelID:              controlChannelID,
				ReliableSequenceNumber: p.nextControlSequenceNumber(),
			}, DisconnectData: data},
		}
		p.enqueueOutgoing(oc)
		p.host.flushPeer(p)
	}
	p.reset()
}

// throttleAcknowledge updates the RTT estimate and packet-throttle ratio
// from an acknowledged command's round trip, following the exponential
// moving-average scheme of §4.6.
func (p *Peer) throttleAcknowledge(roundTripTime uint32) {
	p.lastRoundTripTime = p.roundTripTime
	p.roundTripTime = max32(roundTripTime, 1)
	p.roundTripTimeVariance -= p.roundTripTimeVariance / 4
	if p.roundTripTime >= p.lastRoundTripTime {
		diff := p.roundTripTime - p.lastRoundTripTime
		p.roundTripTimeVariance += diff / 4
		p.roundTripTime = p.lastRoundTripTime + (diff+3)/4
	} else {
		diff := p.lastRoundTripTime - p.roundTripTime
		p.roundTripTimeVariance += diff / 4
		p.roundTripTime = p.lastRoundTripTime - (diff+3)/4
	}
	if p.roundTripTime < p.lowestRoundTripTime {
		p.lowestRoundTripTime = p.roundTripTime
	}
	if p.roundTripTimeVariance > p.highestRoundTripTimeVariance {
		p.highestRoundTripTimeVariance = p.roundTripTimeVariance
	}

	if p.packetThrottleEpoch == 0 || timeDifference(p.host.clock.NowMS(), p.packetThrottleEpoch) >= p.packetThrottleInterval {
		p.packetThrottleEpoch = p.host.clock.NowMS()
		p.packetThrottleCounter = 0
	}
	p.packetThrottleCounter += packetThrottleCounterStep
	if p.roundTripTime <= p.lastRoundTripTime {
		p.packetThrottle = min32(p.packetThrottle+p.packetThrottleAcceleration, packetThrottleScale)
	} else if p.roundTripTime > p.lastRoundTripTime+2*p.roundTripTimeVariance {
		if p.packetThrottle > p.packetThrottleDeceleration {
			p.packetThrottle -= p.packetThrottleDeceleration
		} else {
			p.packetThrottle = 0
		}
	}
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
