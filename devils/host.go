package devils

import (
	"container/list"
	"fmt"
	"time"

	"github.com/duskrelay/devils/pkg/logger"
)

// Default host-wide tunables, from devils_host.c / SPEC_FULL.md §3.
const (
	defaultMTU                = 1400
	defaultMaximumPacketSize  = 32 * 1024 * 1024
	defaultMaximumWaitingData = 32 * 1024 * 1024
	hostBandwidthThrottleEpoch = 1000 // ms between bandwidth recalculations
	hostDefaultChannelLimit    = 8
)

// HostConfig gathers NewHost's parameters. Only Address is required; every
// other field has a SPEC_FULL.md §3 default applied by NewHost when left
// zero.
type HostConfig struct {
	Address Address

	PeerLimit      int
	ChannelLimit   int
	DuplicatePeers bool
	MTU            uint32 // defaults to defaultMTU

	IncomingBandwidth uint32 // bytes/sec, 0 = unlimited
	OutgoingBandwidth uint32

	MaximumPacketSize  uint32
	MaximumWaitingData uint32

	Socket     Socket // defaults to a bound NewUDPSocket
	Clock      Clock  // defaults to NewSystemClock()
	Logger     *logger.Logger
	Checksum   ChecksumFunc
	Compressor Compressor
}

// Host is a local endpoint managing up to PeerLimit simultaneous Peers, per
// SPEC_FULL.md §3/§4.7. A Host is driven by a single goroutine: Service,
// Flush, Connect, Broadcast and every Peer method reachable from it share no
// locks because none are needed (§5).
type Host struct {
	socket Socket
	log    *logger.Logger
	clock  Clock
	rand   *hostRand

	address        Address
	mtu            uint32
	channelLimit   int
	duplicatePeers bool

	peers       []*Peer
	addressToID map[Address]uint16
	connectedPeers int

	incomingBandwidth uint32
	outgoingBandwidth uint32
	bandwidthThrottleEpoch uint32

	maximumPacketSize  uint32
	maximumWaitingData uint32

	checksum   ChecksumFunc
	compressor Compressor

	dispatchQueue *list.List // of *Peer

	totalSentData         uint64
	totalReceivedData      uint64
	totalSentPackets       uint32
	totalReceivedPackets   uint32

	serviceTime uint32

	recvBuf []byte
}

// NewHost allocates a Host bound to cfg.Address (binding a UDP socket itself
// if cfg.Socket is nil) with up to cfg.PeerLimit peers.
func NewHost(cfg HostConfig) (*Host, error) {
	sock := cfg.Socket
	if sock == nil {
		s, err := NewUDPSocket(cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("devils: bind host socket: %w", err)
		}
		sock = s
	}
	clock := cfg.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New(logger.LevelInfo)
	}
	peerLimit := cfg.PeerLimit
	if peerLimit <= 0 {
		peerLimit = 32
	}
	channelLimit := cfg.ChannelLimit
	if channelLimit <= 0 {
		channelLimit = hostDefaultChannelLimit
	}
	maxPacket := cfg.MaximumPacketSize
	if maxPacket == 0 {
		maxPacket = defaultMaximumPacketSize
	}
	maxWaiting := cfg.MaximumWaitingData
	if maxWaiting == 0 {
		maxWaiting = defaultMaximumWaitingData
	}
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = defaultMTU
	}

	h := &Host{
		socket:             sock,
		log:                log.Named("host"),
		clock:              clock,
		rand:               newHostRand(clock.NowMS()),
		address:            sock.LocalAddr(),
		mtu:                mtu,
		channelLimit:       channelLimit,
		duplicatePeers:     cfg.DuplicatePeers,
		peers:              make([]*Peer, peerLimit),
		addressToID:        make(map[Address]uint16, peerLimit),
		incomingBandwidth:  cfg.IncomingBandwidth,
		outgoingBandwidth:  cfg.OutgoingBandwidth,
		maximumPacketSize:  maxPacket,
		maximumWaitingData: maxWaiting,
		checksum:           cfg.Checksum,
		compressor:         cfg.Compressor,
		dispatchQueue:      list.New(),
		recvBuf:            make([]byte, maxDatagramSize),
	}
	for i := range h.peers {
		h.peers[i] = newPeer(h, uint16(i))
	}
	return h, nil
}

// Address reports the host's bound local address.
func (h *Host) Address() Address { return h.address }

// Connect allocates a peer and queues its CONNECT handshake to addr,
// returning the new Peer in StateConnecting immediately; the caller learns
// of a successful handshake via an EventConnect from Service/CheckEvents
// (§4.2).
func (h *Host) Connect(addr Address, channelCount int, data uint32) (*Peer, error) {
	if channelCount <= 0 || channelCount > h.channelLimit {
		channelCount = h.channelLimit
	}
	peer, err := h.allocatePeer()
	if err != nil {
		return nil, err
	}
	peer.Address = addr
	peer.connectID = h.rand.uint32()
	peer.outgoingPeerID = maxPeerID
	peer.setChannelCount(channelCount)
	peer.state = StateConnecting
	peer.mtu = h.mtu
	h.bindAddress(peer)

	oc := &outgoingCommand{
		command: command{Header: commandHeader{
			ID:                     cmdConnect,
			Acknowledge:            true,
			ChannelID:              controlChannelID,
			ReliableSequenceNumber: peer.nextControlSequenceNumber(),
		},
			OutgoingPeerID:             peer.incomingPeerID,
			IncomingSessionID:          peer.incomingSessionID,
			OutgoingSessionID:          peer.outgoingSessionID,
			MTU:                        peer.mtu,
			WindowSize:                 peer.windowSize,
			ChannelCount:               uint32(channelCount),
			IncomingBandwidth:          h.incomingBandwidth,
			OutgoingBandwidth:          h.outgoingBandwidth,
			PacketThrottleInterval:     peerPacketThrottleInterval,
			PacketThrottleAcceleration: peerPacketThrottleAcceleration,
			PacketThrottleDeceleration: peerPacketThrottleDeceleration,
			ConnectID:                  peer.connectID,
			ConnectData:                data,
		},
	}
	peer.enqueueOutgoing(oc)
	h.log.Infof("connecting to %s", addr)
	return peer, nil
}

// Broadcast queues packet for every currently connected peer, per
// SPEC_FULL.md §4.1. Each peer gets its own reference; Send still applies
// per-peer fragmentation/sequencing independently.
func (h *Host) Broadcast(channelID uint8, packet *Packet) {
	for _, p := range h.peers {
		if p.Connected() {
			_ = p.Send(channelID, packet)
		}
	}
}

// Flush sends every peer's queued outgoing commands without waiting for or
// processing any incoming data, for callers that want to push writes
// immediately (e.g. right before DisconnectNow), per SPEC_FULL.md §4.7.
func (h *Host) Flush() {
	h.serviceTime = h.clock.NowMS()
	for _, p := range h.peers {
		if p.state != StateDisconnected && p.state != StateZombie {
			h.sendOutgoingCommands(p, false)
		}
	}
}

func (h *Host) flushPeer(p *Peer) {
	h.serviceTime = h.clock.NowMS()
	h.sendOutgoingCommands(p, false)
}

// CheckEvents dequeues and returns one already-pending event without doing
// any I/O, or EventNone if nothing is queued (§4.7 step 1).
func (h *Host) CheckEvents() Event {
	return h.dispatchIncomingCommands()
}

// Service drives one iteration of the host's cooperative loop (§4.7): it
// first returns any already-dispatchable event, otherwise throttles
// bandwidth, flushes every peer's outgoing queue, waits up to timeout for
// incoming data, processes what arrived, and returns the next event (or
// EventNone if the wait elapsed with nothing to report).
func (h *Host) Service(timeout time.Duration) (Event, error) {
	if ev := h.dispatchIncomingCommands(); ev.Type != EventNone {
		return ev, nil
	}

	h.serviceTime = h.clock.NowMS()
	h.bandwidthThrottle()

	for _, p := range h.peers {
		if p.state != StateDisconnected && p.state != StateZombie {
			h.sendOutgoingCommands(p, true)
		}
	}

	cond, err := h.socket.Wait(SocketReceive, timeout)
	if err != nil {
		return Event{}, err
	}
	if cond&SocketReceive != 0 {
		if err := h.receiveIncomingCommands(); err != nil {
			return Event{}, err
		}
	}

	return h.dispatchIncomingCommands(), nil
}

// Destroy closes the host's socket and resets every peer, releasing all
// outstanding packet references.
func (h *Host) Destroy() error {
	for _, p := range h.peers {
		if p.state != StateDisconnected {
			p.reset()
		}
	}
	return h.socket.Close()
}

func (h *Host) allocatePeer() (*Peer, error) {
	for _, p := range h.peers {
		if p.state == StateDisconnected {
			return p, nil
		}
	}
	return nil, ErrHostExhausted
}

func (h *Host) bindAddress(p *Peer) {
	if !h.duplicatePeers {
		h.addressToID[p.Address] = p.incomingPeerID
	}
}

func (h *Host) unbindAddress(p *Peer) {
	if id, ok := h.addressToID[p.Address]; ok && id == p.incomingPeerID {
		delete(h.addressToID, p.Address)
	}
}

func (h *Host) peerByAddress(addr Address) *Peer {
	if id, ok := h.addressToID[addr]; ok {
		return h.peers[id]
	}
	return nil
}

func (h *Host) enqueueDispatch(p *Peer) {
	if p.needsDispatch {
		return
	}
	p.needsDispatch = true
	p.dispatchElem = h.dispatchQueue.PushBack(p)
}

func (h *Host) dequeuePeer(p *Peer) {
	if p.dispatchElem != nil {
		h.dispatchQueue.Remove(p.dispatchElem)
		p.dispatchElem = nil
	}
	p.needsDispatch = false
}

// dispatchIncomingCommands pops the next peer with pending events and
// drains exactly one ready event from it (EventConnect/EventDisconnect take
// priority over any queued EventReceive, matching devils_host.c's ordering).
func (h *Host) dispatchIncomingCommands() Event {
	for {
		front := h.dispatchQueue.Front()
		if front == nil {
			return Event{Type: EventNone}
		}
		p := front.Value.(*Peer)

		switch p.state {
		case StateConnectionSucceeded:
			p.state = StateConnected
			h.connectedPeers++
			h.dequeuePeer(p)
			return Event{Type: EventConnect, Peer: p, Data: p.eventData}
		case StateZombie:
			h.dequeuePeer(p)
			reason := p.eventData
			p.reset()
			return Event{Type: EventDisconnect, Peer: p, Data: reason}
		}

		if p.dispatchedCommands.Len() > 0 {
			elem := p.dispatchedCommands.Front()
			ic := elem.Value.(*incomingCommand)
			p.dispatchedCommands.Remove(elem)
			if p.dispatchedCommands.Len() == 0 {
				h.dequeuePeer(p)
			}
			return Event{Type: EventReceive, Peer: p, ChannelID: ic.command.Header.ChannelID, Packet: ic.packet}
		}

		h.dequeuePeer(p)
	}
}

// bandwidthThrottle recomputes each connected peer's packetThrottleLimit
// from the host's configured bandwidth caps, redistributing unused capacity
// the way devils_host.c's bandwidth_throttle does, simplified to a single
// even split across currently-connected peers rather than the original's
// iterative fair-share convergence (see DESIGN.md). A peer whose declared
// bandwidth is below its even share has its throttle limit capped down
// proportionally, and every connected peer is sent a BANDWIDTH_LIMIT
// command communicating the new caps, per SPEC_FULL.md §4.6.
func (h *Host) bandwidthThrottle() {
	if h.outgoingBandwidth == 0 && h.incomingBandwidth == 0 {
		return
	}
	if timeDifference(h.serviceTime, h.bandwidthThrottleEpoch) < hostBandwidthThrottleEpoch {
		return
	}
	h.bandwidthThrottleEpoch = h.serviceTime

	peers := 0
	for _, p := range h.peers {
		if p.Connected() {
			peers++
		}
	}
	if peers == 0 {
		return
	}

	var perPeerOut, perPeerIn uint32
	if h.outgoingBandwidth > 0 {
		perPeerOut = h.outgoingBandwidth / uint32(peers)
	}
	if h.incomingBandwidth > 0 {
		perPeerIn = h.incomingBandwidth / uint32(peers)
	}

	for _, p := range h.peers {
		if !p.Connected() {
			continue
		}
		limit := uint32(packetThrottleScale)
		if perPeerOut > 0 && p.outgoingBandwidth > 0 && p.outgoingBandwidth < perPeerOut {
			limit = uint32(uint64(p.outgoingBandwidth) * uint64(packetThrottleScale) / uint64(perPeerOut))
			if limit > packetThrottleScale {
				limit = packetThrottleScale
			}
		}
		p.packetThrottleLimit = limit
		if p.packetThrottle > limit {
			p.packetThrottle = limit
		}

		oc := &outgoingCommand{
			command: command{Header: commandHeader{
				ID:                     cmdBandwidthLimit,
				Acknowledge:            true,
				ChannelID:              controlChannelID,
				ReliableSequenceNumber: p.nextControlSequenceNumber(),
			},
				IncomingBandwidth: perPeerIn,
				OutgoingBandwidth: perPeerOut,
			},
		}
		p.enqueueOutgoing(oc)
	}
}

// maxOutgoingMTU returns the largest datagram this host will build,
// honoring both the local and the peer's negotiated MTU.
func (p *Peer) maxOutgoingMTU() int {
	if p.mtu > 0 {
		return int(p.mtu)
	}
	return defaultMTU
}
