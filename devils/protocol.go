package devils

import (
	"encoding/binary"
)

// maxCommandsPerDatagram bounds how many commands sendOutgoingCommands packs
// into a single datagram before it must flush and start another, matching
// devils_protocol.c's ENET_PROTOCOL_MAXIMUM_PACKET_COMMANDS guard against an
// unbounded command count blowing past MTU accounting.
const maxCommandsPerDatagram = 32

// sendOutgoingCommands builds and sends as many datagrams as necessary to
// drain peer's acknowledgement queue and not-yet-sent command queue,
// respecting the peer's negotiated MTU. When checkForTimeouts is true it
// also walks sentReliableCommands looking for entries past their
// retransmit deadline, per SPEC_FULL.md §4.6.
func (h *Host) sendOutgoingCommands(peer *Peer, checkForTimeouts bool) {
	if checkForTimeouts {
		h.checkTimeouts(peer)
	}

	// Unreliable sends need no retransmission, so anything still parked in
	// sentUnreliableCommands from a prior call has already done its job.
	drainOutgoing(peer.sentUnreliableCommands)

	headerSpace := 4 // worst case: peerID+session+flags + sentTime
	checksumSpace := 0
	if h.checksum != nil {
		checksumSpace = 4
	}
	commandsStart := headerSpace + checksumSpace

	for {
		buf := make([]byte, 0, peer.maxOutgoingMTU())
		buf = append(buf, make([]byte, commandsStart)...)

		commandCount := 0
		var payloads [][]byte

		for peer.acknowledgements.Len() > 0 && commandCount < maxCommandsPerDatagram {
			front := peer.acknowledgements.Front()
			ack := front.Value.(*acknowledgement)
			c := command{Header: commandHeader{
				ID:                     cmdAcknowledge,
				ChannelID:              ack.channelID,
				ReliableSequenceNumber: ack.reliableSequenceNumber,
			},
				ReceivedReliableSequenceNumber: ack.reliableSequenceNumber,
				ReceivedSentTime:               ack.sentTime,
			}
			if len(buf)+commandHeaderSize+c.size() > peer.maxOutgoingMTU() {
				break
			}
			buf = c.encode(buf)
			peer.acknowledgements.Remove(front)
			commandCount++
		}

		for peer.outgoingCommands.Len() > 0 && commandCount < maxCommandsPerDatagram {
			front := peer.outgoingCommands.Front()
			oc := front.Value.(*outgoingCommand)

			// The reliable-window and data-in-transit caps (§4.8) are only
			// enforced on a command's first admission attempt; a command
			// already counted against the window on an earlier pass must
			// still go out again on retransmission regardless of current
			// occupancy, matching devils_peer.c's sendAttempts < 1 guard.
			var ch *channel
			if oc.isReliable() && oc.command.Header.ChannelID != controlChannelID {
				ch = peer.channel(oc.command.Header.ChannelID)
			}
			if ch != nil && oc.sendAttempts == 0 {
				if !ch.canSendReliable(oc.reliableSequenceNumber) ||
					peer.reliableDataInTransit+oc.fragmentLength > peer.windowSize {
					break
				}
			}

			extra := 0
			if oc.packet != nil {
				extra = int(oc.fragmentLength)
			}
			if len(buf)+commandHeaderSize+oc.command.size()+extra > peer.maxOutgoingMTU() && commandCount > 0 {
				break
			}

			peer.outgoingCommands.Remove(front)
			buf = oc.command.encode(buf)
			if oc.packet != nil {
				payload := oc.packet.Data[oc.fragmentOffset : oc.fragmentOffset+oc.fragmentLength]
				payloads = append(payloads, payload)
				oc.packet.markSent()
			}
			commandCount++

			if ch != nil && oc.sendAttempts == 0 {
				ch.reserveWindow(oc.reliableSequenceNumber)
				peer.reliableDataInTransit += oc.fragmentLength
			}

			oc.sendAttempts++
			oc.sentTime = h.serviceTime
			if oc.isReliable() {
				oc.roundTripTimeout = h.serviceTime + peer.roundTripTime + 4*peer.roundTripTimeVariance
				peer.sentReliableCommands.PushBack(oc)
			} else {
				peer.sentUnreliableCommands.PushBack(oc)
			}
		}

		if commandCount == 0 {
			return
		}

		header := datagramHeader{PeerID: peer.outgoingPeerID, SessionID: peer.outgoingSessionID}
		header.HasSentTime = true
		header.SentTime = uint16(h.serviceTime)
		header.encode(buf)

		var all [][]byte
		if h.compressor != nil {
			body := append([][]byte{buf[commandsStart:]}, payloads...)
			if compressed, ok := h.compressor.Compress(body, int(peer.mtu)); ok {
				header.Compressed = true
				header.encode(buf)
				all = [][]byte{buf[:commandsStart], compressed}
			}
		}
		if all == nil {
			all = append([][]byte{buf}, payloads...)
		}

		// The checksum field occupies buf[headerSpace:headerSpace+4], right
		// after the header and before any command/payload bytes, per
		// SPEC_FULL.md §4.1/§4.14. It is still zeroed at this point, so
		// hashing all now covers the same bytes the receiver will zero and
		// re-hash to validate; the sum is then written into that slot
		// in-place rather than appended as a trailing field.
		if h.checksum != nil {
			sum := h.checksum(all)
			binary.BigEndian.PutUint32(all[0][headerSpace:headerSpace+4], sum)
		}

		sent, err := h.socket.Send(peer.Address, all)
		if err != nil {
			h.log.Errorf("send to %s: %v", peer.Address, err)
			return
		}
		h.totalSentPackets++
		h.totalSentData += uint64(sent)

		if peer.outgoingCommands.Len() == 0 && peer.acknowledgements.Len() == 0 {
			if peer.state == StateDisconnectLater {
				peer.Disconnect(peer.eventData)
			}
			return
		}
	}
}

// checkTimeouts walks a peer's unacknowledged reliable commands, dropping
// the connection to ZOMBIE once its timeout budget is exhausted, per
// SPEC_FULL.md §4.6.
func (h *Host) checkTimeouts(peer *Peer) {
	for e := peer.sentReliableCommands.Front(); e != nil; {
		next := e.Next()
		oc := e.Value.(*outgoingCommand)
		if timeGreaterEqual(h.serviceTime, oc.sentTime+peer.timeoutMaximum) ||
			(oc.sendAttempts > 0 && timeGreaterEqual(h.serviceTime, oc.roundTripTimeout) && uint32(oc.sendAttempts) >= peer.timeoutLimit) {
			peer.state = StateZombie
			peer.eventData = 0
			h.enqueueDispatch(peer)
			return
		}
		if timeGreaterEqual(h.serviceTime, oc.roundTripTimeout) {
			peer.sentReliableCommands.Remove(e)
			peer.outgoingCommands.PushFront(oc)
		}
		e = next
	}
}

// receiveIncomingCommands drains every datagram currently waiting on the
// socket, routing each to its peer (or to connection-accept handling) and
// decoding its command records, per SPEC_FULL.md §4.1/§4.7.
func (h *Host) receiveIncomingCommands() error {
	for {
		n, from, err := h.socket.Receive(h.recvBuf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		h.totalReceivedPackets++
		h.totalReceivedData += uint64(n)
		h.handleDatagram(h.recvBuf[:n], from)
	}
}

func (h *Host) handleDatagram(data []byte, from Address) {
	header, consumed, err := decodeDatagramHeader(data)
	if err != nil {
		return
	}
	body := data[consumed:]

	// The checksum field, when configured, immediately follows the header
	// (§4.1/§4.14): validate it in place by zeroing that field in a scratch
	// copy and re-hashing, the inverse of how sendOutgoingCommands computes
	// it over the same zeroed slot before writing the real sum in.
	if h.checksum != nil {
		if len(body) < 4 {
			return
		}
		expected := binary.BigEndian.Uint32(body[0:4])
		scratch := make([]byte, len(data))
		copy(scratch, data)
		binary.BigEndian.PutUint32(scratch[consumed:consumed+4], 0)
		if h.checksum([][]byte{scratch}) != expected {
			h.log.Warnf("dropping datagram from %s: checksum mismatch", from)
			return
		}
		body = body[4:]
	}

	var peer *Peer
	if header.PeerID != maxPeerID && int(header.PeerID) < len(h.peers) {
		candidate := h.peers[header.PeerID]
		if candidate.state != StateDisconnected && candidate.state != StateZombie &&
			(candidate.Address.Equal(from) || candidate.Address.Host == 0) {
			peer = candidate
		}
	}

	if header.Compressed && h.compressor != nil {
		decompressed, derr := h.compressor.Decompress(body, int(h.mtu)*4)
		if derr != nil {
			return
		}
		body = decompressed
	}

	if peer != nil {
		peer.lastReceiveTime = h.serviceTime
		peer.earliestTimeout = 0
	}

	for len(body) >= commandHeaderSize {
		cmd, n, derr := decodeCommand(body)
		if derr != nil {
			return
		}
		body = body[n:]
		var payload []byte
		if cmd.carriesPacket() {
			plen := int(cmd.DataLength)
			if cmd.Header.ID == cmdSendFragment || cmd.Header.ID == cmdSendUnreliableFragment {
				plen = int(cmd.DataLength)
			}
			if len(body) < plen {
				return
			}
			payload = body[:plen]
			body = body[plen:]
		}

		if cmd.Header.ID == cmdConnect {
			h.handleConnect(cmd, from, header)
			continue
		}
		if peer == nil {
			continue
		}
		h.dispatchCommand(peer, cmd, payload, header)
	}
}

func (h *Host) dispatchCommand(peer *Peer, cmd *command, payload []byte, dh datagramHeader) {
	if cmd.Header.Acknowledge {
		sentTime := uint16(0)
		if dh.HasSentTime {
			sentTime = dh.SentTime
		}
		peer.queueAcknowledgement(cmd.Header, sentTime)
	}

	switch cmd.Header.ID {
	case cmdAcknowledge:
		h.handleAcknowledge(peer, cmd, dh)
	case cmdVerifyConnect:
		h.handleVerifyConnect(peer, cmd)
	case cmdDisconnect:
		h.handleDisconnectCommand(peer, cmd)
	case cmdPing:
		// liveness only; lastReceiveTime already updated.
	case cmdSendReliable:
		h.handleSendReliable(peer, cmd, payload)
	case cmdSendUnreliable:
		h.handleSendUnreliable(peer, cmd, payload)
	case cmdSendUnsequenced:
		h.handleSendUnsequenced(peer, cmd, payload)
	case cmdSendFragment, cmdSendUnreliableFragment:
		h.handleSendFragment(peer, cmd, payload)
	case cmdBandwidthLimit:
		peer.incomingBandwidth = cmd.IncomingBandwidth
		peer.outgoingBandwidth = cmd.OutgoingBandwidth
	case cmdThrottleConfigure:
		peer.packetThrottleInterval = cmd.PacketThrottleInterval
		peer.packetThrottleAcceleration = cmd.PacketThrottleAcceleration
		peer.packetThrottleDeceleration = cmd.PacketThrottleDeceleration
	}
}

// handleConnect either creates a new peer for a fresh CONNECT (replying
// with VERIFY_CONNECT) or, when duplicatePeers is disabled and the address
// already owns a live peer, rejects it per SPEC_FULL.md §4.2.
func (h *Host) handleConnect(cmd *command, from Address, _ datagramHeader) {
	if existing := h.peerByAddress(from); existing != nil && !h.duplicatePeers {
		return
	}
	peer, err := h.allocatePeer()
	if err != nil {
		return
	}
	peer.Address = from
	peer.outgoingPeerID = cmd.OutgoingPeerID
	peer.incomingSessionID = cmd.OutgoingSessionID
	peer.connectID = cmd.ConnectID
	peer.mtu = minU32(cmd.MTU, h.mtu)
	if peer.mtu == 0 {
		peer.mtu = defaultMTU
	}
	peer.windowSize = cmd.WindowSize
	peer.incomingBandwidth = cmd.IncomingBandwidth
	peer.outgoingBandwidth = cmd.OutgoingBandwidth
	peer.packetThrottleInterval = cmd.PacketThrottleInterval
	peer.packetThrottleAcceleration = cmd.PacketThrottleAcceleration
	peer.packetThrottleDeceleration = cmd.PacketThrottleDeceleration
	channelCount := int(cmd.ChannelCount)
	if channelCount <= 0 || channelCount > h.channelLimit {
		channelCount = h.channelLimit
	}
	peer.setChannelCount(channelCount)
	peer.state = StateAcknowledgingConnect
	peer.eventData = cmd.ConnectData
	h.bindAddress(peer)

	oc := &outgoingCommand{
		command: command{Header: commandHeader{
			ID:                     cmdVerifyConnect,
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
			PacketThrottleInterval:     peer.packetThrottleInterval,
			PacketThrottleAcceleration: peer.packetThrottleAcceleration,
			PacketThrottleDeceleration: peer.packetThrottleDeceleration,
			ConnectID:                  peer.connectID,
		},
	}
	peer.enqueueOutgoing(oc)
	h.log.Infof("accepted connection from %s", from)
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func (h *Host) handleVerifyConnect(peer *Peer, cmd *command) {
	if peer.state != StateConnecting {
		return
	}
	peer.outgoingPeerID = cmd.OutgoingPeerID
	peer.incomingSessionID = cmd.OutgoingSessionID
	peer.mtu = minU32(cmd.MTU, peer.mtu)
	if int(cmd.ChannelCount) < len(peer.channels) {
		peer.channels = peer.channels[:cmd.ChannelCount]
	}
	peer.windowSize = cmd.WindowSize
	peer.incomingBandwidth = cmd.IncomingBandwidth
	peer.outgoingBandwidth = cmd.OutgoingBandwidth
	peer.packetThrottleInterval = cmd.PacketThrottleInterval
	peer.packetThrottleAcceleration = cmd.PacketThrottleAcceleration
	peer.packetThrottleDeceleration = cmd.PacketThrottleDeceleration
	peer.state = StateConnectionSucceeded
	h.enqueueDispatch(peer)
}

func (h *Host) handleAcknowledge(peer *Peer, cmd *command, dh datagramHeader) {
	if peer.state == StateDisconnected || peer.state == StateZombie {
		return
	}
	for e := peer.sentReliableCommands.Front(); e != nil; e = e.Next() {
		oc := e.Value.(*outgoingCommand)
		if oc.command.Header.ReliableSequenceNumber == cmd.ReceivedReliableSequenceNumber &&
			oc.command.Header.ChannelID == cmd.Header.ChannelID {
			peer.sentReliableCommands.Remove(e)
			if ch := peer.channel(oc.command.Header.ChannelID); ch != nil {
				ch.releaseWindow(oc.reliableSequenceNumber)
			}
			if peer.reliableDataInTransit >= oc.fragmentLength {
				peer.reliableDataInTransit -= oc.fragmentLength
			}
			if oc.packet != nil {
				if uint64(oc.fragmentLength) <= peer.totalWaitingData {
					peer.totalWaitingData -= uint64(oc.fragmentLength)
				}
				oc.packet.release()
			}
			if dh.HasSentTime {
				rtt := h.serviceTime - reconstructSentTime(h.serviceTime, cmd.ReceivedSentTime)
				peer.throttleAcknowledge(rtt)
			}
			if oc.command.Header.ID == cmdVerifyConnect && peer.state == StateAcknowledgingConnect {
				peer.state = StateConnectionSucceeded
				h.enqueueDispatch(peer)
			}
			break
		}
	}

	if peer.state == StateDisconnecting && peer.outgoingCommands.Len() == 0 &&
		peer.sentReliableCommands.Len() == 0 && peer.acknowledgements.Len() == 0 {
		peer.state = StateZombie
		h.enqueueDispatch(peer)
	}
	if peer.state == StateAcknowledgingDisconnect {
		peer.reset()
	}
}

func (h *Host) handleDisconnectCommand(peer *Peer, cmd *command) {
	if peer.state == StateDisconnected || peer.state == StateZombie {
		return
	}
	drainOutgoing(peer.outgoingCommands)
	peer.eventData = cmd.DisconnectData
	peer.state = StateZombie
	h.enqueueDispatch(peer)
}

func (h *Host) handleSendReliable(peer *Peer, cmd *command, payload []byte) {
	ch := peer.channel(cmd.Header.ChannelID)
	if ch == nil {
		return
	}
	seq := cmd.Header.ReliableSequenceNumber
	if !ch.inReliableAcceptanceWindow(seq) {
		return
	}
	distance := seq - ch.incomingReliableSequenceNumber // wraps mod 65536
	if distance == 0 || distance >= 0x8000 {
		return // duplicate or behind the current checkpoint
	}
	if distance == 1 {
		ch.incomingReliableSequenceNumber = seq
		pkt := NewPacket(payload, PacketFlagReliable, nil)
		h.deliver(peer, cmd.Header.ChannelID, pkt)
		h.releaseQueuedReliable(peer, ch)
	} else {
		h.queueIncomingReliable(ch, seq, cmd, payload)
	}
}

// queueIncomingReliable holds a reliable command that arrived ahead of the
// channel's expected sequence number, ordered by reliableSequenceNumber, so
// releaseQueuedReliable can drain it once the gap closes.
func (h *Host) queueIncomingReliable(ch *channel, seq uint16, cmd *command, payload []byte) {
	ic := newIncomingCommand(0) // whole command, already fully received
	ic.reliableSequenceNumber = seq
	ic.command = *cmd
	ic.packet = NewPacket(payload, PacketFlagReliable, nil)

	inserted := false
	for e := ch.incomingReliableCommands.Back(); e != nil; e = e.Prev() {
		existing := e.Value.(*incomingCommand)
		if existing.reliableSequenceNumber == seq {
			ic.packet.release()
			return
		}
		if existing.reliableSequenceNumber < seq {
			ch.incomingReliableCommands.InsertAfter(ic, e)
			inserted = true
			break
		}
	}
	if !inserted {
		ch.incomingReliableCommands.PushFront(ic)
	}
}

func (h *Host) releaseQueuedReliable(peer *Peer, ch *channel) {
	for {
		front := ch.incomingReliableCommands.Front()
		if front == nil {
			return
		}
		ic := front.Value.(*incomingCommand)
		if ic.reliableSequenceNumber != ch.incomingReliableSequenceNumber+1 || !ic.complete() {
			return
		}
		ch.incomingReliableCommands.Remove(front)
		ch.incomingReliableSequenceNumber = ic.reliableSequenceNumber
		h.deliver(peer, ic.command.Header.ChannelID, ic.packet)
	}
}

func (h *Host) handleSendUnreliable(peer *Peer, cmd *command, payload []byte) {
	ch := peer.channel(cmd.Header.ChannelID)
	if ch == nil {
		return
	}
	if ch.incomingUnreliableSequenceNumber != 0 {
		distance := cmd.UnreliableSequenceNumber - ch.incomingUnreliableSequenceNumber
		if distance == 0 || distance >= 0x8000 {
			return // duplicate or out-of-order stale datagram; unreliable drops it rather than reordering
		}
	}
	ch.incomingUnreliableSequenceNumber = cmd.UnreliableSequenceNumber
	pkt := NewPacket(payload, 0, nil)
	h.deliver(peer, cmd.Header.ChannelID, pkt)
}

func (h *Host) handleSendUnsequenced(peer *Peer, cmd *command, payload []byte) {
	if !peer.acceptUnsequenced(cmd.UnsequencedGroup) {
		return
	}
	pkt := NewPacket(payload, PacketFlagUnsequenced, nil)
	h.deliver(peer, cmd.Header.ChannelID, pkt)
}

// handleSendFragment accumulates one fragment of a larger reliable or
// unreliable packet into the matching in-flight incomingCommand (keyed by
// channel + start sequence number), delivering it once every fragment has
// arrived, per SPEC_FULL.md §4.4.
func (h *Host) handleSendFragment(peer *Peer, cmd *command, payload []byte) {
	ch := peer.channel(cmd.Header.ChannelID)
	if ch == nil {
		return
	}
	reliable := cmd.Header.ID == cmdSendFragment
	cmdList := ch.incomingUnreliableCommands
	if reliable {
		cmdList = ch.incomingReliableCommands
		if !ch.inReliableAcceptanceWindow(cmd.StartSequenceNumber) {
			return
		}
	}

	var ic *incomingCommand
	for e := cmdList.Front(); e != nil; e = e.Next() {
		cand := e.Value.(*incomingCommand)
		if cand.command.StartSequenceNumber == cmd.StartSequenceNumber && cand.command.Header.ChannelID == cmd.Header.ChannelID {
			ic = cand
			break
		}
	}
	if ic == nil {
		if cmd.FragmentCount == 0 || cmd.FragmentCount > maxFragmentCount {
			return
		}
		ic = newIncomingCommand(cmd.FragmentCount)
		ic.reliableSequenceNumber = cmd.StartSequenceNumber
		ic.command = *cmd
		ic.packet = &Packet{Data: make([]byte, cmd.TotalLength)}
		cmdList.PushBack(ic)
	}

	if cmd.FragmentNumber >= uint32(len(ic.fragments))*32 {
		return
	}
	if first := ic.markFragment(cmd.FragmentNumber); first {
		copy(ic.packet.Data[cmd.FragmentOffset:], payload)
		ic.fragmentsRemaining--
	}

	if !ic.complete() {
		return
	}

	for e := cmdList.Front(); e != nil; e = e.Next() {
		if e.Value.(*incomingCommand) == ic {
			cmdList.Remove(e)
			break
		}
	}

	if reliable {
		if ic.reliableSequenceNumber == ch.incomingReliableSequenceNumber+1 {
			ch.incomingReliableSequenceNumber = ic.reliableSequenceNumber
			ic.packet.refCount = 1
			h.deliver(peer, cmd.Header.ChannelID, ic.packet)
			h.releaseQueuedReliable(peer, ch)
		} else {
			ch.incomingReliableCommands.PushBack(ic)
		}
	} else {
		ic.packet.refCount = 1
		h.deliver(peer, cmd.Header.ChannelID, ic.packet)
	}
}

// deliver appends a fully-assembled packet to peer's dispatch queue as an
// EventReceive waiting to be surfaced by CheckEvents/Service.
func (h *Host) deliver(peer *Peer, channelID uint8, pkt *Packet) {
	ic := newIncomingCommand(0)
	ic.command.Header.ChannelID = channelID
	ic.packet = pkt
	peer.dispatchedCommands.PushBack(ic)
	h.enqueueDispatch(peer)
}
