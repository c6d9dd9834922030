package devils

// outgoingCommand is a queued command awaiting its first send or an
// acknowledgement, per SPEC_FULL.md §3's "Outgoing command". It lives in
// exactly one of a peer's outgoingCommands / sentReliableCommands /
// sentUnreliableCommands lists at a time; moving it between lists is a
// Remove-from-one, PushBack-to-another pair against container/list, the
// "O(1) splice given a handle" operation the Design Notes call for in
// place of the original's intrusive list nodes.
type outgoingCommand struct {
	command command
	packet  *Packet // nil for control commands that carry no payload

	fragmentOffset uint32
	fragmentLength uint32

	sendAttempts uint16
	sentTime     uint32

	roundTripTimeout      uint32
	roundTripTimeoutLimit uint32

	reliableSequenceNumber   uint16
	unreliableSequenceNumber uint16
}

// isReliable reports whether this command is kept in sentReliableCommands
// until acknowledged. Only reliable commands on an application channel also
// take a reliable-window slot; control-channel commands do not.
func (o *outgoingCommand) isReliable() bool {
	switch o.command.Header.ID {
	case cmdSendReliable, cmdSendFragment, cmdConnect, cmdDisconnect, cmdVerifyConnect:
		return true
	default:
		return o.command.Header.Acknowledge
	}
}

// incomingCommand is a received command awaiting either fragment
// completion or its turn in delivery order, per SPEC_FULL.md §3's
// "Incoming command".
type incomingCommand struct {
	reliableSequenceNumber   uint16
	unreliableSequenceNumber uint16
	command                  command

	packet *Packet // the (possibly still-assembling) receive packet

	fragmentsRemaining uint32
	fragments          []uint32 // bitset, 32 fragments per word
}

func newIncomingCommand(fragmentCount uint32) *incomingCommand {
	ic := &incomingCommand{fragmentsRemaining: fragmentCount}
	if fragmentCount > 0 {
		ic.fragments = make([]uint32, (fragmentCount+31)/32)
	}
	return ic
}

// markFragment records fragment index as received, returning true the
// first time it's seen (so a duplicate retransmitted fragment doesn't
// double-decrement fragmentsRemaining).
func (ic *incomingCommand) markFragment(index uint32) (first bool) {
	word := index / 32
	bit := uint32(1) << (index % 32)
	if ic.fragments[word]&bit != 0 {
		return false
	}
	ic.fragments[word] |= bit
	return true
}

func (ic *incomingCommand) complete() bool {
	return ic.fragmentsRemaining == 0
}

// acknowledgement is a queued outgoing ACK: the channel/sequence number of
// the command being acknowledged, and the sent-time to echo back so the
// original sender can update its RTT estimate (§4.5).
type acknowledgement struct {
	channelID              uint8
	reliableSequenceNumber uint16
	sentTime               uint16
}
