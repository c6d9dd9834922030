package devils

// EventType discriminates the four outcomes Service/CheckEvents can report,
// per SPEC_FULL.md §6.
type EventType int

const (
	EventNone EventType = iota
	EventConnect
	EventDisconnect
	EventReceive
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReceive:
		return "receive"
	default:
		return "unknown"
	}
}

// Event is the single polled notification Service/CheckEvents
// surface to the caller. For EventReceive, the caller owns Packet and must
// release it (Packet.Release) once done. Data carries the handshake
// payload on EventConnect, the disconnect reason on EventDisconnect, and is
// unused on EventReceive.
type Event struct {
	Type      EventType
	Peer      *Peer
	ChannelID uint8
	Packet    *Packet
	Data      uint32
}

// Release destroys the event's packet, if any. Safe to call on any event,
// including EventNone.
func (e Event) Release() {
	if e.Packet != nil {
		e.Packet.release()
	}
}
