package devils

import "container/list"

// Reliable-window constants from SPEC_FULL.md §4.3: 16 windows of 4096
// sequence numbers each, with at most freeReliableWindows of them
// accepted/in-flight ahead of the oldest unacknowledged one at a time.
const (
	reliableWindows       = 16
	reliableWindowSize    = 4096
	freeReliableWindows   = 8
	unsequencedWindows    = 32
	unsequencedWindowSize = 1024 / 32 // 32 bits of bitmap per window
	unsequencedWindowBits = 1024
)

// channel holds one peer's per-channel sequencing state: independent
// outgoing counters, independent incoming counters and the reorder queues
// waiting on them, and the reliable-window occupancy table used to refuse
// sends that would wrap the window before old entries are acknowledged.
type channel struct {
	outgoingReliableSequenceNumber   uint16
	outgoingUnreliableSequenceNumber uint16

	incomingReliableSequenceNumber   uint16
	incomingUnreliableSequenceNumber uint16

	// reliableWindows[i] counts outstanding (unacknowledged) commands whose
	// reliable sequence number falls in window i (sequenceNumber/4096 mod
	// 16). usedReliableWindows has bit i set whenever reliableWindows[i] is
	// nonzero, so "is window i in use" is an O(1) test.
	reliableWindowsUsed [reliableWindows]uint16
	usedReliableWindows uint16

	// Commands received but not yet dispatched to the application, held
	// back by ordering requirements (reliable-ordered delivery, or an
	// unreliable command arriving ahead of the reliable checkpoint it
	// follows). list.Element pointers serve as the O(1)-removable handles
	// the original's intrusive list nodes provided.
	incomingReliableCommands   *list.List // of *incomingCommand
	incomingUnreliableCommands *list.List // of *incomingCommand
}

func newChannel() *channel {
	return &channel{
		incomingReliableCommands:   list.New(),
		incomingUnreliableCommands: list.New(),
	}
}

// windowOf returns which of the 16 reliable windows a sequence number
// falls in.
func windowOf(seq uint16) uint16 {
	return (seq / reliableWindowSize) % reliableWindows
}

// canSendReliable reports whether a new reliable command may be admitted
// into window windowOf(seq) without risking head-of-line wraparound: the
// window must not itself be saturated, and at least one of the
// freeReliableWindows windows starting at that same window must still be
// free to receive new traffic.
func (c *channel) canSendReliable(seq uint16) bool {
	w := windowOf(seq)
	if c.reliableWindowsUsed[w] >= reliableWindowSize {
		return false
	}
	// Require that not all of the free-window lookahead is already
	// occupied; this is the same guard devils_peer.c applies before
	// admitting a send that would extend the window past what the
	// receiver's 16-window acceptance range (§4.3) can track.
	used := 0
	for i := uint16(0); i < freeReliableWindows; i++ {
		if c.usedReliableWindows&(1<<((w+i)%reliableWindows)) != 0 {
			used++
		}
	}
	return used < freeReliableWindows
}

func (c *channel) reserveWindow(seq uint16) {
	w := windowOf(seq)
	c.reliableWindowsUsed[w]++
	c.usedReliableWindows |= 1 << w
}

func (c *channel) releaseWindow(seq uint16) {
	w := windowOf(seq)
	if c.reliableWindowsUsed[w] > 0 {
		c.reliableWindowsUsed[w]--
	}
	if c.reliableWindowsUsed[w] == 0 {
		c.usedReliableWindows &^= 1 << w
	}
}

// inReliableAcceptanceWindow reports whether an incoming reliable sequence
// number falls within [currentWindow, currentWindow+freeReliableWindows-1]
// relative to the channel's current incoming reliable sequence number, per
// SPEC_FULL.md §4.3.
func (c *channel) inReliableAcceptanceWindow(seq uint16) bool {
	current := windowOf(c.incomingReliableSequenceNumber)
	w := windowOf(seq)
	for i := uint16(0); i < freeReliableWindows; i++ {
		if (current+i)%reliableWindows == w {
			return true
		}
	}
	return false
}
