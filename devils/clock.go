package devils

import "time"

// timeOverflow is the wrap-around constant from SPEC_FULL.md §6: any
// forward/backward distance of at least this many milliseconds is treated
// as having crossed the uint32 millisecond counter's wrap point rather than
// being a genuinely large (but unwrapped) gap.
const timeOverflow uint32 = 86_400_000

// Clock supplies the host's millisecond service-time samples. The engine
// takes every service-time sample from its Clock (the UDP socket adapter
// uses time.Now() only for read deadlines), so tests can swap in a fake
// clock to exercise retransmission timing deterministically.
type Clock interface {
	NowMS() uint32
}

// systemClock truncates a monotonic time source to 32 bits of milliseconds
// since the clock was created. Two hosts in the same process therefore
// don't share an absolute epoch, which is fine: the protocol only ever
// compares timestamps it generated itself against its own later samples.
type systemClock struct {
	start time.Time
}

// NewSystemClock returns the default Clock implementation, backed by
// time.Now()'s monotonic reading.
func NewSystemClock() Clock {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) NowMS() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

// timeLess implements the wrap-aware LESS(a, b) predicate: a is considered
// earlier than b if a-b (mod 2^32) is at least timeOverflow, i.e. going
// forward from b to reach a would take a wrap of the counter. Equal values
// are not less.
func timeLess(a, b uint32) bool {
	return (a - b) >= timeOverflow
}

// timeGreaterEqual is the complement used throughout the send/ack paths
// ("has this deadline passed yet").
func timeGreaterEqual(a, b uint32) bool {
	return !timeLess(a, b)
}

// timeDifference returns the smaller of the two wrap-aware distances
// between a and b, so that a timestamp recorded just before a wrap and one
// recorded just after it still report a small difference.
func timeDifference(a, b uint32) uint32 {
	if a-b >= timeOverflow {
		return b - a
	}
	return a - b
}
