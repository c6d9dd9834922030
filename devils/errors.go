package devils

import "errors"

// Sentinel errors, matching the taxonomy in SPEC_FULL.md §7. Call sites wrap
// these with fmt.Errorf("%w: ...", ...) to add context, the same pattern the
// teacher uses for its socket-bind failure in source/server/server.go.
var (
	ErrInvalidAddress    = errors.New("devils: invalid address")
	ErrHostExhausted     = errors.New("devils: no free peer slots")
	ErrPeerNotConnected  = errors.New("devils: peer is not connected")
	ErrPacketTooLarge    = errors.New("devils: packet exceeds maximum size")
	ErrChannelOutOfRange = errors.New("devils: channel id out of range")
	ErrInvalidCommand    = errors.New("devils: malformed or unknown command")
	ErrSocketClosed      = errors.New("devils: socket closed")
	ErrBufferTooShort    = errors.New("devils: buffer too short")
	ErrTooManyChannels   = errors.New("devils: channel count exceeds limit")
	ErrDuplicatePeer     = errors.New("devils: duplicate peer rejected")
)
