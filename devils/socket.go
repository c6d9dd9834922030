package devils

import (
	"errors"
	"net"
	"time"
)

// SocketCondition is a bitset of readiness conditions, mirroring
// SPEC_FULL.md §6's socket_wait contract.
type SocketCondition uint8

const (
	SocketSend SocketCondition = 1 << iota
	SocketReceive
	SocketInterrupt
)

// maxDatagramSize bounds the scratch buffer Wait uses to pre-fetch a
// datagram while blocking; it is the largest UDP payload over IPv4, so a
// full-sized UDP datagram is never truncated.
const maxDatagramSize = 65507

// Socket is the datagram I/O adapter the host drives; it's the one
// external collaborator spec.md treats purely as an interface (§1, §6).
// udpSocket below is this module's concrete implementation over
// net.UDPConn, since a runnable engine needs one, but application code can
// substitute a Socket of its own (a simulated lossy link for tests, for
// instance — see SPEC_FULL.md §8).
type Socket interface {
	Send(addr Address, buffers [][]byte) (int, error)
	Receive(buf []byte) (int, Address, error)
	Wait(cond SocketCondition, timeout time.Duration) (SocketCondition, error)
	LocalAddr() Address
	Close() error
	// Interrupt makes the next Wait call return SocketInterrupt at once.
	// udpSocket does not wake a Wait that is already blocked, and the host
	// itself never calls Interrupt.
	Interrupt()
}

// udpSocket adapts net.UDPConn to the Socket interface. Each call is
// independent and non-reentrant per the engine's single-threaded contract;
// the interrupt channel is the one piece of state another goroutine may
// touch, guarded by being buffered and non-blocking.
//
// Wait's blocking read can't peek a datagram's readiness without consuming
// it (UDP truncates a ReadFrom to the caller's buffer size and discards
// the rest), so a datagram read while waiting is stashed in pending and
// handed back by the very next Receive call instead of being dropped.
type udpSocket struct {
	conn      *net.UDPConn
	local     Address
	interrupt chan struct{}

	pendingValid bool
	pendingData  []byte
	pendingAddr  Address
}

// NewUDPSocket binds a UDP socket at addr (zero Address.Port picks an
// ephemeral port, used by outbound-only clients).
func NewUDPSocket(addr Address) (Socket, error) {
	conn, err := net.ListenUDP("udp4", addr.UDPAddr())
	if err != nil {
		return nil, err
	}
	local := AddressFromUDP(conn.LocalAddr().(*net.UDPAddr))
	return &udpSocket{conn: conn, local: local, interrupt: make(chan struct{}, 1)}, nil
}

func (s *udpSocket) LocalAddr() Address { return s.local }

func (s *udpSocket) Send(addr Address, buffers [][]byte) (int, error) {
	total := 0
	for _, b := range buffers {
		total += len(b)
	}
	payload := make([]byte, 0, total)
	for _, b := range buffers {
		payload = append(payload, b...)
	}
	n, err := s.conn.WriteToUDP(payload, addr.UDPAddr())
	if err != nil {
		if isTimeout(err) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func (s *udpSocket) Receive(buf []byte) (int, Address, error) {
	if s.pendingValid {
		n := copy(buf, s.pendingData)
		addr := s.pendingAddr
		s.pendingValid = false
		s.pendingData = nil
		return n, addr, nil
	}

	_ = s.conn.SetReadDeadline(time.Now())
	n, raddr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if isTimeout(err) {
			return 0, Address{}, nil
		}
		return 0, Address{}, err
	}
	return n, AddressFromUDP(raddr), nil
}

func (s *udpSocket) Wait(cond SocketCondition, timeout time.Duration) (SocketCondition, error) {
	select {
	case <-s.interrupt:
		return SocketInterrupt, nil
	default:
	}

	if cond&SocketReceive == 0 {
		return cond, nil
	}

	scratch := make([]byte, maxDatagramSize)
	deadline := time.Now().Add(timeout)
	_ = s.conn.SetReadDeadline(deadline)
	n, raddr, err := s.conn.ReadFromUDP(scratch)
	_ = s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if isTimeout(err) {
			return 0, nil
		}
		return 0, err
	}

	s.pendingValid = true
	s.pendingData = scratch[:n]
	s.pendingAddr = AddressFromUDP(raddr)
	return SocketReceive, nil
}

func (s *udpSocket) Interrupt() {
	select {
	case s.interrupt <- struct{}{}:
	default:
	}
}

func (s *udpSocket) Close() error { return s.conn.Close() }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
