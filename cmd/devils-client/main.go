package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/duskrelay/devils/devils"
	"github.com/duskrelay/devils/pkg/logger"
)

const (
	version = "1.0.0"
)

func main() {
	host := flag.String("h", "127.0.0.1", "server host")
	port := flag.Int("p", 7777, "server port")
	verbose := flag.Bool("v", false, "verbose logging")
	count := flag.Int("c", 1, "number of packets to send")
	length := flag.Int("l", 64, "payload length per packet, in bytes")
	flag.Parse()

	level := logger.LevelInfo
	if *verbose {
		level = logger.LevelDebug
	}
	logger.SetLevel(level)
	logger.Banner("devils client", version)

	if err := run(*host, *port, *count, *length); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(hostArg string, port int, count int, length int) error {
	local, err := devils.NewAddress("0.0.0.0", 0)
	if err != nil {
		return fmt.Errorf("local address: %w", err)
	}
	h, err := devils.NewHost(devils.HostConfig{
		Address:      local,
		PeerLimit:    1,
		ChannelLimit: 1,
	})
	if err != nil {
		return fmt.Errorf("create host: %w", err)
	}
	defer h.Destroy()

	addr, err := devils.NewAddress(hostArg, uint16(port))
	if err != nil {
		return fmt.Errorf("server address: %w", err)
	}

	logger.Section("Connecting")
	logger.Info("target %s", addr)
	peer, err := h.Connect(addr, 1, 0)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if err := awaitConnect(h, peer); err != nil {
		return err
	}
	logger.Success("connected")

	logger.Section("Sending")
	payload := make([]byte, length)
	for i := 0; i < count; i++ {
		pkt := devils.NewPacket(payload, devils.PacketFlagReliable, nil)
		if err := peer.Send(0, pkt); err != nil {
			return fmt.Errorf("send packet %d: %w", i, err)
		}
		logger.Debug("queued packet %d/%d (%d bytes)", i+1, count, length)
	}

	if err := drain(h, 2*time.Second); err != nil {
		return err
	}

	logger.Section("Disconnecting")
	peer.Disconnect(0)
	_ = drain(h, time.Second)
	logger.Success("done")
	return nil
}

// awaitConnect blocks (bounded by a handshake timeout) until peer reports
// EventConnect or EventDisconnect.
func awaitConnect(h *devils.Host, peer *devils.Peer) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := h.Service(200 * time.Millisecond)
		if err != nil {
			return fmt.Errorf("service: %w", err)
		}
		switch ev.Type {
		case devils.EventConnect:
			if ev.Peer == peer {
				return nil
			}
		case devils.EventDisconnect:
			if ev.Peer == peer {
				return fmt.Errorf("peer rejected connection (reason %d)", ev.Data)
			}
		}
		ev.Release()
	}
	return fmt.Errorf("timed out waiting for connection to %s", peer.Address)
}

// drain services the host until timeout elapses, logging anything received
// and releasing every event's packet.
func drain(h *devils.Host, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ev, err := h.Service(100 * time.Millisecond)
		if err != nil {
			return fmt.Errorf("service: %w", err)
		}
		if ev.Type == devils.EventReceive {
			logger.Debug("received %d bytes on channel %d", ev.Packet.Len(), ev.ChannelID)
		}
		ev.Release()
	}
	return nil
}
