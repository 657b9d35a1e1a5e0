// Package transport implements O2's two wire channels: UDP for
// broadcast discovery and low-latency message delivery, and TCP for
// the ordered handshake and reliable delivery paths. Both are driven
// by background goroutines that only ever move bytes; every decoded
// event is handed to the caller through a channel so that all
// protocol logic still runs on the single goroutine driving the
// process's poll loop, matching the accept-loop/queueSession split of
// the teacher's listener (listener/listener.go, transport/tcp.go)
// adapted from per-connection handler goroutines to channel delivery.
package transport

import (
	"context"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// Datagram is one UDP packet received on a Socket, tagged with its
// source address.
type Datagram struct {
	Data []byte
	From *net.UDPAddr
}

// UDPSocket is a single UDP endpoint used for both sending and
// receiving. Incoming datagrams are delivered on Inbound; the
// background reader goroutine stops when Close is called.
type UDPSocket struct {
	conn    *net.UDPConn
	Inbound chan Datagram
}

// ListenUDP opens a UDP socket bound to addr (host:port, host may be
// empty to bind all interfaces) and starts its background reader.
func ListenUDP(addr string) (*UDPSocket, error) {
	return listenUDP(addr, nil)
}

// ListenBroadcastUDP opens a UDP socket the same way ListenUDP does,
// but with SO_BROADCAST set on the underlying file descriptor before
// bind, so sends to a subnet broadcast address succeed instead of
// failing with EACCES. Only the discovery socket needs this; the data
// socket only ever sends to specific peer addresses.
func ListenBroadcastUDP(addr string) (*UDPSocket, error) {
	control := func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
		}); err != nil {
			return err
		}
		return sockErr
	}
	return listenUDP(addr, control)
}

func listenUDP(addr string, control func(network, address string, c syscall.RawConn) error) (*UDPSocket, error) {
	lc := net.ListenConfig{Control: control}
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open udp socket")
	}
	s := &UDPSocket{
		conn:    pc.(*net.UDPConn),
		Inbound: make(chan Datagram, 64),
	}
	go s.readLoop()
	return s, nil
}

// LocalAddr reports the socket's bound address.
func (s *UDPSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *UDPSocket) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			close(s.Inbound)
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		s.Inbound <- Datagram{Data: cp, From: from}
	}
}

// SendTo writes payload to a specific remote address.
func (s *UDPSocket) SendTo(addr *net.UDPAddr, payload []byte) error {
	_, err := s.conn.WriteToUDP(payload, addr)
	return errors.Wrap(err, "udp send failed")
}

// Close shuts down the socket and its reader goroutine.
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

// BroadcastAddr resolves the link broadcast address for the given
// port on the subnet of the first non-loopback IPv4 interface address, falling
// back to the limited broadcast 255.255.255.255 if none can be
// determined.
func BroadcastAddr(port int) *net.UDPAddr {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			bcast := make(net.IP, 4)
			for i := range ip4 {
				bcast[i] = ip4[i] | ^ipNet.Mask[i]
			}
			return &net.UDPAddr{IP: bcast, Port: port}
		}
	}
	return &net.UDPAddr{IP: net.IPv4bcast, Port: port}
}
