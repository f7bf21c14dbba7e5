// Package transport is the concrete UDP socket collaborator: it implements
// netchan.Addr and netchan.Sender over net.UDPConn the way the teacher's
// source/server/server.go wraps a net.UDPConn, generalized to serve
// arbitrary channels keyed by (remote address, qport) instead of a single
// game server's player map.
package transport

import (
	"net"

	"github.com/pkg/errors"

	"github.com/fenrir-net/netchan/internal/netchan"
)

// UDPAddr adapts *net.UDPAddr to netchan.Addr. Two addresses are Equal when
// their IP and port match; qport disambiguation (NAT-shared IP:port pairs)
// is the registry's job, not the address's.
type UDPAddr struct {
	addr *net.UDPAddr
}

// NewUDPAddr wraps a resolved UDP address.
func NewUDPAddr(addr *net.UDPAddr) UDPAddr {
	return UDPAddr{addr: addr}
}

func (a UDPAddr) Equal(o netchan.Addr) bool {
	other, ok := o.(UDPAddr)
	if !ok || other.addr == nil || a.addr == nil {
		return false
	}
	return a.addr.IP.Equal(other.addr.IP) && a.addr.Port == other.addr.Port
}

func (a UDPAddr) IsLoopback() bool {
	return a.addr != nil && a.addr.IP.IsLoopback()
}

func (a UDPAddr) String() string {
	if a.addr == nil {
		return "<nil>"
	}
	return a.addr.String()
}

// UDP returns the underlying *net.UDPAddr, for callers handing addresses
// back to net.UDPConn.WriteToUDP.
func (a UDPAddr) UDP() *net.UDPAddr { return a.addr }

// Socket is the UDP collaborator satisfying netchan.Sender,
// built directly on net.UDPConn the way the teacher's Server.Start binds
// one listening socket per process.
type Socket struct {
	conn *net.UDPConn
}

// Listen binds a UDP socket at addr ("host:port").
func Listen(addr string) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", addr)
	}
	return &Socket{conn: conn}, nil
}

// SendPacket implements netchan.Sender.
func (s *Socket) SendPacket(addr netchan.Addr, data []byte) error {
	ua, ok := addr.(UDPAddr)
	if !ok || ua.addr == nil {
		return errors.New("transport: send target is not a UDPAddr")
	}
	_, err := s.conn.WriteToUDP(data, ua.addr)
	if err != nil {
		return errors.Wrap(err, "write udp")
	}
	return nil
}

// RecvPacket blocks for the next inbound datagram, returning its source
// address and payload. buf sizes the read; a datagram larger than buf is
// truncated by the kernel, matching standard UDP semantics.
func (s *Socket) RecvPacket(buf []byte) (UDPAddr, []byte, error) {
	n, from, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return UDPAddr{}, nil, errors.Wrap(err, "read udp")
	}
	data := make([]byte, n)
	copy(data, buf[:n])
	return NewUDPAddr(from), data, nil
}

// Close releases the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}
