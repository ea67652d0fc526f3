// Package netio provides the abstract datagram endpoint SLS/SFP's core is
// built against, a real UDP-backed implementation, and a deterministic
// loss-and-reorder simulator for tests.
package netio

import (
	"net"
	"time"
)

// Datagram is one (peer, bytes) unit as it crosses the abstract endpoint.
type Datagram struct {
	Peer net.Addr
	Data []byte
}

// Endpoint is the capability interface the sender and receiver cores are
// built against: send/recv of (peer, bytes) plus a monotonic clock.
type Endpoint interface {
	Send(peer net.Addr, data []byte) error
	Recv() (Datagram, error)
	Now() time.Time
	LocalAddr() net.Addr
	Close() error
}

// UDPEndpoint is the production Endpoint backed by a real net.PacketConn.
type UDPEndpoint struct {
	conn    net.PacketConn
	maxSize int
}

// NewUDPEndpoint binds a UDP socket at addr (empty for an ephemeral port).
func NewUDPEndpoint(addr string, maxDatagramSize int) (*UDPEndpoint, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	if maxDatagramSize <= 0 {
		maxDatagramSize = 65507
	}
	return &UDPEndpoint{conn: conn, maxSize: maxDatagramSize}, nil
}

func (e *UDPEndpoint) Send(peer net.Addr, data []byte) error {
	_, err := e.conn.WriteTo(data, peer)
	return err
}

// recvPoll bounds each blocking read so Recv behaves like the non-blocking
// suspension point the cores are written against: a quiet socket
// surfaces as ErrNoDatagram rather than an indefinite block.
const recvPoll = 5 * time.Millisecond

func (e *UDPEndpoint) Recv() (Datagram, error) {
	buf := make([]byte, e.maxSize)
	e.conn.SetReadDeadline(time.Now().Add(recvPoll))
	n, peer, err := e.conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Datagram{}, ErrNoDatagram
		}
		return Datagram{}, err
	}
	return Datagram{Peer: peer, Data: buf[:n]}, nil
}

func (e *UDPEndpoint) Now() time.Time      { return time.Now() }
func (e *UDPEndpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }
func (e *UDPEndpoint) Close() error        { return e.conn.Close() }
