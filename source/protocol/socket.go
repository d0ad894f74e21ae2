package protocol

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// ErrWouldBlock signals a drained socket on a non-blocking receive.
var ErrWouldBlock = errors.New("operation would block")

const maxUdpPacketSize = 65536

// UDPSocket wraps a UDP conn in polling receive semantics: RecvFrom returns
// ErrWouldBlock once the queue is drained, so a tick driver can poll it
// without stalling the loop for more than a millisecond.
type UDPSocket struct {
	conn    *net.UDPConn
	recvBuf []byte
	stats   SocketStats
}

// BindSocket opens a UDP socket on addr ("host:port"; port 0 for ephemeral).
func BindSocket(addr string) (*UDPSocket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolve bind address")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "bind udp socket")
	}
	return &UDPSocket{
		conn:    conn,
		recvBuf: make([]byte, maxUdpPacketSize),
	}, nil
}

func (s *UDPSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// SendTo writes one datagram to addr.
func (s *UDPSocket) SendTo(data []byte, addr *net.UDPAddr) error {
	n, err := s.conn.WriteToUDP(data, addr)
	if err != nil {
		return errors.Wrapf(err, "send to %s", addr)
	}
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(n)
	return nil
}

// RecvFrom reads one datagram, waiting at most a millisecond. Returns
// ErrWouldBlock when nothing is queued. The returned slice is owned by the
// caller.
func (s *UDPSocket) RecvFrom() ([]byte, *net.UDPAddr, error) {
	// A deadline already in the past fails the read before the socket is
	// checked, so the deadline sits just ahead of now.
	if err := s.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return nil, nil, errors.Wrap(err, "set read deadline")
	}
	n, addr, err := s.conn.ReadFromUDP(s.recvBuf)
	if err != nil {
		if isTimeout(err) {
			return nil, nil, ErrWouldBlock
		}
		return nil, nil, errors.Wrap(err, "recv")
	}
	s.stats.PacketsReceived++
	s.stats.BytesReceived += uint64(n)
	data := make([]byte, n)
	copy(data, s.recvBuf[:n])
	return data, addr, nil
}

func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

func (s *UDPSocket) Stats() SocketStats {
	return s.stats
}

func isTimeout(err error) bool {
	if os.IsTimeout(err) {
		return true
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
