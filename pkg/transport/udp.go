package transport

import (
	"net"

	"github.com/jabolina/go-substrate/internal/logging"
)

// UDPSocket is a clonable fire-and-forget datagram sender, paired with a
// receive loop that hands each inbound buffer to a user callback.
// Grounded on spec.md §4.3 "UDP": send failures are not propagated,
// because SendMessage over UDP is defined as one-way unreliable.
type UDPSocket struct {
	conn *net.UDPConn
	log  logging.Logger
}

// NewUDPSocket binds a UDP socket on addr ("" picks an ephemeral port on
// all interfaces).
func NewUDPSocket(addr string, log logging.Logger) (*UDPSocket, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &UDPSocket{conn: conn, log: log}, nil
}

// LocalAddr reports the bound address, for use as a peer's advertised
// datagram endpoint.
func (u *UDPSocket) LocalAddr() Addr {
	return Addr(u.conn.LocalAddr().String())
}

// Send fires payload at dst and deliberately ignores any error besides
// logging it: UDP delivery is unreliable by definition, so the caller
// cannot act on a send failure any differently than on ordinary loss.
func (u *UDPSocket) Send(dst Addr, payload []byte) {
	raddr, err := net.ResolveUDPAddr("udp", string(dst))
	if err != nil {
		u.log.Warnf("udp: resolve %s: %v", dst, err)
		return
	}
	if _, err := u.conn.WriteToUDP(payload, raddr); err != nil {
		u.log.Warnf("udp: send to %s: %v", dst, err)
	}
}

// Listen reads datagrams until the socket is closed, handing each buffer
// and its sender to onBuf. Runs on the caller's goroutine; callers
// typically `go socket.Listen(...)`.
func (u *UDPSocket) Listen(onBuf func(from Addr, buf []byte)) error {
	buf := make([]byte, MaxFrameLen)
	for {
		n, raddr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		onBuf(Addr(raddr.String()), cp)
	}
}

// Close releases the underlying socket, causing Listen to return.
func (u *UDPSocket) Close() error {
	return u.conn.Close()
}
