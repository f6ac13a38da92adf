package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"tarun-kavipurapu/file-transfer/pkg/logger"
	"tarun-kavipurapu/file-transfer/pkg/transport"
)

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65507

// UDPTransport implements transport.Transport over a single UDP socket.
type UDPTransport struct {
	conn *net.UDPConn
	// reads share buf, so only one Receive runs at a time
	readLock sync.Mutex
	buf      []byte
}

// Listen binds addr ("host:port", port 0 picks a free one). A non-zero tos is
// applied to outgoing IPv4 packets.
func Listen(addr string, tos int) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if tos > 0 {
		if err := ipv4.NewConn(conn).SetTOS(tos); err != nil {
			logger.Sugar.Warnf("[UDPTransport] set TOS failed: addr=%s tos=%d err=%v", conn.LocalAddr(), tos, err)
		}
	}
	return &UDPTransport{
		conn: conn,
		buf:  make([]byte, maxDatagram),
	}, nil
}

func (t *UDPTransport) Send(data []byte, to net.Addr) error {
	if _, err := t.conn.WriteTo(data, to); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return transport.ErrClosed
		}
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

// Receive waits up to timeout for one datagram. A non-positive timeout blocks
// until a datagram arrives or the socket is closed.
func (t *UDPTransport) Receive(timeout time.Duration) (net.Addr, []byte, error) {
	t.readLock.Lock()
	defer t.readLock.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, nil, transport.ErrClosed
		}
		return nil, nil, err
	}

	n, from, err := t.conn.ReadFromUDP(t.buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil, transport.ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, nil, transport.ErrClosed
		}
		return nil, nil, fmt.Errorf("receive on %s: %w", t.conn.LocalAddr(), err)
	}

	data := make([]byte, n)
	copy(data, t.buf[:n])
	return from, data, nil
}

func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

// NewFactory returns a factory that binds a fresh socket on host for every
// Open, so each session replies from its own port.
func NewFactory(host string, tos int) transport.Factory {
	return transport.FactoryFunc(func() (transport.Transport, error) {
		return Listen(net.JoinHostPort(host, "0"), tos)
	})
}
