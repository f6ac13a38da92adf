package transport

import (
	"errors"
	"net"
	"time"
)

var (
	// ErrTimeout is returned by Receive when no datagram arrived in time.
	ErrTimeout = errors.New("receive timeout")
	// ErrClosed is returned once the endpoint has been closed.
	ErrClosed = errors.New("transport closed")
)

// Transport is one datagram endpoint. Each Receive yields the sender address,
// which is where replies should go.
type Transport interface {
	Send(data []byte, to net.Addr) error
	Receive(timeout time.Duration) (net.Addr, []byte, error)
	LocalAddr() net.Addr
	Close() error
}

// Factory opens fresh endpoints, one per worker session.
type Factory interface {
	Open() (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func() (Transport, error)

func (f FactoryFunc) Open() (Transport, error) {
	return f()
}
