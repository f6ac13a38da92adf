// Package memory is an in-process datagram network. It behaves like UDP:
// unknown destinations swallow packets, full inboxes drop them, and a Filter
// can drop or duplicate traffic to exercise recovery paths.
package memory

import (
	"fmt"
	"net"
	"sync"
	"time"

	"tarun-kavipurapu/file-transfer/pkg/transport"
)

const inboxSize = 4096

// Addr names an endpoint on a Network.
type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }

// Filter decides how many copies of a packet are delivered: 0 drops it,
// 1 delivers it, 2 or more duplicate it.
type Filter func(from, to net.Addr, data []byte) int

type packet struct {
	from net.Addr
	data []byte
}

type Network struct {
	mu        sync.Mutex
	endpoints map[Addr]*Endpoint
	next      int
	filter    Filter
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[Addr]*Endpoint)}
}

// SetFilter installs f for all subsequent sends. nil restores lossless delivery.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Listen creates an endpoint with a fixed name.
func (n *Network) Listen(name string) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	addr := Addr(name)
	if _, exists := n.endpoints[addr]; exists {
		return nil, fmt.Errorf("address %s already in use", name)
	}
	e := &Endpoint{
		network: n,
		addr:    addr,
		inbox:   make(chan packet, inboxSize),
		closed:  make(chan struct{}),
	}
	n.endpoints[addr] = e
	return e, nil
}

// Open creates an endpoint with a generated name, making Network a
// transport.Factory.
func (n *Network) Open() (transport.Transport, error) {
	n.mu.Lock()
	n.next++
	name := fmt.Sprintf("mem-%d", n.next)
	n.mu.Unlock()
	return n.Listen(name)
}

func (n *Network) deliver(from Addr, to net.Addr, data []byte) {
	n.mu.Lock()
	dst := n.endpoints[Addr(to.String())]
	filter := n.filter
	n.mu.Unlock()

	// The filter sees every packet put on the wire, delivered or not.
	copies := 1
	if filter != nil {
		copies = filter(from, to, data)
	}
	if dst == nil {
		return
	}
	for i := 0; i < copies; i++ {
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case dst.inbox <- packet{from: from, data: buf}:
		default:
		}
	}
}

func (n *Network) remove(addr Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// Endpoint implements transport.Transport.
type Endpoint struct {
	network *Network
	addr    Addr
	inbox   chan packet
	closed  chan struct{}
	once    sync.Once
}

func (e *Endpoint) Send(data []byte, to net.Addr) error {
	select {
	case <-e.closed:
		return transport.ErrClosed
	default:
	}
	e.network.deliver(e.addr, to, data)
	return nil
}

func (e *Endpoint) Receive(timeout time.Duration) (net.Addr, []byte, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case p := <-e.inbox:
		return p.from, p.data, nil
	case <-e.closed:
		return nil, nil, transport.ErrClosed
	case <-timer:
		return nil, nil, transport.ErrTimeout
	}
}

func (e *Endpoint) LocalAddr() net.Addr {
	return e.addr
}

func (e *Endpoint) Close() error {
	e.once.Do(func() {
		close(e.closed)
		e.network.remove(e.addr)
	})
	return nil
}
