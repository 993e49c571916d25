// Package channel provides an in-process packet driver: endpoints registered
// on a shared Network exchange packets through bounded in-memory queues.
// Mostly useful for tests and single-process setups; supports programmable
// packet loss.
package channel

import (
	"fmt"
	"sync"

	"github.com/homa-transport/homa-go/pkg/driver"
)

const (
	// DefaultMTU bounds the packet size of a Network unless overridden.
	DefaultMTU = 1500

	// DefaultQueueLen is the per-endpoint inbound queue capacity.
	DefaultQueueLen = 1024

	// DefaultBandwidth is reported by endpoints, 10 Gbit/s.
	DefaultBandwidth = 10 * 1000 * 1000 * 1000
)

// Addr is an endpoint name on a Network.
type Addr string

func (a Addr) String() string {
	return string(a)
}

// Network connects channel endpoints by name.
type Network struct {
	mtu int

	mu        sync.RWMutex
	endpoints map[Addr]*Endpoint
}

// NewNetwork creates an empty Network with the given MTU, or DefaultMTU for
// mtu <= 0.
func NewNetwork(mtu int) *Network {
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	return &Network{
		mtu:       mtu,
		endpoints: make(map[Addr]*Endpoint),
	}
}

// Endpoint registers a new endpoint under name and returns its driver.
func (n *Network) Endpoint(name string) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr := Addr(name)
	if _, exists := n.endpoints[addr]; exists {
		return nil, fmt.Errorf("channel: endpoint %s does already exist", name)
	}

	e := &Endpoint{
		network: n,
		local:   addr,
		pool:    driver.NewPool(n.mtu),
		queue:   make(chan *driver.Packet, DefaultQueueLen),
	}
	n.endpoints[addr] = e

	return e, nil
}

func (n *Network) lookup(addr Addr) *Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.endpoints[addr]
}

// Endpoint is one attachment point of a Network, implementing driver.Driver.
type Endpoint struct {
	network *Network
	local   Addr
	pool    *driver.Pool
	queue   chan *driver.Packet

	dropMu sync.Mutex
	drop   func(*driver.Packet) bool
}

// SetDropFunc installs a loss hook: outgoing packets for which f returns true
// are silently discarded. A nil f disables loss.
func (e *Endpoint) SetDropFunc(f func(*driver.Packet) bool) {
	e.dropMu.Lock()
	e.drop = f
	e.dropMu.Unlock()
}

func (e *Endpoint) LocalAddress() driver.Address {
	return e.local
}

func (e *Endpoint) Address(s string) (driver.Address, error) {
	if s == "" {
		return nil, fmt.Errorf("channel: empty address")
	}

	return Addr(s), nil
}

func (e *Endpoint) AllocPacket() (*driver.Packet, error) {
	return e.pool.Get(), nil
}

// SendPacket delivers a copy of p to the destination endpoint's queue. The
// caller keeps its reference to p.
func (e *Endpoint) SendPacket(p *driver.Packet) error {
	dest, ok := p.Addr.(Addr)
	if !ok {
		return fmt.Errorf("channel: foreign address %v", p.Addr)
	}

	e.dropMu.Lock()
	drop := e.drop
	e.dropMu.Unlock()
	if drop != nil && drop(p) {
		return nil
	}

	peer := e.network.lookup(dest)
	if peer == nil {
		return fmt.Errorf("channel: no endpoint %s", dest)
	}

	// The wire copy: the sender keeps its buffer for retransmission.
	in := peer.pool.Get()
	in.Addr = e.local
	in.Length = p.Length
	copy(in.Buffer(), p.Payload())

	select {
	case peer.queue <- in:
	default:
		// Queue overrun behaves like network loss.
		in.Release()
	}

	return nil
}

func (e *Endpoint) ReceivePackets(max int, out []*driver.Packet) (int, error) {
	if max > len(out) {
		max = len(out)
	}

	n := 0
	for n < max {
		select {
		case pkt := <-e.queue:
			out[n] = pkt
			n++
		default:
			return n, nil
		}
	}

	return n, nil
}

func (e *Endpoint) ReleasePackets(pkts []*driver.Packet) {
	driver.ReleaseAll(pkts)
}

func (e *Endpoint) MaxPayloadSize() int {
	return e.network.mtu
}

func (e *Endpoint) Bandwidth() uint64 {
	return DefaultBandwidth
}
