package driver

import (
	"sync"
	"sync/atomic"
)

// Packet is a driver-owned buffer holding one datagram. The transport writes
// its header and payload into Buffer()[:Length]. For received packets Addr is
// the source address, for outgoing packets the destination.
//
// Packets are reference counted: AllocPacket and ReceivePackets hand out one
// reference, Ref adds another, Release drops one. The buffer returns to its
// pool when the last reference is gone.
type Packet struct {
	Addr   Address
	Length int

	buf  []byte
	refs int32
	pool *Pool
}

// Buffer returns the full backing buffer. Its capacity is the pool's MTU.
func (p *Packet) Buffer() []byte {
	return p.buf
}

// Payload returns the valid bytes of the packet.
func (p *Packet) Payload() []byte {
	return p.buf[:p.Length]
}

// Ref adds a reference to the packet.
func (p *Packet) Ref() {
	atomic.AddInt32(&p.refs, 1)
}

// Release drops a reference, recycling the packet on the last one.
func (p *Packet) Release() {
	if atomic.AddInt32(&p.refs, -1) == 0 {
		p.pool.put(p)
	}
}

// Pool recycles fixed-size packet buffers. Driver implementations embed one
// and hand its packets out through AllocPacket.
type Pool struct {
	mtu  int
	pool sync.Pool
}

// NewPool creates a Pool of mtu-sized packet buffers.
func NewPool(mtu int) *Pool {
	p := &Pool{mtu: mtu}
	p.pool.New = func() interface{} {
		return &Packet{buf: make([]byte, mtu), pool: p}
	}

	return p
}

// MTU returns the buffer size of this pool's packets.
func (p *Pool) MTU() int {
	return p.mtu
}

// Get returns an empty packet holding one reference.
func (p *Pool) Get() *Packet {
	pkt := p.pool.Get().(*Packet)
	pkt.Addr = nil
	pkt.Length = 0
	atomic.StoreInt32(&pkt.refs, 1)

	return pkt
}

func (p *Pool) put(pkt *Packet) {
	p.pool.Put(pkt)
}

// ReleaseAll drops one reference from each packet of pkts.
func ReleaseAll(pkts []*Packet) {
	for _, pkt := range pkts {
		if pkt != nil {
			pkt.Release()
		}
	}
}
