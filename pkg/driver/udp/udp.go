// Package udp implements the packet driver on top of a UDP socket. Each
// outgoing packet becomes one datagram, framed with a trailing CRC-16/CCITT
// checksum over the packet bytes. Datagrams failing the checksum are dropped.
package udp

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/homa-transport/homa-go/pkg/driver"
	"github.com/howeyc/crc16"
	log "github.com/sirupsen/logrus"
)

const (
	// trailerLen is the size of the CRC trailer appended to each datagram.
	trailerLen = 2

	// DefaultMTU is the datagram size, trailer included. Chosen to fit a
	// common 1500 byte Ethernet path without IP fragmentation.
	DefaultMTU = 1472

	// queueLen bounds packets buffered between the socket reader and
	// ReceivePackets.
	queueLen = 4096
)

var crcTable = crc16.MakeTable(crc16.CCITT)

// Addr wraps a resolved UDP address.
type Addr struct {
	*net.UDPAddr
}

func (a Addr) String() string {
	return a.UDPAddr.String()
}

// Driver is a UDP-backed packet driver.
type Driver struct {
	conn      *net.UDPConn
	local     Addr
	pool      *driver.Pool
	bandwidth uint64
	queue     chan *driver.Packet

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDriver binds a UDP socket on listenAddr and starts its reader.
// bandwidth is the assumed link speed in bits per second.
func NewDriver(listenAddr string, bandwidth uint64) (*Driver, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolving %s failed: %v", listenAddr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: listening on %s failed: %v", listenAddr, err)
	}

	d := &Driver{
		conn:      conn,
		local:     Addr{conn.LocalAddr().(*net.UDPAddr)},
		pool:      driver.NewPool(DefaultMTU),
		bandwidth: bandwidth,
		queue:     make(chan *driver.Packet, queueLen),
		closed:    make(chan struct{}),
	}

	go d.reader()

	return d, nil
}

// Close shuts the socket down. Pending packets are discarded.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		err = d.conn.Close()
	})

	return err
}

func (d *Driver) reader() {
	buff := make([]byte, DefaultMTU)

	for {
		n, src, err := d.conn.ReadFromUDP(buff)
		if err != nil {
			select {
			case <-d.closed:
				return
			default:
			}

			log.WithFields(log.Fields{
				"driver": d.local,
				"error":  err,
			}).Warn("UDP read failed")
			continue
		}

		if n < trailerLen {
			continue
		}

		body := buff[:n-trailerLen]
		sum := binary.BigEndian.Uint16(buff[n-trailerLen : n])
		if crc16.Checksum(body, crcTable) != sum {
			log.WithFields(log.Fields{
				"driver": d.local,
				"source": src,
			}).Warn("Dropping datagram with bad checksum")
			continue
		}

		pkt := d.pool.Get()
		pkt.Addr = Addr{src}
		pkt.Length = copy(pkt.Buffer(), body)

		select {
		case d.queue <- pkt:
		default:
			// Inbound overrun behaves like network loss.
			pkt.Release()
		}
	}
}

func (d *Driver) LocalAddress() driver.Address {
	return d.local
}

func (d *Driver) Address(s string) (driver.Address, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return nil, fmt.Errorf("udp: resolving %s failed: %v", s, err)
	}

	return Addr{udpAddr}, nil
}

func (d *Driver) AllocPacket() (*driver.Packet, error) {
	return d.pool.Get(), nil
}

func (d *Driver) SendPacket(p *driver.Packet) error {
	dest, ok := p.Addr.(Addr)
	if !ok {
		return fmt.Errorf("udp: foreign address %v", p.Addr)
	}

	body := p.Payload()
	frame := make([]byte, len(body)+trailerLen)
	copy(frame, body)
	binary.BigEndian.PutUint16(frame[len(body):], crc16.Checksum(body, crcTable))

	if _, err := d.conn.WriteToUDP(frame, dest.UDPAddr); err != nil {
		return fmt.Errorf("udp: sending to %v failed: %v", dest, err)
	}

	return nil
}

func (d *Driver) ReceivePackets(max int, out []*driver.Packet) (int, error) {
	if max > len(out) {
		max = len(out)
	}

	n := 0
	for n < max {
		select {
		case pkt := <-d.queue:
			out[n] = pkt
			n++
		default:
			return n, nil
		}
	}

	return n, nil
}

func (d *Driver) ReleasePackets(pkts []*driver.Packet) {
	driver.ReleaseAll(pkts)
}

func (d *Driver) MaxPayloadSize() int {
	return DefaultMTU - trailerLen
}

func (d *Driver) Bandwidth() uint64 {
	return d.bandwidth
}
