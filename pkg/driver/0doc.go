// Package driver specifies the packet driver a Homa transport runs on top of:
// an unreliable datagram service with driver-owned, reference-counted packet
// buffers. Implementations live in the subpackages, e.g. channel for an
// in-process fabric and udp for a socket-backed driver.
package driver
