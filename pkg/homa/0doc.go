// Package homa implements the Homa message transport protocol in user space:
// a receiver-driven, congestion-controlled datagram transport for discrete
// messages. A Transport composes a Sender, a Receiver and a packet driver;
// all protocol progress is made through repeated calls to Transport.Poll.
package homa
