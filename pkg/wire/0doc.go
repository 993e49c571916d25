// Package wire defines the Homa packet headers and their binary encoding.
//
// Every packet starts with a two byte prefix of protocol version and opcode,
// followed by an opcode-specific fixed size record. All multi-byte integers
// are encoded in network byte order (big-endian).
package wire
