// Package socks5 provides the small, shared SOCKS5 handshake layer used by
// the SOCKS listener.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 to
// keep negotiation, username/password sub-negotiation, and CONNECT request
// parsing in one place. Replies follow the zero bound-address convention
// (BND.ADDR 0.0.0.0, BND.PORT 0), which common clients accept.
//
// This package is not a full SOCKS5 server or client; the client half exists
// for tests.
package socks5
