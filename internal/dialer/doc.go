// Package dialer establishes outbound connections to the single configured
// upstream HTTP(S) forward proxy.
//
// Dial opens the raw TCP (optionally TLS) connection used by HTTP forward
// mode; DialConnect additionally performs the HTTP CONNECT handshake and is
// shared verbatim by the HTTP CONNECT, SOCKS4, and SOCKS5 paths.
package dialer
