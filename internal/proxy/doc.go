// Package proxy implements the listener-side proxy engine.
//
// It contains the HTTP forward proxy front-end (request-head parsing, PAC
// serving, client authentication, CONNECT tunnelling, and forward mode), the
// version-dispatched SOCKS4/4a/SOCKS5 server, and shared connection plumbing
// such as the keepalive listener wrapper and the bidirectional relay.
//
// Every accepted connection is handled by one goroutine as a straight-line
// state machine: negotiate with the client, dial the upstream proxy, then
// hand both sockets to the relay. Exactly one access log event is emitted
// per connection.
package proxy
