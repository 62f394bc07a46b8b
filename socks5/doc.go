// Package socks5 implements a SOCKS5 proxy server library (RFC 1928, RFC 1929).
//
// The center of the package is the per-connection engine [Conn], which drives
// the protocol state machine for a single accepted client: greeting, method
// negotiation, authentication sub-negotiation, request parsing, command
// dispatch and teardown. The engine is generic over a credential type that
// flows from the [Authenticator] to the command handlers unchanged; the
// package never inspects it.
//
// The three SOCKS5 commands are dispatched to pluggable handlers implementing
// [Connector], [Binder] and [Associator]. Tunnel implementations that open
// real sockets ([TunnelConnector], [TunnelBinder], [TunnelAssociator]) and
// deniers that refuse a command with "command not supported" are provided.
//
// [Server] wraps the engine with a TCP accept loop, and [WebSocketListener]
// accepts the same protocol tunneled over WebSocket.
package socks5
