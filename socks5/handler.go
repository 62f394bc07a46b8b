package socks5

import (
	"context"
	"io"
	"net"
)

// Connector handles the CONNECT command. C is the credential type produced
// by the engine's authenticator.
type Connector[C any] interface {
	// Establish opens the outbound connection to dst. Returning a
	// *ReplyError chooses the reply code sent to the client; any other
	// error is mapped through ReplyForError.
	Establish(ctx context.Context, dst SocksAddr, credentials C) (net.Conn, error)

	// Relay pumps bytes between the client channel and the established
	// connection until either side reaches EOF.
	Relay(ctx context.Context, client io.ReadWriter, server net.Conn, credentials C) error
}

// Binder handles the BIND command.
type Binder[C any] interface {
	// Listen opens the listener the client's peer will connect to and
	// returns its local address for the first reply.
	Listen(ctx context.Context, dst SocksAddr, credentials C) (net.Addr, net.Listener, error)

	// Accept waits for the inbound peer and returns it with its remote
	// address for the second reply.
	Accept(ctx context.Context, ln net.Listener, credentials C) (net.Conn, net.Addr, error)

	// Relay pumps bytes between the client channel and the accepted peer.
	Relay(ctx context.Context, client io.ReadWriter, peer net.Conn, credentials C) error
}

// Associator handles the UDP ASSOCIATE command. The engine owns the relay
// loop; the associator only supplies the datagram endpoint and moves
// individual datagrams.
type Associator[C any] interface {
	// Bind opens the datagram endpoint clients will send to and returns
	// its local address for the associate reply.
	Bind(ctx context.Context, credentials C) (net.Addr, net.PacketConn, error)

	// SendTo writes one datagram to dst.
	SendTo(ctx context.Context, conn net.PacketConn, p []byte, dst net.Addr, credentials C) (int, error)

	// RecvFrom reads one datagram and reports its source.
	RecvFrom(ctx context.Context, conn net.PacketConn, p []byte, credentials C) (int, net.Addr, error)
}

// DenyConnector refuses CONNECT with "command not supported".
type DenyConnector[C any] struct{}

// Establish always fails with ReplyCommandNotSupported.
func (DenyConnector[C]) Establish(context.Context, SocksAddr, C) (net.Conn, error) {
	return nil, NewReplyError(ReplyCommandNotSupported)
}

// Relay is never reached; it mirrors Establish for completeness.
func (DenyConnector[C]) Relay(context.Context, io.ReadWriter, net.Conn, C) error {
	return NewReplyError(ReplyCommandNotSupported)
}

// DenyBinder refuses BIND with "command not supported".
type DenyBinder[C any] struct{}

// Listen always fails with ReplyCommandNotSupported.
func (DenyBinder[C]) Listen(context.Context, SocksAddr, C) (net.Addr, net.Listener, error) {
	return nil, nil, NewReplyError(ReplyCommandNotSupported)
}

// Accept is never reached; it mirrors Listen for completeness.
func (DenyBinder[C]) Accept(context.Context, net.Listener, C) (net.Conn, net.Addr, error) {
	return nil, nil, NewReplyError(ReplyCommandNotSupported)
}

// Relay is never reached; it mirrors Listen for completeness.
func (DenyBinder[C]) Relay(context.Context, io.ReadWriter, net.Conn, C) error {
	return NewReplyError(ReplyCommandNotSupported)
}

// DenyAssociator refuses UDP ASSOCIATE with "command not supported".
type DenyAssociator[C any] struct{}

// Bind always fails with ReplyCommandNotSupported.
func (DenyAssociator[C]) Bind(context.Context, C) (net.Addr, net.PacketConn, error) {
	return nil, nil, NewReplyError(ReplyCommandNotSupported)
}

// SendTo is never reached; it mirrors Bind for completeness.
func (DenyAssociator[C]) SendTo(context.Context, net.PacketConn, []byte, net.Addr, C) (int, error) {
	return 0, NewReplyError(ReplyCommandNotSupported)
}

// RecvFrom is never reached; it mirrors Bind for completeness.
func (DenyAssociator[C]) RecvFrom(context.Context, net.PacketConn, []byte, C) (int, net.Addr, error) {
	return 0, nil, NewReplyError(ReplyCommandNotSupported)
}
