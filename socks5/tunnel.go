package socks5

import (
	"context"
	"io"
	"net"
	"time"
)

// TunnelConnector is the default CONNECT handler: it dials the destination
// directly over TCP and relays bytes bidirectionally.
type TunnelConnector[C any] struct {
	// DialTimeout bounds the outbound dial. Zero means no timeout beyond
	// the context's.
	DialTimeout time.Duration
}

// Establish dials the destination over TCP.
func (t TunnelConnector[C]) Establish(ctx context.Context, dst SocksAddr, _ C) (net.Conn, error) {
	dialer := net.Dialer{Timeout: t.DialTimeout}
	return dialer.DialContext(ctx, "tcp", dst.String())
}

// Relay pumps bytes until either side reaches EOF.
func (t TunnelConnector[C]) Relay(_ context.Context, client io.ReadWriter, server net.Conn, _ C) error {
	return relay(client, server)
}

// TunnelBinder is the default BIND handler: it binds a TCP listener at the
// requested address, accepts a single inbound peer and relays bytes.
type TunnelBinder[C any] struct{}

// Listen binds a TCP listener at the requested address.
func (TunnelBinder[C]) Listen(ctx context.Context, dst SocksAddr, _ C) (net.Addr, net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", dst.String())
	if err != nil {
		return nil, nil, err
	}
	return ln.Addr(), ln, nil
}

// Accept waits for the single inbound peer and closes the listener.
func (TunnelBinder[C]) Accept(ctx context.Context, ln net.Listener, _ C) (net.Conn, net.Addr, error) {
	defer ln.Close()

	if deadline, ok := ctx.Deadline(); ok {
		type deadliner interface{ SetDeadline(time.Time) error }
		if d, ok := ln.(deadliner); ok {
			d.SetDeadline(deadline)
		}
	}

	conn, err := ln.Accept()
	if err != nil {
		return nil, nil, err
	}
	return conn, conn.RemoteAddr(), nil
}

// Relay pumps bytes until either side reaches EOF.
func (TunnelBinder[C]) Relay(_ context.Context, client io.ReadWriter, peer net.Conn, _ C) error {
	return relay(client, peer)
}

// TunnelAssociator is the default UDP ASSOCIATE handler: it opens a
// wildcard UDP socket and moves datagrams through it.
type TunnelAssociator[C any] struct {
	// BindIP pins the relay socket to an interface. Nil binds the IPv4
	// wildcard; "udp4" is forced so dual-stack hosts do not advertise an
	// IPv6 wildcard that clients cannot send to.
	BindIP net.IP
}

// Bind opens the UDP relay socket on an ephemeral port.
func (t TunnelAssociator[C]) Bind(_ context.Context, _ C) (net.Addr, net.PacketConn, error) {
	ip := t.BindIP
	network := "udp"
	if ip == nil {
		ip = net.IPv4zero
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, &net.UDPAddr{IP: ip, Port: 0})
	if err != nil {
		return nil, nil, err
	}
	return conn.LocalAddr(), conn, nil
}

// SendTo writes one datagram to dst.
func (TunnelAssociator[C]) SendTo(_ context.Context, conn net.PacketConn, p []byte, dst net.Addr, _ C) (int, error) {
	return conn.WriteTo(p, dst)
}

// RecvFrom reads one datagram.
func (TunnelAssociator[C]) RecvFrom(_ context.Context, conn net.PacketConn, p []byte, _ C) (int, net.Addr, error) {
	return conn.ReadFrom(p)
}
