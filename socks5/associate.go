package socks5

import (
	"context"
	"errors"
	"io"
	"net"
)

// runAssociate drives the UDP ASSOCIATE command. The request's destination
// names the addresses the client may send datagrams from; a zero port or
// an unspecified host are wildcards resolved against the first datagram.
func (c *Conn[C]) runAssociate(ctx context.Context, dst SocksAddr, credentials C) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clientAddrs, err := dst.SocketAddrs(ctx)
	if err != nil {
		return c.replyAndWrap(err)
	}

	local, pc, err := c.associate.Bind(ctx, credentials)
	if err != nil {
		return c.replyAndWrap(err)
	}
	defer pc.Close()

	bound, err := AddrFromNetAddr(local)
	if err != nil {
		return c.replyAndWrap(err)
	}

	c.log.Debug("udp relay listening", "local", bound.String())

	if err := c.writeReply(ReplySucceeded, bound); err != nil {
		return err
	}

	return c.relayDatagrams(ctx, pc, clientAddrs, credentials)
}

type inboundDatagram struct {
	data []byte
	src  *net.UDPAddr
}

// relayDatagrams serializes the two suspension points of the association
// onto one loop: datagrams arriving on the relay socket and a one-byte
// read of the control TCP stream that watches for teardown. Forwarding is
// sequential; per-datagram errors are transient and skip the datagram.
func (c *Conn[C]) relayDatagrams(ctx context.Context, pc net.PacketConn, clientAddrs []*net.UDPAddr, credentials C) error {
	udpCh := make(chan inboundDatagram)
	tcpCh := make(chan error, 1)

	go c.watchControlStream(tcpCh)
	go c.receiveDatagrams(ctx, pc, udpCh, credentials)

	var verifiedClient *net.UDPAddr
	for {
		select {
		case err := <-tcpCh:
			if err == nil {
				c.log.Debug("control stream closed, ending association")
				return nil
			}
			return err

		case <-ctx.Done():
			return ctx.Err()

		case d := <-udpCh:
			if verifiedClient == nil && addrsMatch(clientAddrs, d.src) {
				verifiedClient = d.src
				c.log.Debug("pinned client address", "client", d.src.String())
			}
			if verifiedClient == nil {
				c.log.Debug("ignoring datagram from unverified source", "src", d.src.String())
				continue
			}

			var err error
			if sameUDPAddr(d.src, verifiedClient) {
				err = c.forwardToServer(ctx, pc, d.data, credentials)
			} else {
				err = c.forwardToClient(ctx, pc, d.data, d.src, verifiedClient, credentials)
			}
			if err != nil {
				c.log.Debug("dropping datagram", "src", d.src.String(), "error", err)
			}
		}
	}
}

// watchControlStream reads the control TCP stream once. Clients must not
// send anything there after the associate reply: zero bytes at EOF is the
// clean termination signal, payload is a protocol violation.
func (c *Conn[C]) watchControlStream(tcpCh chan<- error) {
	buf := make([]byte, 1)
	for {
		n, err := c.conn.Read(buf)
		switch {
		case n > 0:
			tcpCh <- ErrControlStreamData
			return
		case errors.Is(err, io.EOF):
			tcpCh <- nil
			return
		case err != nil:
			tcpCh <- err
			return
		}
	}
}

// receiveDatagrams pumps the relay socket into udpCh. The buffer leaves
// one byte of headroom past the payload ceiling so truncated datagrams are
// detectable; those are dropped rather than forwarded partially.
func (c *Conn[C]) receiveDatagrams(ctx context.Context, pc net.PacketConn, udpCh chan<- inboundDatagram, credentials C) {
	for {
		buf := make([]byte, c.maxDatagram+1)
		n, src, err := c.associate.RecvFrom(ctx, pc, buf, credentials)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if n > c.maxDatagram {
			c.log.Debug("dropping truncated datagram", "src", src.String(), "size", n)
			continue
		}

		udpAddr := asUDPAddr(src)
		if udpAddr == nil {
			continue
		}

		select {
		case udpCh <- inboundDatagram{data: buf[:n], src: udpAddr}:
		case <-ctx.Done():
			return
		}
	}
}

// forwardToServer handles a client-to-server datagram: strip the SOCKS5
// header and send the payload to the decoded destination.
func (c *Conn[C]) forwardToServer(ctx context.Context, pc net.PacketConn, data []byte, credentials C) error {
	d, err := ParseDatagram(data)
	if err != nil {
		return err
	}
	if d.Frag != 0 {
		return errors.New("fragmented datagrams not supported")
	}

	dsts, err := d.Dst.SocketAddrs(ctx)
	if err != nil {
		return err
	}
	if len(dsts) == 0 {
		return errors.New("destination resolved to no addresses")
	}

	_, err = c.associate.SendTo(ctx, pc, d.Data, dsts[0], credentials)
	return err
}

// forwardToClient handles a server-to-client datagram: prepend a SOCKS5
// header naming the remote source and send it to the pinned client.
func (c *Conn[C]) forwardToClient(ctx context.Context, pc net.PacketConn, data []byte, src, client *net.UDPAddr, credentials C) error {
	d := Datagram{
		Dst:  AddrFromIP(src.IP, uint16(src.Port)),
		Data: data,
	}
	packet, err := d.MarshalBinary()
	if err != nil {
		return err
	}

	_, err = c.associate.SendTo(ctx, pc, packet, client, credentials)
	return err
}

// addrsMatch reports whether src matches the client's advertised address
// set. An advertised port of zero leaves the port unconstrained, so the
// first matching datagram pins it; otherwise the ports must agree. The IP
// must agree too unless the advertised one is the unspecified address of
// the same family.
func addrsMatch(clientAddrs []*net.UDPAddr, src *net.UDPAddr) bool {
	srcIsV4 := src.IP.To4() != nil
	for _, a := range clientAddrs {
		if a.Port != 0 && a.Port != src.Port {
			continue
		}
		if (a.IP.To4() != nil) != srcIsV4 {
			continue
		}
		if a.IP.IsUnspecified() || a.IP.Equal(src.IP) {
			return true
		}
	}
	return false
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.Zone == b.Zone && a.IP.Equal(b.IP)
}

// asUDPAddr coerces a packet source address to *net.UDPAddr.
func asUDPAddr(addr net.Addr) *net.UDPAddr {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp
	}
	resolved, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return nil
	}
	return resolved
}
