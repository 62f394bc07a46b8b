package socks5

import "context"

// runBind drives the BIND command with its two-stage reply: first the
// listener's local address, then the accepted peer's remote address. After
// the relay phase begins no further reply is written.
func (c *Conn[C]) runBind(ctx context.Context, dst SocksAddr, credentials C) error {
	local, ln, err := c.bind.Listen(ctx, dst, credentials)
	if err != nil {
		return c.replyAndWrap(err)
	}

	localAddr, err := AddrFromNetAddr(local)
	if err != nil {
		ln.Close()
		return c.replyAndWrap(err)
	}

	c.log.Debug("bind listening", "local", localAddr.String())

	if err := c.writeReply(ReplySucceeded, localAddr); err != nil {
		ln.Close()
		return err
	}

	peer, peerAddr, err := c.bind.Accept(ctx, ln, credentials)
	if err != nil {
		return c.replyAndWrap(err)
	}
	defer peer.Close()

	bnd, err := AddrFromNetAddr(peerAddr)
	if err != nil {
		return c.replyAndWrap(err)
	}

	c.log.Debug("bind accepted peer", "peer", bnd.String())

	if err := c.writeReply(ReplySucceeded, bnd); err != nil {
		return err
	}

	return c.bind.Relay(ctx, c.conn, peer, credentials)
}
