package socks5

import "context"

// runConnect drives the CONNECT command: establish the outbound
// connection, reply, then hand the channel to the handler's relay.
//
// The success reply carries the request's destination address rather than
// the outbound local address; RFC 1928 permits either and this avoids an
// extra round trip through the handler contract.
func (c *Conn[C]) runConnect(ctx context.Context, dst SocksAddr, credentials C) error {
	server, err := c.connect.Establish(ctx, dst, credentials)
	if err != nil {
		return c.replyAndWrap(err)
	}
	defer server.Close()

	c.log.Debug("connection established", "dst", dst.String())

	if err := c.writeReply(ReplySucceeded, dst); err != nil {
		return err
	}

	if err := c.connect.Relay(ctx, c.conn, server, credentials); err != nil {
		return err
	}

	c.log.Debug("connection closed", "dst", dst.String())
	return nil
}
