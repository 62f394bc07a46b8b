package socks5

import "errors"

var (
	// ErrBadFraming reports a violated wire contract: wrong version byte,
	// reserved byte not zero, invalid command or address type, or a
	// malformed sub-negotiation. The connection closes without a reply.
	ErrBadFraming = errors.New("socks5: malformed protocol frame")

	// ErrNoAcceptableMethods is returned after the engine has told the
	// client that none of its offered authentication methods is acceptable.
	ErrNoAcceptableMethods = errors.New("socks5: no acceptable authentication methods")

	// ErrAuthRejected is returned when the authenticator cleanly rejected
	// the client's credentials. The failure status has already been sent.
	ErrAuthRejected = errors.New("socks5: authentication rejected")

	// ErrControlStreamData is returned by the UDP ASSOCIATE driver when the
	// client sends payload bytes on the control TCP stream, which RFC 1928
	// forbids after the associate reply.
	ErrControlStreamData = errors.New("socks5: unexpected data on associate control stream")
)
