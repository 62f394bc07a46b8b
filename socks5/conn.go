package socks5

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// SOCKS protocol version and the reserved byte value.
const (
	Version  = 0x05
	Reserved = 0x00
)

// maxDatagramSize is the ceiling on relayed UDP payloads. Datagrams larger
// than this would be truncated by the receive buffer and are dropped.
const maxDatagramSize = 4096

// Conn is the per-connection protocol engine. It owns the client TCP
// channel for its whole lifetime and drives the SOCKS5 state machine to
// completion: greeting, method selection, authentication sub-negotiation,
// request, command dispatch, teardown.
//
// A Conn is created per accepted client and used once; Run may only be
// called a single time. There is no shared state between engines.
type Conn[C any] struct {
	conn      net.Conn
	auth      Authenticator[C]
	connect   Connector[C]
	bind      Binder[C]
	associate Associator[C]

	log         *slog.Logger
	metrics     ServerMetrics
	maxDatagram int
}

// NewConn builds an engine for one accepted client connection.
func NewConn[C any](
	conn net.Conn,
	auth Authenticator[C],
	connect Connector[C],
	bind Binder[C],
	associate Associator[C],
) *Conn[C] {
	return &Conn[C]{
		conn:        conn,
		auth:        auth,
		connect:     connect,
		bind:        bind,
		associate:   associate,
		log:         slog.New(discardHandler{}),
		metrics:     nopMetrics{},
		maxDatagram: maxDatagramSize,
	}
}

// SetLogger attaches a logger for trace diagnostics. Errors are always
// returned from Run regardless; nothing is swallowed into log lines.
func (c *Conn[C]) SetLogger(log *slog.Logger) {
	if log != nil {
		c.log = log
	}
}

// SetMetrics attaches a metrics sink for dispatch events.
func (c *Conn[C]) SetMetrics(m ServerMetrics) {
	if m != nil {
		c.metrics = m
	}
}

// SetMaxDatagramSize lowers the UDP relay payload ceiling below the
// default of 4096 bytes. Larger values are clamped to the default.
func (c *Conn[C]) SetMaxDatagramSize(n int) {
	if n > maxDatagramSize {
		n = maxDatagramSize
	}
	if n > 0 {
		c.maxDatagram = n
	}
}

// Run drives the state machine until the connection closes.
//
// The two error shapes callers see are transport/framing errors, after
// which nothing more was sent to the client, and *ReplyError, meaning the
// failure has already been communicated as a SOCKS reply.
func (c *Conn[C]) Run(ctx context.Context) error {
	credentials, ok, err := c.handshake()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAuthRejected
	}

	cmd, dst, err := c.readRequest()
	if err != nil {
		return err
	}

	c.log.Debug("dispatching request", "command", cmd.String(), "dst", dst.String())
	c.metrics.CommandDispatched(cmd)

	// The data phase may sit idle indefinitely; any handshake deadline the
	// accept loop armed no longer applies.
	c.conn.SetDeadline(time.Time{})

	switch cmd {
	case CommandConnect:
		return c.runConnect(ctx, dst, credentials)
	case CommandBind:
		return c.runBind(ctx, dst, credentials)
	default:
		return c.runAssociate(ctx, dst, credentials)
	}
}

// handshake performs the greeting, method selection and the selected
// method's sub-negotiation.
func (c *Conn[C]) handshake() (credentials C, ok bool, err error) {
	var zero C

	offered, err := c.readGreeting()
	if err != nil {
		return zero, false, err
	}

	method := c.auth.SelectMethod(offered)
	if method != MethodNoAcceptable && !methodOffered(offered, method) {
		method = MethodNoAcceptable
	}

	if _, err := c.conn.Write([]byte{Version, byte(method)}); err != nil {
		return zero, false, err
	}
	if method == MethodNoAcceptable {
		return zero, false, ErrNoAcceptableMethods
	}

	c.log.Debug("method selected", "method", method.String())

	return c.auth.Authenticate(c.conn, method)
}

// readGreeting parses VER | NMETHODS | METHODS. Nothing has been written
// to the client yet, so a violation closes the connection silently.
func (c *Conn[C]) readGreeting() ([]Method, error) {
	var header [2]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, err
	}
	if header[0] != Version {
		return nil, fmt.Errorf("%w: version byte 0x%02x", ErrBadFraming, header[0])
	}
	if header[1] == 0 {
		return nil, fmt.Errorf("%w: zero methods offered", ErrBadFraming)
	}

	raw := make([]byte, header[1])
	if _, err := io.ReadFull(c.conn, raw); err != nil {
		return nil, err
	}

	methods := make([]Method, len(raw))
	for i, b := range raw {
		methods[i] = Method(b)
	}
	return methods, nil
}

// readRequest parses VER | CMD | RSV | ATYP | DST.ADDR | DST.PORT.
// Constraint violations are framing errors; no reply is sent.
func (c *Conn[C]) readRequest() (Command, SocksAddr, error) {
	var header [3]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return 0, SocksAddr{}, err
	}
	if header[0] != Version {
		return 0, SocksAddr{}, fmt.Errorf("%w: version byte 0x%02x", ErrBadFraming, header[0])
	}
	if header[2] != Reserved {
		return 0, SocksAddr{}, fmt.Errorf("%w: reserved byte 0x%02x", ErrBadFraming, header[2])
	}

	cmd := Command(header[1])
	if !cmd.Valid() {
		return 0, SocksAddr{}, fmt.Errorf("%w: command 0x%02x", ErrBadFraming, header[1])
	}

	dst, err := ReadSocksAddr(c.conn)
	if err != nil {
		return 0, SocksAddr{}, err
	}

	return cmd, dst, nil
}

// writeReply frames and flushes VER | REP | RSV | BND.ADDR | BND.PORT.
func (c *Conn[C]) writeReply(reply Reply, bnd SocksAddr) error {
	buf := make([]byte, 0, 22)
	buf = append(buf, Version, byte(reply), Reserved)
	buf, err := bnd.AppendBinary(buf)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(buf)
	return err
}

// replyAndWrap sends a best-effort failure reply with a zero address and
// returns the failure as a *ReplyError. Transport errors while writing the
// reply take precedence; the caller must not reply again either way.
func (c *Conn[C]) replyAndWrap(cause error) error {
	reply := ReplyForError(cause)
	if err := c.writeReply(reply, ZeroAddr); err != nil {
		return err
	}
	return &ReplyError{Reply: reply, Cause: cause}
}

func methodOffered(offered []Method, m Method) bool {
	for _, o := range offered {
		if o == m {
			return true
		}
	}
	return false
}

// discardHandler is a slog handler that drops everything; the engine's
// default so library users opt in to diagnostics.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
