package socks5

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

// startEngine runs an engine over a pipe and returns the client end plus a
// channel carrying Run's result. The server end is closed when Run returns,
// so the client observes EOF exactly where the engine stopped.
func startEngine[C any](
	t *testing.T,
	auth Authenticator[C],
	connect Connector[C],
	bind Binder[C],
	associate Associator[C],
) (net.Conn, <-chan error) {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	done := make(chan error, 1)
	go func() {
		engine := NewConn(server, auth, connect, bind, associate)
		err := engine.Run(context.Background())
		server.Close()
		done <- err
	}()

	return client, done
}

func startNoAuthEngine(t *testing.T, connect Connector[struct{}], bind Binder[struct{}], associate Associator[struct{}]) (net.Conn, <-chan error) {
	t.Helper()
	return startEngine[struct{}](t, NoAuth{}, connect, bind, associate)
}

func startDenyAllEngine(t *testing.T) (net.Conn, <-chan error) {
	t.Helper()
	return startNoAuthEngine(t, DenyConnector[struct{}]{}, DenyBinder[struct{}]{}, DenyAssociator[struct{}]{})
}

// writeAsync writes without waiting for the engine to consume the bytes.
// Needed when the engine is expected to abort mid-frame: a pipe write
// blocks until fully read, and a closed pipe fails the write.
func writeAsync(conn net.Conn, b []byte) {
	go func() {
		conn.Write(b)
	}()
}

func mustWrite(t *testing.T, conn net.Conn, b []byte) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write %x: %v", b, err)
	}
}

func mustRead(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

// expectSilentClose asserts the engine wrote nothing more before closing.
func expectSilentClose(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 {
		t.Fatalf("engine wrote %x, want nothing", buf[:n])
	}
	if !errors.Is(err, io.EOF) {
		t.Fatalf("read error = %v, want EOF", err)
	}
}

func awaitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not finish")
		return nil
	}
}

// ============================================================================
// Greeting and method selection
// ============================================================================

func TestConn_GreetingBadVersion(t *testing.T) {
	client, done := startDenyAllEngine(t)

	writeAsync(client, []byte{0x04, 0x01, 0x00})
	expectSilentClose(t, client)

	if err := awaitErr(t, done); !errors.Is(err, ErrBadFraming) {
		t.Errorf("Run() error = %v, want framing error", err)
	}
}

func TestConn_GreetingZeroMethods(t *testing.T) {
	client, done := startDenyAllEngine(t)

	mustWrite(t, client, []byte{0x05, 0x00})
	expectSilentClose(t, client)

	if err := awaitErr(t, done); !errors.Is(err, ErrBadFraming) {
		t.Errorf("Run() error = %v, want framing error", err)
	}
}

func TestConn_NoAcceptableMethods(t *testing.T) {
	client, done := startDenyAllEngine(t)

	// Client offers only username/password to a no-auth engine.
	mustWrite(t, client, []byte{0x05, 0x01, 0x02})

	if got := mustRead(t, client, 2); !bytes.Equal(got, []byte{0x05, 0xFF}) {
		t.Errorf("method selection = %x, want 05 FF", got)
	}
	expectSilentClose(t, client)

	if err := awaitErr(t, done); !errors.Is(err, ErrNoAcceptableMethods) {
		t.Errorf("Run() error = %v, want ErrNoAcceptableMethods", err)
	}
}

// offEnumAuth always selects a method regardless of what was offered.
type offEnumAuth struct{}

func (offEnumAuth) SelectMethod([]Method) Method { return MethodUserPass }
func (offEnumAuth) Authenticate(io.ReadWriter, Method) (struct{}, bool, error) {
	return struct{}{}, true, nil
}

func TestConn_SelectedMethodNotOffered(t *testing.T) {
	client, done := startEngine[struct{}](t, offEnumAuth{}, DenyConnector[struct{}]{}, DenyBinder[struct{}]{}, DenyAssociator[struct{}]{})

	mustWrite(t, client, []byte{0x05, 0x01, 0x00})

	if got := mustRead(t, client, 2); !bytes.Equal(got, []byte{0x05, 0xFF}) {
		t.Errorf("method selection = %x, want 05 FF", got)
	}

	if err := awaitErr(t, done); !errors.Is(err, ErrNoAcceptableMethods) {
		t.Errorf("Run() error = %v, want ErrNoAcceptableMethods", err)
	}
}

// ============================================================================
// Username/password sub-negotiation through the engine
// ============================================================================

func userPassEngine(t *testing.T, accept bool) (net.Conn, <-chan error) {
	t.Helper()
	auth := NewUserPass[string](UserAuthenticatorFunc[string](func(user User) (string, bool, error) {
		if accept {
			return user.Username, true, nil
		}
		return "", false, nil
	}))
	return startEngine[string](t, auth, DenyConnector[string]{}, DenyBinder[string]{}, DenyAssociator[string]{})
}

func TestConn_UserPassAccept(t *testing.T) {
	client, done := userPassEngine(t, true)

	mustWrite(t, client, []byte{0x05, 0x02, 0x00, 0x02})
	if got := mustRead(t, client, 2); !bytes.Equal(got, []byte{0x05, 0x02}) {
		t.Fatalf("method selection = %x, want 05 02", got)
	}

	mustWrite(t, client, subNegotiation("admin", "password"))
	if got := mustRead(t, client, 2); !bytes.Equal(got, []byte{0x01, 0x00}) {
		t.Fatalf("auth status = %x, want 01 00", got)
	}

	// Engine is now in the request phase; a denied BIND proves it.
	mustWrite(t, client, []byte{0x05, 0x02, 0x00, 0x01, 0, 0, 0, 0, 0x00, 0x00})
	want := []byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0x00, 0x00}
	if got := mustRead(t, client, len(want)); !bytes.Equal(got, want) {
		t.Errorf("reply = %x, want %x", got, want)
	}

	var replyErr *ReplyError
	if err := awaitErr(t, done); !errors.As(err, &replyErr) || replyErr.Reply != ReplyCommandNotSupported {
		t.Errorf("Run() error = %v, want command-not-supported ReplyError", err)
	}
}

func TestConn_UserPassReject(t *testing.T) {
	client, done := userPassEngine(t, false)

	mustWrite(t, client, []byte{0x05, 0x02, 0x00, 0x02})
	if got := mustRead(t, client, 2); !bytes.Equal(got, []byte{0x05, 0x02}) {
		t.Fatalf("method selection = %x, want 05 02", got)
	}

	mustWrite(t, client, subNegotiation("admin", "wrong"))
	if got := mustRead(t, client, 2); !bytes.Equal(got, []byte{0x01, 0x01}) {
		t.Fatalf("auth status = %x, want 01 01", got)
	}
	expectSilentClose(t, client)

	if err := awaitErr(t, done); !errors.Is(err, ErrAuthRejected) {
		t.Errorf("Run() error = %v, want ErrAuthRejected", err)
	}
}

// ============================================================================
// Request framing
// ============================================================================

func TestConn_RequestFramingViolations(t *testing.T) {
	tests := []struct {
		name    string
		request []byte
	}{
		{"bad version", []byte{0x04, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50}},
		{"reserved not zero", []byte{0x05, 0x01, 0x01, 0x01, 1, 2, 3, 4, 0x00, 0x50}},
		{"command zero", []byte{0x05, 0x00, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50}},
		{"command out of range", []byte{0x05, 0x04, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50}},
		{"bad address type", []byte{0x05, 0x01, 0x00, 0x02, 1, 2, 3, 4, 0x00, 0x50}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, done := startDenyAllEngine(t)

			mustWrite(t, client, []byte{0x05, 0x01, 0x00})
			if got := mustRead(t, client, 2); !bytes.Equal(got, []byte{0x05, 0x00}) {
				t.Fatalf("method selection = %x, want 05 00", got)
			}

			writeAsync(client, tt.request)
			expectSilentClose(t, client)

			if err := awaitErr(t, done); !errors.Is(err, ErrBadFraming) {
				t.Errorf("Run() error = %v, want framing error", err)
			}
		})
	}
}

func TestConn_CommandDenied(t *testing.T) {
	client, done := startDenyAllEngine(t)

	mustWrite(t, client, []byte{0x05, 0x01, 0x00})
	mustRead(t, client, 2)

	// BIND against a denier.
	mustWrite(t, client, []byte{0x05, 0x02, 0x00, 0x01, 0, 0, 0, 0, 0x00, 0x00})

	want := []byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0x00, 0x00}
	if got := mustRead(t, client, len(want)); !bytes.Equal(got, want) {
		t.Errorf("reply = %x, want %x", got, want)
	}
	expectSilentClose(t, client)

	var replyErr *ReplyError
	if err := awaitErr(t, done); !errors.As(err, &replyErr) {
		t.Errorf("Run() error = %v, want ReplyError", err)
	}
}

// ============================================================================
// CONNECT
// ============================================================================

// pipeConnector hands out a fixed connection instead of dialing.
type pipeConnector struct {
	conn net.Conn
}

func (p pipeConnector) Establish(context.Context, SocksAddr, struct{}) (net.Conn, error) {
	return p.conn, nil
}

func (p pipeConnector) Relay(_ context.Context, client io.ReadWriter, server net.Conn, _ struct{}) error {
	return relay(client, server)
}

func TestConn_ConnectPassthrough(t *testing.T) {
	serverSide, remote := net.Pipe()
	defer remote.Close()

	client, done := startNoAuthEngine(t, pipeConnector{conn: serverSide}, DenyBinder[struct{}]{}, DenyAssociator[struct{}]{})

	mustWrite(t, client, []byte{0x05, 0x01, 0x00})
	if got := mustRead(t, client, 2); !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("method selection = %x, want 05 00", got)
	}

	// CONNECT 127.0.0.1:80
	mustWrite(t, client, []byte{0x05, 0x01, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x00, 0x50})

	// Reply echoes the destination address.
	want := []byte{0x05, 0x00, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x00, 0x50}
	if got := mustRead(t, client, len(want)); !bytes.Equal(got, want) {
		t.Fatalf("reply = %x, want %x", got, want)
	}

	// Remote pipes literal bytes through the tunnel.
	go func() {
		remote.Write([]byte("ok"))
		remote.Close()
	}()

	if got := mustRead(t, client, 2); !bytes.Equal(got, []byte("ok")) {
		t.Errorf("tunneled bytes = %q, want %q", got, "ok")
	}
	client.Close()

	if err := awaitErr(t, done); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
}

// failingConnector refuses every destination with a fixed error.
type failingConnector struct {
	err error
}

func (f failingConnector) Establish(context.Context, SocksAddr, struct{}) (net.Conn, error) {
	return nil, f.err
}

func (f failingConnector) Relay(context.Context, io.ReadWriter, net.Conn, struct{}) error {
	return f.err
}

func TestConn_ConnectEstablishError(t *testing.T) {
	client, done := startNoAuthEngine(t,
		failingConnector{err: &net.OpError{Op: "dial", Err: errors.New("refused: connection refused")}},
		DenyBinder[struct{}]{}, DenyAssociator[struct{}]{})

	mustWrite(t, client, []byte{0x05, 0x01, 0x00})
	mustRead(t, client, 2)
	mustWrite(t, client, []byte{0x05, 0x01, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x00, 0x50})

	// General failure with a zero address: the OpError carries no errno.
	want := []byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0x00, 0x00}
	if got := mustRead(t, client, len(want)); !bytes.Equal(got, want) {
		t.Errorf("reply = %x, want %x", got, want)
	}

	var replyErr *ReplyError
	if err := awaitErr(t, done); !errors.As(err, &replyErr) {
		t.Errorf("Run() error = %v, want ReplyError", err)
	}
}

// ============================================================================
// BIND
// ============================================================================

func TestConn_BindTwoStageReply(t *testing.T) {
	client, done := startNoAuthEngine(t, DenyConnector[struct{}]{}, TunnelBinder[struct{}]{}, DenyAssociator[struct{}]{})

	mustWrite(t, client, []byte{0x05, 0x01, 0x00})
	mustRead(t, client, 2)

	// BIND 127.0.0.1:0 (ephemeral)
	mustWrite(t, client, []byte{0x05, 0x02, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x00, 0x00})

	// Reply #1 carries the listener address.
	first := mustRead(t, client, 10)
	if first[0] != 0x05 || first[1] != 0x00 || first[3] != 0x01 {
		t.Fatalf("first reply = %x, want success with IPv4 address", first)
	}
	port := int(first[8])<<8 | int(first[9])
	if port == 0 {
		t.Fatal("listener port is zero")
	}

	// Dial the bound listener as the remote peer would.
	peer, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial bound listener: %v", err)
	}
	defer peer.Close()

	// Reply #2 carries the peer address.
	second := mustRead(t, client, 10)
	if second[0] != 0x05 || second[1] != 0x00 {
		t.Fatalf("second reply = %x, want success", second)
	}

	// Bytes flow peer -> client through the relay.
	if _, err := peer.Write([]byte("hi")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	if got := mustRead(t, client, 2); !bytes.Equal(got, []byte("hi")) {
		t.Errorf("relayed bytes = %q, want %q", got, "hi")
	}

	peer.Close()
	client.Close()
	awaitErr(t, done)
}
