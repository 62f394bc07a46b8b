package socks5

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// wsSubprotocol is the negotiated WebSocket subprotocol; clients that do
// not speak it are rejected after the upgrade.
const wsSubprotocol = "socks5"

// WebSocketConfig configures a WebSocket SOCKS5 listener.
type WebSocketConfig struct {
	// Address to listen on (e.g. "0.0.0.0:8443").
	Address string

	// Path for the WebSocket upgrade (default: "/socks5").
	Path string

	// TLSConfig for TLS termination (nil requires PlainText: true).
	TLSConfig *tls.Config

	// PlainText allows running without TLS, for reverse proxy setups.
	PlainText bool

	// Credentials gates the upgrade behind HTTP basic auth. Nil disables
	// the HTTP-level check; SOCKS5 authentication still applies after it.
	Credentials CredentialStore

	// OnError receives errors the HTTP server hits after startup.
	OnError func(err error)
}

// splashPage is served at "/" so the endpoint looks like an ordinary web
// host rather than a proxy.
const splashPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Tourniquet</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #101014;
            color: #e4e4e7;
            font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", Arial, sans-serif;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
        }
        .container { text-align: center; padding: 40px 20px; max-width: 460px; }
        h1 { font-size: 2.4rem; font-weight: 700; margin-bottom: 8px; color: #ffffff; }
        p { font-size: 1rem; color: #a1a1aa; line-height: 1.6; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Tourniquet</h1>
        <p>Nothing to see here.</p>
    </div>
</body>
</html>
`

// WebSocketListener accepts SOCKS5 connections tunneled over WebSocket and
// feeds each one to the same per-connection engine as the TCP server.
type WebSocketListener[C any] struct {
	cfg    WebSocketConfig
	engine Config[C]
	server *http.Server

	// actual listener address, set after binding
	addr net.Addr

	conns *tracker[*wsStream]

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewWebSocketListener creates a WebSocket listener that runs engines with
// the given configuration.
func NewWebSocketListener[C any](cfg WebSocketConfig, engine Config[C]) (*WebSocketListener[C], error) {
	if cfg.TLSConfig == nil && !cfg.PlainText {
		return nil, fmt.Errorf("TLS config required (use PlainText: true for reverse proxy mode)")
	}
	if cfg.Path == "" {
		cfg.Path = "/socks5"
	}
	if engine.Authenticator == nil {
		return nil, fmt.Errorf("engine config requires an authenticator")
	}

	return &WebSocketListener[C]{
		cfg:    cfg,
		engine: engine,
		conns:  newTracker[*wsStream](),
	}, nil
}

// Start binds the HTTP server and begins accepting upgrades.
func (l *WebSocketListener[C]) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, splashPage)
	})
	mux.HandleFunc(l.cfg.Path, l.handleUpgrade)

	l.server = &http.Server{
		Addr:      l.cfg.Address,
		Handler:   mux,
		TLSConfig: l.cfg.TLSConfig,
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	l.addr = ln.Addr()
	l.running.Store(true)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		var serveErr error
		if l.cfg.TLSConfig != nil {
			serveErr = l.server.ServeTLS(ln, "", "")
		} else {
			serveErr = l.server.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) && l.cfg.OnError != nil {
			l.cfg.OnError(serveErr)
		}
	}()

	return nil
}

// Stop shuts the HTTP server down and closes every live tunnel.
func (l *WebSocketListener[C]) Stop() error {
	if !l.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.server.Shutdown(ctx)

	l.conns.closeAll()

	l.wg.Wait()
	return nil
}

// Address returns the actual listening address.
func (l *WebSocketListener[C]) Address() string {
	if l.addr != nil {
		return l.addr.String()
	}
	return l.cfg.Address
}

// ConnectionCount returns the number of active tunneled connections.
func (l *WebSocketListener[C]) ConnectionCount() int64 {
	return l.conns.active()
}

// IsRunning returns true if the listener is running.
func (l *WebSocketListener[C]) IsRunning() bool {
	return l.running.Load()
}

// handleUpgrade upgrades one request and drives a protocol engine over it.
// It must block for the lifetime of the WebSocket: net/http gives every
// request its own goroutine, and returning early would close the tunnel.
func (l *WebSocketListener[C]) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.cfg.Credentials != nil {
		username, password, ok := r.BasicAuth()
		if !ok || !l.cfg.Credentials.Valid(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Tourniquet"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return
	}
	if ws.Subprotocol() != wsSubprotocol {
		ws.Close(websocket.StatusProtocolError, "socks5 subprotocol required")
		return
	}

	stream := newWSStream(ws, r.RemoteAddr)

	l.conns.add(stream)
	l.wg.Add(1)
	defer l.wg.Done()
	defer l.conns.remove(stream)
	defer stream.Close()

	engine := NewConn(stream, l.engine.Authenticator, l.engine.Connector, l.engine.Binder, l.engine.Associator)
	if l.engine.Logger != nil {
		engine.SetLogger(l.engine.Logger.With("remote", r.RemoteAddr, "transport", "websocket"))
	}
	engine.SetMetrics(l.engine.Metrics)
	if l.engine.MaxDatagramSize > 0 {
		engine.SetMaxDatagramSize(l.engine.MaxDatagramSize)
	}

	engine.Run(r.Context())
}

// wsStream adapts a WebSocket connection to net.Conn for the engine:
// binary messages become a byte stream, deadlines become read contexts.
type wsStream struct {
	ws         *websocket.Conn
	remote     string
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu             sync.RWMutex
	deadlineCtx    context.Context
	deadlineCancel context.CancelFunc

	readMu  sync.Mutex
	pending io.Reader
}

func newWSStream(ws *websocket.Conn, remote string) *wsStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsStream{
		ws:         ws,
		remote:     remote,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

func (s *wsStream) opContext() context.Context {
	s.mu.RLock()
	ctx := s.deadlineCtx
	s.mu.RUnlock()

	if ctx != nil {
		return ctx
	}
	return s.baseCtx
}

// Read drains any partially-consumed message before pulling the next one.
func (s *wsStream) Read(b []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.pending != nil {
		n, err := s.pending.Read(b)
		if err != io.EOF {
			return n, err
		}
		s.pending = nil
		if n > 0 {
			return n, nil
		}
	}

	msgType, reader, err := s.ws.Reader(s.opContext())
	if err != nil {
		return 0, s.translateError(err)
	}
	if msgType != websocket.MessageBinary {
		return 0, fmt.Errorf("unexpected message type: %v", msgType)
	}

	n, err := reader.Read(b)
	if err == io.EOF {
		return n, nil
	}
	if err != nil {
		return n, err
	}

	// Message larger than b; keep the rest for the next call.
	s.pending = reader
	return n, nil
}

// Write sends one binary message.
func (s *wsStream) Write(b []byte) (int, error) {
	if err := s.ws.Write(s.opContext(), websocket.MessageBinary, b); err != nil {
		return 0, s.translateError(err)
	}
	return len(b), nil
}

func (s *wsStream) Close() error {
	s.mu.Lock()
	if s.deadlineCancel != nil {
		s.deadlineCancel()
	}
	s.mu.Unlock()

	s.baseCancel()
	return s.ws.Close(websocket.StatusNormalClosure, "")
}

// LocalAddr is not exposed by the WebSocket library.
func (s *wsStream) LocalAddr() net.Addr { return wsAddr{""} }

// RemoteAddr reports the HTTP request's remote address.
func (s *wsStream) RemoteAddr() net.Addr { return wsAddr{s.remote} }

// SetDeadline maps the deadline to a context for subsequent operations.
func (s *wsStream) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deadlineCancel != nil {
		s.deadlineCancel()
		s.deadlineCancel = nil
		s.deadlineCtx = nil
	}
	if !t.IsZero() {
		s.deadlineCtx, s.deadlineCancel = context.WithDeadline(s.baseCtx, t)
	}
	return nil
}

func (s *wsStream) SetReadDeadline(t time.Time) error  { return s.SetDeadline(t) }
func (s *wsStream) SetWriteDeadline(t time.Time) error { return s.SetDeadline(t) }

// translateError converts WebSocket close statuses to EOF and context
// expiry to a net.Error timeout, which downstream code checks for.
func (s *wsStream) translateError(err error) error {
	if websocket.CloseStatus(err) != -1 {
		return io.EOF
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &wsTimeoutError{err: err}
	}
	return err
}

type wsAddr struct{ addr string }

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return a.addr }

// wsTimeoutError implements net.Error for deadline expiry on the tunnel.
type wsTimeoutError struct {
	err error
}

func (e *wsTimeoutError) Error() string   { return e.err.Error() }
func (e *wsTimeoutError) Timeout() bool   { return true }
func (e *wsTimeoutError) Temporary() bool { return true }
