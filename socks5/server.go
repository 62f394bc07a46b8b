package socks5

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ServerMetrics receives lifecycle events from the accept loop. All
// methods may be called concurrently. The zero configuration installs a
// no-op implementation.
type ServerMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	HandshakeFailed()
	CommandDispatched(cmd Command)
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened()         {}
func (nopMetrics) ConnectionClosed()         {}
func (nopMetrics) HandshakeFailed()          {}
func (nopMetrics) CommandDispatched(Command) {}

// Config configures a Server.
type Config[C any] struct {
	// Address to listen on (e.g. "127.0.0.1:1080").
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// HandshakeTimeout bounds the greeting, authentication and request
	// phases of each connection (0 = no bound).
	HandshakeTimeout time.Duration

	// MaxDatagramSize caps relayed UDP payloads; clamped to 4096.
	MaxDatagramSize int

	// Authenticator and the three command handlers. Nil handlers default
	// to deniers; NewServer panics on a nil authenticator. DefaultConfig
	// sets NoAuth.
	Authenticator Authenticator[C]
	Connector     Connector[C]
	Binder        Binder[C]
	Associator    Associator[C]

	// Logger for accept-loop and per-connection diagnostics.
	Logger *slog.Logger

	// Metrics receives lifecycle events.
	Metrics ServerMetrics
}

// DefaultConfig returns a config that tunnels CONNECT without
// authentication and denies BIND and UDP ASSOCIATE.
func DefaultConfig() Config[struct{}] {
	return Config[struct{}]{
		Address:          "127.0.0.1:1080",
		MaxConnections:   1000,
		HandshakeTimeout: 30 * time.Second,
		Authenticator:    NoAuth{},
		Connector:        TunnelConnector[struct{}]{DialTimeout: 30 * time.Second},
		Binder:           DenyBinder[struct{}]{},
		Associator:       DenyAssociator[struct{}]{},
	}
}

// WithAuthenticator returns a copy of the config with the authenticator set.
func (cfg Config[C]) WithAuthenticator(auth Authenticator[C]) Config[C] {
	cfg.Authenticator = auth
	return cfg
}

// WithHandlers returns a copy of the config with all three handlers set.
func (cfg Config[C]) WithHandlers(connect Connector[C], bind Binder[C], associate Associator[C]) Config[C] {
	cfg.Connector = connect
	cfg.Binder = bind
	cfg.Associator = associate
	return cfg
}

// WithLogger returns a copy of the config with the logger set.
func (cfg Config[C]) WithLogger(log *slog.Logger) Config[C] {
	cfg.Logger = log
	return cfg
}

// Server accepts TCP clients and runs one protocol engine per connection.
// Engines are independent; the server only tracks them for shutdown.
type Server[C any] struct {
	cfg      Config[C]
	listener net.Listener

	wsListener *WebSocketListener[C]

	conns *tracker[net.Conn]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a SOCKS5 server from the config.
func NewServer[C any](cfg Config[C]) *Server[C] {
	if cfg.Authenticator == nil {
		panic("socks5: config requires an authenticator")
	}
	if cfg.Connector == nil {
		cfg.Connector = DenyConnector[C]{}
	}
	if cfg.Binder == nil {
		cfg.Binder = DenyBinder[C]{}
	}
	if cfg.Associator == nil {
		cfg.Associator = DenyAssociator[C]{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(discardHandler{})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}

	return &Server[C]{
		cfg:    cfg,
		conns:  newTracker[net.Conn](),
		stopCh: make(chan struct{}),
	}
}

// Start binds the listener and begins accepting.
func (s *Server[C]) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.cfg.Logger.Info("socks5 server listening", "address", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener and every live connection, then waits for the
// per-connection goroutines to finish.
func (s *Server[C]) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}
		if s.wsListener != nil {
			s.wsListener.Stop()
		}

		s.conns.closeAll()
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops with a deadline.
func (s *Server[C]) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address.
func (s *Server[C]) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (s *Server[C]) ConnectionCount() int64 {
	return s.conns.active()
}

// IsRunning returns true if the server is running.
func (s *Server[C]) IsRunning() bool {
	return s.running.Load()
}

// StartWebSocket starts a WebSocket listener feeding the same engine
// configuration.
func (s *Server[C]) StartWebSocket(cfg WebSocketConfig) error {
	if s.wsListener != nil && s.wsListener.IsRunning() {
		return fmt.Errorf("WebSocket listener already running")
	}

	listener, err := NewWebSocketListener(cfg, s.cfg)
	if err != nil {
		return fmt.Errorf("create WebSocket listener: %w", err)
	}
	if err := listener.Start(); err != nil {
		return fmt.Errorf("start WebSocket listener: %w", err)
	}

	s.wsListener = listener
	return nil
}

// WebSocketAddress returns the WebSocket listener address, or empty if not
// running.
func (s *Server[C]) WebSocketAddress() string {
	if s.wsListener == nil || !s.wsListener.IsRunning() {
		return ""
	}
	return s.wsListener.Address()
}

func (s *Server[C]) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.cfg.Logger.Warn("accept failed", "error", err)
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.conns.active() >= int64(s.cfg.MaxConnections) {
			s.cfg.Logger.Warn("connection limit reached, rejecting", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.conns.add(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs one engine to completion and releases the connection.
func (s *Server[C]) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.conns.remove(conn)
	defer conn.Close()

	s.cfg.Metrics.ConnectionOpened()
	defer s.cfg.Metrics.ConnectionClosed()

	log := s.cfg.Logger.With("remote", conn.RemoteAddr().String())

	if s.cfg.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}

	engine := NewConn(conn, s.cfg.Authenticator, s.cfg.Connector, s.cfg.Binder, s.cfg.Associator)
	engine.SetLogger(log)
	engine.SetMetrics(s.cfg.Metrics)
	if s.cfg.MaxDatagramSize > 0 {
		engine.SetMaxDatagramSize(s.cfg.MaxDatagramSize)
	}

	err := engine.Run(context.Background())
	switch {
	case err == nil:
		log.Debug("connection finished")
	case errors.Is(err, ErrAuthRejected), errors.Is(err, ErrNoAcceptableMethods), errors.Is(err, ErrBadFraming):
		s.cfg.Metrics.HandshakeFailed()
		log.Debug("handshake failed", "error", err)
	default:
		log.Debug("connection failed", "error", err)
	}
}
