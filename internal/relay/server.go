package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/wsrelay"
	"github.com/luciancaetano/wsrelay/internal/frame"
	"github.com/luciancaetano/wsrelay/internal/listener"
	"github.com/luciancaetano/wsrelay/internal/registry"
)

// ErrServerAlreadyRunning is returned by Start on a running server.
var ErrServerAlreadyRunning = errors.New(wsrelay.ErrServerAlreadyRunning)

// OnConnectFn is called after a client has completed the handshake and been
// registered, before its first frame is read. It runs on the client's worker
// goroutine, so long-running work delays that client only.
type OnConnectFn = func(client wsrelay.Conn)

// OnClientDisconnectFn is called once when a registered client's worker ends.
// voluntary is true when the client sent a close frame or closed the TCP
// connection itself, and false for protocol errors, rate limiting, write
// failures and server shutdown.
type OnClientDisconnectFn = func(client wsrelay.Conn, voluntary bool)

// ServerConfig configures a Server. Zero values select the defaults in the
// wsrelay package.
type ServerConfig struct {
	Addr               string
	MaxClients         int
	ReadBufferSize     int           // also the largest accepted frame payload
	HandshakeTimeout   time.Duration // negative disables the handshake deadline
	IdleTimeout        time.Duration // 0 disables the read deadline and keepalive pings
	WriteTimeout       time.Duration // negative disables the write deadline
	ReusePort          bool
	RawRelay           bool
	RateLimitConfig    *RateLimitConfig
	OnConnect          OnConnectFn
	OnClientDisconnect OnClientDisconnectFn
	Logger             *zap.Logger
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Server implements the wsrelay.Relay interface
type Server struct {
	cfg     ServerConfig
	clients *registry.Registry[*Client]
	hub     *Hub
	log     *zap.Logger

	mu        sync.Mutex
	running   bool
	closing   bool
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	workers   sync.WaitGroup
	stopWatch func() bool
	done      chan struct{} // closed when the current shutdown completes
}

// New creates a relay server. cfg is copied; missing fields get defaults.
func New(cfg *ServerConfig) *Server {
	c := *cfg
	if c.Addr == "" {
		c.Addr = wsrelay.DefaultAddr
	}
	if c.MaxClients <= 0 {
		c.MaxClients = wsrelay.DefaultMaxClients
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = wsrelay.DefaultReadBufferSize
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = wsrelay.DefaultHandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = wsrelay.DefaultWriteTimeout
	}
	if c.RateLimitConfig == nil {
		c.RateLimitConfig = DefaultRateLimitConfig()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	clients := registry.New[*Client](c.MaxClients)
	return &Server{
		cfg:       c,
		clients:   clients,
		hub:       NewHub(clients, c.Logger, c.RawRelay),
		log:       c.Logger,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Start binds the configured address and serves it in the background.
// Cancelling ctx stops the server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerAlreadyRunning
	}
	s.running = true
	s.closing = false
	s.mu.Unlock()

	ln, err := listener.Listen(ctx, s.cfg.Addr, listener.Options{ReusePort: s.cfg.ReusePort})
	if err != nil {
		// Reset running state without calling Stop to avoid closing clients
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.log.Info("relay listening", zap.String("addr", ln.Addr().String()), zap.Int("max_clients", s.cfg.MaxClients))

	go func() {
		if err := s.Serve(ln); err != nil {
			s.log.Error("accept loop stopped", zap.Error(err))
		}
	}()

	stopWatch := context.AfterFunc(ctx, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
	})
	s.mu.Lock()
	s.stopWatch = stopWatch
	s.mu.Unlock()
	return nil
}

// Addrs returns the addresses of the listeners currently being served.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]net.Addr, 0, len(s.listeners))
	for ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Stop closes every listener and client and waits for the workers to exit.
// Concurrent and repeated calls all wait for the same shutdown.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		done := s.done
		s.mu.Unlock()
		return waitDone(ctx, done)
	}
	s.closing = true
	s.running = false
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	for ln := range s.listeners {
		_ = ln.Close()
	}
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	// Close all client connections
	for _, e := range s.clients.Snapshot() {
		_ = e.Value.CloseWithCode(ctx, wsrelay.CloseGoingAway, wsrelay.ErrServerGoingAway)
	}

	// Connections still in the handshake are not registered yet
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	go func() {
		s.workers.Wait()
		s.log.Info("relay stopped")
		close(done)
	}()

	return waitDone(ctx, done)
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connection workers: %w", ctx.Err())
	}
}

// Serve accepts connections on ln and runs one worker goroutine per
// connection. It returns nil once Stop has been called.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return nil
	}
	defer s.untrackListener(ln)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, time.Second)
			}
			s.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.addWorker(conn) {
			_ = conn.Close()
			return nil
		}
		go func() {
			defer s.workers.Done()
			s.handleConn(conn)
		}()
	}
}

// HandleConn runs the worker for conn on the calling goroutine.
func (s *Server) HandleConn(conn net.Conn) {
	if !s.addWorker(conn) {
		_ = conn.Close()
		return
	}
	defer s.workers.Done()
	s.handleConn(conn)
}

// Broadcast sends payload as a text frame to every registered client.
func (s *Server) Broadcast(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Identifier 0 is never assigned, so nobody is excluded.
	s.hub.Broadcast(frame.OpText, payload, 0)
	return nil
}

// ClientCount returns the number of registered clients.
func (s *Server) ClientCount() int {
	return s.clients.Len()
}

// GetClient returns a client by ID
func (s *Server) GetClient(id uint64) (*Client, bool) {
	return s.clients.Get(id)
}

// SendToClient sends a text message to a specific client
func (s *Server) SendToClient(ctx context.Context, id uint64, payload []byte) error {
	client, ok := s.GetClient(id)
	if !ok {
		return fmt.Errorf("%s: %d", wsrelay.ErrClientNotFound, id)
	}
	return client.Send(ctx, payload)
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
}

// addWorker registers a worker and its connection for shutdown unless the
// server is stopping. handleConn releases the connection.
func (s *Server) addWorker(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.workers.Add(1)
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) releaseConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}
