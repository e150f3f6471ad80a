package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/wsrelay"
	"github.com/luciancaetano/wsrelay/internal/frame"
)

// ErrPeerUnreachable is returned when a frame cannot be queued for a client
// because it is closed or its send queue is full.
var ErrPeerUnreachable = errors.New("peer unreachable")

// Client implements the wsrelay.Conn interface over a raw net.Conn.
type Client struct {
	id           atomic.Uint64
	state        atomic.Int32
	session      string
	conn         net.Conn
	remoteAddr   string
	ctx          context.Context
	cancel       context.CancelFunc
	sendCh       chan []byte
	mu           sync.RWMutex
	closed       bool
	rateLimiter  *rate.Limiter // Rate limiter for incoming messages
	writeTimeout time.Duration
	pingInterval time.Duration
	log          *zap.Logger
}

// NewClient wraps a handshaken connection. The write pump is not running
// until Start is called; frames queued before that are delivered in order.
func NewClient(conn net.Conn, cfg *ServerConfig, log *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if cfg.RateLimitConfig != nil && cfg.RateLimitConfig.Enabled {
		limiter = rate.NewLimiter(cfg.RateLimitConfig.MessagesPerSecond, cfg.RateLimitConfig.Burst)
	}

	var pingInterval time.Duration
	if cfg.IdleTimeout > 0 {
		pingInterval = cfg.IdleTimeout * 9 / 10
	}

	session := uuid.New().String()
	return &Client{
		session:      session,
		conn:         conn,
		remoteAddr:   conn.RemoteAddr().String(),
		ctx:          ctx,
		cancel:       cancel,
		sendCh:       make(chan []byte, wsrelay.DefaultSendQueueSize),
		rateLimiter:  limiter,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: pingInterval,
		log:          log.With(zap.String("session", session), zap.String("remote_addr", conn.RemoteAddr().String())),
	}
}

// Start launches the write pump.
func (c *Client) Start() {
	go c.writePump()
}

// ID returns the identifier assigned at registration, or 0 before that.
func (c *Client) ID() uint64 {
	return c.id.Load()
}

func (c *Client) setID(id uint64) {
	c.id.Store(id)
	c.log = c.log.With(zap.Uint64("client_id", id))
}

// State returns where the client is in its lifecycle.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// activate moves a new client to Active unless it was closed first.
func (c *Client) activate() bool {
	return c.state.CompareAndSwap(int32(AwaitingHandshake), int32(Active))
}

// SessionID returns the random session label of the connection.
func (c *Client) SessionID() string {
	return c.session
}

// RemoteAddr returns the client's remote network address
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the client's lifecycle context
func (c *Client) Context() context.Context {
	return c.ctx
}

// Send encodes payload as a text frame and queues it, waiting for room in
// the queue until ctx is done.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	data := frame.Encode(frame.OpText, payload)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return errors.New(wsrelay.ErrConnectionClosed)
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errors.New(wsrelay.ErrContextCancelled)
	}
}

// enqueue queues already encoded wire bytes without blocking.
func (c *Client) enqueue(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, wsrelay.ErrConnectionClosed)
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, wsrelay.ErrSendQueueFull)
	}
}

// Close closes the client connection
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, wsrelay.CloseNormalClosure, "")
}

// CloseWithCode writes a close frame with code and reason and closes the
// connection. Frames still queued are discarded.
func (c *Client) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.setState(Closed)

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	_, _ = c.conn.Write(frame.Encode(frame.OpClose, formatCloseMessage(code, reason)))

	close(c.sendCh)
	return c.conn.Close()
}

// abort closes the connection without a close frame.
func (c *Client) abort() {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.setState(Closed)
	close(c.sendCh)
	_ = c.conn.Close()
}

// IsAlive returns true if the connection is still active
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// CheckRateLimit checks if the client has exceeded the rate limit
// Returns true if the message is allowed, false if rate limited
func (c *Client) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		// Rate limiting disabled
		return true
	}
	return c.rateLimiter.Allow()
}

// writePump pumps frames from the send queue to the connection
func (c *Client) writePump() {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case message, ok := <-c.sendCh:
			if !ok {
				return
			}
			if err := c.write(message); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.abort()
				return
			}

		case <-tick:
			// Keep idle connections alive
			if err := c.write(frame.Encode(frame.OpPing, nil)); err != nil {
				c.abort()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) write(data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.conn.Write(data)
	return err
}

// formatCloseMessage builds a close frame body: a 2-byte status code followed
// by the UTF-8 reason (RFC 6455, section 5.5.1).
func formatCloseMessage(code int, reason string) []byte {
	if code == wsrelay.CloseNoStatusReceived {
		return []byte{}
	}
	if len(reason) > frame.MaxControlPayload-2 {
		reason = reason[:frame.MaxControlPayload-2]
	}
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf, uint16(code))
	copy(buf[2:], reason)
	return buf
}
