package relay

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/wsrelay"
	"github.com/luciancaetano/wsrelay/internal/frame"
	"github.com/luciancaetano/wsrelay/internal/handshake"
	"github.com/luciancaetano/wsrelay/internal/registry"
)

// State is the lifecycle position of a connection worker.
type State int

const (
	// AwaitingHandshake is the state before the upgrade request is answered.
	AwaitingHandshake State = iota
	// Active means the client is registered and its frames are relayed.
	Active
	// Closed is terminal: the client is unregistered and its connection closed.
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingHandshake:
		return "awaiting_handshake"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return "unknown"
}

const (
	// handshakeBufferSize bounds a single request line or header.
	handshakeBufferSize = 4096
	// maxHandshakeSize bounds the whole upgrade request.
	maxHandshakeSize = 16 << 10
)

// handleConn drives one raw connection through
// AwaitingHandshake -> Active -> Closed.
func (s *Server) handleConn(conn net.Conn) {
	defer s.releaseConn(conn)

	log := s.log.With(zap.String("remote_addr", conn.RemoteAddr().String()))
	br := bufio.NewReaderSize(conn, max(s.cfg.ReadBufferSize, handshakeBufferSize))

	if err := s.awaitHandshake(conn, br); err != nil {
		log.Warn("handshake rejected", zap.Error(err))
		_ = conn.Close()
		return
	}

	client := NewClient(conn, &s.cfg, s.log)
	id, err := s.clients.Register(client)
	if err != nil {
		if errors.Is(err, registry.ErrCapacityExceeded) {
			log.Warn("client rejected", zap.Error(err), zap.Int("max_clients", s.cfg.MaxClients))
			_ = client.CloseWithCode(context.Background(), wsrelay.CloseTryAgainLater, wsrelay.ErrServerFull)
			return
		}
		_ = client.CloseWithCode(context.Background(), wsrelay.CloseGoingAway, "")
		return
	}
	client.setID(id)

	defer func() {
		s.clients.Unregister(id)
		client.log.Info("client disconnected", zap.Stringer("state", client.State()), zap.Int("clients", s.clients.Len()))
	}()

	// Stop may have taken its snapshot before this client registered
	if s.isClosing() || !client.activate() {
		_ = client.CloseWithCode(context.Background(), wsrelay.CloseGoingAway, wsrelay.ErrServerGoingAway)
		return
	}

	client.Start()
	client.log.Info("client connected", zap.Int("clients", s.clients.Len()))

	// Call onConnect callback if provided
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(client)
	}

	voluntary := s.readLoop(client, br)

	// Unregister before the callback so it observes the new count
	s.clients.Unregister(id)
	if voluntary {
		_ = client.Close(context.Background())
	} else {
		client.abort()
	}

	if s.cfg.OnClientDisconnect != nil {
		s.cfg.OnClientDisconnect(client, voluntary)
	}
}

// awaitHandshake reads the upgrade request and answers it. On failure a 400
// response is written before returning.
func (s *Server) awaitHandshake(conn net.Conn, br *bufio.Reader) error {
	if s.cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}

	key, err := handshake.Read(br, maxHandshakeSize)
	if err != nil {
		// The handshake deadline may already have passed
		var deadline time.Time
		if s.cfg.WriteTimeout > 0 {
			deadline = time.Now().Add(s.cfg.WriteTimeout)
		}
		_ = conn.SetWriteDeadline(deadline)
		_ = handshake.WriteReject(conn)
		return err
	}

	if err := handshake.WriteResponse(conn, key); err != nil {
		return err
	}

	return conn.SetDeadline(time.Time{})
}

// readLoop relays frames until the connection ends and reports whether the
// client ended it.
func (s *Server) readLoop(client *Client, br *bufio.Reader) bool {
	ctx := context.Background()

	for {
		if s.cfg.IdleTimeout > 0 {
			_ = client.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		f, err := frame.ReadFrame(br, s.cfg.ReadBufferSize)
		if err != nil {
			switch {
			case errors.Is(err, frame.ErrFrameTooLarge):
				client.log.Warn("closing client", zap.Error(err))
				_ = client.CloseWithCode(ctx, wsrelay.CloseMessageTooBig, wsrelay.ErrFrameTooLarge)
				return false
			case errors.Is(err, frame.ErrMalformedFrame):
				client.log.Warn("closing client", zap.Error(err))
				_ = client.CloseWithCode(ctx, wsrelay.CloseProtocolError, wsrelay.ErrMalformedFrame)
				return false
			case client.Context().Err() != nil:
				// Closed locally: shutdown, rate limit or a failed write
				return false
			default:
				client.log.Debug("read ended", zap.Error(err))
				return isPeerClose(err)
			}
		}

		if !f.Masked {
			client.log.Warn("closing client", zap.String("reason", wsrelay.ErrUnmaskedFrame))
			_ = client.CloseWithCode(ctx, wsrelay.CloseProtocolError, wsrelay.ErrUnmaskedFrame)
			return false
		}

		if f.Opcode.IsControl() && (!f.Fin || len(f.Payload) > frame.MaxControlPayload) {
			client.log.Warn("closing client", zap.String("reason", wsrelay.ErrInvalidControlFrame),
				zap.Stringer("opcode", f.Opcode), zap.Bool("fin", f.Fin), zap.Int("bytes", len(f.Payload)))
			_ = client.CloseWithCode(ctx, wsrelay.CloseProtocolError, wsrelay.ErrInvalidControlFrame)
			return false
		}

		switch f.Opcode {
		case frame.OpClose:
			return true
		case frame.OpPing, frame.OpPong:
			continue
		}

		if !f.Fin || f.Opcode == frame.OpContinuation {
			_ = client.CloseWithCode(ctx, wsrelay.CloseUnsupportedData, wsrelay.ErrFragmentedFrame)
			return false
		}

		if !client.CheckRateLimit() {
			client.log.Warn("rate limit exceeded")
			_ = client.CloseWithCode(ctx, wsrelay.ClosePolicyViolation, wsrelay.ErrRateLimited)
			return false
		}

		client.log.Debug("frame received", zap.Stringer("opcode", f.Opcode), zap.Int("bytes", len(f.Payload)))
		s.hub.Broadcast(f.Opcode, f.Payload, client.ID())
	}
}

// isPeerClose reports whether a read error means the peer closed the TCP
// connection rather than a timeout or local failure.
func isPeerClose(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	return !errors.Is(err, net.ErrClosed)
}
