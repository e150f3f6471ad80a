package wsrelay

import (
	"context"
	"net"
)

// Relay is a WebSocket chat relay: every text or binary message a client sends
// is forwarded to every other connected client.
//
// Example usage:
//
//	import "github.com/luciancaetano/wsrelay/ws"
//
//	server := ws.New(ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), nil, nil))
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Stop(ctx)
type Relay interface {
	// Start binds the configured address and begins accepting connections in
	// the background.
	//
	// Returns an error if the server is already running or the address cannot
	// be bound. Cancelling ctx stops the server.
	Start(ctx context.Context) error

	// Stop closes the listener and every client connection, then waits for
	// the connection workers to finish or ctx to expire.
	Stop(ctx context.Context) error

	// Serve accepts connections on ln until Stop is called. Each accepted
	// connection is handed to exactly one worker goroutine.
	Serve(ln net.Listener) error

	// HandleConn runs the whole lifecycle of one raw connection: handshake,
	// registration, relay loop and cleanup. It blocks until the connection is
	// closed and takes ownership of conn.
	HandleConn(conn net.Conn)

	// Broadcast sends a server-originated text message to every client.
	Broadcast(ctx context.Context, payload []byte) error

	// ClientCount returns the number of registered clients.
	ClientCount() int
}

// Conn represents a connected WebSocket client.
//
// Each client has a numeric identifier assigned at registration and a random
// session label used to correlate log lines. The client's context is cancelled
// when the connection closes.
type Conn interface {
	// ID returns the identifier the registry assigned to the client. It is
	// stable for the lifetime of the connection and never reused.
	ID() uint64

	// SessionID returns a random UUID identifying this connection in logs.
	SessionID() string

	// RemoteAddr returns the client's remote network address, for example
	// "192.168.1.100:54321".
	RemoteAddr() string

	// Context returns the client's lifecycle context.
	//
	// Example:
	//
	//	go func() {
	//	    <-client.Context().Done()
	//	    log.Printf("client %d disconnected", client.ID())
	//	}()
	Context() context.Context

	// Send queues payload for delivery as a single text frame.
	//
	// Returns an error if the connection is closed or ctx is cancelled first.
	Send(ctx context.Context, payload []byte) error

	// Close closes the connection with CloseNormalClosure.
	Close(ctx context.Context) error

	// CloseWithCode sends a close frame with code and reason, then closes the
	// connection.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive returns true if the connection is still open.
	IsAlive() bool
}
