package wsrelay

import "time"

// Defaults applied when a ServerConfig field is left zero.
const (
	DefaultAddr             = ":8080"
	DefaultMaxClients       = 10
	DefaultReadBufferSize   = 1024
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultSendQueueSize    = 256
)

// Close codes sent by the relay (RFC 6455, section 7.4.1).
const (
	CloseNormalClosure    = 1000
	CloseGoingAway        = 1001
	CloseProtocolError    = 1002
	CloseUnsupportedData  = 1003
	ClosePolicyViolation  = 1008
	CloseMessageTooBig    = 1009
	CloseTryAgainLater    = 1013
	CloseNoStatusReceived = 1005
)

// Standard error messages
const (
	// Protocol errors
	ErrMalformedFrame      = "malformed frame"
	ErrFrameTooLarge       = "frame too large"
	ErrUnmaskedFrame       = "client frame not masked"
	ErrFragmentedFrame     = "fragmented frames are not supported"
	ErrInvalidControlFrame = "control frame fragmented or longer than 125 bytes"
	ErrRateLimited         = "rate limit exceeded"
	ErrServerFull          = "server full"
	ErrServerGoingAway     = "server shutting down"
	ErrHandshakeFailed     = "handshake failed"
	ErrCapacityExceeded    = "capacity exceeded"

	// Connection errors
	ErrClientNotFound       = "client not found"
	ErrConnectionClosed     = "client connection is closed"
	ErrContextCancelled     = "client context cancelled"
	ErrSendQueueFull        = "send queue full"
	ErrServerAlreadyRunning = "server already running"
)
