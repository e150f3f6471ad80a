package ws

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/wsrelay"
	"github.com/luciancaetano/wsrelay/internal/config"
	"github.com/luciancaetano/wsrelay/internal/frame"
	"github.com/luciancaetano/wsrelay/internal/handshake"
	"github.com/luciancaetano/wsrelay/internal/registry"
	"github.com/luciancaetano/wsrelay/internal/relay"
)

type RateLimitConfig = relay.RateLimitConfig
type OnConnectFn = relay.OnConnectFn
type OnDisconnectFn = relay.OnClientDisconnectFn
type ServerConfig = *relay.ServerConfig

// Errors reported by the relay. Compare with errors.Is.
var (
	ErrHandshakeFailed      = handshake.ErrHandshakeFailed
	ErrMalformedFrame       = frame.ErrMalformedFrame
	ErrFrameTooLarge        = frame.ErrFrameTooLarge
	ErrCapacityExceeded     = registry.ErrCapacityExceeded
	ErrPeerUnreachable      = relay.ErrPeerUnreachable
	ErrServerAlreadyRunning = relay.ErrServerAlreadyRunning
)

// New creates a WebSocket relay server.
//
// Example:
//
//	server := ws.New(ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), func(client wsrelay.Conn) {
//	    log.Printf("Client connected: %d", client.ID())
//	}, nil))
func New(cfg ServerConfig) wsrelay.Relay {
	return relay.New(cfg)
}

// NewConfig builds a server configuration with default capacity, buffer
// size and timeouts.
//
// Parameters:
//   - addr: The server address (e.g., ":8080" or "localhost:8080")
//   - rateLimitConfig: Rate limiting configuration. Use DefaultRateLimitConfig() or NoRateLimit()
//   - onConnect: Optional callback called after the handshake, before the
//     first frame is read. Can be nil.
//   - onDisconnect: Optional callback called once the client is unregistered. Can be nil.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, onConnect OnConnectFn, onDisconnect OnDisconnectFn) ServerConfig {
	return &relay.ServerConfig{
		Addr:               addr,
		RateLimitConfig:    rateLimitConfig,
		OnConnect:          onConnect,
		OnClientDisconnect: onDisconnect,
	}
}

// FromFile builds a server configuration from a YAML file. The logger is
// attached as is; pass nil to discard logs.
func FromFile(path string, log *zap.Logger) (ServerConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return FromConfig(cfg, log), nil
}

// FromConfig converts a loaded file configuration into a server configuration.
func FromConfig(cfg *config.Config, log *zap.Logger) ServerConfig {
	rl := NoRateLimit()
	if cfg.RateLimit.Enabled {
		rl = &RateLimitConfig{
			MessagesPerSecond: rate.Limit(cfg.RateLimit.MessagesPerSecond),
			Burst:             cfg.RateLimit.Burst,
			Enabled:           true,
		}
	}

	// A zero file value disables a deadline; zero in ServerConfig means default.
	handshakeTimeout, writeTimeout := cfg.HandshakeTimeout, cfg.WriteTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = -time.Nanosecond
	}
	if writeTimeout == 0 {
		writeTimeout = -time.Nanosecond
	}

	return &relay.ServerConfig{
		Addr:             cfg.Addr,
		MaxClients:       cfg.MaxClients,
		ReadBufferSize:   cfg.ReadBufferSize,
		HandshakeTimeout: handshakeTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		WriteTimeout:     writeTimeout,
		ReusePort:        cfg.ReusePort,
		RawRelay:         cfg.RawRelay,
		RateLimitConfig:  rl,
		Logger:           log,
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return relay.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return relay.NoRateLimit()
}
