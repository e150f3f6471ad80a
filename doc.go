// Package wsrelay implements a minimal WebSocket chat relay.
//
// The relay accepts raw TCP connections, performs the RFC 6455 opening
// handshake itself and forwards every message a client sends to all other
// connected clients. It does not depend on net/http: the upgrade request is
// scanned for its Upgrade and Sec-WebSocket-Key headers only.
//
// # Quick Start
//
//	import "github.com/luciancaetano/wsrelay/ws"
//
//	server := ws.New(ws.NewConfig(":8080", ws.DefaultRateLimitConfig(),
//	    func(client wsrelay.Conn) {
//	        log.Printf("client %d joined", client.ID())
//	    }, nil))
//
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Connection Lifecycle
//
// Each accepted connection gets one worker goroutine that moves through three
// states:
//
//	AwaitingHandshake -> Active -> Closed
//
// A failed handshake is answered with 400 Bad Request. When the relay already
// holds MaxClients connections a newly handshaken client receives close code
// 1013 (try again later). In the Active state text and binary frames are
// relayed; ping and pong frames are accepted and dropped; a close frame ends
// the connection. Malformed frames close the connection with 1002, as do
// control frames that are fragmented or longer than 125 bytes. Frames larger
// than ReadBufferSize close it with 1009.
//
// # Broadcast
//
// Relayed messages are re-encoded as unmasked server frames. The registry is
// copied under its lock and released before any message is queued, and every
// client has its own write goroutine, so a slow peer never blocks the others.
// A peer whose queue is full is dropped from the relay.
//
// Set ServerConfig.RawRelay to forward the bare payload bytes without a frame
// header instead. Standard WebSocket clients cannot parse that stream.
//
// # Rate Limiting
//
// Each client has an independent token bucket:
//
//	// Default: 100 messages/second, burst 200
//	rateLimitConfig := ws.DefaultRateLimitConfig()
//
//	// Disabled
//	rateLimitConfig := ws.NoRateLimit()
//
// When the rate limit is exceeded the client receives close code 1008.
package wsrelay
