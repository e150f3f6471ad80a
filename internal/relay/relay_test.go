package relay

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/wsrelay"
	"github.com/luciancaetano/wsrelay/internal/frame"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// startRelay serves cfg on a loopback listener and stops it on cleanup.
func startRelay(t *testing.T, cfg *ServerConfig) (*Server, string) {
	t.Helper()

	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = NoRateLimit()
	}
	s := New(cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Stop(ctx))
		assert.NoError(t, <-served)
	})
	return s, ln.Addr().String()
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: waitFor}
	conn, resp, err := dialer.Dial("ws://"+addr+"/chat", nil)
	require.NoError(t, err)
	require.Equal(t, 101, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialN connects n clients and waits until all of them are registered.
func dialN(t *testing.T, s *Server, addr string, n int) []*websocket.Conn {
	t.Helper()

	conns := make([]*websocket.Conn, n)
	for i := range conns {
		conns[i] = dial(t, addr)
	}
	waitClients(t, s, n)
	return conns
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.ClientCount() == n }, waitFor, tick,
		"expected %d registered clients", n)
}

func readMessage(t *testing.T, conn *websocket.Conn) (int, string) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return mt, string(data)
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected message %q", data)

	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "expected a read timeout, got %v", err)
}

func expectCloseCode(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		require.True(t, websocket.IsCloseError(err, code), "expected close %d, got %v", code, err)
		return
	}
}

// rawClient speaks the protocol byte by byte so tests can send frames a
// conforming client never would.
type rawClient struct {
	conn net.Conn
	br   *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, waitFor)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(waitFor)))

	req := "GET /chat HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	_, err = io.WriteString(conn, req)
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 101 Switching Protocols\r\n", status)

	var accept string
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Sec-WebSocket-Accept: "); ok {
			accept = strings.TrimSpace(v)
		}
	}
	require.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", accept)

	return &rawClient{conn: conn, br: br}
}

func (c *rawClient) write(t *testing.T, data []byte) {
	t.Helper()
	_, err := c.conn.Write(data)
	require.NoError(t, err)
}

func (c *rawClient) send(t *testing.T, op frame.Opcode, payload string) {
	t.Helper()
	c.write(t, frame.EncodeMasked(op, [4]byte{0x37, 0xfa, 0x21, 0x3d}, []byte(payload)))
}

func (c *rawClient) read(t *testing.T) frame.Frame {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
	f, err := frame.ReadFrame(c.br, 1<<16)
	require.NoError(t, err)
	return f
}

func (c *rawClient) expectClose(t *testing.T, code int) {
	t.Helper()
	f := c.read(t)
	require.Equal(t, frame.OpClose, f.Opcode)
	require.GreaterOrEqual(t, len(f.Payload), 2)
	assert.Equal(t, uint16(code), binary.BigEndian.Uint16(f.Payload))

	// The server closes the TCP connection after the close frame
	_, err := c.br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRelayBroadcastExcludesSender(t *testing.T) {
	s, addr := startRelay(t, &ServerConfig{})
	conns := dialN(t, s, addr, 3)

	require.NoError(t, conns[0].WriteMessage(websocket.TextMessage, []byte("hello")))

	for _, c := range conns[1:] {
		mt, msg := readMessage(t, c)
		assert.Equal(t, websocket.TextMessage, mt)
		assert.Equal(t, "hello", msg)
	}
	expectSilence(t, conns[0])
}

func TestRelayBinaryMessage(t *testing.T) {
	s, addr := startRelay(t, &ServerConfig{})
	conns := dialN(t, s, addr, 2)

	payload := []byte{0x00, 0x01, 0xfe, 0xff}
	require.NoError(t, conns[1].WriteMessage(websocket.BinaryMessage, payload))

	mt, msg := readMessage(t, conns[0])
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, string(payload), msg)
}

func TestRelayPreservesSenderOrder(t *testing.T) {
	s, addr := startRelay(t, &ServerConfig{})
	conns := dialN(t, s, addr, 2)

	const n = 50
	for i := range n {
		require.NoError(t, conns[0].WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("msg-%d", i))))
	}

	for i := range n {
		_, msg := readMessage(t, conns[1])
		require.Equal(t, fmt.Sprintf("msg-%d", i), msg)
	}
}

func TestRelaySingleClientHasNoPeers(t *testing.T) {
	s, addr := startRelay(t, &ServerConfig{})
	conns := dialN(t, s, addr, 1)

	require.NoError(t, conns[0].WriteMessage(websocket.TextMessage, []byte("anyone?")))
	expectSilence(t, conns[0])
	assert.Equal(t, 1, s.ClientCount())
}

func TestRelayDisconnectCleansUp(t *testing.T) {
	var (
		mu        sync.Mutex
		voluntary []bool
	)
	s, addr := startRelay(t, &ServerConfig{
		OnClientDisconnect: func(_ wsrelay.Conn, v bool) {
			mu.Lock()
			voluntary = append(voluntary, v)
			mu.Unlock()
		},
	})
	conns := dialN(t, s, addr, 3)

	require.NoError(t, conns[2].Close())
	waitClients(t, s, 2)

	res := s.hub.Broadcast(frame.OpText, []byte("after"), 0)
	assert.Equal(t, Result{Delivered: 2}, res)

	for _, c := range conns[:2] {
		_, msg := readMessage(t, c)
		assert.Equal(t, "after", msg)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true}, voluntary)
}

func TestRelayCloseFrameIsAnswered(t *testing.T) {
	disconnected := make(chan bool, 1)
	s, addr := startRelay(t, &ServerConfig{
		OnClientDisconnect: func(_ wsrelay.Conn, voluntary bool) { disconnected <- voluntary },
	})
	c := dialRaw(t, addr)
	waitClients(t, s, 1)

	c.write(t, frame.EncodeMasked(frame.OpClose, [4]byte{1, 2, 3, 4}, formatCloseMessage(wsrelay.CloseNormalClosure, "bye")))
	c.expectClose(t, wsrelay.CloseNormalClosure)

	select {
	case v := <-disconnected:
		assert.True(t, v)
	case <-time.After(waitFor):
		t.Fatal("disconnect callback not called")
	}
	assert.Equal(t, 0, s.ClientCount())
}

func TestRelayCapacityRejection(t *testing.T) {
	s, addr := startRelay(t, &ServerConfig{MaxClients: 2})
	dialN(t, s, addr, 2)

	extra := dial(t, addr)
	expectCloseCode(t, extra, wsrelay.CloseTryAgainLater)
	assert.Equal(t, 2, s.ClientCount())
}

func TestRelayCapacityReclaimed(t *testing.T) {
	s, addr := startRelay(t, &ServerConfig{MaxClients: 1})
	first := dialN(t, s, addr, 1)

	require.NoError(t, first[0].Close())
	waitClients(t, s, 0)

	dialN(t, s, addr, 1)
}

func TestRelayHandshakeRejected(t *testing.T) {
	s, addr := startRelay(t, &ServerConfig{})

	tests := []struct {
		name string
		req  string
	}{
		{name: "missing key", req: "GET / HTTP/1.1\r\nHost: x\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"},
		{name: "not an upgrade", req: "GET / HTTP/1.1\r\nHost: x\r\n\r\n"},
		{name: "wrong method", req: "POST / HTTP/1.1\r\nUpgrade: websocket\r\nSec-WebSocket-Key: abc\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := net.DialTimeout("tcp", addr, waitFor)
			require.NoError(t, err)
			defer conn.Close()
			require.NoError(t, conn.SetDeadline(time.Now().Add(waitFor)))

			_, err = io.WriteString(conn, tt.req)
			require.NoError(t, err)

			resp, err := io.ReadAll(conn)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(string(resp), "HTTP/1.1 400 "), "response %q", resp)
		})
	}

	assert.Equal(t, 0, s.ClientCount())
}

func TestRelayHandshakeTimeout(t *testing.T) {
	s, addr := startRelay(t, &ServerConfig{HandshakeTimeout: 100 * time.Millisecond})

	conn, err := net.DialTimeout("tcp", addr, waitFor)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(waitFor)))

	_, err = io.WriteString(conn, "GET / HTTP/1.1\r\n")
	require.NoError(t, err)

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(resp), "HTTP/1.1 400 "), "response %q", resp)
	assert.Equal(t, 0, s.ClientCount())
}

func TestRelayWithoutWriteDeadline(t *testing.T) {
	s, addr := startRelay(t, &ServerConfig{
		WriteTimeout:     -time.Nanosecond,
		HandshakeTimeout: 100 * time.Millisecond,
	})
	conns := dialN(t, s, addr, 2)

	require.NoError(t, conns[0].WriteMessage(websocket.TextMessage, []byte("no deadline")))
	_, msg := readMessage(t, conns[1])
	assert.Equal(t, "no deadline", msg)

	// The rejection after a handshake timeout is still written
	conn, err := net.DialTimeout("tcp", addr, waitFor)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(waitFor)))

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(resp), "HTTP/1.1 400 "), "response %q", resp)
}

func TestRelayProtocolViolations(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *ServerConfig
		frame    func() []byte
		wantCode int
	}{
		{
			name:     "unmasked frame",
			cfg:      &ServerConfig{},
			frame:    func() []byte { return frame.Encode(frame.OpText, []byte("plain")) },
			wantCode: wsrelay.CloseProtocolError,
		},
		{
			name:     "reserved bits",
			cfg:      &ServerConfig{},
			frame:    func() []byte { return []byte{0xc1, 0x80, 0, 0, 0, 0} },
			wantCode: wsrelay.CloseProtocolError,
		},
		{
			name:     "unknown opcode",
			cfg:      &ServerConfig{},
			frame:    func() []byte { return []byte{0x83, 0x80, 0, 0, 0, 0} },
			wantCode: wsrelay.CloseProtocolError,
		},
		{
			name: "payload above buffer size",
			cfg:  &ServerConfig{ReadBufferSize: 128},
			frame: func() []byte {
				return frame.EncodeMasked(frame.OpText, [4]byte{9, 9, 9, 9}, make([]byte, 200))
			},
			wantCode: wsrelay.CloseMessageTooBig,
		},
		{
			name: "fragmented message",
			cfg:  &ServerConfig{},
			frame: func() []byte {
				f := frame.EncodeMasked(frame.OpText, [4]byte{1, 1, 1, 1}, []byte("part"))
				f[0] &^= 0x80
				return f
			},
			wantCode: wsrelay.CloseUnsupportedData,
		},
		{
			name: "stray continuation",
			cfg:  &ServerConfig{},
			frame: func() []byte {
				return frame.EncodeMasked(frame.OpContinuation, [4]byte{1, 1, 1, 1}, []byte("tail"))
			},
			wantCode: wsrelay.CloseUnsupportedData,
		},
		{
			name: "fragmented ping",
			cfg:  &ServerConfig{},
			frame: func() []byte {
				f := frame.EncodeMasked(frame.OpPing, [4]byte{2, 2, 2, 2}, []byte("hi"))
				f[0] &^= 0x80
				return f
			},
			wantCode: wsrelay.CloseProtocolError,
		},
		{
			name: "oversized pong",
			cfg:  &ServerConfig{},
			frame: func() []byte {
				return frame.EncodeMasked(frame.OpPong, [4]byte{2, 2, 2, 2}, make([]byte, frame.MaxControlPayload+1))
			},
			wantCode: wsrelay.CloseProtocolError,
		},
		{
			name: "oversized close",
			cfg:  &ServerConfig{},
			frame: func() []byte {
				return frame.EncodeMasked(frame.OpClose, [4]byte{2, 2, 2, 2}, make([]byte, frame.MaxControlPayload+1))
			},
			wantCode: wsrelay.CloseProtocolError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, addr := startRelay(t, tt.cfg)
			bystander := dial(t, addr)
			c := dialRaw(t, addr)
			waitClients(t, s, 2)

			c.write(t, tt.frame())
			c.expectClose(t, tt.wantCode)
			waitClients(t, s, 1)

			// Nothing from the offending frame reaches other clients
			expectSilence(t, bystander)
		})
	}
}

func TestRelayIgnoresControlFrameAtLimit(t *testing.T) {
	s, addr := startRelay(t, &ServerConfig{RateLimitConfig: NoRateLimit()})
	receiver := dial(t, addr)
	c := dialRaw(t, addr)
	waitClients(t, s, 2)

	c.send(t, frame.OpPing, strings.Repeat("p", frame.MaxControlPayload))
	c.send(t, frame.OpText, "after ping")

	_, msg := readMessage(t, receiver)
	assert.Equal(t, "after ping", msg)
	assert.Equal(t, 2, s.ClientCount())
}

func TestRelayAcceptsMaxPayload(t *testing.T) {
	s, addr := startRelay(t, &ServerConfig{ReadBufferSize: 128})
	conns := dialN(t, s, addr, 2)

	payload := strings.Repeat("a", 128)
	require.NoError(t, conns[0].WriteMessage(websocket.TextMessage, []byte(payload)))

	_, msg := readMessage(t, conns[1])
	assert.Equal(t, payload, msg)
}

func TestRelayIgnoresPingPong(t *testing.T) {
	s, addr := startRelay(t, &ServerConfig{})
	c := dialRaw(t, addr)
	peer := dial(t, addr)
	waitClients(t, s, 2)

	c.send(t, frame.OpPing, "are you there")
	c.send(t, frame.OpPong, "")
	c.send(t, frame.OpText, "chat")

	_, msg := readMessage(t, peer)
	assert.Equal(t, "chat", msg)
	assert.Equal(t, 2, s.ClientCount())
}

func TestRelayRateLimit(t *testing.T) {
	s, addr := startRelay(t, &ServerConfig{
		RateLimitConfig: &RateLimitConfig{MessagesPerSecond: 1, Burst: 1, Enabled: true},
	})
	peer := dial(t, addr)
	c := dialRaw(t, addr)
	waitClients(t, s, 2)

	c.send(t, frame.OpText, "first")
	c.send(t, frame.OpText, "second")

	c.expectClose(t, wsrelay.ClosePolicyViolation)

	_, msg := readMessage(t, peer)
	assert.Equal(t, "first", msg)
	expectSilence(t, peer)
}

func TestRelayRawMode(t *testing.T) {
	s, addr := startRelay(t, &ServerConfig{RawRelay: true})
	sender := dialRaw(t, addr)
	receiver := dialRaw(t, addr)
	waitClients(t, s, 2)

	sender.send(t, frame.OpText, "unframed")

	require.NoError(t, receiver.conn.SetReadDeadline(time.Now().Add(waitFor)))
	buf := make([]byte, len("unframed"))
	_, err := io.ReadFull(receiver.br, buf)
	require.NoError(t, err)
	assert.Equal(t, "unframed", string(buf))
}

func TestRelayServerBroadcast(t *testing.T) {
	s, addr := startRelay(t, &ServerConfig{})
	conns := dialN(t, s, addr, 3)

	require.NoError(t, s.Broadcast(context.Background(), []byte("announcement")))

	for _, c := range conns {
		_, msg := readMessage(t, c)
		assert.Equal(t, "announcement", msg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Broadcast(ctx, []byte("late")), context.Canceled)
}

func TestRelaySendToClient(t *testing.T) {
	ids := make(chan uint64, 1)
	s, addr := startRelay(t, &ServerConfig{
		OnConnect: func(c wsrelay.Conn) {
			if c.(*Client).State() == Active {
				ids <- c.ID()
			}
		},
	})
	conn := dial(t, addr)

	var id uint64
	select {
	case id = <-ids:
	case <-time.After(waitFor):
		t.Fatal("connect callback not called")
	}

	require.NoError(t, s.SendToClient(context.Background(), id, []byte("direct")))
	_, msg := readMessage(t, conn)
	assert.Equal(t, "direct", msg)

	err := s.SendToClient(context.Background(), id+100, []byte("nobody"))
	assert.ErrorContains(t, err, wsrelay.ErrClientNotFound)
}

func TestRelayConcurrentClients(t *testing.T) {
	const n = 8

	var (
		mu  sync.Mutex
		ids = make(map[uint64]string)
	)
	s, addr := startRelay(t, &ServerConfig{
		MaxClients: n,
		OnConnect: func(c wsrelay.Conn) {
			mu.Lock()
			ids[c.ID()] = c.SessionID()
			mu.Unlock()
		},
	})

	conns := make([]*websocket.Conn, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dialer := websocket.Dialer{HandshakeTimeout: waitFor}
			conn, _, err := dialer.Dial("ws://"+addr+"/", nil)
			if assert.NoError(t, err) {
				conns[i] = conn
			}
		}()
	}
	wg.Wait()
	t.Cleanup(func() {
		for _, c := range conns {
			if c != nil {
				_ = c.Close()
			}
		}
	})

	waitClients(t, s, n)

	mu.Lock()
	assert.Len(t, ids, n, "identifiers must be distinct")
	assert.NotContains(t, ids, uint64(0))
	mu.Unlock()

	require.NotNil(t, conns[0])
	require.NoError(t, conns[0].WriteMessage(websocket.TextMessage, []byte("fan-out")))
	for _, c := range conns[1:] {
		require.NotNil(t, c)
		_, msg := readMessage(t, c)
		assert.Equal(t, "fan-out", msg)
	}
}

func TestRelayStopClosesClients(t *testing.T) {
	disconnected := make(chan bool, 2)
	s := New(&ServerConfig{
		RateLimitConfig:    NoRateLimit(),
		OnClientDisconnect: func(_ wsrelay.Conn, voluntary bool) { disconnected <- voluntary },
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	addr := ln.Addr().String()
	conns := dialN(t, s, addr, 2)

	// A connection still in the handshake must not block shutdown
	pending, err := net.DialTimeout("tcp", addr, waitFor)
	require.NoError(t, err)
	defer pending.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, <-served)

	for _, c := range conns {
		expectCloseCode(t, c, wsrelay.CloseGoingAway)
	}
	for range conns {
		select {
		case v := <-disconnected:
			assert.False(t, v)
		case <-time.After(waitFor):
			t.Fatal("disconnect callback not called")
		}
	}
	assert.Equal(t, 0, s.ClientCount())

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
}

func TestRelayHandleConn(t *testing.T) {
	s := New(&ServerConfig{RateLimitConfig: NoRateLimit()})
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		s.HandleConn(server)
		close(done)
	}()

	require.NoError(t, client.SetDeadline(time.Now().Add(waitFor)))
	_, err := io.WriteString(client, "GET / HTTP/1.1\r\nUpgrade: websocket\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(client)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 101 Switching Protocols\r\n", status)

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, waitFor, tick)
	require.NoError(t, client.Close())

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("HandleConn did not return")
	}
	assert.Equal(t, 0, s.ClientCount())
}
