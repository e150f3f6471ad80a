// Package handshake answers the HTTP upgrade request that opens a WebSocket
// connection (RFC 6455, section 4.2).
package handshake

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// websocketGUID is the globally unique identifier appended to the client key
// per RFC 6455, section 1.3.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ErrHandshakeFailed is returned when the opening request is missing, is not a
// WebSocket upgrade or carries no Sec-WebSocket-Key.
var ErrHandshakeFailed = errors.New("handshake failed")

// AcceptKey derives the Sec-WebSocket-Accept value for a client key:
// base64(sha1(key + GUID)).
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Read consumes one HTTP upgrade request from br and returns its
// Sec-WebSocket-Key. The whole request may be at most limit bytes and no
// single line may exceed br's buffer. Only the Upgrade and Sec-WebSocket-Key
// headers are inspected; bytes after the blank line stay buffered in br.
func Read(br *bufio.Reader, limit int) (string, error) {
	requestLine, err := readLine(br, &limit)
	if err != nil {
		return "", fmt.Errorf("%w: read request line: %w", ErrHandshakeFailed, err)
	}
	if !strings.HasPrefix(requestLine, "GET ") {
		return "", fmt.Errorf("%w: unexpected request line %q", ErrHandshakeFailed, requestLine)
	}

	var upgrade, key string
	for {
		line, err := readLine(br, &limit)
		if err != nil {
			return "", fmt.Errorf("%w: read headers: %w", ErrHandshakeFailed, err)
		}
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch {
		case strings.EqualFold(strings.TrimSpace(name), "Upgrade"):
			upgrade = strings.TrimSpace(value)
		case strings.EqualFold(strings.TrimSpace(name), "Sec-WebSocket-Key"):
			key = strings.TrimSpace(value)
		}
	}

	if !strings.EqualFold(upgrade, "websocket") {
		return "", fmt.Errorf("%w: missing Upgrade: websocket", ErrHandshakeFailed)
	}
	if key == "" {
		return "", fmt.Errorf("%w: missing Sec-WebSocket-Key", ErrHandshakeFailed)
	}
	return key, nil
}

// WriteResponse writes the 101 Switching Protocols response for key.
func WriteResponse(w io.Writer, key string) error {
	_, err := io.WriteString(w, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: "+AcceptKey(key)+"\r\n\r\n")
	return err
}

// WriteReject writes a 400 response telling the client the upgrade was refused.
func WriteReject(w io.Writer) error {
	_, err := io.WriteString(w, "HTTP/1.1 400 Bad Request\r\n"+
		"Connection: close\r\n"+
		"Content-Length: 0\r\n\r\n")
	return err
}

var errRequestTooLarge = errors.New("request too large")

// readLine returns the next CRLF (or LF) terminated line without its
// terminator and charges its length against the remaining budget.
func readLine(br *bufio.Reader, budget *int) (string, error) {
	line, err := br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", errRequestTooLarge
	}
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}

	*budget -= len(line)
	if *budget < 0 {
		return "", errRequestTooLarge
	}
	return string(bytes.TrimRight(line, "\r\n")), nil
}
