// Package frame decodes client WebSocket frames and encodes server frames
// as laid out in RFC 6455, section 5.2.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Opcode is the 4-bit frame type.
type Opcode byte

// Opcodes defined in RFC 6455, section 11.8.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether op is a control opcode (close, ping, pong).
func (op Opcode) IsControl() bool {
	return op&0x8 != 0
}

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%x)", byte(op))
	}
}

func (op Opcode) valid() bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

// Header bits and length indicators.
const (
	finalBit       = 1 << 7
	reservedBits   = 0x70
	maskBit        = 1 << 7
	opcodeMask     = 0x0f
	payloadLenMask = 0x7f
	payloadLen16   = 126
	payloadLen64   = 127

	// MaxHeaderSize is 2 base bytes, 8 extended length bytes and a 4 byte mask.
	MaxHeaderSize = 14

	// MaxControlPayload is the largest payload of a close, ping or pong frame.
	MaxControlPayload = 125
)

var (
	// ErrMalformedFrame is returned for truncated frames, reserved bits,
	// unknown opcodes and invalid 64-bit lengths.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge is returned when the declared payload length exceeds
	// the caller's limit.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Frame is one decoded WebSocket frame.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// header is the fixed part of a frame up to and including the mask key.
type header struct {
	fin     bool
	opcode  Opcode
	masked  bool
	length  uint64
	maskKey [4]byte
}

func parseFirstBytes(b0, b1 byte) (header, error) {
	h := header{
		fin:    b0&finalBit != 0,
		opcode: Opcode(b0 & opcodeMask),
		masked: b1&maskBit != 0,
		length: uint64(b1 & payloadLenMask),
	}
	if b0&reservedBits != 0 {
		return h, fmt.Errorf("%w: reserved bits set", ErrMalformedFrame)
	}
	if !h.opcode.valid() {
		return h, fmt.Errorf("%w: unknown %s", ErrMalformedFrame, h.opcode)
	}
	return h, nil
}

// extendedLength returns how many length bytes follow the first two.
func (h header) extendedLength() int {
	switch h.length {
	case payloadLen16:
		return 2
	case payloadLen64:
		return 8
	}
	return 0
}

func (h *header) setExtendedLength(b []byte) error {
	switch len(b) {
	case 2:
		h.length = uint64(binary.BigEndian.Uint16(b))
	case 8:
		h.length = binary.BigEndian.Uint64(b)
		if h.length > math.MaxInt64 {
			return fmt.Errorf("%w: most significant length bit set", ErrMalformedFrame)
		}
	}
	return nil
}

func (h header) checkLimit(maxPayload int) error {
	if h.length > uint64(maxPayload) {
		return fmt.Errorf("%w: %d bytes declared, limit %d", ErrFrameTooLarge, h.length, maxPayload)
	}
	return nil
}

// Decode decodes exactly one frame from the start of raw and returns it with
// the number of bytes consumed. The declared length is checked against
// maxPayload and against len(raw) before any payload byte is touched. The
// returned payload is a fresh slice of exactly the declared length.
func Decode(raw []byte, maxPayload int) (Frame, int, error) {
	if len(raw) < 2 {
		return Frame{}, 0, fmt.Errorf("%w: %d byte header", ErrMalformedFrame, len(raw))
	}

	h, err := parseFirstBytes(raw[0], raw[1])
	if err != nil {
		return Frame{}, 0, err
	}
	offset := 2

	if n := h.extendedLength(); n > 0 {
		if len(raw) < offset+n {
			return Frame{}, 0, fmt.Errorf("%w: truncated extended length", ErrMalformedFrame)
		}
		if err := h.setExtendedLength(raw[offset : offset+n]); err != nil {
			return Frame{}, 0, err
		}
		offset += n
	}

	if err := h.checkLimit(maxPayload); err != nil {
		return Frame{}, 0, err
	}

	if h.masked {
		if len(raw) < offset+4 {
			return Frame{}, 0, fmt.Errorf("%w: truncated mask key", ErrMalformedFrame)
		}
		copy(h.maskKey[:], raw[offset:offset+4])
		offset += 4
	}

	if uint64(len(raw)-offset) < h.length {
		return Frame{}, 0, fmt.Errorf("%w: %d payload bytes declared, %d available",
			ErrMalformedFrame, h.length, len(raw)-offset)
	}

	end := offset + int(h.length)
	payload := make([]byte, h.length)
	copy(payload, raw[offset:end])
	if h.masked {
		Mask(h.maskKey, payload)
	}

	return h.frame(payload), end, nil
}

// ReadFrame reads one frame from r. It returns io.EOF when r ends cleanly
// before the first header byte and ErrMalformedFrame when it ends mid-frame.
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	var buf [MaxHeaderSize]byte

	if _, err := io.ReadFull(r, buf[:2]); err != nil {
		return Frame{}, truncated(err)
	}

	h, err := parseFirstBytes(buf[0], buf[1])
	if err != nil {
		return Frame{}, err
	}

	if n := h.extendedLength(); n > 0 {
		if _, err := io.ReadFull(r, buf[2:2+n]); err != nil {
			return Frame{}, midFrame(err)
		}
		if err := h.setExtendedLength(buf[2 : 2+n]); err != nil {
			return Frame{}, err
		}
	}

	if err := h.checkLimit(maxPayload); err != nil {
		return Frame{}, err
	}

	if h.masked {
		if _, err := io.ReadFull(r, h.maskKey[:]); err != nil {
			return Frame{}, midFrame(err)
		}
	}

	payload := make([]byte, h.length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, midFrame(err)
	}
	if h.masked {
		Mask(h.maskKey, payload)
	}

	return h.frame(payload), nil
}

// truncated maps a failure reading the first two bytes: nothing read is a
// clean disconnect, a single byte is a cut frame.
func truncated(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return err
}

func midFrame(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrMalformedFrame, io.ErrUnexpectedEOF)
	}
	return err
}

func (h header) frame(payload []byte) Frame {
	return Frame{
		Fin:     h.fin,
		Opcode:  h.opcode,
		Masked:  h.masked,
		MaskKey: h.maskKey,
		Payload: payload,
	}
}

// Encode builds a final, unmasked server-to-client frame.
func Encode(op Opcode, payload []byte) []byte {
	n := len(payload)

	var out []byte
	switch {
	case n <= 125:
		out = make([]byte, 2, 2+n)
		out[1] = byte(n)
	case n <= math.MaxUint16:
		out = make([]byte, 4, 4+n)
		out[1] = payloadLen16
		binary.BigEndian.PutUint16(out[2:], uint16(n))
	default:
		out = make([]byte, 10, 10+n)
		out[1] = payloadLen64
		binary.BigEndian.PutUint64(out[2:], uint64(n))
	}
	out[0] = finalBit | byte(op&opcodeMask)

	return append(out, payload...)
}

// EncodeMasked builds a final client-to-server frame masked with key.
// payload is not modified.
func EncodeMasked(op Opcode, key [4]byte, payload []byte) []byte {
	f := Encode(op, payload)
	headerLen := len(f) - len(payload)

	out := make([]byte, 0, len(f)+4)
	out = append(out, f[:headerLen]...)
	out[1] |= maskBit
	out = append(out, key[:]...)
	out = append(out, payload...)
	Mask(key, out[headerLen+4:])
	return out
}

// Mask XORs data in place with key; applying it twice restores data.
func Mask(key [4]byte, data []byte) {
	for i := range data {
		data[i] ^= key[i%4]
	}
}
