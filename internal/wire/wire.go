// Package wire implements the length-prefixed typed-frame protocol
// that the handshake and chunk engine exchange over a Transport.
//
// Wire format: an 8-byte ASCII decimal length, followed by a header
// "TYPE|SIZE" of that length, followed by SIZE bytes of payload.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/trackshift-tunnel/tunnel/internal/transport"
)

// FrameType distinguishes control messages from file payload chunks.
type FrameType string

const (
	TypeMSG  FrameType = "MSG"
	TypeFILE FrameType = "FILE"
)

// LenFieldSize is the fixed width of the ASCII decimal length prefix.
const LenFieldSize = 8

// DefaultMaxFrame is the default upper bound on a single frame's
// payload size, matching the protocol's MAX_FRAME default.
const DefaultMaxFrame = 16 * 1024 * 1024

// ErrProtocol is a fatal, session-ending framing error: a malformed
// length field, unknown type, negative size, or an oversized frame.
var ErrProtocol = errors.New("wire: protocol error")

// Frame is one decoded unit of the wire protocol.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// NewMsgFrame builds a control-message frame from a UTF-8 string.
func NewMsgFrame(s string) Frame {
	return Frame{Type: TypeMSG, Payload: []byte(s)}
}

// NewFileFrame builds a file-payload frame.
func NewFileFrame(b []byte) Frame {
	return Frame{Type: TypeFILE, Payload: b}
}

// Text returns the frame payload as a string, for MSG frames.
func (f Frame) Text() string {
	return string(f.Payload)
}

// Codec encodes and decodes Frames on top of a Transport.
type Codec struct {
	t        transport.Transport
	maxFrame int
}

// NewCodec wraps t with the protocol's default MAX_FRAME bound.
func NewCodec(t transport.Transport) *Codec {
	return &Codec{t: t, maxFrame: DefaultMaxFrame}
}

// NewCodecWithMaxFrame wraps t with a caller-supplied MAX_FRAME bound.
func NewCodecWithMaxFrame(t transport.Transport, maxFrame int) *Codec {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Codec{t: t, maxFrame: maxFrame}
}

// Write encodes frame and writes it in full.
func (c *Codec) Write(frame Frame) error {
	header := fmt.Sprintf("%s|%d", frame.Type, len(frame.Payload))
	lenField := fmt.Sprintf("%0*d", LenFieldSize, len(header))
	if len(lenField) != LenFieldSize {
		return fmt.Errorf("%w: header %d bytes does not fit an %d-digit length field", ErrProtocol, len(header), LenFieldSize)
	}

	buf := make([]byte, 0, LenFieldSize+len(header)+len(frame.Payload))
	buf = append(buf, lenField...)
	buf = append(buf, header...)
	buf = append(buf, frame.Payload...)
	return c.t.WriteAll(buf)
}

// Read decodes a single frame, validating type and size.
func (c *Codec) Read() (Frame, error) {
	lenBytes, err := c.t.ReadExact(LenFieldSize)
	if err != nil {
		return Frame{}, err
	}
	headerLen, err := strconv.Atoi(strings.TrimSpace(string(lenBytes)))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: non-decimal length field %q", ErrProtocol, lenBytes)
	}
	if headerLen <= 0 {
		return Frame{}, fmt.Errorf("%w: non-positive header length %d", ErrProtocol, headerLen)
	}

	headerBytes, err := c.t.ReadExact(headerLen)
	if err != nil {
		return Frame{}, err
	}
	typ, size, err := parseHeader(string(headerBytes))
	if err != nil {
		return Frame{}, err
	}
	if size > c.maxFrame {
		return Frame{}, fmt.Errorf("%w: frame size %d exceeds max %d", ErrProtocol, size, c.maxFrame)
	}

	payload, err := c.t.ReadExact(size)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: typ, Payload: payload}, nil
}

func parseHeader(header string) (FrameType, int, error) {
	parts := strings.SplitN(header, "|", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("%w: malformed header %q", ErrProtocol, header)
	}
	typ := FrameType(parts[0])
	switch typ {
	case TypeMSG, TypeFILE:
	default:
		return "", 0, fmt.Errorf("%w: unknown frame type %q", ErrProtocol, parts[0])
	}
	size, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("%w: non-decimal size %q", ErrProtocol, parts[1])
	}
	if size < 0 {
		return "", 0, fmt.Errorf("%w: negative size %d", ErrProtocol, size)
	}
	return typ, size, nil
}
