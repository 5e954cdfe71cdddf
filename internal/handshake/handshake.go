// Package handshake implements the META/READY/STATUS/FINAL control
// exchange that brackets one file's payload transfer.
package handshake

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/trackshift-tunnel/tunnel/internal/wire"
)

// Status is the outcome the sender and receiver agree on via
// STATUS/FINAL.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFail    Status = "FAIL"
)

const readyLiteral = "READY"

// ErrBadMeta is returned when a META control message cannot be parsed.
var ErrBadMeta = errors.New("handshake: malformed META")

// Meta describes the file being transferred, as carried in the META
// control message.
type Meta struct {
	FileName string
	Size     int64
	// FileHash is the optional hex-encoded SHA-256 of the whole file.
	// Empty when the sender did not compute one.
	FileHash string
}

// EncodeMeta renders Meta as the wire form
// "<file_name>|<size_decimal>" or, when FileHash is set,
// "<file_name>|<size_decimal>|<hash_hex>".
func EncodeMeta(m Meta) (string, error) {
	if strings.Contains(m.FileName, "|") {
		return "", fmt.Errorf("%w: file name must not contain '|'", ErrBadMeta)
	}
	if m.FileHash == "" {
		return fmt.Sprintf("%s|%d", m.FileName, m.Size), nil
	}
	return fmt.Sprintf("%s|%d|%s", m.FileName, m.Size, m.FileHash), nil
}

// ParseMeta parses the META wire form. A two-field form (no hash) is
// accepted for backward tolerance.
func ParseMeta(s string) (Meta, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) < 2 {
		return Meta{}, fmt.Errorf("%w: %q", ErrBadMeta, s)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: non-decimal size in %q", ErrBadMeta, s)
	}
	m := Meta{FileName: parts[0], Size: size}
	if len(parts) == 3 {
		m.FileHash = parts[2]
	}
	return m, nil
}

// SenderHandshake drives the sender side: IDLE -> SEND_META ->
// WAIT_READY -> ... -> SEND_STATUS -> WAIT_FINAL -> DONE. Payload
// transfer itself is driven by the caller (ChunkEngine) between
// SendMeta/AwaitReady and SendStatus/AwaitFinal.
type SenderHandshake struct {
	codec *wire.Codec
}

// NewSenderHandshake wraps a Codec for the sender role.
func NewSenderHandshake(codec *wire.Codec) *SenderHandshake {
	return &SenderHandshake{codec: codec}
}

// SendMeta writes the META frame describing the upcoming file.
func (h *SenderHandshake) SendMeta(m Meta) error {
	encoded, err := EncodeMeta(m)
	if err != nil {
		return err
	}
	return h.codec.Write(wire.NewMsgFrame(encoded))
}

// AwaitReady blocks for the receiver's READY control message.
func (h *SenderHandshake) AwaitReady() error {
	frame, err := h.codec.Read()
	if err != nil {
		return err
	}
	if frame.Type != wire.TypeMSG || frame.Text() != readyLiteral {
		return fmt.Errorf("%w: expected READY, got %q", wire.ErrProtocol, frame.Text())
	}
	return nil
}

// SendStatus writes the sender's STATUS control message.
func (h *SenderHandshake) SendStatus(s Status) error {
	return h.codec.Write(wire.NewMsgFrame(string(s)))
}

// AwaitFinal blocks for the receiver's FINAL control message and
// reports whether it was SUCCESS. Any value other than SUCCESS is
// treated as failure.
func (h *SenderHandshake) AwaitFinal() (bool, error) {
	frame, err := h.codec.Read()
	if err != nil {
		return false, err
	}
	if frame.Type != wire.TypeMSG {
		return false, fmt.Errorf("%w: expected FINAL message, got frame type %s", wire.ErrProtocol, frame.Type)
	}
	return frame.Text() == string(StatusSuccess), nil
}

// ReceiverHandshake drives the receiver side: IDLE -> WAIT_META ->
// SEND_READY -> ... -> WAIT_STATUS -> SEND_FINAL -> DONE.
type ReceiverHandshake struct {
	codec *wire.Codec
}

// NewReceiverHandshake wraps a Codec for the receiver role.
func NewReceiverHandshake(codec *wire.Codec) *ReceiverHandshake {
	return &ReceiverHandshake{codec: codec}
}

// AwaitMeta blocks for the sender's META control message.
func (h *ReceiverHandshake) AwaitMeta() (Meta, error) {
	frame, err := h.codec.Read()
	if err != nil {
		return Meta{}, err
	}
	if frame.Type != wire.TypeMSG {
		return Meta{}, fmt.Errorf("%w: expected META message, got frame type %s", wire.ErrProtocol, frame.Type)
	}
	return ParseMeta(frame.Text())
}

// SendReady writes the literal READY control message.
func (h *ReceiverHandshake) SendReady() error {
	return h.codec.Write(wire.NewMsgFrame(readyLiteral))
}

// AwaitStatus blocks for the sender's STATUS control message.
func (h *ReceiverHandshake) AwaitStatus() (Status, error) {
	frame, err := h.codec.Read()
	if err != nil {
		return "", err
	}
	if frame.Type != wire.TypeMSG {
		return "", fmt.Errorf("%w: expected STATUS message, got frame type %s", wire.ErrProtocol, frame.Type)
	}
	return Status(frame.Text()), nil
}

// SendFinal writes the receiver's FINAL control message, mirroring
// the outcome it observed.
func (h *ReceiverHandshake) SendFinal(s Status) error {
	return h.codec.Write(wire.NewMsgFrame(string(s)))
}
