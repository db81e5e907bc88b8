// Package pipe implements the message protocol spoken with the companion
// application: text frames going out, binding changes coming in.
package pipe

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxMessageSize bounds every frame in either direction.
const MaxMessageSize = 4096

// MessageType is the first byte of an outbound frame.
type MessageType uint8

const (
	NormalText MessageType = 1
	ErrorText  MessageType = 2
	DebugText  MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case NormalText:
		return "normal"
	case ErrorText:
		return "error"
	case DebugText:
		return "debug"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// InboundType is the first byte of a frame sent by the companion.
type InboundType uint8

const (
	Action     InboundType = 1
	Setting    InboundType = 2
	Keybinding InboundType = 3
)

var ErrEmptyMessage = errors.New("empty message")

// EncodeText builds an outbound text frame. Text that doesn't fit is cut at
// the last complete UTF-8 sequence.
func EncodeText(t MessageType, text string) []byte {
	text = truncate(text, MaxMessageSize-1)
	frame := make([]byte, 0, len(text)+1)
	frame = append(frame, byte(t))
	return append(frame, text...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
