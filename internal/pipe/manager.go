package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// KeybindingHandler applies a keybinding frame.
type KeybindingHandler interface {
	HandleKeybindingMessage(payload []byte) error
}

// Manager writes text frames to the companion and dispatches the frames it
// sends back. Writes before a companion connected are dropped.
type Manager struct {
	log      logrus.FieldLogger
	bindings KeybindingHandler

	mu  sync.Mutex
	out io.Writer
}

func NewManager(bindings KeybindingHandler, log logrus.FieldLogger) *Manager {
	return &Manager{bindings: bindings, log: log}
}

// Connect sets the writer outbound frames go to.
func (m *Manager) Connect(out io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = out
}

func (m *Manager) Disconnect() {
	m.Connect(nil)
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out != nil
}

// WriteMessage sends one text frame. It never logs, so it can back a log hook.
func (m *Manager) WriteMessage(t MessageType, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.out == nil {
		return nil
	}
	if _, err := m.out.Write(EncodeText(t, text)); err != nil {
		return fmt.Errorf("pipe: write %v message: %w", t, err)
	}
	return nil
}

// Dispatch handles one inbound frame. Malformed frames are logged and
// dropped without any state change.
func (m *Manager) Dispatch(frame []byte) error {
	if len(frame) == 0 {
		m.log.Error("received an empty message from the companion")
		return ErrEmptyMessage
	}

	switch t := InboundType(frame[0]); t {
	case Keybinding:
		return m.bindings.HandleKeybindingMessage(frame)
	case Action, Setting:
		m.log.Debugf("ignoring unsupported message type %d (%d bytes)", t, len(frame))
		return nil
	default:
		m.log.Warnf("unknown message type %d from the companion", t)
		return fmt.Errorf("pipe: unknown message type %d", t)
	}
}

// Listen reads frames from r until ctx is done or r fails. r must preserve
// message boundaries, one frame per Read.
func (m *Manager) Listen(ctx context.Context, r io.Reader) error {
	buf := make([]byte, MaxMessageSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			if derr := m.Dispatch(frame); derr != nil {
				m.log.Debugf("dropped companion message: %v", derr)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pipe: read: %w", err)
		}
	}
}
