// Package input maps keyboard, gamepad and wheel state onto the camera's
// actions and keeps the bindings the companion can change at runtime.
package input

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/rallycam/internal/core/bytes"
)

// ActionType identifies something the user can trigger.
type ActionType uint8

const (
	CameraEnable ActionType = iota
	ToggleFixedCameraMount
)

func (a ActionType) String() string {
	switch a {
	case CameraEnable:
		return "CameraEnable"
	case ToggleFixedCameraMount:
		return "ToggleFixedCameraMount"
	default:
		return fmt.Sprintf("ActionType(%d)", uint8(a))
	}
}

// Source is the kind of device a binding listens to.
type Source int

const (
	Keyboard Source = iota
	Gamepad
)

// Virtual key codes.
const (
	VKShift   = 0x10
	VKControl = 0x11
	VKMenu    = 0x12
	VKInsert  = 0x2D
)

// KeybindingMessageSize is the minimum length of a keybinding message.
const KeybindingMessageSize = 7

var (
	ErrMessageTooShort = errors.New("keybinding message too short")
	ErrUnknownAction   = errors.New("no binding for action")
	ErrInvalidButton   = errors.New("invalid gamepad button id")
)

// KeybindingMessage is the wire layout of a binding change sent by the
// companion.
type KeybindingMessage struct {
	MsgType   uint8
	ActionID  uint8
	KeyCode   uint8
	Alt       uint8
	Ctrl      uint8
	Shift     uint8
	IsGamepad uint8
}

// Bytes encodes m the way the companion sends it.
func (m KeybindingMessage) Bytes() []byte {
	b, _ := bytes.BytesFromStruct(m)
	return b
}

// Binding is a key or button, with modifiers for keyboard bindings.
type Binding struct {
	Name    string
	KeyCode int
	Alt     bool
	Ctrl    bool
	Shift   bool
	Source  Source
}

// Bindings holds one keyboard and one gamepad binding per action. It is safe
// for concurrent use: the companion changes bindings from the pipe reader
// while the frame update reads them.
type Bindings struct {
	log logrus.FieldLogger

	mu       sync.RWMutex
	keyboard map[ActionType]*Binding
	gamepad  map[ActionType]*Binding
}

// NewBindings returns the default bindings. ToggleFixedCameraMount starts
// without a key so the companion can assign one.
func NewBindings(cameraEnableGamepadMask uint16, log logrus.FieldLogger) *Bindings {
	return &Bindings{
		log: log,
		keyboard: map[ActionType]*Binding{
			CameraEnable:           {Name: "CameraEnable", KeyCode: VKInsert, Source: Keyboard},
			ToggleFixedCameraMount: {Name: "ToggleFixedCameraMount", Source: Keyboard},
		},
		gamepad: map[ActionType]*Binding{
			CameraEnable: {Name: "CameraEnableGP", KeyCode: int(cameraEnableGamepadMask), Source: Gamepad},
		},
	}
}

// Keyboard returns a copy of the keyboard binding for a.
func (b *Bindings) Keyboard(a ActionType) (Binding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	kb, ok := b.keyboard[a]
	if !ok {
		return Binding{}, false
	}
	return *kb, true
}

// Gamepad returns a copy of the gamepad binding for a.
func (b *Bindings) Gamepad(a ActionType) (Binding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	gp, ok := b.gamepad[a]
	if !ok {
		return Binding{}, false
	}
	return *gp, true
}

// HandleKeybindingMessage applies a binding change received from the
// companion. Malformed messages leave every binding unchanged.
func (b *Bindings) HandleKeybindingMessage(payload []byte) error {
	if len(payload) < KeybindingMessageSize {
		b.log.Errorf("keybinding message of %d bytes is shorter than %d, ignoring", len(payload), KeybindingMessageSize)
		return fmt.Errorf("%w: %d bytes", ErrMessageTooShort, len(payload))
	}

	var msg KeybindingMessage
	if err := bytes.StructFromBytes(payload[:KeybindingMessageSize], &msg); err != nil {
		return err
	}
	action := ActionType(msg.ActionID)
	isGamepad := msg.IsGamepad == 0x01

	b.mu.Lock()
	defer b.mu.Unlock()

	table := b.keyboard
	if isGamepad {
		table = b.gamepad
	}
	toUpdate, ok := table[action]
	if !ok {
		b.log.Errorf("no binding for %v, binding was not changed", action)
		return fmt.Errorf("%w: %v", ErrUnknownAction, action)
	}

	keyCode := int(msg.KeyCode)
	if isGamepad {
		mask, ok := IDToXInputMask(msg.KeyCode)
		if !ok {
			b.log.Errorf("invalid gamepad button id %d, binding was not changed", msg.KeyCode)
			return fmt.Errorf("%w: %d", ErrInvalidButton, msg.KeyCode)
		}
		keyCode = int(mask)
	}

	toUpdate.KeyCode = keyCode
	toUpdate.Alt = msg.Alt == 0x01
	toUpdate.Ctrl = msg.Ctrl == 0x01
	toUpdate.Shift = msg.Shift == 0x01
	b.log.WithField("action", action).Debugf("binding changed to %+v", *toUpdate)
	return nil
}
