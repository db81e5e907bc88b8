package input

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// ButtonCount is the number of wheel/joystick button slots tracked.
const ButtonCount = 128

// KeyState reports whether a virtual key is currently held.
type KeyState interface {
	KeyDown(vk int) bool
}

// Pad reports the XInput button mask of the first connected controller.
type Pad interface {
	Buttons() (uint16, error)
}

// ButtonDevice reports the pressed state of a wheel or joystick's buttons.
type ButtonDevice interface {
	Buttons() ([ButtonCount]bool, error)
	Close() error
}

// ButtonEdges derives just-pressed transitions from successive button states.
type ButtonEdges struct {
	prev [ButtonCount]bool
	just [ButtonCount]bool
}

// Update records the current state. A button is just pressed when it is down
// now and was up on the previous update.
func (e *ButtonEdges) Update(cur [ButtonCount]bool) {
	for i := range cur {
		e.just[i] = cur[i] && !e.prev[i]
		e.prev[i] = cur[i]
	}
}

// JustPressed reports whether button i went down on the last update. Out of
// range indexes are never pressed.
func (e *ButtonEdges) JustPressed(i int) bool {
	if i < 0 || i >= ButtonCount {
		return false
	}
	return e.just[i]
}

// Hold reports no transitions for this update and keeps the last known state,
// so a button held across a failed poll is not pressed again afterwards.
func (e *ButtonEdges) Hold() {
	e.just = [ButtonCount]bool{}
}

func (e *ButtonEdges) Reset() {
	e.prev = [ButtonCount]bool{}
	e.just = [ButtonCount]bool{}
}

// Input polls the devices once per frame and reports which actions were
// activated since the previous poll. Any device may be nil.
type Input struct {
	bindings *Bindings
	keys     KeyState
	pad      Pad
	wheel    ButtonDevice
	log      logrus.FieldLogger

	mu        sync.Mutex
	edges     ButtonEdges
	active    map[ActionType]bool
	activated map[ActionType]bool
	padMask   uint16
	padFailed bool
}

func New(bindings *Bindings, keys KeyState, pad Pad, wheel ButtonDevice, log logrus.FieldLogger) *Input {
	return &Input{
		bindings:  bindings,
		keys:      keys,
		pad:       pad,
		wheel:     wheel,
		log:       log,
		active:    make(map[ActionType]bool),
		activated: make(map[ActionType]bool),
	}
}

func (in *Input) Bindings() *Bindings { return in.bindings }

// Update polls every device. Device errors are transient: the affected
// source keeps its last good state and reports no new presses.
func (in *Input) Update() {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.pad != nil {
		m, err := in.pad.Buttons()
		switch {
		case err != nil && !in.padFailed:
			in.log.Debugf("gamepad unavailable: %v", err)
			in.padFailed = true
		case err == nil:
			in.padMask, in.padFailed = m, false
		}
	}

	if in.wheel != nil {
		if buttons, err := in.wheel.Buttons(); err != nil {
			in.edges.Hold()
		} else {
			in.edges.Update(buttons)
		}
	}

	for _, a := range []ActionType{CameraEnable, ToggleFixedCameraMount} {
		now := in.keyboardActive(a) || in.gamepadActive(a, in.padMask)
		in.activated[a] = now && !in.active[a]
		in.active[a] = now
	}
}

func (in *Input) keyboardActive(a ActionType) bool {
	b, ok := in.bindings.Keyboard(a)
	if !ok || b.KeyCode == 0 || in.keys == nil {
		return false
	}
	if !in.keys.KeyDown(b.KeyCode) {
		return false
	}
	return in.keys.KeyDown(VKMenu) == b.Alt &&
		in.keys.KeyDown(VKControl) == b.Ctrl &&
		in.keys.KeyDown(VKShift) == b.Shift
}

func (in *Input) gamepadActive(a ActionType, mask uint16) bool {
	b, ok := in.bindings.Gamepad(a)
	if !ok || b.KeyCode == 0 {
		return false
	}
	return mask&uint16(b.KeyCode) != 0
}

// ActionActivated reports whether a binding for a went down on the last Update.
func (in *Input) ActionActivated(a ActionType) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.activated[a]
}

// ButtonJustPressed reports a wheel/joystick button edge from the last Update.
func (in *Input) ButtonJustPressed(i int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.edges.JustPressed(i)
}

// Close releases the wheel device and clears all state.
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.edges.Reset()
	in.padMask = 0
	in.active = make(map[ActionType]bool)
	in.activated = make(map[ActionType]bool)
	if in.wheel == nil {
		return nil
	}
	err := in.wheel.Close()
	in.wheel = nil
	return err
}
