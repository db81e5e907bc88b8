//go:build windows

package input

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32               = windows.NewLazySystemDLL("user32.dll")
	procGetAsyncKeyState = user32.NewProc("GetAsyncKeyState")

	xinput             = windows.NewLazySystemDLL("xinput1_4.dll")
	procXInputGetState = xinput.NewProc("XInputGetState")

	winmm            = windows.NewLazySystemDLL("winmm.dll")
	procJoyGetNumDev = winmm.NewProc("joyGetNumDevs")
	procJoyGetPosEx  = winmm.NewProc("joyGetPosEx")
)

const (
	joyReturnButtons = 0x80
	joyErrNoError    = 0
)

var ErrNoJoystick = errors.New("no joystick attached")

// AsyncKeys reads the keyboard with GetAsyncKeyState.
type AsyncKeys struct{}

func (AsyncKeys) KeyDown(vk int) bool {
	r, _, _ := procGetAsyncKeyState.Call(uintptr(vk))
	return r&0x8000 != 0
}

type xinputState struct {
	PacketNumber uint32
	Buttons      uint16
	LeftTrigger  uint8
	RightTrigger uint8
	ThumbLX      int16
	ThumbLY      int16
	ThumbRX      int16
	ThumbRY      int16
}

// XInputPad reads the controller in the given user slot.
type XInputPad struct {
	User uint32
}

func (p XInputPad) Buttons() (uint16, error) {
	if err := procXInputGetState.Find(); err != nil {
		return 0, err
	}
	var st xinputState
	r, _, _ := procXInputGetState.Call(uintptr(p.User), uintptr(unsafe.Pointer(&st)))
	if r != 0 {
		return 0, fmt.Errorf("XInputGetState: %w", windows.Errno(r))
	}
	return st.Buttons, nil
}

type joyInfoEx struct {
	Size, Flags                uint32
	X, Y, Z, R, U, V           uint32
	Buttons, ButtonNumber, POV uint32
	Reserved1, Reserved2       uint32
}

// Joystick reads wheel and joystick buttons through winmm. winmm reports 32
// buttons; the remaining slots stay released.
type Joystick struct {
	id uint32
}

// OpenJoystick returns the first attached joystick.
func OpenJoystick() (*Joystick, error) {
	n, _, _ := procJoyGetNumDev.Call()
	for id := uint32(0); id < uint32(n); id++ {
		j := &Joystick{id: id}
		if _, err := j.Buttons(); err == nil {
			return j, nil
		}
	}
	return nil, ErrNoJoystick
}

func (j *Joystick) Buttons() ([ButtonCount]bool, error) {
	var out [ButtonCount]bool
	info := joyInfoEx{Flags: joyReturnButtons}
	info.Size = uint32(unsafe.Sizeof(info))
	r, _, _ := procJoyGetPosEx.Call(uintptr(j.id), uintptr(unsafe.Pointer(&info)))
	if r != joyErrNoError {
		return out, fmt.Errorf("joyGetPosEx(%d) returned %d", j.id, r)
	}
	for i := 0; i < 32; i++ {
		out[i] = info.Buttons&(1<<i) != 0
	}
	return out, nil
}

func (j *Joystick) Close() error { return nil }
