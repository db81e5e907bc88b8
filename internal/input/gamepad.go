package input

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// XInput button masks.
const (
	DPadUp        uint16 = 0x0001
	DPadDown      uint16 = 0x0002
	DPadLeft      uint16 = 0x0004
	DPadRight     uint16 = 0x0008
	Start         uint16 = 0x0010
	Back          uint16 = 0x0020
	LeftThumb     uint16 = 0x0040
	RightThumb    uint16 = 0x0080
	LeftShoulder  uint16 = 0x0100
	RightShoulder uint16 = 0x0200
	ButtonA       uint16 = 0x1000
	ButtonB       uint16 = 0x2000
	ButtonX       uint16 = 0x4000
	ButtonY       uint16 = 0x8000
)

// gamepadButtonIDs maps the companion's button ids to XInput masks.
var gamepadButtonIDs = [...]uint16{
	ButtonA, ButtonB, ButtonX, ButtonY,
	DPadUp, DPadDown, DPadLeft, DPadRight,
	LeftShoulder, RightShoulder,
	LeftThumb, RightThumb,
	Start, Back,
}

// IDToXInputMask converts a companion button id to its XInput mask.
func IDToXInputMask(id uint8) (uint16, bool) {
	if int(id) >= len(gamepadButtonIDs) {
		return 0, false
	}
	return gamepadButtonIDs[id], true
}

var buttonNames = map[uint16]string{
	DPadUp:        "DPadUp",
	DPadDown:      "DPadDown",
	DPadLeft:      "DPadLeft",
	DPadRight:     "DPadRight",
	Start:         "Start",
	Back:          "Back",
	LeftThumb:     "LeftThumb",
	RightThumb:    "RightThumb",
	LeftShoulder:  "LeftShoulder",
	RightShoulder: "RightShoulder",
	ButtonA:       "A",
	ButtonB:       "B",
	ButtonX:       "X",
	ButtonY:       "Y",
}

var buttonAliases = map[string]uint16{
	"lb":         LeftShoulder,
	"rb":         RightShoulder,
	"ls":         LeftThumb,
	"rs":         RightThumb,
	"up":         DPadUp,
	"down":       DPadDown,
	"left":       DPadLeft,
	"right":      DPadRight,
	"dpad_up":    DPadUp,
	"dpad_down":  DPadDown,
	"dpad_left":  DPadLeft,
	"dpad_right": DPadRight,
	"leftstick":  LeftThumb,
	"rightstick": RightThumb,
}

func fold(s string) string {
	return cases.Fold().String(s)
}

// ButtonName returns the display name of a single-button mask, or its hex
// value if it isn't one.
func ButtonName(mask uint16) string {
	if name, ok := buttonNames[mask]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", mask)
}

// IsSupportedButton reports whether mask is exactly one known XInput button.
func IsSupportedButton(mask uint16) bool {
	_, ok := buttonNames[mask]
	return ok
}

// ParseGamepadButton accepts a button name, a short alias (rb, ls, up, ...),
// or a decimal or 0x-prefixed mask. Names are case-insensitive. The result
// must be a single supported button.
func ParseGamepadButton(raw string) (uint16, error) {
	v := fold(strings.TrimSpace(raw))

	mask, ok := buttonAliases[v]
	if !ok {
		for m, name := range buttonNames {
			if fold(name) == v {
				mask, ok = m, true
				break
			}
		}
	}
	if !ok {
		base := 10
		if strings.HasPrefix(v, "0x") {
			v, base = v[2:], 16
		}
		n, err := strconv.ParseUint(v, base, 16)
		if err != nil {
			return 0, fmt.Errorf("unknown gamepad button %q", raw)
		}
		mask = uint16(n)
	}

	if !IsSupportedButton(mask) {
		return 0, fmt.Errorf("%q (0x%04X) is not a supported single button", raw, mask)
	}
	return mask, nil
}
