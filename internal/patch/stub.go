package patch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/dcrodman/rallycam/internal/memory"
)

// DefaultArenaSize keeps every stub and the shared state within rel32 reach
// of each other.
const DefaultArenaSize = 64 * 1024

const stubAlign = 16

// ErrEncoding is returned when a stub can't be encoded, usually because a
// relative displacement doesn't fit its operand.
var ErrEncoding = errors.New("stub encoding failed")

// Arena is a single executable allocation that stubs are carved out of.
type Arena struct {
	mem  memory.Memory
	base uintptr
	size int

	mu   sync.Mutex
	used int
}

func NewArena(mem memory.Memory, size int) (*Arena, error) {
	base, err := mem.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate stub arena: %w", err)
	}
	return &Arena{mem: mem, base: base, size: size}, nil
}

func (a *Arena) Base() uintptr { return a.base }

// reserve hands out n bytes aligned to stubAlign.
func (a *Arena) reserve(n int) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := (a.used + stubAlign - 1) &^ (stubAlign - 1)
	if start+n > a.size {
		return 0, fmt.Errorf("stub arena exhausted: %d of %d bytes used", a.used, a.size)
	}
	a.used = start + n
	return a.base + uintptr(start), nil
}

// Slot is an offset into the shared state page.
type Slot uintptr

const (
	// SlotCameraEnabled holds a single byte, non-zero while the camera is engaged.
	SlotCameraEnabled Slot = 0x00
	// SlotCameraStruct holds the address of the active camera structure.
	SlotCameraStruct Slot = 0x08
	// SlotPlayerStruct holds the address of the player's car structure.
	SlotPlayerStruct Slot = 0x10

	sharedStateSize = 0x40
)

// SharedState is the small block of native memory that stubs write captured
// register values into and read the camera flag from.
type SharedState struct {
	mem  memory.Memory
	base uintptr
}

func newSharedState(a *Arena) (*SharedState, error) {
	base, err := a.reserve(sharedStateSize)
	if err != nil {
		return nil, err
	}
	if err := a.mem.Write(base, make([]byte, sharedStateSize)); err != nil {
		return nil, err
	}
	return &SharedState{mem: a.mem, base: base}, nil
}

func (s *SharedState) Address(slot Slot) uintptr { return s.base + uintptr(slot) }

func (s *SharedState) SetCameraEnabled(enabled bool) error {
	var b byte
	if enabled {
		b = 1
	}
	return s.mem.Write(s.Address(SlotCameraEnabled), []byte{b})
}

func (s *SharedState) CameraEnabled() (bool, error) {
	b, err := memory.ReadUint8(s.mem, s.Address(SlotCameraEnabled))
	return b != 0, err
}

// Pointer returns the captured address stored in slot.
func (s *SharedState) Pointer(slot Slot) (uintptr, error) {
	v, err := memory.ReadUint64(s.mem, s.Address(slot))
	return uintptr(v), err
}

func (s *SharedState) SetPointer(slot Slot, v uintptr) error {
	return memory.WriteUint64(s.mem, s.Address(slot), uint64(v))
}

// Register numbers follow the x86-64 ModRM encoding.
type Register uint8

const (
	RAX Register = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Range is a half-open byte range [From, To) within a hook site.
type Range struct {
	From, To int
}

func rel32(from, to uintptr) (int32, error) {
	d := int64(to) - int64(from)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, fmt.Errorf("%w: 0x%X out of rel32 range from 0x%X", ErrEncoding, to, from)
	}
	return int32(d), nil
}

func rel8(d int) (byte, error) {
	if d < math.MinInt8 || d > math.MaxInt8 {
		return 0, fmt.Errorf("%w: branch distance %d out of rel8 range", ErrEncoding, d)
	}
	return byte(int8(d)), nil
}

// storeRegister encodes mov qword ptr [rip+disp], reg placed at pc.
func storeRegister(pc uintptr, reg Register, target uintptr) ([]byte, error) {
	const size = 7
	disp, err := rel32(pc+size, target)
	if err != nil {
		return nil, err
	}

	rex := byte(0x48)
	if reg >= R8 {
		rex |= 0x04
	}
	b := []byte{rex, 0x89, byte(reg&7)<<3 | 0x05, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[3:], uint32(disp))
	return b, nil
}

// captureStub builds a stub at entry that stores reg into target, runs the
// relocated original instructions and jumps to the continuation. When after
// is set the store happens once the originals ran.
func captureStub(entry uintptr, reg Register, target uintptr, after bool, original []byte) ([]byte, error) {
	var code []byte
	if after {
		code = append(code, original...)
	}
	store, err := storeRegister(entry+uintptr(len(code)), reg, target)
	if err != nil {
		return nil, err
	}
	code = append(code, store...)
	if !after {
		code = append(code, original...)
	}
	return append(code, AbsoluteJump(0)...), nil
}

// suppressStub builds a stub that runs the original instructions unchanged
// while the byte at flag is zero, and the originals minus the write ranges
// otherwise. Flags are preserved across the test.
func suppressStub(entry uintptr, flag uintptr, original []byte, writes []Range) ([]byte, error) {
	kept, err := stripRanges(original, writes)
	if err != nil {
		return nil, err
	}

	// pushfq; cmp byte ptr [rip+disp], 0
	code := []byte{0x9C, 0x80, 0x3D, 0, 0, 0, 0, 0x00}
	disp, err := rel32(entry+uintptr(len(code)), flag)
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(code[3:], uint32(disp))

	// jne enabled: skips popfq, the originals and the two byte jmp.
	jne, err := rel8(1 + len(original) + 2)
	if err != nil {
		return nil, err
	}
	code = append(code, 0x75, jne, 0x9D)
	code = append(code, original...)

	// jmp tail: skips popfq and the kept instructions.
	jmp, err := rel8(1 + len(kept))
	if err != nil {
		return nil, err
	}
	code = append(code, 0xEB, jmp, 0x9D)
	code = append(code, kept...)
	return append(code, AbsoluteJump(0)...), nil
}

func stripRanges(original []byte, writes []Range) ([]byte, error) {
	if writes == nil {
		return nil, nil
	}
	drop := make([]bool, len(original))
	for _, r := range writes {
		if r.From < 0 || r.To > len(original) || r.From >= r.To {
			return nil, fmt.Errorf("%w: write range [%d,%d) outside %d byte site", ErrEncoding, r.From, r.To, len(original))
		}
		for i := r.From; i < r.To; i++ {
			drop[i] = true
		}
	}

	var kept []byte
	for i, b := range original {
		if !drop[i] {
			kept = append(kept, b)
		}
	}
	return kept, nil
}

// place writes code into a fresh arena block and returns its entry and the
// continuation bound to the trailing jump operand.
func (e *Engine) place(code func(entry uintptr) ([]byte, error), size int) (uintptr, *Continuation, error) {
	entry, err := e.arena.reserve(size)
	if err != nil {
		return 0, nil, err
	}
	b, err := code(entry)
	if err != nil {
		return 0, nil, err
	}
	if err := e.mem.WriteCode(entry, b); err != nil {
		return 0, nil, fmt.Errorf("failed to write stub: %w", err)
	}
	return entry, NewContinuation(e.mem, entry+uintptr(len(b))-8), nil
}

// InstallCapture hooks the site at t with a stub that copies reg into the
// shared state slot. The original instructions still run.
func (e *Engine) InstallCapture(t Target, site Site, reg Register, slot Slot, after bool) (*Hook, error) {
	at, err := e.siteAddress(t, site)
	if err != nil {
		return nil, err
	}
	original, err := e.mem.Read(at, site.Length)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHookInstall, t.Name(), err)
	}
	if err := checkRelocatable(original); err != nil {
		e.log.WithField("block", t.Name()).Errorf("hook site can't be relocated: %v", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrHookInstall, t.Name(), err)
	}

	target := e.state.Address(slot)
	entry, cont, err := e.place(func(entry uintptr) ([]byte, error) {
		return captureStub(entry, reg, target, after, original)
	}, len(original)+7+JumpSize)
	if err != nil {
		e.log.WithField("block", t.Name()).Errorf("can't build capture stub: %v", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrHookInstall, t.Name(), err)
	}
	return e.install(t.Name(), at, original, cont, entry)
}

// InstallSuppress hooks the site at t with a stub that skips the byte ranges
// in writes while the camera is enabled. A nil writes slice skips the whole
// site while enabled.
func (e *Engine) InstallSuppress(t Target, site Site, writes []Range) (*Hook, error) {
	at, err := e.siteAddress(t, site)
	if err != nil {
		return nil, err
	}
	original, err := e.mem.Read(at, site.Length)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHookInstall, t.Name(), err)
	}
	if err := checkRelocatable(original); err != nil {
		e.log.WithField("block", t.Name()).Errorf("hook site can't be relocated: %v", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrHookInstall, t.Name(), err)
	}

	flag := e.state.Address(SlotCameraEnabled)
	entry, cont, err := e.place(func(entry uintptr) ([]byte, error) {
		return suppressStub(entry, flag, original, writes)
	}, 8+3+2*len(original)+3+JumpSize)
	if err != nil {
		e.log.WithField("block", t.Name()).Errorf("can't build suppress stub: %v", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrHookInstall, t.Name(), err)
	}
	return e.install(t.Name(), at, original, cont, entry)
}
