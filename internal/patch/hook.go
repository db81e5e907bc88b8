package patch

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/dcrodman/rallycam/internal/memory"
)

// JumpSize is the length of the absolute indirect jump written at a hook site:
// jmp qword ptr [rip+0] followed by the 64-bit destination.
const JumpSize = 14

// Site describes where a hook goes relative to a target's resolved address
// and how many bytes it replaces. Length must cover whole instructions.
type Site struct {
	Offset int
	Length int
}

// Hook is an installed redirection from host code into a stub.
type Hook struct {
	Name    string
	Address uintptr
	// Detour is the entry of the trampoline the site jumps to.
	Detour       uintptr
	Continuation *Continuation
	Original     []byte
	Patched      []byte
	Enabled      bool
}

// Continuation is the address where original execution resumes after a stub
// ran. Stubs read it from a native slot, Go code from Address.
type Continuation struct {
	mem  memory.Memory
	slot uintptr
	addr atomic.Uintptr
}

// NewContinuation returns a continuation cell. If slot is non-zero the address
// is also published to that native location whenever it is set.
func NewContinuation(mem memory.Memory, slot uintptr) *Continuation {
	return &Continuation{mem: mem, slot: slot}
}

func (c *Continuation) Address() uintptr { return c.addr.Load() }

func (c *Continuation) set(addr uintptr) error {
	if c.slot != 0 {
		if err := memory.WriteUint64(c.mem, c.slot, uint64(addr)); err != nil {
			return err
		}
	}
	c.addr.Store(addr)
	return nil
}

// AbsoluteJump encodes jmp qword ptr [rip+0] with target as the inline operand.
func AbsoluteJump(target uintptr) []byte {
	b := make([]byte, JumpSize)
	b[0], b[1] = 0xFF, 0x25
	binary.LittleEndian.PutUint64(b[6:], uint64(target))
	return b
}

// InstallHook redirects the site at t to detour. The continuation is published
// before the jump is written so the detour never sees a zero resume address.
func (e *Engine) InstallHook(t Target, site Site, cont *Continuation, detour uintptr) (*Hook, error) {
	at, err := e.siteAddress(t, site)
	if err != nil {
		return nil, err
	}
	original, err := e.mem.Read(at, site.Length)
	if err != nil {
		e.log.WithField("block", t.Name()).Errorf("can't read hook site: %v", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrHookInstall, t.Name(), err)
	}
	return e.install(t.Name(), at, original, cont, detour)
}

func (e *Engine) siteAddress(t Target, site Site) (uintptr, error) {
	log := e.log.WithField("block", t.Name())

	addr, err := t.Address()
	if err != nil {
		log.Errorf("hook target not resolved, tools aren't compatible with this game version: %v", err)
		return 0, fmt.Errorf("hook %s: %w", t.Name(), err)
	}
	if site.Length < JumpSize {
		log.Errorf("hook site of %d bytes can't hold a %d byte jump", site.Length, JumpSize)
		return 0, fmt.Errorf("%w: %s needs %d bytes, has %d", ErrSiteTooShort, t.Name(), JumpSize, site.Length)
	}
	return addr + uintptr(site.Offset), nil
}

func (e *Engine) install(name string, at uintptr, original []byte, cont *Continuation, detour uintptr) (*Hook, error) {
	log := e.log.WithField("block", name)

	resume := at + uintptr(len(original))
	if err := cont.set(resume); err != nil {
		log.Errorf("can't publish continuation: %v", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrHookInstall, name, err)
	}

	patched := append(AbsoluteJump(detour), nops(len(original)-JumpSize)...)
	if err := e.mem.WriteCode(at, patched); err != nil {
		log.Errorf("failed to write redirection at 0x%X, status: %v", at, err)
		return nil, fmt.Errorf("%w: %s: %v", ErrHookInstall, name, err)
	}

	h := &Hook{
		Name:         name,
		Address:      at,
		Detour:       detour,
		Continuation: cont,
		Original:     original,
		Patched:      patched,
		Enabled:      true,
	}

	e.mu.Lock()
	e.hooks = append(e.hooks, h)
	e.mu.Unlock()

	log.Debugf("hook installed at 0x%X, continues at 0x%X", at, resume)
	return h, nil
}

// SetHookEnabled switches a hook between its redirected and original bytes.
func (e *Engine) SetHookEnabled(h *Hook, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h.Enabled == enabled {
		return nil
	}
	b := h.Original
	if enabled {
		b = h.Patched
	}
	if err := e.mem.WriteCode(h.Address, b); err != nil {
		e.log.WithField("block", h.Name).Warnf("failed to toggle hook: %v", err)
		return fmt.Errorf("%w: %s: %v", ErrHookInstall, h.Name, err)
	}
	h.Enabled = enabled
	return nil
}

// Hooks returns every hook installed so far.
func (e *Engine) Hooks() []*Hook {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Hook(nil), e.hooks...)
}
