// Package patch applies reversible byte-level changes to host code: NOP-ing
// instruction ranges and redirecting control flow into small stubs that
// resume original execution afterwards.
package patch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/rallycam/internal/memory"
)

const nop = 0x90

var (
	// ErrHookInstall is returned when a redirection or NOP patch could not be written.
	ErrHookInstall = errors.New("hook install failed")
	// ErrSiteTooShort is returned when a hook site can't hold an absolute jump.
	ErrSiteTooShort = errors.New("hook site too short")
	// ErrPatchLength is returned when the same address is toggled with a different byte count.
	ErrPatchLength = errors.New("patch length mismatch")
)

// Target is a resolved location in the host image, such as a signature block.
type Target interface {
	Name() string
	// Address returns the single resolved address, or an error if the target
	// never resolved or resolved ambiguously.
	Address() (uintptr, error)
}

// NOPPatch tracks one reversible no-op overwrite.
type NOPPatch struct {
	Address  uintptr
	Original []byte
	Patched  []byte
	Applied  bool
}

// Engine owns every byte-level change made to the host. It is safe for
// concurrent use.
type Engine struct {
	mem memory.Memory
	log logrus.FieldLogger

	mu    sync.Mutex
	nops  map[uintptr]*NOPPatch
	hooks []*Hook
	arena *Arena
	state *SharedState
}

// NewEngine allocates the stub arena and the shared state page that stubs and
// Go code communicate through.
func NewEngine(mem memory.Memory, log logrus.FieldLogger) (*Engine, error) {
	arena, err := NewArena(mem, DefaultArenaSize)
	if err != nil {
		return nil, err
	}
	state, err := newSharedState(arena)
	if err != nil {
		return nil, err
	}

	return &Engine{
		mem:   mem,
		log:   log,
		nops:  make(map[uintptr]*NOPPatch),
		arena: arena,
		state: state,
	}, nil
}

// State returns the shared state page used by the stubs.
func (e *Engine) State() *SharedState { return e.state }

// ToggleNOPs overwrites n bytes at t with NOPs when enable is set, and puts
// the original bytes back otherwise. The original bytes are saved the first
// time the address is enabled and never again, so repeated calls in the same
// state are no-ops.
func (e *Engine) ToggleNOPs(t Target, n int, enable bool) error {
	log := e.log.WithField("block", t.Name())

	addr, err := t.Address()
	if err != nil {
		log.Errorf("can't toggle NOPs: %v", err)
		return fmt.Errorf("toggle NOPs %s: %w", t.Name(), err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.nops[addr]
	if !ok {
		if !enable {
			return nil
		}
		original, err := e.mem.Read(addr, n)
		if err != nil {
			log.Errorf("can't save original bytes: %v", err)
			return fmt.Errorf("%w: %s: %v", ErrHookInstall, t.Name(), err)
		}
		p = &NOPPatch{Address: addr, Original: original, Patched: nops(n)}
		e.nops[addr] = p
	}

	if len(p.Original) != n {
		return fmt.Errorf("%w: %s saved %d bytes, asked for %d", ErrPatchLength, t.Name(), len(p.Original), n)
	}
	if p.Applied == enable {
		return nil
	}

	b := p.Original
	if enable {
		b = p.Patched
	}
	if err := e.mem.WriteCode(addr, b); err != nil {
		log.Errorf("can't write %d bytes at 0x%X: %v", n, addr, err)
		return fmt.Errorf("%w: %s: %v", ErrHookInstall, t.Name(), err)
	}
	p.Applied = enable
	return nil
}

// DisableAll restores every hook and NOP patch. Each restore is attempted
// independently; the returned error joins every failure.
func (e *Engine) DisableAll() error {
	e.mu.Lock()
	hooks := append([]*Hook(nil), e.hooks...)
	e.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		if err := e.SetHookEnabled(h, false); err != nil {
			errs = append(errs, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for addr, p := range e.nops {
		if !p.Applied {
			continue
		}
		if err := e.mem.WriteCode(addr, p.Original); err != nil {
			e.log.Warnf("failed to restore NOP patch at 0x%X: %v", addr, err)
			errs = append(errs, err)
			continue
		}
		p.Applied = false
	}
	return errors.Join(errs...)
}

func nops(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = nop
	}
	return b
}
