// Package locator resolves named signature blocks against the loaded host
// image and keeps the results for lookups by name.
package locator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/rallycam/internal/core/cache"
	"github.com/dcrodman/rallycam/internal/memory"
	"github.com/dcrodman/rallycam/internal/scan"
)

// ErrIncompatible is returned when at least one block failed to resolve,
// which means the host is a version these signatures weren't written for.
var ErrIncompatible = errors.New("host image is not compatible")

type Locator struct {
	mem   memory.Memory
	log   logrus.FieldLogger
	cache *cache.Cache
}

func New(mem memory.Memory, log logrus.FieldLogger, c *cache.Cache) *Locator {
	return &Locator{mem: mem, log: log, cache: c}
}

// Resolve scans the image at [base, base+size) for every block in reg. Every
// block is attempted; failures are logged by name and reported together.
func (l *Locator) Resolve(reg *Registry, base uintptr, size int) error {
	image, err := l.mem.Read(base, size)
	if err != nil {
		return fmt.Errorf("failed to read host image: %w", err)
	}

	var failed []string
	resolved := make(map[string]string)
	for _, b := range reg.Blocks() {
		if err := b.Scan(image, base); err != nil {
			l.log.WithField("block", b.Name()).Errorf("failed to resolve: %v", err)
			failed = append(failed, b.Name())
			continue
		}
		for i, addr := range b.Addresses() {
			key := b.Name()
			if i > 0 {
				key = fmt.Sprintf("%s#%d", b.Name(), i)
			}
			l.cache.PutAddress(key, addr)
			resolved[key] = fmt.Sprintf("0x%X", addr)
		}
	}

	l.log.Debugf("resolved blocks: %s", spew.Sdump(resolved))

	if len(failed) > 0 {
		l.log.Errorf("%d of %d blocks failed to resolve; tools aren't compatible with this game version", len(failed), len(reg.Names()))
		return fmt.Errorf("%w: unresolved blocks: %s", ErrIncompatible, strings.Join(failed, ", "))
	}
	l.log.Infof("all %d blocks resolved", len(reg.Names()))
	return nil
}

// Lookup returns the address a block resolved to.
func (l *Locator) Lookup(name string) (uintptr, bool) {
	return l.cache.Address(name)
}

// Remember records an address discovered at runtime so it can be looked up
// like a resolved block.
func (l *Locator) Remember(name string, addr uintptr) {
	l.cache.PutAddress(name, addr)
}

// Forget drops an address that is no longer valid.
func (l *Locator) Forget(name string) {
	l.cache.Delete(name)
}

// Known returns how many addresses are currently cached.
func (l *Locator) Known() int {
	return l.cache.Len()
}

// AbsoluteFromRIP resolves the RIP-relative operand b points at. The block's
// address must be the start of the 32-bit displacement; nextInstruction is
// the distance from there to the end of the instruction.
func (l *Locator) AbsoluteFromRIP(b *Block, nextInstruction int) (uintptr, error) {
	addr, err := b.Address()
	if err != nil {
		return 0, err
	}
	disp, err := memory.ReadInt32(l.mem, addr)
	if err != nil {
		return 0, fmt.Errorf("block %s: failed to read displacement: %w", b.Name(), err)
	}
	return uintptr(int64(addr) + int64(nextInstruction) + int64(disp)), nil
}

// Result is the outcome of checking one block against an image.
type Result struct {
	Name     string
	Pattern  string
	Expected int
	Matches  []uintptr
}

func (r Result) OK() bool { return len(r.Matches) == r.Expected }

// Report counts matches for every block in reg without resolving anything.
func (l *Locator) Report(reg *Registry, base uintptr, size int) ([]Result, error) {
	image, err := l.mem.Read(base, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read host image: %w", err)
	}

	results := make([]Result, 0, len(reg.Names()))
	for _, b := range reg.Blocks() {
		results = append(results, Result{
			Name:     b.Name(),
			Pattern:  b.Pattern().String(),
			Expected: b.Expected(),
			Matches:  scan.Scan(b.Pattern(), image, base),
		})
	}
	return results, nil
}
