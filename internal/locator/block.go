package locator

import (
	"errors"
	"fmt"

	"github.com/dcrodman/rallycam/internal/scan"
)

// ErrUnresolved is returned when a block's address is requested before it
// was successfully resolved.
var ErrUnresolved = errors.New("block not resolved")

// Block is a named signature whose address(es) are discovered by scanning the
// host image. A block is immutable once resolved; resolution must finish
// before the block is shared with other goroutines.
type Block struct {
	name     string
	pattern  scan.Pattern
	expected int
	addrs    []uintptr
}

// NewBlock parses pattern and returns an unresolved block that must match
// exactly expected times.
func NewBlock(name, pattern string, expected int) (*Block, error) {
	p, err := scan.ParsePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", name, err)
	}
	if expected < 1 {
		return nil, fmt.Errorf("block %s: expected match count must be positive, got %d", name, expected)
	}
	return &Block{name: name, pattern: p, expected: expected}, nil
}

// MustBlock is like NewBlock but panics on error.
func MustBlock(name, pattern string, expected int) *Block {
	b, err := NewBlock(name, pattern, expected)
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Block) Name() string          { return b.name }
func (b *Block) Pattern() scan.Pattern { return b.pattern }
func (b *Block) Expected() int         { return b.expected }
func (b *Block) Resolved() bool        { return b.addrs != nil }

// Addresses returns every resolved address, nil if unresolved.
func (b *Block) Addresses() []uintptr {
	return append([]uintptr(nil), b.addrs...)
}

// Address returns the resolved address of a single-match block.
func (b *Block) Address() (uintptr, error) {
	if !b.Resolved() {
		return 0, fmt.Errorf("%w: %s", ErrUnresolved, b.name)
	}
	if len(b.addrs) != 1 {
		return 0, fmt.Errorf("block %s has %d addresses, want exactly one", b.name, len(b.addrs))
	}
	return b.addrs[0], nil
}

// Scan searches region (which starts at base) for the block's pattern. The
// block is left untouched unless the match count is exactly as expected.
func (b *Block) Scan(region []byte, base uintptr) error {
	if b.Resolved() {
		return nil
	}
	addrs, err := scan.Find(b.pattern, region, base, b.expected)
	if err != nil {
		return fmt.Errorf("block %s: %w", b.name, err)
	}
	b.addrs = addrs
	return nil
}

// Registry is an ordered set of uniquely named blocks.
type Registry struct {
	blocks map[string]*Block
	order  []string
}

func NewRegistry(blocks ...*Block) (*Registry, error) {
	r := &Registry{blocks: make(map[string]*Block)}
	for _, b := range blocks {
		if err := r.Add(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Add(b *Block) error {
	if _, ok := r.blocks[b.name]; ok {
		return fmt.Errorf("duplicate block name %s", b.name)
	}
	r.blocks[b.name] = b
	r.order = append(r.order, b.name)
	return nil
}

func (r *Registry) Get(name string) (*Block, bool) {
	b, ok := r.blocks[name]
	return b, ok
}

// Blocks returns the blocks in the order they were added.
func (r *Registry) Blocks() []*Block {
	blocks := make([]*Block, 0, len(r.order))
	for _, name := range r.order {
		blocks = append(blocks, r.blocks[name])
	}
	return blocks
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
