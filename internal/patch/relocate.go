package patch

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrRelativeCode is returned when a hook site holds an instruction that
// addresses relative to its own location and so can't run from a stub.
var ErrRelativeCode = errors.New("relative address in instruction")

// checkRelocatable decodes the instructions of a hook site. The site must end
// on an instruction boundary and hold no branch or RIP-relative operand.
func checkRelocatable(code []byte) error {
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return fmt.Errorf("%w: can't decode instruction at +0x%X: %v", ErrEncoding, off, err)
		}
		for _, arg := range inst.Args {
			switch a := arg.(type) {
			case x86asm.Rel:
				return fmt.Errorf("%w: %v at +0x%X", ErrRelativeCode, inst, off)
			case x86asm.Mem:
				if a.Base == x86asm.RIP {
					return fmt.Errorf("%w: %v at +0x%X", ErrRelativeCode, inst, off)
				}
			}
		}
		off += inst.Len
	}
	return nil
}
