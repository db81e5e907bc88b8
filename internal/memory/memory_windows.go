//go:build windows

package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

// Process is the address space of the process this code runs in.
type Process struct{}

func NewProcess() *Process {
	return &Process{}
}

// HostImage returns the base address and size of the main executable module.
func HostImage() (uintptr, int, error) {
	var module windows.Handle
	if err := windows.GetModuleHandleEx(0, nil, &module); err != nil {
		return 0, 0, fmt.Errorf("GetModuleHandleEx failed: %w", err)
	}

	var info windows.ModuleInfo
	err := windows.GetModuleInformation(windows.CurrentProcess(), module, &info, uint32(unsafe.Sizeof(info)))
	if err != nil {
		return 0, 0, fmt.Errorf("GetModuleInformation failed: %w", err)
	}
	return info.BaseOfDll, int(info.SizeOfImage), nil
}

func (p *Process) Read(addr uintptr, n int) ([]byte, error) {
	if err := checkRange(addr, n, isReadable); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
	return out, nil
}

func (p *Process) Write(addr uintptr, b []byte) error {
	if err := checkRange(addr, len(b), isWritable); err != nil {
		return err
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(b)), b)
	return nil
}

func (p *Process) WriteCode(addr uintptr, b []byte) error {
	if err := checkRange(addr, len(b), isCommitted); err != nil {
		return err
	}

	var oldProtect uint32
	if err := windows.VirtualProtect(addr, uintptr(len(b)), windows.PAGE_EXECUTE_READWRITE, &oldProtect); err != nil {
		return fmt.Errorf("%w: VirtualProtect failed: %v", ErrProtected, err)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(b)), b)

	if err := windows.VirtualProtect(addr, uintptr(len(b)), oldProtect, &oldProtect); err != nil {
		return fmt.Errorf("VirtualProtect failed to restore: %w", err)
	}
	procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, uintptr(len(b)))
	return nil
}

func (p *Process) Alloc(size int) (uintptr, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return 0, fmt.Errorf("VirtualAlloc failed: %w", err)
	}
	return addr, nil
}

// checkRange walks every region overlapping [addr, addr+n) so a read or write
// never touches an unmapped or guarded page.
func checkRange(addr uintptr, n int, ok func(protect uint32) bool) error {
	if addr == 0 || n < 0 {
		return faultf(addr, n)
	}

	end := addr + uintptr(n)
	for cur := addr; cur < end; {
		var mbi windows.MemoryBasicInformation
		if err := windows.VirtualQuery(cur, &mbi, unsafe.Sizeof(mbi)); err != nil {
			return faultf(addr, n)
		}
		if mbi.State != windows.MEM_COMMIT || mbi.Protect&windows.PAGE_GUARD != 0 || !ok(mbi.Protect) {
			return faultf(addr, n)
		}
		next := mbi.BaseAddress + mbi.RegionSize
		if next <= cur {
			return faultf(addr, n)
		}
		cur = next
	}
	return nil
}

func isCommitted(uint32) bool { return true }

func isReadable(protect uint32) bool {
	switch protect & 0xFF {
	case windows.PAGE_READONLY,
		windows.PAGE_READWRITE,
		windows.PAGE_WRITECOPY,
		windows.PAGE_EXECUTE_READ,
		windows.PAGE_EXECUTE_READWRITE,
		windows.PAGE_EXECUTE_WRITECOPY:
		return true
	default:
		return false
	}
}

func isWritable(protect uint32) bool {
	switch protect & 0xFF {
	case windows.PAGE_READWRITE,
		windows.PAGE_WRITECOPY,
		windows.PAGE_EXECUTE_READWRITE,
		windows.PAGE_EXECUTE_WRITECOPY:
		return true
	default:
		return false
	}
}
