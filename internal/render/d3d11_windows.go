//go:build windows

package render

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"

	"github.com/dcrodman/rallycam/internal/memory"
)

// COM vtable indices.
const (
	slotRelease = 2

	slotSwapChainGetDevice = 7
	slotSwapChainPresent   = 8
	slotSwapChainGetBuffer = 9

	slotDeviceGetImmediateContext = 40

	slotContextOMSetRenderTargets = 33
	slotContextGetType            = 112

	slotViewGetResource = 7
)

const (
	d3dDriverTypeHardware  = 1
	d3d11SDKVersion        = 7
	dxgiFormatR8G8B8A8     = 28
	dxgiUsageRenderTarget  = 0x20
	d3d11ContextImmediate  = 0
	dummyWindowClassName   = "RallyCamDummyWindow"
	dummyWindowDimension   = 100
	wsOverlappedWindowMask = 0x00CF0000
)

var (
	iidTexture2D = windows.GUID{Data1: 0x6f15aaf2, Data2: 0xd208, Data3: 0x4e89, Data4: [8]byte{0x9a, 0xb4, 0x48, 0x95, 0x35, 0xd3, 0x4f, 0x9c}}
	iidDevice    = windows.GUID{Data1: 0xdb6f6ddb, Data2: 0xac77, Data3: 0x4e88, Data4: [8]byte{0x82, 0x53, 0x81, 0x9d, 0xf9, 0xbb, 0xf1, 0x40}}
)

var (
	d3d11                             = windows.NewLazySystemDLL("d3d11.dll")
	procD3D11CreateDeviceAndSwapChain = d3d11.NewProc("D3D11CreateDeviceAndSwapChain")

	user32               = windows.NewLazySystemDLL("user32.dll")
	procRegisterClassExW = user32.NewProc("RegisterClassExW")
	procUnregisterClassW = user32.NewProc("UnregisterClassW")
	procCreateWindowExW  = user32.NewProc("CreateWindowExW")
	procDestroyWindow    = user32.NewProc("DestroyWindow")
	procDefWindowProcW   = user32.NewProc("DefWindowProcW")
)

// comObject is a raw COM interface pointer.
type comObject uintptr

func (o comObject) method(slot int) uintptr {
	vtbl := *(*uintptr)(unsafe.Pointer(o))
	return *(*uintptr)(unsafe.Pointer(vtbl + uintptr(slot)*unsafe.Sizeof(uintptr(0))))
}

func (o comObject) call(slot int, args ...uintptr) uintptr {
	r, _, _ := syscall.SyscallN(o.method(slot), append([]uintptr{uintptr(o)}, args...)...)
	return r
}

func (o comObject) Ptr() uintptr { return uintptr(o) }

func (o comObject) Release() {
	if o != 0 {
		o.call(slotRelease)
	}
}

func hresult(r uintptr, what string) error {
	if int32(r) < 0 {
		return fmt.Errorf("%s failed: HRESULT 0x%08X", what, uint32(r))
	}
	return nil
}

type swapChain struct{ comObject }

func (s swapChain) Device() (Device, error) {
	var dev uintptr
	r := s.call(slotSwapChainGetDevice, uintptr(unsafe.Pointer(&iidDevice)), uintptr(unsafe.Pointer(&dev)))
	if err := hresult(r, "IDXGISwapChain::GetDevice"); err != nil {
		return nil, err
	}
	return device{comObject(dev)}, nil
}

func (s swapChain) BackBuffer() (Texture, error) {
	var tex uintptr
	r := s.call(slotSwapChainGetBuffer, 0, uintptr(unsafe.Pointer(&iidTexture2D)), uintptr(unsafe.Pointer(&tex)))
	if err := hresult(r, "IDXGISwapChain::GetBuffer"); err != nil {
		return nil, err
	}
	return comObject(tex), nil
}

type device struct{ comObject }

func (d device) ImmediateContext() (Context, error) {
	var ctx uintptr
	d.call(slotDeviceGetImmediateContext, uintptr(unsafe.Pointer(&ctx)))
	if ctx == 0 {
		return nil, errors.New("ID3D11Device::GetImmediateContext returned nil")
	}
	return deviceContext{comObject(ctx)}, nil
}

type deviceContext struct{ comObject }

func (c deviceContext) Immediate() bool {
	return c.call(slotContextGetType) == d3d11ContextImmediate
}

type renderTargetView struct{ comObject }

func (v renderTargetView) Texture() (Texture, error) {
	var res uintptr
	v.call(slotViewGetResource, uintptr(unsafe.Pointer(&res)))
	if res == 0 {
		return nil, errors.New("ID3D11View::GetResource returned nil")
	}
	return comObject(res), nil
}

// D3D11 redirects the swap chain's Present and the device context's
// OMSetRenderTargets by swapping their vtable entries. Vtables are shared by
// every instance of a class, so the entries found on a throwaway swap chain
// are the ones the host uses too.
type D3D11 struct {
	mem memory.Memory
	log logrus.FieldLogger

	hook atomic.Pointer[Hook]

	presentSlot, targetsSlot     uintptr
	originalPresent              atomic.Uintptr
	originalTargets              atomic.Uintptr
	presentCallback, targetsCall uintptr
}

func NewD3D11(mem memory.Memory, log logrus.FieldLogger) *D3D11 {
	d := &D3D11{mem: mem, log: log}
	d.presentCallback = syscall.NewCallback(d.present)
	d.targetsCall = syscall.NewCallback(d.setRenderTargets)
	return d
}

func (d *D3D11) present(this, syncInterval, flags uintptr) uintptr {
	forward := func() int32 {
		r, _, _ := syscall.SyscallN(d.originalPresent.Load(), this, syncInterval, flags)
		return int32(r)
	}
	h := d.hook.Load()
	if h == nil {
		return uintptr(uint32(forward()))
	}
	return uintptr(uint32(h.Present(swapChain{comObject(this)}, forward)))
}

func (d *D3D11) setRenderTargets(this, numViews, views, depthStencil uintptr) uintptr {
	forward := func() {
		syscall.SyscallN(d.originalTargets.Load(), this, numViews, views, depthStencil)
	}
	h := d.hook.Load()
	if h == nil {
		forward()
		return 0
	}

	var rtvs []RenderTargetView
	if numViews > 0 && views != 0 {
		if first := *(*uintptr)(unsafe.Pointer(views)); first != 0 {
			rtvs = []RenderTargetView{renderTargetView{comObject(first)}}
		}
	}
	h.SetRenderTargets(deviceContext{comObject(this)}, windows.GetCurrentThreadId(), rtvs, forward)
	return 0
}

// vtableSlot returns the address of the vtable entry for slot on obj.
func (d *D3D11) vtableSlot(obj uintptr, slot int) (uintptr, error) {
	vtbl, err := memory.ReadUint64(d.mem, obj)
	if err != nil {
		return 0, fmt.Errorf("failed to read vtable: %w", err)
	}
	return uintptr(vtbl) + uintptr(slot)*8, nil
}

// swap stores fn in the vtable entry at slot and returns the previous value
// through original before the entry is replaced.
func (d *D3D11) swap(slot uintptr, fn uintptr, original *atomic.Uintptr) error {
	old, err := memory.ReadUint64(d.mem, slot)
	if err != nil {
		return err
	}
	if uintptr(old) == fn {
		return nil
	}
	original.Store(uintptr(old))

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(fn))
	return d.mem.WriteCode(slot, b[:])
}

func (d *D3D11) restore(slot uintptr, original *atomic.Uintptr) error {
	if slot == 0 || original.Load() == 0 {
		return nil
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(original.Load()))
	return d.mem.WriteCode(slot, b[:])
}

func (d *D3D11) HookPresent(h *Hook) error {
	d.hook.Store(h)

	sc, cleanup, err := createDummySwapChain()
	if err != nil {
		return err
	}
	defer cleanup()

	slot, err := d.vtableSlot(sc.Ptr(), slotSwapChainPresent)
	if err != nil {
		return err
	}
	if err := d.swap(slot, d.presentCallback, &d.originalPresent); err != nil {
		return fmt.Errorf("failed to patch Present: %w", err)
	}
	d.presentSlot = slot
	d.log.Debugf("Present vtable entry at 0x%X redirected", slot)
	return nil
}

func (d *D3D11) HookSetRenderTargets(ctx Context, h *Hook) error {
	d.hook.Store(h)

	slot, err := d.vtableSlot(ctx.Ptr(), slotContextOMSetRenderTargets)
	if err != nil {
		return err
	}
	if err := d.swap(slot, d.targetsCall, &d.originalTargets); err != nil {
		return fmt.Errorf("failed to patch OMSetRenderTargets: %w", err)
	}
	d.targetsSlot = slot
	d.log.Debugf("OMSetRenderTargets vtable entry at 0x%X redirected", slot)
	return nil
}

func (d *D3D11) UnhookPresent() error {
	return d.restore(d.presentSlot, &d.originalPresent)
}

func (d *D3D11) UnhookSetRenderTargets() error {
	return d.restore(d.targetsSlot, &d.originalTargets)
}

type dxgiModeDesc struct {
	Width, Height                        uint32
	RefreshNumerator, RefreshDenominator uint32
	Format                               uint32
	ScanlineOrdering, Scaling            uint32
}

type dxgiSwapChainDesc struct {
	BufferDesc                 dxgiModeDesc
	SampleCount, SampleQuality uint32
	BufferUsage                uint32
	BufferCount                uint32
	OutputWindow               windows.HWND
	Windowed                   int32
	SwapEffect                 uint32
	Flags                      uint32
}

type wndClassEx struct {
	Size       uint32
	Style      uint32
	WndProc    uintptr
	ClsExtra   int32
	WndExtra   int32
	Instance   windows.Handle
	Icon       windows.Handle
	Cursor     windows.Handle
	Background windows.Handle
	MenuName   *uint16
	ClassName  *uint16
	IconSm     windows.Handle
}

// createDummySwapChain creates a device and swap chain bound to a hidden
// window. cleanup releases everything it created.
func createDummySwapChain() (swapChain, func(), error) {
	var instance windows.Handle
	if err := windows.GetModuleHandleEx(0, nil, &instance); err != nil {
		return swapChain{}, nil, fmt.Errorf("GetModuleHandleEx failed: %w", err)
	}
	className, _ := windows.UTF16PtrFromString(dummyWindowClassName)

	wc := wndClassEx{
		WndProc:   procDefWindowProcW.Addr(),
		Instance:  instance,
		ClassName: className,
	}
	wc.Size = uint32(unsafe.Sizeof(wc))
	if atom, _, err := procRegisterClassExW.Call(uintptr(unsafe.Pointer(&wc))); atom == 0 {
		return swapChain{}, nil, fmt.Errorf("RegisterClassExW failed: %w", err)
	}

	hwnd, _, err := procCreateWindowExW.Call(
		0,
		uintptr(unsafe.Pointer(className)),
		uintptr(unsafe.Pointer(className)),
		wsOverlappedWindowMask,
		0, 0, dummyWindowDimension, dummyWindowDimension,
		0, 0, uintptr(instance), 0,
	)
	if hwnd == 0 {
		procUnregisterClassW.Call(uintptr(unsafe.Pointer(className)), uintptr(instance))
		return swapChain{}, nil, fmt.Errorf("CreateWindowExW failed: %w", err)
	}

	desc := dxgiSwapChainDesc{
		BufferDesc:   dxgiModeDesc{Width: dummyWindowDimension, Height: dummyWindowDimension, RefreshDenominator: 1, RefreshNumerator: 60, Format: dxgiFormatR8G8B8A8},
		SampleCount:  1,
		BufferUsage:  dxgiUsageRenderTarget,
		BufferCount:  1,
		OutputWindow: windows.HWND(hwnd),
		Windowed:     1,
	}

	var sc, dev, ctx uintptr
	var level uint32
	r, _, _ := procD3D11CreateDeviceAndSwapChain.Call(
		0, d3dDriverTypeHardware, 0, 0, 0, 0, d3d11SDKVersion,
		uintptr(unsafe.Pointer(&desc)),
		uintptr(unsafe.Pointer(&sc)),
		uintptr(unsafe.Pointer(&dev)),
		uintptr(unsafe.Pointer(&level)),
		uintptr(unsafe.Pointer(&ctx)),
	)

	cleanup := func() {
		comObject(ctx).Release()
		comObject(dev).Release()
		comObject(sc).Release()
		procDestroyWindow.Call(hwnd)
		procUnregisterClassW.Call(uintptr(unsafe.Pointer(className)), uintptr(instance))
	}
	if err := hresult(r, "D3D11CreateDeviceAndSwapChain"); err != nil {
		cleanup()
		return swapChain{}, nil, err
	}
	return swapChain{comObject(sc)}, cleanup, nil
}
