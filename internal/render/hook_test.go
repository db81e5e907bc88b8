package render

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
)

type fakeTexture struct {
	ptr      uintptr
	released *atomic.Int32
}

func (t fakeTexture) Ptr() uintptr { return t.ptr }

func (t fakeTexture) Release() {
	if t.released != nil {
		t.released.Add(1)
	}
}

type fakeContext struct {
	immediate bool
	released  atomic.Int32
}

func (c *fakeContext) Ptr() uintptr    { return 0xC0 }
func (c *fakeContext) Immediate() bool { return c.immediate }
func (c *fakeContext) Release()        { c.released.Add(1) }

type fakeDevice struct {
	ctx      *fakeContext
	released atomic.Int32
}

func (d *fakeDevice) ImmediateContext() (Context, error) { return d.ctx, nil }
func (d *fakeDevice) Release()                           { d.released.Add(1) }

type fakeSwapChain struct {
	dev         *fakeDevice
	devErr      error
	deviceCalls atomic.Int32
	bbReleased  atomic.Int32
}

func (s *fakeSwapChain) Ptr() uintptr { return 0x5C }

func (s *fakeSwapChain) Device() (Device, error) {
	s.deviceCalls.Add(1)
	if s.devErr != nil {
		return nil, s.devErr
	}
	return s.dev, nil
}

func (s *fakeSwapChain) BackBuffer() (Texture, error) {
	return fakeTexture{ptr: 0xBB, released: &s.bbReleased}, nil
}

type fakeView struct {
	ptr uintptr
}

func (v fakeView) Texture() (Texture, error) { return fakeTexture{ptr: v.ptr}, nil }

type fakeInterceptor struct {
	presentHooks, targetHooks     int
	presentUnhooks, targetUnhooks int
	unhookErr                     error
}

func (f *fakeInterceptor) HookPresent(*Hook) error {
	f.presentHooks++
	return nil
}

func (f *fakeInterceptor) HookSetRenderTargets(Context, *Hook) error {
	f.targetHooks++
	return nil
}

func (f *fakeInterceptor) UnhookPresent() error {
	f.presentUnhooks++
	return f.unhookErr
}

func (f *fakeInterceptor) UnhookSetRenderTargets() error {
	f.targetUnhooks++
	return f.unhookErr
}

type fixture struct {
	hook   *Hook
	icpt   *fakeInterceptor
	sc     *fakeSwapChain
	ctx    *fakeContext
	active atomic.Bool
	frames atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		icpt: &fakeInterceptor{},
		ctx:  &fakeContext{immediate: true},
	}
	f.sc = &fakeSwapChain{dev: &fakeDevice{ctx: f.ctx}}
	f.active.Store(true)

	log, _ := logtest.NewNullLogger()
	f.hook = NewHook(f.icpt, f.active.Load, func() { f.frames.Add(1) }, log)
	return f
}

func (f *fixture) present() {
	f.hook.Present(f.sc, func() int32 { return 0 })
}

func (f *fixture) bind(thread uint32, ptr uintptr) (forwarded bool) {
	f.hook.SetRenderTargets(f.ctx, thread, []RenderTargetView{fakeView{ptr: ptr}}, func() { forwarded = true })
	return forwarded
}

func TestHook_Lifecycle(t *testing.T) {
	f := newFixture(t)

	if err := f.hook.Initialize(); err != nil {
		t.Fatalf("Initialize() returned an unexpected error: %v", err)
	}
	if err := f.hook.PerformQueuedInitialization(); !errors.Is(err, ErrNotReady) {
		t.Errorf("PerformQueuedInitialization() before a device want ErrNotReady, got = %v", err)
	}
	if got := f.hook.State(); got != Uninitialized {
		t.Errorf("State() want = %v, got = %v", Uninitialized, got)
	}

	if got := f.hook.Present(f.sc, func() int32 { return 7 }); got != 7 {
		t.Errorf("Present() want forwarded result 7, got = %d", got)
	}
	if !f.hook.NeedsInitialization() {
		t.Errorf("NeedsInitialization() want true, state = %v", f.hook.State())
	}

	for i := 0; i < 3; i++ {
		if err := f.hook.PerformQueuedInitialization(); err != nil {
			t.Fatalf("PerformQueuedInitialization() returned an unexpected error: %v", err)
		}
	}
	if got := f.hook.State(); got != FullyInitialized {
		t.Errorf("State() want = %v, got = %v", FullyInitialized, got)
	}
	if f.icpt.presentHooks != 1 || f.icpt.targetHooks != 1 {
		t.Errorf("want each hook installed once, got present = %d, targets = %d", f.icpt.presentHooks, f.icpt.targetHooks)
	}
}

func TestHook_PresentIncrementsEpochAfterForwarding(t *testing.T) {
	f := newFixture(t)

	for i := uint64(0); i < 5; i++ {
		f.hook.Present(f.sc, func() int32 {
			if got := f.hook.Epoch(); got != i {
				t.Errorf("Epoch() during forward want = %d, got = %d", i, got)
			}
			return 0
		})
	}
	if got := f.hook.Epoch(); got != 5 {
		t.Errorf("Epoch() want = 5, got = %d", got)
	}
}

func TestHook_OneUpdatePerEpoch(t *testing.T) {
	f := newFixture(t)
	f.present()

	for i := 0; i < 3; i++ {
		if !f.bind(1, 0xBB) {
			t.Fatal("SetRenderTargets() did not forward")
		}
	}
	if got := f.frames.Load(); got != 1 {
		t.Fatalf("frame updates in one epoch want = 1, got = %d", got)
	}

	f.bind(2, 0xBB)
	if got := f.frames.Load(); got != 1 {
		t.Errorf("second thread in the same epoch want no update, got = %d", got)
	}

	f.present()
	f.bind(1, 0xBB)
	f.bind(1, 0xBB)
	if got := f.frames.Load(); got != 2 {
		t.Errorf("frame updates after the next present want = 2, got = %d", got)
	}
}

func TestHook_SetRenderTargetsConditions(t *testing.T) {
	tests := []struct {
		name    string
		present bool
		setup   func(f *fixture)
		texture uintptr
	}{
		{name: "before any present", setup: func(f *fixture) {}, texture: 0xBB},
		{name: "deferred context", present: true, setup: func(f *fixture) { f.ctx.immediate = false }, texture: 0xBB},
		{name: "system inactive", present: true, setup: func(f *fixture) { f.active.Store(false) }, texture: 0xBB},
		{name: "other render target", present: true, setup: func(f *fixture) {}, texture: 0x1234},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.present {
				f.present()
			}
			tt.setup(f)
			if !f.bind(1, tt.texture) {
				t.Error("SetRenderTargets() did not forward")
			}
			if got := f.frames.Load(); got != 0 {
				t.Errorf("frame updates want = 0, got = %d", got)
			}
		})
	}

	f := newFixture(t)
	f.present()
	forwarded := false
	f.hook.SetRenderTargets(f.ctx, 1, nil, func() { forwarded = true })
	if !forwarded || f.frames.Load() != 0 {
		t.Errorf("no views: want forwarded without update, got forwarded = %v, updates = %d", forwarded, f.frames.Load())
	}
}

func TestHook_ReentrantCallOnlyForwards(t *testing.T) {
	f := newFixture(t)
	nestedForwarded := false
	f.hook.onFrame = func() {
		f.frames.Add(1)
		// A new frame and a nested bind from inside the update must not recurse.
		f.present()
		nestedForwarded = f.bind(1, 0xBB)
	}

	f.present()
	f.bind(1, 0xBB)

	if got := f.frames.Load(); got != 1 {
		t.Errorf("frame updates want = 1, got = %d", got)
	}
	if !nestedForwarded {
		t.Error("nested SetRenderTargets() did not forward")
	}
}

func TestHook_FramePanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	f.hook.onFrame = func() { panic("boom") }
	f.present()

	f.bind(1, 0xBB)

	// The re-entrancy flag must have been cleared by the deferred reset.
	f.hook.onFrame = func() { f.frames.Add(1) }
	f.present()
	f.bind(1, 0xBB)
	if got := f.frames.Load(); got != 1 {
		t.Errorf("frame updates after a recovered panic want = 1, got = %d", got)
	}
}

func TestHook_ConcurrentPresentAcquiresDeviceOnce(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.present()
		}()
	}
	wg.Wait()

	if got := f.sc.deviceCalls.Load(); got != 1 {
		t.Errorf("Device() calls want = 1, got = %d", got)
	}
	if got := f.hook.Epoch(); got != 16 {
		t.Errorf("Epoch() want = 16, got = %d", got)
	}
}

func TestHook_DeviceRetriedUntilAvailable(t *testing.T) {
	f := newFixture(t)
	f.sc.devErr = errors.New("device lost")
	f.present()
	if f.hook.NeedsInitialization() {
		t.Fatal("NeedsInitialization() want false without a device")
	}

	f.sc.devErr = nil
	f.present()
	if !f.hook.NeedsInitialization() {
		t.Error("NeedsInitialization() want true once the device is available")
	}
}

func TestHook_Cleanup(t *testing.T) {
	f := newFixture(t)
	f.icpt.unhookErr = errors.New("vtable slot not writable")
	if err := f.hook.Initialize(); err != nil {
		t.Fatalf("Initialize() returned an unexpected error: %v", err)
	}
	f.present()
	if err := f.hook.PerformQueuedInitialization(); err != nil {
		t.Fatalf("PerformQueuedInitialization() returned an unexpected error: %v", err)
	}

	f.hook.Cleanup()
	f.hook.Cleanup()

	if f.icpt.presentUnhooks != 1 || f.icpt.targetUnhooks != 1 {
		t.Errorf("want each hook removed once, got present = %d, targets = %d", f.icpt.presentUnhooks, f.icpt.targetUnhooks)
	}
	if f.ctx.released.Load() != 1 || f.sc.dev.released.Load() != 1 || f.sc.bbReleased.Load() != 1 {
		t.Errorf("want every reference released once, got ctx = %d, device = %d, back buffer = %d",
			f.ctx.released.Load(), f.sc.dev.released.Load(), f.sc.bbReleased.Load())
	}
	if f.hook.State() != Uninitialized || f.hook.Epoch() != 0 {
		t.Errorf("want reset state, got state = %v, epoch = %d", f.hook.State(), f.hook.Epoch())
	}
	if f.hook.Context() != nil {
		t.Error("Context() want nil after cleanup")
	}
}

func TestHook_CleanupBeforeInitialize(t *testing.T) {
	f := newFixture(t)
	f.hook.Cleanup()
	if f.icpt.presentUnhooks != 0 || f.icpt.targetUnhooks != 0 {
		t.Errorf("want no unhook calls, got present = %d, targets = %d", f.icpt.presentUnhooks, f.icpt.targetUnhooks)
	}
}
