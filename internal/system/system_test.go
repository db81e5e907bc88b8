package system

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/dcrodman/rallycam/internal/core"
	"github.com/dcrodman/rallycam/internal/gamedata"
	"github.com/dcrodman/rallycam/internal/input"
	"github.com/dcrodman/rallycam/internal/locator"
	"github.com/dcrodman/rallycam/internal/memory"
	"github.com/dcrodman/rallycam/internal/patch"
	"github.com/dcrodman/rallycam/internal/render"
)

const (
	imageBase  = uintptr(0x1_4000_0000)
	blockSpan  = 0x40
	cameraBase = uintptr(0x2_0000_0000)
	playerBase = uintptr(0x3_0000_0000)
	backBuffer = uintptr(0xBB)
)

// patternBytes decodes a signature with no wildcards.
func patternBytes(t *testing.T, pattern string) []byte {
	t.Helper()
	var out []byte
	for _, tok := range strings.Fields(pattern) {
		if tok == "|" {
			continue
		}
		v, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			t.Fatalf("bad pattern token %q: %v", tok, err)
		}
		out = append(out, byte(v))
	}
	return out
}

type hostImage struct {
	data    []byte
	offsets map[string]int
	fovAddr uintptr
}

// buildImage lays every signature out in its own span. The FOV operand is not
// placed on its own: it is part of the second FOV write site, as in the host.
func buildImage(t *testing.T, skip string) hostImage {
	t.Helper()
	img := hostImage{data: make([]byte, blockSpan*(len(gamedata.Signatures)+1)), offsets: make(map[string]int)}
	// NOP padding keeps every hook site decodable up to its relocated length.
	for i := range img.data {
		img.data[i] = 0x90
	}
	for i, s := range gamedata.Signatures {
		if s.Name == gamedata.AbsoluteFOV || s.Name == skip {
			continue
		}
		off := blockSpan * (i + 1)
		copy(img.data[off:], patternBytes(t, s.Pattern))
		img.offsets[s.Name] = off
	}

	fovOperand := img.offsets[gamedata.FOVWriteNOP2] + 9
	img.offsets[gamedata.AbsoluteFOV] = fovOperand
	disp := int32(binary.LittleEndian.Uint32(img.data[fovOperand:]))
	img.fovAddr = uintptr(int64(imageBase) + int64(fovOperand) + gamedata.FOVDisplacementEnd + int64(disp))
	return img
}

func (img hostImage) addr(name string) uintptr { return imageBase + uintptr(img.offsets[name]) }

type fakeTexture uintptr

func (f fakeTexture) Ptr() uintptr { return uintptr(f) }
func (fakeTexture) Release()       {}

type fakeContext struct{}

func (fakeContext) Ptr() uintptr    { return 0xC0 }
func (fakeContext) Immediate() bool { return true }
func (fakeContext) Release()        {}

type fakeDevice struct{}

func (fakeDevice) ImmediateContext() (render.Context, error) { return fakeContext{}, nil }
func (fakeDevice) Release()                                  {}

type fakeSwapChain struct{}

func (fakeSwapChain) Ptr() uintptr                        { return 0x5C }
func (fakeSwapChain) Device() (render.Device, error)      { return fakeDevice{}, nil }
func (fakeSwapChain) BackBuffer() (render.Texture, error) { return fakeTexture(backBuffer), nil }

type fakeView uintptr

func (v fakeView) Texture() (render.Texture, error) { return fakeTexture(v), nil }

type fakeInterceptor struct {
	mu                                     sync.Mutex
	present, targets, unpresent, untargets int
}

func (f *fakeInterceptor) HookPresent(*render.Hook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present++
	return nil
}

func (f *fakeInterceptor) HookSetRenderTargets(render.Context, *render.Hook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets++
	return nil
}

func (f *fakeInterceptor) UnhookPresent() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unpresent++
	return nil
}

func (f *fakeInterceptor) UnhookSetRenderTargets() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.untargets++
	return nil
}

// waiterFunc lets a test act as the host between two discovery polls.
type waiterFunc func(ctx context.Context) error

func (f waiterFunc) Wait(ctx context.Context) error { return f(ctx) }

type fakeKeys map[int]bool

func (k fakeKeys) KeyDown(vk int) bool { return k[vk] }

type fakeWheel struct {
	buttons [input.ButtonCount]bool
}

func (w *fakeWheel) Buttons() ([input.ButtonCount]bool, error) { return w.buttons, nil }
func (w *fakeWheel) Close() error                              { return nil }

type fixture struct {
	sys   *System
	mem   *memory.Buffer
	img   hostImage
	icpt  *fakeInterceptor
	keys  fakeKeys
	wheel *fakeWheel
	polls int
}

func newFixture(t *testing.T, skip string, attempts int) *fixture {
	t.Helper()
	f := &fixture{
		mem:   memory.NewBuffer(),
		img:   buildImage(t, skip),
		icpt:  &fakeInterceptor{},
		keys:  fakeKeys{},
		wheel: &fakeWheel{},
	}
	f.mem.Map(imageBase, f.img.data)
	f.mem.Map(cameraBase, make([]byte, 0x100))
	f.mem.Map(playerBase, make([]byte, 0x400))
	f.mem.Map(f.img.fovAddr, make([]byte, 4))
	memory.WriteFloat32s(f.mem, f.img.fovAddr, 1.2)
	memory.WriteFloat32s(f.mem, cameraBase+gamedata.CameraPositionOffset, 1, 2, 3)
	memory.WriteFloat32s(f.mem, cameraBase+gamedata.CameraOrientationOffset, 0, 0, 0, 1)
	memory.WriteFloat32s(f.mem, playerBase+gamedata.PlayerPositionOffset, 10, 0, 0)
	memory.WriteFloat32s(f.mem, playerBase+gamedata.PlayerOrientationOffset, 0, 0, 0, 1)

	log, _ := logtest.NewNullLogger()
	cfg := core.DefaultConfig()
	in := input.New(input.NewBindings(cfg.CameraEnableGamepadMask, log), f.keys, nil, f.wheel, log)

	sys, err := New(Options{
		Config:            cfg,
		Memory:            f.mem,
		ImageBase:         imageBase,
		ImageSize:         len(f.img.data),
		Interceptor:       f.icpt,
		Input:             in,
		Waiter:            waiterFunc(f.wait),
		DiscoveryAttempts: attempts,
		Log:               log,
	})
	if err != nil {
		t.Fatalf("New() returned an unexpected error: %v", err)
	}
	f.sys = sys
	return f
}

// wait plays the host: the first poll runs the camera capture, later polls
// present a frame.
func (f *fixture) wait(ctx context.Context) error {
	f.polls++
	if f.polls == 1 {
		state := f.sys.Engine().State()
		state.SetPointer(patch.SlotCameraStruct, cameraBase)
		state.SetPointer(patch.SlotPlayerStruct, playerBase)
		return nil
	}
	f.sys.Render().Present(fakeSwapChain{}, func() int32 { return 0 })
	return nil
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.sys.Start(context.Background()); err != nil {
		t.Fatalf("Start() returned an unexpected error: %v", err)
	}
}

func (f *fixture) read(t *testing.T, addr uintptr, n int) []byte {
	t.Helper()
	b, err := f.mem.Read(addr, n)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func nops(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0x90
	}
	return b
}

func TestSystem_Start(t *testing.T) {
	f := newFixture(t, "", 0)
	f.start(t)

	if !f.sys.Active() {
		t.Error("Active() want true after Start")
	}
	if got := len(f.sys.Engine().Hooks()); got != 1+len(gamedata.CameraWriteSuppressions)+1 {
		t.Errorf("installed hooks want = %d, got = %d", 2+len(gamedata.CameraWriteSuppressions), got)
	}
	focus := gamedata.FocusLossSite
	if diff := cmp.Diff(nops(focus.Count), f.read(t, f.img.addr(focus.Block), focus.Count)); diff != "" {
		t.Errorf("focus loss site mismatch; diff:\n%s", diff)
	}
	if got := f.sys.Render().State(); got != render.FullyInitialized {
		t.Errorf("render State() want = %v, got = %v", render.FullyInitialized, got)
	}
	if f.icpt.present != 1 || f.icpt.targets != 1 {
		t.Errorf("interceptor calls want 1 present and 1 targets, got %d and %d", f.icpt.present, f.icpt.targets)
	}
	if pose := f.sys.Camera().Pose(); pose.Pitch != 0 || pose.Yaw != 0 || pose.Roll != 0 {
		t.Errorf("angles want reset, got %+v", pose)
	}
}

func TestSystem_StartFailures(t *testing.T) {
	tests := []struct {
		name     string
		skip     string
		attempts int
		waiter   Waiter
		wantErr  error
	}{
		{
			name:    "missing signature",
			skip:    gamedata.CameraWrite3,
			wantErr: locator.ErrIncompatible,
		},
		{
			name:     "camera never captured",
			attempts: 3,
			waiter:   waiterFunc(func(context.Context) error { return nil }),
			wantErr:  ErrDiscoveryTimeout,
		},
		{
			name:    "cancelled",
			waiter:  waiterFunc(func(ctx context.Context) error { return context.Canceled }),
			wantErr: context.Canceled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.skip, tt.attempts)
			if tt.waiter != nil {
				f.sys.waiter = tt.waiter
			}

			if err := f.sys.Start(context.Background()); !errors.Is(err, tt.wantErr) {
				t.Errorf("Start() error want = %v, got = %v", tt.wantErr, err)
			}
			if f.sys.Active() {
				t.Error("Active() want false after a failed Start")
			}
			if got := len(f.sys.Engine().Hooks()); got > 1 {
				t.Errorf("want at most the discovery hook installed, got %d hooks", got)
			}
		})
	}
}

func TestSystem_ToggleCamera(t *testing.T) {
	tests := []struct {
		name  string
		press func(f *fixture, down bool)
	}{
		{
			name:  "keyboard",
			press: func(f *fixture, down bool) { f.keys[input.VKInsert] = down },
		},
		{
			name:  "wheel button",
			press: func(f *fixture, down bool) { f.wheel.buttons[core.DefaultDirectInputToggleButton] = down },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "", 0)
			f.start(t)
			state := f.sys.Engine().State()
			nop1 := gamedata.GameplayNOPs[0]
			original := f.read(t, f.img.addr(nop1.Block), nop1.Count)

			tt.press(f, true)
			f.sys.UpdateFrame()
			if !f.sys.CameraEnabled() || !f.sys.Camera().Mounted() {
				t.Fatal("camera want enabled and mounted after the toggle")
			}
			if enabled, _ := state.CameraEnabled(); !enabled {
				t.Error("shared camera flag want set")
			}
			if diff := cmp.Diff(nops(nop1.Count), f.read(t, f.img.addr(nop1.Block), nop1.Count)); diff != "" {
				t.Errorf("gameplay site mismatch; diff:\n%s", diff)
			}

			// The mounted camera follows the car.
			tt.press(f, false)
			memory.WriteFloat32s(f.mem, playerBase+gamedata.PlayerPositionOffset, 15, 0, 0)
			f.sys.UpdateFrame()
			coords, _ := memory.ReadFloat32s(f.mem, cameraBase, 3)
			if diff := cmp.Diff([]float32{6, 2, 3}, coords); diff != "" {
				t.Errorf("mounted camera position mismatch; diff:\n%s", diff)
			}

			tt.press(f, true)
			f.sys.UpdateFrame()
			if f.sys.CameraEnabled() || f.sys.Camera().Mounted() {
				t.Error("camera want disabled and unmounted after the second toggle")
			}
			if enabled, _ := state.CameraEnabled(); enabled {
				t.Error("shared camera flag want cleared")
			}
			if diff := cmp.Diff(original, f.read(t, f.img.addr(nop1.Block), nop1.Count)); diff != "" {
				t.Errorf("gameplay site not restored; diff:\n%s", diff)
			}
			pos, _ := memory.ReadFloat32s(f.mem, cameraBase+gamedata.CameraPositionOffset, 3)
			rot, _ := memory.ReadFloat32s(f.mem, cameraBase+gamedata.CameraOrientationOffset, 4)
			if diff := cmp.Diff([]float32{1, 2, 3, 0, 0, 0, 1}, append(pos, rot...)); diff != "" {
				t.Errorf("host camera not restored; diff:\n%s", diff)
			}
		})
	}
}

func TestSystem_FrameFromRenderTargets(t *testing.T) {
	f := newFixture(t, "", 0)
	f.start(t)
	f.keys[input.VKInsert] = true

	bind := func() {
		f.sys.Render().SetRenderTargets(fakeContext{}, 1, []render.RenderTargetView{fakeView(backBuffer)}, func() {})
	}
	f.sys.Render().Present(fakeSwapChain{}, func() int32 { return 0 })
	bind()
	if !f.sys.CameraEnabled() {
		t.Fatal("camera want enabled by the first bind of the frame")
	}

	// A second bind in the same frame must not run another update.
	f.keys[input.VKInsert] = false
	bind()
	f.keys[input.VKInsert] = true
	bind()
	if !f.sys.CameraEnabled() {
		t.Error("camera was toggled twice within one frame")
	}
}

func TestSystem_UpdateFrameInvalidCamera(t *testing.T) {
	f := newFixture(t, "", 0)
	f.start(t)
	f.keys[input.VKInsert] = true
	f.sys.UpdateFrame()
	f.keys[input.VKInsert] = false

	if err := f.sys.Engine().State().SetPointer(patch.SlotCameraStruct, 0xDEAD0000); err != nil {
		t.Fatal(err)
	}
	memory.WriteFloat32s(f.mem, cameraBase, 50, 50, 50)
	f.sys.UpdateFrame()

	coords, _ := memory.ReadFloat32s(f.mem, cameraBase, 3)
	if diff := cmp.Diff([]float32{50, 50, 50}, coords); diff != "" {
		t.Errorf("camera written through a stale pointer; diff:\n%s", diff)
	}
}

func TestSystem_TracksStructAddresses(t *testing.T) {
	f := newFixture(t, "", 0)
	f.start(t)
	state := f.sys.Engine().State()
	movedCamera := cameraBase + 0x1000
	f.mem.Map(movedCamera, make([]byte, 0x100))

	tests := []struct {
		name      string
		cameraPtr uintptr
		want      uintptr
		wantKnown bool
	}{
		{name: "captured", cameraPtr: cameraBase, want: cameraBase, wantKnown: true},
		{name: "reallocated", cameraPtr: movedCamera, want: movedCamera, wantKnown: true},
		{name: "stale", cameraPtr: 0xDEAD0000},
		{name: "captured again", cameraPtr: cameraBase, want: cameraBase, wantKnown: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := state.SetPointer(patch.SlotCameraStruct, tt.cameraPtr); err != nil {
				t.Fatal(err)
			}
			f.sys.UpdateFrame()

			got, ok := f.sys.locator.Lookup(cameraStructKey)
			if ok != tt.wantKnown || got != tt.want {
				t.Errorf("Lookup(%s) want = 0x%X %v, got = 0x%X %v", cameraStructKey, tt.want, tt.wantKnown, got, ok)
			}
			if player, ok := f.sys.locator.Lookup(playerStructKey); !ok || player != playerBase {
				t.Errorf("Lookup(%s) want = 0x%X, got = 0x%X", playerStructKey, playerBase, player)
			}
		})
	}
}

func TestSystem_Shutdown(t *testing.T) {
	f := newFixture(t, "", 0)
	focus := gamedata.FocusLossSite
	want := f.read(t, f.img.addr(focus.Block), focus.Count)
	f.start(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.sys.Shutdown()
		}()
	}
	wg.Wait()

	if f.icpt.unpresent != 1 || f.icpt.untargets != 1 {
		t.Errorf("unhook calls want 1 each, got present=%d targets=%d", f.icpt.unpresent, f.icpt.untargets)
	}
	if diff := cmp.Diff(want, f.read(t, f.img.addr(focus.Block), focus.Count)); diff != "" {
		t.Errorf("focus loss site not restored; diff:\n%s", diff)
	}
	for _, h := range f.sys.Engine().Hooks() {
		if h.Enabled {
			t.Errorf("hook %s still enabled after Shutdown", h.Name)
		}
	}
	if f.sys.Active() {
		t.Error("Active() want false after Shutdown")
	}
	if err := f.sys.Start(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Errorf("Start() after Shutdown want ErrShutdown, got = %v", err)
	}
}

func TestTickerWaiter(t *testing.T) {
	w := NewTickerWaiter(math.MaxInt64)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() want context.Canceled, got = %v", err)
	}
}
