// Package render synchronizes camera updates with the host's frame
// presentation. It observes two graphics calls, presentation and
// render-target binding, and triggers at most one frame update per
// presented frame.
package render

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// State of the hook's initialization.
type State int32

const (
	Uninitialized State = iota
	AwaitingQueuedInit
	FullyInitialized
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case AwaitingQueuedInit:
		return "awaiting queued initialization"
	case FullyInitialized:
		return "fully initialized"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrNotReady is returned when queued initialization runs before a device
// was acquired.
var ErrNotReady = errors.New("render: device not acquired")

// Texture is a native surface reference. Ptr identifies the surface.
type Texture interface {
	Ptr() uintptr
	Release()
}

// Context is a device context the host binds render targets on.
type Context interface {
	Ptr() uintptr
	// Immediate reports whether this is the immediate (not deferred) context.
	Immediate() bool
	Release()
}

type Device interface {
	ImmediateContext() (Context, error)
	Release()
}

// SwapChain is the surface chain passed to the presentation call.
type SwapChain interface {
	Ptr() uintptr
	Device() (Device, error)
	BackBuffer() (Texture, error)
}

// RenderTargetView is a view bound by a render-target binding call.
type RenderTargetView interface {
	// Texture returns the surface the view refers to. The caller releases it.
	Texture() (Texture, error)
}

// Interceptor installs the platform redirections that route the two graphics
// calls into a Hook.
type Interceptor interface {
	HookPresent(h *Hook) error
	HookSetRenderTargets(ctx Context, h *Hook) error
	UnhookPresent() error
	UnhookSetRenderTargets() error
}

type threadState struct {
	inHook    bool
	lastEpoch uint64
}

// Hook tracks the graphics device, the frame epoch and the per-thread guards
// used to run one camera update per displayed frame. Its methods may be
// called from any host thread.
type Hook struct {
	icpt    Interceptor
	log     logrus.FieldLogger
	active  func() bool
	onFrame func()

	state        atomic.Int32
	epoch        atomic.Uint64
	updatedEpoch atomic.Uint64
	hasDevice    atomic.Bool
	presentHook  atomic.Bool
	targetsHook  atomic.Bool
	cleaning     atomic.Bool

	// mu guards device acquisition and the cached native references.
	mu         sync.Mutex
	device     Device
	context    Context
	backBuffer Texture

	initMu sync.Mutex

	threads sync.Map // uint32 -> *threadState
}

// NewHook returns a hook that calls onFrame once per presented frame while
// active reports true.
func NewHook(icpt Interceptor, active func() bool, onFrame func(), log logrus.FieldLogger) *Hook {
	return &Hook{icpt: icpt, active: active, onFrame: onFrame, log: log}
}

func (h *Hook) State() State  { return State(h.state.Load()) }
func (h *Hook) Epoch() uint64 { return h.epoch.Load() }

// Context returns the cached immediate context, nil before a device was acquired.
func (h *Hook) Context() Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.context
}

// NeedsInitialization reports whether a device was acquired and queued
// initialization is still pending.
func (h *Hook) NeedsInitialization() bool {
	return h.State() == AwaitingQueuedInit
}

// Initialize installs the presentation hook.
func (h *Hook) Initialize() error {
	if h.presentHook.Load() {
		return nil
	}
	if err := h.icpt.HookPresent(h); err != nil {
		h.log.Errorf("failed to hook presentation: %v", err)
		return fmt.Errorf("render: hook present: %w", err)
	}
	h.presentHook.Store(true)
	h.log.Info("presentation hook installed")
	return nil
}

// Present is called in place of the host's presentation call. forward runs
// the original call and its result is returned unchanged.
func (h *Hook) Present(sc SwapChain, forward func() int32) int32 {
	if !h.hasDevice.Load() && sc != nil && sc.Ptr() != 0 {
		h.acquireDevice(sc)
	}

	result := forward()
	h.epoch.Add(1)

	if sc != nil && sc.Ptr() != 0 {
		h.cacheBackBuffer(sc)
	}
	return result
}

func (h *Hook) acquireDevice(sc SwapChain) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hasDevice.Load() {
		return
	}
	dev, err := sc.Device()
	if err != nil {
		h.log.Debugf("swap chain has no device yet: %v", err)
		return
	}
	ctx, err := dev.ImmediateContext()
	if err != nil {
		h.log.Debugf("device has no immediate context: %v", err)
		dev.Release()
		return
	}

	h.device, h.context = dev, ctx
	h.hasDevice.Store(true)
	if h.state.CompareAndSwap(int32(Uninitialized), int32(AwaitingQueuedInit)) {
		h.log.Info("graphics device acquired, initialization queued")
	}
}

func (h *Hook) cacheBackBuffer(sc SwapChain) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.backBuffer != nil {
		return
	}
	tex, err := sc.BackBuffer()
	if err != nil {
		h.log.Debugf("failed to get back buffer: %v", err)
		return
	}
	h.backBuffer = tex
}

func (h *Hook) backBufferPtr() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.backBuffer == nil {
		return 0
	}
	return h.backBuffer.Ptr()
}

// PerformQueuedInitialization installs the render-target hook once a device
// was acquired. It runs its side effects exactly once.
func (h *Hook) PerformQueuedInitialization() error {
	h.initMu.Lock()
	defer h.initMu.Unlock()

	switch h.State() {
	case FullyInitialized:
		return nil
	case Uninitialized:
		return ErrNotReady
	}

	ctx := h.Context()
	if ctx == nil {
		return ErrNotReady
	}
	if err := h.icpt.HookSetRenderTargets(ctx, h); err != nil {
		h.log.Errorf("failed to hook render target binding: %v", err)
		return fmt.Errorf("render: hook set render targets: %w", err)
	}
	h.targetsHook.Store(true)
	h.state.Store(int32(FullyInitialized))
	h.log.Info("render target hook installed")
	return nil
}

func (h *Hook) thread(id uint32) *threadState {
	if ts, ok := h.threads.Load(id); ok {
		return ts.(*threadState)
	}
	ts, _ := h.threads.LoadOrStore(id, &threadState{})
	return ts.(*threadState)
}

// SetRenderTargets is called in place of the host's render-target binding
// call on the given OS thread. The original call always runs first.
func (h *Hook) SetRenderTargets(ctx Context, thread uint32, views []RenderTargetView, forward func()) {
	forward()

	ts := h.thread(thread)
	if ts.inHook {
		return
	}
	ts.inHook = true
	defer func() { ts.inHook = false }()

	if ctx == nil || !ctx.Immediate() || !h.active() || len(views) == 0 || views[0] == nil {
		return
	}
	bb := h.backBufferPtr()
	if bb == 0 || !boundTo(views[0], bb) {
		return
	}

	epoch := h.epoch.Load()
	if ts.lastEpoch == epoch {
		return
	}
	ts.lastEpoch = epoch

	prev := h.updatedEpoch.Load()
	if prev == epoch || !h.updatedEpoch.CompareAndSwap(prev, epoch) {
		return
	}
	h.runFrame()
}

func boundTo(view RenderTargetView, ptr uintptr) bool {
	tex, err := view.Texture()
	if err != nil || tex == nil {
		return false
	}
	defer tex.Release()
	return tex.Ptr() == ptr
}

func (h *Hook) runFrame() {
	defer func() {
		if r := recover(); r != nil {
			h.log.Errorf("recovered from panic in frame update: %v", r)
		}
	}()
	h.onFrame()
}

// Cleanup removes both hooks and releases every cached reference. Each step
// runs even if an earlier one failed, and calling it again is a no-op.
func (h *Hook) Cleanup() {
	if !h.cleaning.CompareAndSwap(false, true) {
		return
	}
	defer h.cleaning.Store(false)

	if h.targetsHook.Load() {
		h.step("unhook render targets", h.icpt.UnhookSetRenderTargets)
		h.targetsHook.Store(false)
	}
	if h.presentHook.Load() {
		h.step("unhook present", h.icpt.UnhookPresent)
		h.presentHook.Store(false)
	}

	h.step("release references", func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.backBuffer != nil {
			h.backBuffer.Release()
			h.backBuffer = nil
		}
		if h.context != nil {
			h.context.Release()
			h.context = nil
		}
		if h.device != nil {
			h.device.Release()
			h.device = nil
		}
		return nil
	})

	h.hasDevice.Store(false)
	h.state.Store(int32(Uninitialized))
	h.epoch.Store(0)
	h.updatedEpoch.Store(0)
	h.threads.Range(func(k, _ interface{}) bool {
		h.threads.Delete(k)
		return true
	})
	h.log.Info("render hook cleaned up")
}

func (h *Hook) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warnf("%s: recovered from panic: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		h.log.Warnf("%s: %v", name, err)
	}
}
