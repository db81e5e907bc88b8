// Package system wires the camera together: it resolves the host's code
// sites, waits for the camera struct to be captured, arms the remaining
// hooks and drives the camera once per displayed frame.
package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/rallycam/internal/camera"
	"github.com/dcrodman/rallycam/internal/core"
	"github.com/dcrodman/rallycam/internal/core/cache"
	"github.com/dcrodman/rallycam/internal/gamedata"
	"github.com/dcrodman/rallycam/internal/input"
	"github.com/dcrodman/rallycam/internal/locator"
	"github.com/dcrodman/rallycam/internal/memory"
	"github.com/dcrodman/rallycam/internal/patch"
	"github.com/dcrodman/rallycam/internal/render"
)

// DiscoveryInterval is how long Start sleeps between checks for the camera
// struct and for a graphics device.
const DiscoveryInterval = 500 * time.Millisecond

// Names runtime addresses are remembered under, next to the resolved blocks.
const (
	fovAddressKey   = "AbsoluteFOVAddress"
	cameraStructKey = "CameraStructAddress"
	playerStructKey = "PlayerStructAddress"
)

var (
	// ErrShutdown is returned by Start when Shutdown ran before setup finished.
	ErrShutdown = errors.New("system shut down")
	// ErrDiscoveryTimeout is returned when the camera struct wasn't captured
	// within the configured number of polls.
	ErrDiscoveryTimeout = errors.New("camera struct was not captured")
)

// Waiter blocks between two discovery polls.
type Waiter interface {
	Wait(ctx context.Context) error
}

// TickerWaiter waits for the next tick of a fixed-interval ticker.
type TickerWaiter struct {
	ticker *time.Ticker
}

func NewTickerWaiter(interval time.Duration) *TickerWaiter {
	return &TickerWaiter{ticker: time.NewTicker(interval)}
}

func (w *TickerWaiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ticker.C:
		return nil
	}
}

func (w *TickerWaiter) Stop() { w.ticker.Stop() }

// Options holds everything a System is built from.
type Options struct {
	Config *core.Config
	// Memory is the host process the image at [ImageBase, ImageBase+ImageSize)
	// belongs to.
	Memory    memory.Memory
	ImageBase uintptr
	ImageSize int

	Interceptor render.Interceptor
	Input       *input.Input
	Cache       *cache.Cache
	// Waiter defaults to a TickerWaiter firing every DiscoveryInterval.
	Waiter Waiter
	// DiscoveryAttempts bounds the number of polls for the camera struct.
	// Zero polls until the context is cancelled.
	DiscoveryAttempts int
	Log               logrus.FieldLogger
}

// System owns every component for the lifetime of the loaded module.
type System struct {
	cfg      *core.Config
	log      logrus.FieldLogger
	mem      memory.Memory
	base     uintptr
	size     int
	waiter   Waiter
	attempts int

	engine   *patch.Engine
	locator  *locator.Locator
	registry *locator.Registry
	accessor *gamedata.Accessor
	camera   *camera.Camera
	input    *input.Input
	render   *render.Hook

	active            atomic.Bool
	cameraStructFound atomic.Bool
	shuttingDown      atomic.Bool

	// mu serializes frame updates with the input handling done while waiting
	// for the camera struct.
	mu             sync.Mutex
	cameraEnabled  bool
	originalCamera gamedata.CameraData
	validity       gamedata.Validity
}

// New builds a System. Nothing is written to the host until Start.
func New(opts Options) (*System, error) {
	if opts.Config == nil {
		opts.Config = core.DefaultConfig()
	}
	if opts.Waiter == nil {
		opts.Waiter = NewTickerWaiter(DiscoveryInterval)
	}
	if opts.Cache == nil {
		opts.Cache = cache.New()
	}

	engine, err := patch.NewEngine(opts.Memory, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("system: failed to create patch engine: %w", err)
	}
	registry, err := gamedata.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("system: failed to build signature registry: %w", err)
	}
	accessor := gamedata.NewAccessor(opts.Memory, engine.State(), 0)
	cam, err := camera.New(accessor, opts.Config.Blend, camera.Negation{}, opts.Log)
	if err != nil {
		return nil, err
	}

	s := &System{
		cfg:      opts.Config,
		log:      opts.Log,
		mem:      opts.Memory,
		base:     opts.ImageBase,
		size:     opts.ImageSize,
		waiter:   opts.Waiter,
		attempts: opts.DiscoveryAttempts,
		engine:   engine,
		locator:  locator.New(opts.Memory, opts.Log, opts.Cache),
		registry: registry,
		accessor: accessor,
		camera:   cam,
		input:    opts.Input,
	}
	s.render = render.NewHook(opts.Interceptor, s.Active, s.UpdateFrame, opts.Log)
	return s, nil
}

// Active reports whether the system is running and the camera struct is known.
func (s *System) Active() bool {
	return s.active.Load() && s.cameraStructFound.Load()
}

// CameraEnabled reports whether the camera has taken over from the host.
func (s *System) CameraEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cameraEnabled
}

func (s *System) Camera() *camera.Camera { return s.camera }
func (s *System) Engine() *patch.Engine  { return s.engine }
func (s *System) Render() *render.Hook   { return s.render }

// Start runs the one-time setup and returns once the render-target hook is
// installed. It blocks until the camera struct is captured, ctx is cancelled
// or Shutdown is called.
func (s *System) Start(ctx context.Context) error {
	if s.shuttingDown.Load() {
		return ErrShutdown
	}
	s.active.Store(true)

	if err := s.render.Initialize(); err != nil {
		s.log.Errorf("failed to initialize the render hook: %v", err)
	}

	if err := s.locator.Resolve(s.registry, s.base, s.size); err != nil {
		return err
	}
	s.computeAbsoluteAddresses()

	if err := s.installCapture(gamedata.CameraStructCapture); err != nil {
		return err
	}
	if err := s.waitForCameraStruct(ctx); err != nil {
		return err
	}

	s.installPostCameraStructHooks()
	s.cameraStructFound.Store(true)
	s.camera.ResetAngles()
	s.toolsInit()

	return s.mainLoop(ctx)
}

func (s *System) computeAbsoluteAddresses() {
	b, _ := s.registry.Get(gamedata.AbsoluteFOV)
	addr, err := s.locator.AbsoluteFromRIP(b, gamedata.FOVDisplacementEnd)
	if err != nil {
		s.log.Warnf("failed to compute the field of view address: %v", err)
		return
	}
	s.locator.Remember(fovAddressKey, addr)
	s.accessor.SetFOVAddress(addr)
	s.log.Debugf("field of view at 0x%X", addr)
}

func (s *System) block(name string) *locator.Block {
	b, _ := s.registry.Get(name)
	return b
}

func (s *System) installCapture(c gamedata.Capture) error {
	_, err := s.engine.InstallCapture(s.block(c.Block), c.Site, c.Register, c.Slot, c.After)
	if err != nil {
		s.log.WithField("block", c.Block).Errorf("failed to install capture hook: %v", err)
		return err
	}
	return nil
}

func (s *System) waitForCameraStruct(ctx context.Context) error {
	s.log.Info("waiting for camera struct interception...")
	for n := 0; !s.accessor.CameraFound(); n++ {
		if s.shuttingDown.Load() {
			return ErrShutdown
		}
		if s.attempts > 0 && n >= s.attempts {
			return fmt.Errorf("%w after %d polls", ErrDiscoveryTimeout, n)
		}
		s.handleUserInput()
		if err := s.waiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for camera struct: %w", err)
		}
	}
	s.log.Info("camera struct found")
	return nil
}

// installPostCameraStructHooks arms the write suppressions and the player
// capture. A failed site only disables that feature.
func (s *System) installPostCameraStructHooks() {
	for _, sup := range gamedata.CameraWriteSuppressions {
		if _, err := s.engine.InstallSuppress(s.block(sup.Block), sup.Site, sup.Writes); err != nil {
			s.log.WithField("block", sup.Block).Errorf("failed to install write suppression: %v", err)
		}
	}
	if err := s.installCapture(gamedata.PlayerStructCapture); err != nil {
		s.log.Warn("fixed camera mount will be unavailable")
	}
}

func (s *System) toolsInit() {
	site := gamedata.FocusLossSite
	if err := s.engine.ToggleNOPs(s.block(site.Block), site.Count, true); err != nil {
		s.log.WithField("block", site.Block).Errorf("failed to apply focus loss patch: %v", err)
	}
}

// mainLoop performs the queued render initialization once a device was
// acquired by the presentation hook.
func (s *System) mainLoop(ctx context.Context) error {
	for s.render.State() != render.FullyInitialized {
		if s.shuttingDown.Load() {
			return ErrShutdown
		}
		if s.render.NeedsInitialization() {
			if err := s.render.PerformQueuedInitialization(); err != nil {
				return err
			}
			break
		}
		if err := s.waiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for graphics device: %w", err)
		}
	}
	s.log.Info("frame updates running from the render target hook")
	return nil
}

// UpdateFrame runs once per displayed frame.
func (s *System) UpdateFrame() {
	if !s.Active() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.validateAddresses()
	s.cameraStateProcessor()
	s.handleUserInputLocked()
}

func (s *System) validateAddresses() {
	v := s.accessor.Validate()
	if v != s.validity {
		s.log.Debugf("struct validity changed: camera=%v player=%v", v.Camera, v.Player)
	}
	s.validity = v

	cameraPtr, playerPtr := s.accessor.StructPointers()
	s.trackStruct(cameraStructKey, cameraPtr, v.Camera)
	s.trackStruct(playerStructKey, playerPtr, v.Player)
}

// trackStruct keeps the remembered address of a captured struct in step with
// the hooks. The host reallocates both structs between stages.
func (s *System) trackStruct(key string, addr uintptr, valid bool) {
	known, ok := s.locator.Lookup(key)
	switch {
	case !valid && ok:
		s.locator.Forget(key)
		s.log.WithField("struct", key).Debugf("0x%X is no longer readable", known)
	case valid && (!ok || known != addr):
		s.locator.Remember(key, addr)
		s.log.WithField("struct", key).Debugf("now at 0x%X", addr)
	}
}

func (s *System) cameraStateProcessor() {
	if !s.cameraEnabled || !s.validity.Camera {
		return
	}
	if err := s.camera.UpdateCamera(); err != nil {
		s.log.Debugf("camera update skipped: %v", err)
	}
}

func (s *System) handleUserInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handleUserInputLocked()
}

func (s *System) handleUserInputLocked() {
	if !s.cameraStructFound.Load() || s.input == nil {
		return
	}
	s.input.Update()

	if s.input.ButtonJustPressed(s.cfg.DirectInputToggleButton) || s.input.ActionActivated(input.CameraEnable) {
		if s.cameraEnabled {
			s.disableCamera()
		} else {
			s.enableCamera()
		}
	}

	if !s.cameraEnabled {
		return
	}
	if s.input.ActionActivated(input.ToggleFixedCameraMount) {
		if err := s.camera.ToggleFixedCameraMount(); err != nil {
			s.log.Warnf("failed to toggle the fixed camera mount: %v", err)
		}
	}
}

func (s *System) enableCamera() {
	data, err := s.accessor.CacheCameraData()
	if err != nil {
		s.log.Errorf("failed to cache the host camera, not enabling: %v", err)
		return
	}
	s.originalCamera = data
	s.cameraSetup(true)
	if err := s.camera.PrepareCamera(); err != nil {
		s.log.Warnf("failed to prepare camera: %v", err)
	}
	s.cameraEnabled = true
	if !s.camera.Mounted() {
		if err := s.camera.ToggleFixedCameraMount(); err != nil {
			s.log.Warnf("failed to mount the camera: %v", err)
		}
	}
	s.log.Info("camera enabled")
}

func (s *System) disableCamera() {
	if err := s.accessor.RestoreCameraData(s.originalCamera); err != nil {
		s.log.Warnf("failed to restore the host camera: %v", err)
	}
	s.cameraSetup(false)
	s.cameraEnabled = false
	if s.camera.Mounted() {
		if err := s.camera.ToggleFixedCameraMount(); err != nil {
			s.log.Warnf("failed to unmount the camera: %v", err)
		}
	}
	s.log.Info("camera disabled")
}

// cameraSetup toggles the gameplay and collision patches and the flag the
// write suppressions read.
func (s *System) cameraSetup(enable bool) {
	for _, site := range gamedata.CameraSetupNOPs() {
		if err := s.engine.ToggleNOPs(s.block(site.Block), site.Count, enable); err != nil {
			s.log.WithField("block", site.Block).Errorf("failed to toggle patch: %v", err)
		}
	}
	if err := s.engine.State().SetCameraEnabled(enable); err != nil {
		s.log.Errorf("failed to set the camera flag: %v", err)
	}
}

// Shutdown tears everything down. Only the first call has any effect.
func (s *System) Shutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	s.active.Store(false)

	if s.input != nil {
		if err := s.input.Close(); err != nil {
			s.log.Warnf("failed to release input devices: %v", err)
		}
	}
	s.render.Cleanup()
	if err := s.engine.DisableAll(); err != nil {
		s.log.Warnf("failed to disable every patch: %v", err)
	}
	if w, ok := s.waiter.(*TickerWaiter); ok {
		w.Stop()
	}
	s.log.Info("shut down")
}
