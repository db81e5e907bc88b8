//go:build windows

// The rallycam command builds the camera as a DLL to be loaded into the game:
//
//	go build -buildmode=c-shared -o rallycam.dll ./cmd/rallycam
//
// Setup starts as soon as the DLL is loaded. The loader calls
// RallyCamShutdown before unloading it.
package main

import "C"

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/rallycam/internal/core"
	"github.com/dcrodman/rallycam/internal/input"
	"github.com/dcrodman/rallycam/internal/memory"
	"github.com/dcrodman/rallycam/internal/pipe"
	"github.com/dcrodman/rallycam/internal/render"
	"github.com/dcrodman/rallycam/internal/system"
)

var (
	mu     sync.Mutex
	cancel context.CancelFunc
	sys    *system.System
	server *pipe.Server
)

func init() {
	ctx, cancelFn := context.WithCancel(context.Background())
	cancel = cancelFn
	go run(ctx)
}

// configPath returns the config file next to the game executable.
func configPath() string {
	exe, err := os.Executable()
	if err != nil {
		return core.ConfigFileName
	}
	return filepath.Join(filepath.Dir(exe), core.ConfigFileName)
}

func run(ctx context.Context) {
	log := core.BootstrapLogger()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered from panic during setup: %v", r)
		}
	}()

	config := core.LoadConfig(configPath(), log)
	if l, err := core.NewLogger(config); err != nil {
		log.Errorf("failed to configure logging, keeping defaults: %v", err)
	} else {
		log = l
	}
	log.Infof("rallycam loaded, toggle with Insert or %s", config.GamepadButtonName())

	bindings := input.NewBindings(config.CameraEnableGamepadMask, log)
	manager := pipe.NewManager(bindings, log)
	log.AddHook(pipe.NewLogHook(manager))

	pipes := pipe.NewServer(manager, log)
	go func() {
		if err := pipes.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("companion pipe closed: %v", err)
		}
	}()

	var wheel input.ButtonDevice
	if j, err := input.OpenJoystick(); err != nil {
		log.Infof("wheel toggle unavailable: %v", err)
	} else {
		wheel = j
	}
	in := input.New(bindings, input.AsyncKeys{}, input.XInputPad{User: 0}, wheel, log)

	base, size, err := memory.HostImage()
	if err != nil {
		log.Errorf("failed to locate the game image: %v", err)
		return
	}
	mem := memory.NewProcess()

	s, err := system.New(system.Options{
		Config:      config,
		Memory:      mem,
		ImageBase:   base,
		ImageSize:   size,
		Interceptor: render.NewD3D11(mem, log),
		Input:       in,
		Log:         log,
	})
	if err != nil {
		log.Errorf("failed to set up the camera: %v", err)
		return
	}

	mu.Lock()
	if ctx.Err() != nil {
		mu.Unlock()
		pipes.Close()
		return
	}
	sys, server = s, pipes
	mu.Unlock()

	if err := s.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, system.ErrShutdown) {
		log.WithFields(logrus.Fields{"image_base": base, "image_size": size}).Errorf("camera setup failed: %v", err)
		return
	}
}

//export RallyCamShutdown
func RallyCamShutdown() {
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if sys != nil {
		sys.Shutdown()
	}
	if server != nil {
		server.Close()
	}
}

func main() {}
