package gamedata

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/dcrodman/rallycam/internal/camera"
	"github.com/dcrodman/rallycam/internal/memory"
	"github.com/dcrodman/rallycam/internal/patch"
)

// Offsets into the host's camera struct.
const (
	CameraPositionOffset    = 0x00
	CameraOrientationOffset = 0x10
	cameraStructSize        = 0x20
)

// Offsets into the host's car struct.
const (
	PlayerPositionOffset    = 0x2B0
	PlayerOrientationOffset = 0x2C0
	playerStructEnd         = 0x2D0
)

var (
	// ErrCameraNotFound is returned before the camera struct address was captured.
	ErrCameraNotFound = errors.New("camera struct not captured")
	// ErrPlayerNotFound is returned before the car struct address was captured.
	ErrPlayerNotFound = errors.New("player struct not captured")
)

// Accessor reads and writes the host's camera and car structs through the
// addresses the capture hooks stored in the shared state.
type Accessor struct {
	mem   memory.Memory
	state *patch.SharedState
	fov   atomic.Uintptr
}

// NewAccessor returns an accessor. fovAddr is the absolute address of the
// host's field of view value, zero if it could not be resolved.
func NewAccessor(mem memory.Memory, state *patch.SharedState, fovAddr uintptr) *Accessor {
	a := &Accessor{mem: mem, state: state}
	a.fov.Store(fovAddr)
	return a
}

// SetFOVAddress sets the field of view address once it has been computed.
func (a *Accessor) SetFOVAddress(addr uintptr) { a.fov.Store(addr) }

func (a *Accessor) cameraStruct() (uintptr, error) {
	p, err := a.state.Pointer(patch.SlotCameraStruct)
	if err != nil {
		return 0, err
	}
	if p == 0 {
		return 0, ErrCameraNotFound
	}
	return p, nil
}

func (a *Accessor) playerStruct() (uintptr, error) {
	p, err := a.state.Pointer(patch.SlotPlayerStruct)
	if err != nil {
		return 0, err
	}
	if p == 0 {
		return 0, ErrPlayerNotFound
	}
	return p, nil
}

// StructPointers returns the captured camera and car struct addresses, zero
// for any not captured yet.
func (a *Accessor) StructPointers() (cameraPtr, playerPtr uintptr) {
	cameraPtr, _ = a.cameraStruct()
	playerPtr, _ = a.playerStruct()
	return cameraPtr, playerPtr
}

// CameraFound reports whether the camera struct address was captured.
func (a *Accessor) CameraFound() bool {
	_, err := a.cameraStruct()
	return err == nil
}

// Validity is the outcome of probing the captured struct addresses.
type Validity struct {
	Camera bool
	Player bool
}

// Validate checks that both captured structs are still readable. The host
// frees and reallocates them between stages.
func (a *Accessor) Validate() Validity {
	var v Validity
	if p, err := a.cameraStruct(); err == nil {
		_, err = a.mem.Read(p, cameraStructSize)
		v.Camera = err == nil
	}
	if p, err := a.playerStruct(); err == nil {
		_, err = a.mem.Read(p+PlayerPositionOffset, playerStructEnd-PlayerPositionOffset)
		v.Player = err == nil
	}
	return v
}

func (a *Accessor) readVec3(addr uintptr) (camera.Vec3, error) {
	f, err := memory.ReadFloat32s(a.mem, addr, 3)
	if err != nil {
		return camera.Vec3{}, err
	}
	return camera.Vec3{float64(f[0]), float64(f[1]), float64(f[2])}, nil
}

func (a *Accessor) readQuat(addr uintptr) (camera.Quat, error) {
	f, err := memory.ReadFloat32s(a.mem, addr, 4)
	if err != nil {
		return camera.Quat{}, err
	}
	return camera.Quat{float64(f[0]), float64(f[1]), float64(f[2]), float64(f[3])}, nil
}

func (a *Accessor) CameraCoords() (camera.Vec3, error) {
	p, err := a.cameraStruct()
	if err != nil {
		return camera.Vec3{}, err
	}
	return a.readVec3(p + CameraPositionOffset)
}

// CameraEulers returns the host camera's orientation as (pitch, yaw, roll).
func (a *Accessor) CameraEulers() (camera.Vec3, error) {
	q, err := a.cameraOrientation()
	if err != nil {
		return camera.Vec3{}, err
	}
	return camera.QuatToEuler(q.Normalize()), nil
}

func (a *Accessor) cameraOrientation() (camera.Quat, error) {
	p, err := a.cameraStruct()
	if err != nil {
		return camera.Quat{}, err
	}
	return a.readQuat(p + CameraOrientationOffset)
}

func (a *Accessor) FieldOfView() (float64, error) {
	addr := a.fov.Load()
	if addr == 0 {
		return 0, errors.New("field of view address not resolved")
	}
	f, err := memory.ReadFloat32s(a.mem, addr, 1)
	if err != nil {
		return 0, err
	}
	return float64(f[0]), nil
}

func (a *Accessor) PlayerPosition() (camera.Vec3, error) {
	p, err := a.playerStruct()
	if err != nil {
		return camera.Vec3{}, err
	}
	return a.readVec3(p + PlayerPositionOffset)
}

func (a *Accessor) PlayerRotation() (camera.Quat, error) {
	p, err := a.playerStruct()
	if err != nil {
		return camera.Quat{}, err
	}
	return a.readQuat(p + PlayerOrientationOffset)
}

// WriteCamera stores the pose into the host camera struct. Non-finite values
// are refused so a bad frame never reaches the renderer.
func (a *Accessor) WriteCamera(pos camera.Vec3, rot camera.Quat) error {
	for _, v := range append(pos[:], rot[:]...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("refusing to write non-finite camera pose %v %v", pos, rot)
		}
	}
	p, err := a.cameraStruct()
	if err != nil {
		return err
	}
	if err := memory.WriteFloat32s(a.mem, p+CameraPositionOffset, float32(pos[0]), float32(pos[1]), float32(pos[2])); err != nil {
		return err
	}
	return memory.WriteFloat32s(a.mem, p+CameraOrientationOffset,
		float32(rot[0]), float32(rot[1]), float32(rot[2]), float32(rot[3]))
}

// CameraData is the host camera state saved when the camera is enabled and
// put back when it is disabled.
type CameraData struct {
	Coords      camera.Vec3
	Orientation camera.Quat
}

func (a *Accessor) CacheCameraData() (CameraData, error) {
	coords, err := a.CameraCoords()
	if err != nil {
		return CameraData{}, fmt.Errorf("failed to cache camera position: %w", err)
	}
	orient, err := a.cameraOrientation()
	if err != nil {
		return CameraData{}, fmt.Errorf("failed to cache camera orientation: %w", err)
	}
	return CameraData{Coords: coords, Orientation: orient}, nil
}

func (a *Accessor) RestoreCameraData(d CameraData) error {
	if err := a.WriteCamera(d.Coords, d.Orientation); err != nil {
		return fmt.Errorf("failed to restore camera: %w", err)
	}
	return nil
}
