// Package camera owns the virtual camera's pose: seeding it from the host,
// capturing a fixed mount relative to the player's car and blending the
// mounted orientation every frame.
package camera

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

const fovSentinel = 0.01

// Host is the game state the camera reads from and writes to.
type Host interface {
	CameraCoords() (Vec3, error)
	// CameraEulers returns the host camera's (pitch, yaw, roll).
	CameraEulers() (Vec3, error)
	FieldOfView() (float64, error)
	PlayerPosition() (Vec3, error)
	PlayerRotation() (Quat, error)
	WriteCamera(pos Vec3, rot Quat) error
}

// Negation selects which axes have their target angle negated relative to
// the current angle.
type Negation struct {
	Pitch, Yaw, Roll bool
}

// Pose is a snapshot of the camera's state.
type Pose struct {
	Position    Vec3
	Orientation Quat
	Pitch       float64
	Yaw         float64
	Roll        float64
	FOV         float64
}

// Camera is safe for concurrent use, though in practice only the frame
// update path mutates it.
type Camera struct {
	host   Host
	log    logrus.FieldLogger
	blend  float64
	negate Negation

	mu     sync.Mutex
	coords Vec3
	orient Quat

	pitch, yaw, roll                   float64
	targetPitch, targetYaw, targetRoll float64
	fov                                float64

	mounted       bool
	mountOffset   Vec3
	mountRotation Quat
	smoothed      Quat
}

// New returns a camera that blends towards its target orientation by blend
// each frame. blend must be in (0, 1]; 1 disables smoothing.
func New(host Host, blend float64, negate Negation, log logrus.FieldLogger) (*Camera, error) {
	if !(blend > 0 && blend <= 1) {
		return nil, fmt.Errorf("camera: blend must be in (0, 1], got %v", blend)
	}
	return &Camera{
		host:          host,
		log:           log,
		blend:         blend,
		negate:        negate,
		orient:        IdentityQuat,
		mountRotation: IdentityQuat,
		smoothed:      IdentityQuat,
	}, nil
}

// ResetAngles puts the current and target angles back to zero.
func (c *Camera) ResetAngles() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pitch, c.yaw, c.roll = 0, 0, 0
	c.targetPitch, c.targetYaw, c.targetRoll = 0, 0, 0
}

// PrepareCamera seeds position and angles from the host camera. The field of
// view is only captured the first time.
func (c *Camera) PrepareCamera() error {
	coords, err := c.host.CameraCoords()
	if err != nil {
		return fmt.Errorf("camera: failed to read coordinates: %w", err)
	}
	eulers, err := c.host.CameraEulers()
	if err != nil {
		return fmt.Errorf("camera: failed to read rotation: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.coords = coords
	c.setAllRotation(eulers)
	c.initFOV()
	return nil
}

// setAllRotation sets the current angles raw and the targets with the axis
// negations applied.
func (c *Camera) setAllRotation(eulers Vec3) {
	c.pitch = ClampAngle(eulers[0])
	c.yaw = ClampAngle(eulers[1])
	c.roll = ClampAngle(eulers[2])
	c.deriveTargets()
	c.orient = c.lookQuaternion()
}

func (c *Camera) deriveTargets() {
	c.targetPitch = negateIf(c.negate.Pitch, c.pitch)
	c.targetYaw = negateIf(c.negate.Yaw, c.yaw)
	c.targetRoll = negateIf(c.negate.Roll, c.roll)
}

func negateIf(negate bool, v float64) float64 {
	if negate {
		return -v
	}
	return v
}

func (c *Camera) initFOV() {
	if c.fov > fovSentinel {
		return
	}
	fov, err := c.host.FieldOfView()
	if err != nil {
		c.log.Warnf("camera: failed to read field of view: %v", err)
		return
	}
	c.fov = fov
}

// ToggleFixedCameraMount captures the camera's offset from the player's car
// when enabling. Mounted updates keep the angles on the blended orientation,
// so disabling only has to re-derive the targets from them.
func (c *Camera) ToggleFixedCameraMount() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mounted {
		c.deriveTargets()
	} else if err := c.captureRelativeOffset(); err != nil {
		return err
	}
	c.mounted = !c.mounted
	return nil
}

func (c *Camera) captureRelativeOffset() error {
	playerPos, err := c.host.PlayerPosition()
	if err != nil {
		return fmt.Errorf("camera: failed to read player position: %w", err)
	}
	playerRot, err := c.host.PlayerRotation()
	if err != nil {
		return fmt.Errorf("camera: failed to read player rotation: %w", err)
	}
	playerRot = playerRot.Normalize()

	cameraRot := c.lookQuaternion()
	c.mountOffset = playerRot.Conjugate().Rotate(c.coords.Sub(playerPos))
	c.mountRotation = playerRot.Inverse().Mul(cameraRot)
	c.smoothed = cameraRot
	return nil
}

// UpdateCamera computes this frame's pose and writes it to the host. While
// mounted the camera follows the player's car, blending its orientation;
// otherwise it holds its own position and angles.
func (c *Camera) UpdateCamera() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mounted {
		playerPos, err := c.host.PlayerPosition()
		if err != nil {
			return fmt.Errorf("camera: failed to read player position: %w", err)
		}
		playerRot, err := c.host.PlayerRotation()
		if err != nil {
			return fmt.Errorf("camera: failed to read player rotation: %w", err)
		}
		playerRot = playerRot.Normalize()

		c.coords = playerPos.Add(playerRot.Rotate(c.mountOffset))
		target := playerRot.Mul(c.mountRotation)
		c.smoothed = Slerp(c.smoothed, target, c.blend).Normalize()
		c.followSmoothed()
	} else {
		c.orient = c.lookQuaternion()
	}

	return c.host.WriteCamera(c.coords, c.orient)
}

// followSmoothed moves the angles and targets onto the blended orientation.
func (c *Camera) followSmoothed() {
	e := QuatToEuler(c.smoothed)
	c.pitch, c.yaw, c.roll = ClampAngle(e[0]), ClampAngle(e[1]), ClampAngle(e[2])
	c.deriveTargets()
	c.orient = c.smoothed
}

// lookQuaternion returns the orientation described by the current angles.
func (c *Camera) lookQuaternion() Quat {
	return EulerToQuat(c.pitch, c.yaw, c.roll)
}

func (c *Camera) Pose() Pose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Pose{
		Position:    c.coords,
		Orientation: c.orient,
		Pitch:       c.pitch,
		Yaw:         c.yaw,
		Roll:        c.roll,
		FOV:         c.fov,
	}
}

// TargetAngles returns the target (pitch, yaw, roll).
func (c *Camera) TargetAngles() Vec3 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Vec3{c.targetPitch, c.targetYaw, c.targetRoll}
}

func (c *Camera) Mounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}
