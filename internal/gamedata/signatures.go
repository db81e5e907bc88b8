// Package gamedata describes the host executable: the byte signatures of the
// code sites the camera patches, how each site is hooked or NOPed, and the
// layout of the camera and player structs those hooks expose.
package gamedata

import (
	"github.com/dcrodman/rallycam/internal/locator"
	"github.com/dcrodman/rallycam/internal/patch"
)

// Block names.
const (
	ActiveCameraAddress  = "ActiveCameraAddress"
	CameraWrite1         = "CameraWrite1"
	CameraWrite2         = "CameraWrite2"
	CameraWrite3         = "CameraWrite3"
	CameraWrite4         = "CameraWrite4"
	CameraWrite5         = "CameraWrite5"
	GameplayNOP1         = "GameplayNOP1"
	GameplayNOP2         = "GameplayNOP2"
	GameplayNOP3         = "GameplayNOP3"
	GameplayNOP4         = "GameplayNOP4"
	GameplayNOP5         = "GameplayNOP5"
	AbsoluteFOV          = "AbsoluteFOV"
	FOVWriteNOP1         = "FOVWriteNOP1"
	FOVWriteNOP2         = "FOVWriteNOP2"
	CollisionNOP1        = "CollisionNOP1"
	CollisionNOP2        = "CollisionNOP2"
	CarPositionInjection = "CarPositionInjection"
	FocusLossNOP         = "FocusLossNOP"
	HUDToggleInjection   = "HUDToggleInjection"
	DOFInjection         = "DOFInjection"
)

// Signature is a named byte pattern and the number of times it must occur.
type Signature struct {
	Name     string
	Pattern  string
	Expected int
}

// Signatures lists every code site the camera needs, in resolution order.
var Signatures = []Signature{
	// mov r12,[rcx+000438F0]
	{ActiveCameraAddress, "4C 8B A1 F0 38 04 00", 1},
	{CameraWrite1, "0F C6 D2 27 F3 0F 10 D1 0F C6 D2 27 0F 29 12 48", 1},
	{CameraWrite2, "0F 29 03 F3 0F 5C 4B 70", 1},
	{CameraWrite3, "0F 29 43 10 0F 5C 73 50", 1},
	{CameraWrite4, "0F C6 D2 27 0F 29 56 50 0F", 1},
	{CameraWrite5, "F3 0F 10 5C 24 58 0F 14 D8 0F", 1},
	{GameplayNOP1, "E8 0F 06 01 00 8B 83 F4 00 00 00", 1},
	{GameplayNOP2, "E8 DF 1B 01 00", 1},
	{GameplayNOP3, "E8 DF 34 01 00", 1},
	{GameplayNOP4, "FF 90 E8 00 00 00 40 84 ED", 1},
	{GameplayNOP5, "E8 BD 64 02 00", 1},
	// mulss xmm1,[rip+disp32]; the marker sits on the displacement.
	{AbsoluteFOV, "F3 0F 59 0D | 00 9F 97 00", 1},
	{FOVWriteNOP1, "F3 0F 11 47 70 8B 43 18", 1},
	{FOVWriteNOP2, "F3 0F 11 43 70 F3 0F 59 0D 00 9F 97 00", 1},
	{CollisionNOP1, "75 35 F3 0F 10 83 08 0A 00 00", 1},
	{CollisionNOP2, "77 0F C7 83 08 0A 00 00 00 00 00 00", 1},
	// movss xmm3,[rcx+000002B0]
	{CarPositionInjection, "F3 0F 10 99 B0 02 00 00", 1},
	{FocusLossNOP, "48 8D 05 19 EB EB 00 C3 CC", 1},
	{HUDToggleInjection, "48 8B 81 70 01 00 00 41 0F 10 40 10", 1},
	{DOFInjection, "F3 0F 10 81 AC 07 00 00", 1},
}

// NewRegistry builds a registry holding a fresh block for every signature.
func NewRegistry() (*locator.Registry, error) {
	reg, err := locator.NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, s := range Signatures {
		b, err := locator.NewBlock(s.Name, s.Pattern, s.Expected)
		if err != nil {
			return nil, err
		}
		if err := reg.Add(b); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// FOVDisplacementEnd is the distance from the AbsoluteFOV match to the end of
// the mulss instruction its displacement is relative to.
const FOVDisplacementEnd = 4

// Capture describes a hook that records a register holding a struct address.
type Capture struct {
	Block    string
	Site     patch.Site
	Register patch.Register
	Slot     patch.Slot
	// After selects whether the register is stored once the relocated bytes ran.
	After bool
}

// CameraStructCapture records the active camera struct once the host loaded
// it into r12.
var CameraStructCapture = Capture{
	Block:    ActiveCameraAddress,
	Site:     patch.Site{Offset: 0, Length: 0x12},
	Register: patch.R12,
	Slot:     patch.SlotCameraStruct,
	After:    true,
}

// PlayerStructCapture records the car struct the host reads its position from.
var PlayerStructCapture = Capture{
	Block:    CarPositionInjection,
	Site:     patch.Site{Offset: 0, Length: 0x10},
	Register: patch.RCX,
	Slot:     patch.SlotPlayerStruct,
}

// Suppression describes a hook that drops the host's camera writes while the
// camera is enabled. Writes are byte ranges of the relocated site; nil drops
// the whole site.
type Suppression struct {
	Block  string
	Site   patch.Site
	Writes []patch.Range
}

// CameraWriteSuppressions are installed once the camera struct is known.
var CameraWriteSuppressions = []Suppression{
	// movaps [rdx],xmm2
	{CameraWrite1, patch.Site{Length: 0xF}, []patch.Range{{From: 12, To: 15}}},
	// movaps [rbx],xmm0
	{CameraWrite2, patch.Site{Length: 0x16}, []patch.Range{{From: 0, To: 3}}},
	// movaps [rbx+10],xmm0
	{CameraWrite3, patch.Site{Length: 0xF}, []patch.Range{{From: 0, To: 4}}},
	// movaps [rsi+50],xmm2
	{CameraWrite4, patch.Site{Length: 0x13}, []patch.Range{{From: 4, To: 8}}},
	{CameraWrite5, patch.Site{Length: 0x12}, nil},
}

// NOPSite is a run of host instructions replaced with NOPs.
type NOPSite struct {
	Block string
	Count int
}

// GameplayNOPs stop the host from driving the camera while it is enabled.
var GameplayNOPs = []NOPSite{
	{GameplayNOP1, 5},
	{GameplayNOP2, 5},
	{GameplayNOP3, 5},
	{GameplayNOP4, 6},
	{GameplayNOP5, 5},
}

// CollisionNOPs let the camera pass through geometry while enabled.
var CollisionNOPs = []NOPSite{
	{CollisionNOP1, 2},
	{CollisionNOP2, 2},
}

// FocusLossSite keeps the host running when its window loses focus. It is
// applied once after the camera struct was found.
var FocusLossSite = NOPSite{FocusLossNOP, 7}

// CameraSetupNOPs are the sites toggled together with the camera.
func CameraSetupNOPs() []NOPSite {
	sites := make([]NOPSite, 0, len(GameplayNOPs)+len(CollisionNOPs))
	sites = append(sites, GameplayNOPs...)
	return append(sites, CollisionNOPs...)
}
