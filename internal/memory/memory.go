// Package memory is the boundary through which every other package reads and
// writes host process memory. The Windows implementation touches the live
// process; Buffer backs tests and offline tooling with plain byte slices.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrFault is returned when an address range is not mapped or not accessible.
	ErrFault = errors.New("memory: access fault")
	// ErrProtected is returned when a write hits memory that could not be made writable.
	ErrProtected = errors.New("memory: protected")
)

// Memory is a flat address space addressed with absolute addresses.
type Memory interface {
	// Read copies n bytes starting at addr.
	Read(addr uintptr, n int) ([]byte, error)
	// Write stores b at addr in data memory.
	Write(addr uintptr, b []byte) error
	// WriteCode stores b at addr in executable memory, lifting and restoring
	// page protection around the write.
	WriteCode(addr uintptr, b []byte) error
	// Alloc reserves size bytes of readable, writable and executable memory.
	Alloc(size int) (uintptr, error)
}

func ReadUint8(m Memory, addr uintptr) (uint8, error) {
	b, err := m.Read(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func ReadUint64(m Memory, addr uintptr) (uint64, error) {
	b, err := m.Read(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func WriteUint64(m Memory, addr uintptr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.Write(addr, b[:])
}

func ReadInt32(m Memory, addr uintptr) (int32, error) {
	b, err := m.Read(addr, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// ReadFloat32s reads n consecutive little-endian float32 values.
func ReadFloat32s(m Memory, addr uintptr, n int) ([]float32, error) {
	b, err := m.Read(addr, 4*n)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// WriteFloat32s writes the values as consecutive little-endian float32s.
func WriteFloat32s(m Memory, addr uintptr, vals ...float32) error {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return m.Write(addr, b)
}

func faultf(addr uintptr, n int) error {
	return fmt.Errorf("%w at 0x%X (+%d)", ErrFault, addr, n)
}
