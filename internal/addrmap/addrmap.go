// Package addrmap provides pure, side-effect-free address lookups over a
// decoded status Composition: slot base addresses, per-argument register
// addresses, named control registers, and platform-component bases.
package addrmap

import (
	"fmt"

	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/constants"
	"github.com/esa-tu-darmstadt/tapasco-runtime/internal/status"
)

// Register names the named control registers a PE slot exposes.
type Register int

const (
	RegCTRL Register = iota
	RegGIER
	RegIER
	RegIAR
	RegRET
)

func registerOffset(r Register) (uint64, error) {
	switch r {
	case RegCTRL:
		return constants.RegCTRL, nil
	case RegGIER:
		return constants.RegGIER, nil
	case RegIER:
		return constants.RegIER, nil
	case RegIAR:
		return constants.RegIAR, nil
	case RegRET:
		return constants.RegRET, nil
	default:
		return 0, fmt.Errorf("addrmap: unknown register %d", r)
	}
}

// ErrInvalidSlotID reports a slot index outside the populated range.
type ErrInvalidSlotID struct {
	Slot int
}

func (e *ErrInvalidSlotID) Error() string {
	return fmt.Sprintf("addrmap: invalid slot id %d", e.Slot)
}

// Map is a pure view over a Composition's address-relevant fields.
type Map struct {
	slots     []status.PE
	platforms map[string]status.Platform
}

// New builds a Map from a decoded Composition. The Map holds no mutable
// state and performs no I/O; every lookup below is O(1).
func New(c *status.Composition) *Map {
	return &Map{slots: c.Slots, platforms: c.Platforms}
}

// SlotBase returns the PE slot's absolute base address.
func (m *Map) SlotBase(slot int) (uint64, error) {
	if slot < 0 || slot >= len(m.slots) || slot >= constants.MaxSlots {
		return 0, &ErrInvalidSlotID{Slot: slot}
	}
	return m.slots[slot].Offset, nil
}

// ArgRegister returns the address of argument i's register within slot.
func (m *Map) ArgRegister(slot int, i int) (uint64, error) {
	base, err := m.SlotBase(slot)
	if err != nil {
		return 0, err
	}
	return base + constants.ArgRegisterBase + uint64(i)*constants.ArgRegisterStride, nil
}

// NamedRegister returns the address of one of a slot's fixed control
// registers (CTRL/GIER/IER/IAR/RET).
func (m *Map) NamedRegister(slot int, reg Register) (uint64, error) {
	base, err := m.SlotBase(slot)
	if err != nil {
		return 0, err
	}
	off, err := registerOffset(reg)
	if err != nil {
		return 0, err
	}
	return base + off, nil
}

// ComponentBase returns a platform component's absolute base address. The
// Status component falls back to status.WellKnownStatusBase when the
// descriptor itself did not publish one.
func (m *Map) ComponentBase(name string) (uint64, error) {
	if p, ok := m.platforms[name]; ok {
		return p.Offset, nil
	}
	if name == "Status" {
		return status.WellKnownStatusBase, nil
	}
	return 0, fmt.Errorf("addrmap: unknown platform component %q", name)
}

// SlotCount returns the number of populated slots.
func (m *Map) SlotCount() int {
	return len(m.slots)
}

// KernelIDAt returns the kernel id occupying slot, for callers building a
// kernel-group index over the Map.
func (m *Map) KernelIDAt(slot int) (uint32, error) {
	if slot < 0 || slot >= len(m.slots) {
		return 0, &ErrInvalidSlotID{Slot: slot}
	}
	return m.slots[slot].KernelID, nil
}
