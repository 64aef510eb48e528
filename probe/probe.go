// Package probe models the debug-probe capability surface the
// programmer core is built against, and the linear-ownership
// ProbeHandle that every orchestrator operation threads through.
//
// Go has no move semantics, so ProbeHandle plays the role the source
// gives a unique, non-Copy capability: it is an owning container
// passed around by pointer, and it tracks its own state so that
// misordered use (opening a memory port twice, closing an interface
// while a port is still open) is rejected rather than silently
// corrupting target state.
package probe

import (
	"context"
	"errors"
	"fmt"
)

// Pin bits for swj_pins, shared by the reset-extension driver and the
// final board reset.
const (
	PinNRESET uint8 = 1 << 0
	PinSWCLK  uint8 = 1 << 1
)

// DefaultAP is the only AP address the core ever requests.
const DefaultAP uint8 = 0

// Transport is the capability surface required of a host debug-probe
// stack. A production implementation drives a real CMSIS-DAP probe
// (see HIDTransport); tests drive MockTransport.
type Transport interface {
	// AttachUnspecified attaches electrically without running any
	// target-init routine: no halt, no reset-and-halt.
	AttachUnspecified(ctx context.Context) error

	// IntoARMInterface transforms the electrical attach into an ARM
	// debug interface capable of swj_pins and DP/AP bring-up.
	IntoARMInterface(ctx context.Context) (ArmInterface, error)

	// Close tears down the underlying probe connection entirely.
	Close(ctx context.Context) error
}

// ArmInterface exposes the pin-level and DP/AP-level operations
// available once a Transport has produced one.
type ArmInterface interface {
	// SwjPins drives the open-drain lines named in mask to the levels
	// named in out, waits waitUs microseconds, then samples and
	// returns the inputs.
	SwjPins(ctx context.Context, out, mask uint8, waitUs uint32) (uint8, error)

	// Initialize brings up DP/AP enumeration on this interface.
	Initialize(ctx context.Context) error

	// MemoryInterface obtains a MemoryPort for the given AP address.
	MemoryInterface(ctx context.Context, apAddr uint8) (MemoryPort, error)

	// Close releases the ARM interface back to the owning probe.
	Close(ctx context.Context) error
}

// MemoryPort performs 8- and 32-bit reads and writes to physical
// addresses on the target bus through the default memory-AP. It has
// no 16-bit accessors.
type MemoryPort interface {
	ReadU8(ctx context.Context, addr uint32) (uint8, error)
	WriteU8(ctx context.Context, addr uint32, v uint8) error
	ReadU32(ctx context.Context, addr uint32) (uint32, error)
	WriteU32(ctx context.Context, addr uint32, v uint32) error

	// Release gives up the port. It must be called before the owning
	// ArmInterface is closed.
	Release(ctx context.Context) error
}

// State is ProbeHandle's documented lifecycle: attached, then an
// ARM debug interface, then initialized DP/AP enumeration, then
// closed.
type State int

const (
	StateAttached State = iota
	StateArmInterface
	StateInitialized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateArmInterface:
		return "arm-interface"
	case StateInitialized:
		return "initialized"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrWrongState is returned when an operation is attempted out of the
// sequence attach -> arm-interface -> initialize -> memory-port.
var ErrWrongState = errors.New("probe: operation invalid in current state")

// ProbeHandle is the single owner of an attached debug probe. Every
// programmer operation takes one by pointer, mutates it in place, and
// hands the same pointer back -- the Go equivalent of moving it in
// and out by value.
type ProbeHandle struct {
	transport Transport
	arm       ArmInterface
	memOpen   bool
	state     State
}

// Attach performs attach_unspecified and returns a handle in the
// Attached state.
func Attach(ctx context.Context, t Transport) (*ProbeHandle, error) {
	if err := t.AttachUnspecified(ctx); err != nil {
		return nil, fmt.Errorf("probe: attach: %w", err)
	}
	return &ProbeHandle{transport: t, state: StateAttached}, nil
}

// State reports the handle's current lifecycle state.
func (h *ProbeHandle) State() State { return h.state }

// EnterARMInterface transforms an Attached handle into one exposing
// swj_pins. It is idempotent when already in the arm-interface state
// with no open memory port, since reset() re-enters it without first
// closing back to Attached.
func (h *ProbeHandle) EnterARMInterface(ctx context.Context) error {
	if h.state == StateArmInterface {
		return nil
	}
	if h.state != StateAttached {
		return fmt.Errorf("%w: into_arm_interface requires attached, have %s", ErrWrongState, h.state)
	}
	arm, err := h.transport.IntoARMInterface(ctx)
	if err != nil {
		return fmt.Errorf("probe: into_arm_interface: %w", err)
	}
	h.arm = arm
	h.state = StateArmInterface
	return nil
}

// SwjPins drives the reset/clock pins. Only legal before Initialize.
func (h *ProbeHandle) SwjPins(ctx context.Context, out, mask uint8, waitUs uint32) (uint8, error) {
	if h.state != StateArmInterface {
		return 0, fmt.Errorf("%w: swj_pins requires arm-interface, have %s", ErrWrongState, h.state)
	}
	in, err := h.arm.SwjPins(ctx, out, mask, waitUs)
	if err != nil {
		return 0, fmt.Errorf("probe: swj_pins: %w", err)
	}
	return in, nil
}

// Initialize brings up DP/AP enumeration.
func (h *ProbeHandle) Initialize(ctx context.Context) error {
	if h.state != StateArmInterface {
		return fmt.Errorf("%w: initialize requires arm-interface, have %s", ErrWrongState, h.state)
	}
	if err := h.arm.Initialize(ctx); err != nil {
		return fmt.Errorf("probe: initialize: %w", err)
	}
	h.state = StateInitialized
	return nil
}

// OpenMemoryPort obtains the default AHB memory-access port. Only one
// may be open at a time.
func (h *ProbeHandle) OpenMemoryPort(ctx context.Context, apAddr uint8) (MemoryPort, error) {
	if h.state != StateInitialized {
		return nil, fmt.Errorf("%w: memory_interface requires initialized, have %s", ErrWrongState, h.state)
	}
	if h.memOpen {
		return nil, fmt.Errorf("%w: a memory port is already open", ErrWrongState)
	}
	mem, err := h.arm.MemoryInterface(ctx, apAddr)
	if err != nil {
		return nil, fmt.Errorf("probe: memory_interface: %w", err)
	}
	h.memOpen = true
	return &trackedMemoryPort{MemoryPort: mem, h: h}, nil
}

// CloseARMInterface releases the ARM interface back to a bare,
// Attached handle, the handle's arm-interface teardown. It fails if
// a MemoryPort obtained from this handle has not yet been released.
func (h *ProbeHandle) CloseARMInterface(ctx context.Context) error {
	if h.memOpen {
		return fmt.Errorf("%w: memory port still open", ErrWrongState)
	}
	if h.state != StateArmInterface && h.state != StateInitialized {
		return fmt.Errorf("%w: close requires arm-interface or initialized, have %s", ErrWrongState, h.state)
	}
	if err := h.arm.Close(ctx); err != nil {
		return fmt.Errorf("probe: close arm interface: %w", err)
	}
	h.arm = nil
	h.state = StateAttached
	return nil
}

// Release tears the probe connection down entirely. Called once, at
// the end of an embedder's session, after the final reset().
func (h *ProbeHandle) Release(ctx context.Context) error {
	if h.state != StateAttached {
		return fmt.Errorf("%w: release requires attached, have %s", ErrWrongState, h.state)
	}
	if err := h.transport.Close(ctx); err != nil {
		return fmt.Errorf("probe: release: %w", err)
	}
	h.state = StateClosed
	return nil
}

// trackedMemoryPort clears its owning handle's memOpen flag on
// Release so CloseARMInterface can enforce scoped lifetime.
type trackedMemoryPort struct {
	MemoryPort
	h *ProbeHandle
}

func (p *trackedMemoryPort) Release(ctx context.Context) error {
	if !p.h.memOpen {
		return nil
	}
	err := p.MemoryPort.Release(ctx)
	p.h.memOpen = false
	if err != nil {
		return fmt.Errorf("probe: release memory port: %w", err)
	}
	return nil
}
