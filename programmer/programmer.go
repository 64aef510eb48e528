// Package programmer composes the reset-extension driver, the
// DSU/Boot-Interactive client, and the NVMCTRL row driver into the
// overall erase -> program -> verify -> reset state machine. This is
// the library surface an embedder calls: it takes an image and an
// attached, unattached-to-target ProbeHandle and returns either
// success or a typed Error.
package programmer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"openenterprise/saml10flash/image"
	"openenterprise/saml10flash/internal/clock"
	"openenterprise/saml10flash/internal/dsu"
	"openenterprise/saml10flash/internal/nvmctrl"
	"openenterprise/saml10flash/internal/resetext"
	"openenterprise/saml10flash/internal/telemetry"
	"openenterprise/saml10flash/probe"
)

// Phase is the orchestrator's state machine (spec's ProgrammerPhase).
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseErasing
	PhaseErased
	PhaseProgramming
	PhaseProgrammed
	PhaseVerifying
	PhaseVerified
	PhaseResetting
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseErasing:
		return "Erasing"
	case PhaseErased:
		return "Erased"
	case PhaseProgramming:
		return "Programming"
	case PhaseProgrammed:
		return "Programmed"
	case PhaseVerifying:
		return "Verifying"
	case PhaseVerified:
		return "Verified"
	case PhaseResetting:
		return "Resetting"
	case PhaseDone:
		return "Done"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Deps are the orchestrator's non-target dependencies. Clock
// defaults to clock.Real and Logger to slog.Default when unset;
// Telemetry may be left nil, in which case every operation is a
// no-op (the core works with a nil telemetry sink).
type Deps struct {
	Clock     clock.Clock
	Logger    *slog.Logger
	Telemetry *telemetry.Recorder
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.Real
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// prepare runs the independent reset-extension cycle every operation
// begins with: enter extension, bring up DP/AP, open the default
// memory port, then confirm and clear CRSTEXT.
func prepare(ctx context.Context, h *probe.ProbeHandle, d Deps) (probe.MemoryPort, error) {
	if err := resetext.Enter(ctx, h, d.Clock); err != nil {
		return nil, &Error{Kind: KindResetExtensionFailed, Err: err}
	}
	if err := h.Initialize(ctx); err != nil {
		return nil, &Error{Kind: KindProbeUnavailable, Err: err}
	}
	mem, err := h.OpenMemoryPort(ctx, probe.DefaultAP)
	if err != nil {
		return nil, &Error{Kind: KindProbeUnavailable, Err: err}
	}
	if err := resetext.Exit(ctx, mem, d.Clock, d.Logger); err != nil {
		if errors.Is(err, resetext.ErrNotObserved) {
			_ = mem.Release(ctx)
			_ = h.CloseARMInterface(ctx)
			return nil, &Error{Kind: KindResetExtensionFailed, Err: err}
		}
		_ = mem.Release(ctx)
		_ = h.CloseARMInterface(ctx)
		return nil, &Error{Kind: KindTransportError, Err: err}
	}
	return mem, nil
}

func abandon(ctx context.Context, h *probe.ProbeHandle, mem probe.MemoryPort) {
	_ = mem.Release(ctx)
	_ = h.CloseARMInterface(ctx)
}

func finish(ctx context.Context, h *probe.ProbeHandle, mem probe.MemoryPort) error {
	if err := mem.Release(ctx); err != nil {
		return &Error{Kind: KindTransportError, Err: fmt.Errorf("release memory port: %w", err)}
	}
	if err := h.CloseARMInterface(ctx); err != nil {
		return &Error{Kind: KindTransportError, Err: fmt.Errorf("close arm interface: %w", err)}
	}
	return nil
}

func mapDSUError(err error) *Error {
	if errors.Is(err, dsu.ErrHandshakeFailed) {
		return &Error{Kind: KindBootRomHandshakeFailed, Err: err}
	}
	if errors.Is(err, dsu.ErrEraseRejected) {
		return &Error{Kind: KindEraseRejected, Err: err}
	}
	var erased *dsu.EraseFailedError
	if errors.As(err, &erased) {
		return &Error{Kind: KindEraseFailed, Observed: erased.Observed, Err: err}
	}
	return &Error{Kind: KindTransportError, Err: err}
}

// Erase performs reset-extension -> exit-extension -> enter-interactive
// -> chip-erase -> close, and returns the probe.
func Erase(ctx context.Context, h *probe.ProbeHandle, deps Deps) (*probe.ProbeHandle, error) {
	d := deps.withDefaults()
	mem, err := prepare(ctx, h, d)
	if err != nil {
		return h, err
	}

	client := dsu.New(mem, d.Clock)
	if err := client.EnterInteractive(ctx); err != nil {
		abandon(ctx, h, mem)
		return h, mapDSUError(err)
	}
	if err := client.ChipErase(ctx); err != nil {
		abandon(ctx, h, mem)
		return h, mapDSUError(err)
	}
	if err := finish(ctx, h, mem); err != nil {
		return h, err
	}
	return h, nil
}

// Program performs reset-extension -> exit-extension -> exit-to-park,
// then writes every chunk of img row by row with automatic write
// enabled, padding the final partial row. Returns the probe.
func Program(ctx context.Context, h *probe.ProbeHandle, img *image.FlashImage, deps Deps) (*probe.ProbeHandle, error) {
	d := deps.withDefaults()
	mem, err := prepare(ctx, h, d)
	if err != nil {
		return h, err
	}

	client := dsu.New(mem, d.Clock)
	if err := client.ExitToPark(ctx, d.Logger); err != nil {
		abandon(ctx, h, mem)
		return h, &Error{Kind: KindTransportError, Err: err}
	}

	nv := nvmctrl.New(mem)
	if err := nv.EnableAutomaticWrite(ctx); err != nil {
		abandon(ctx, h, mem)
		return h, &Error{Kind: KindTransportError, Err: err}
	}

	for _, chunk := range img.Chunks {
		if err := programChunk(ctx, nv, chunk); err != nil {
			abandon(ctx, h, mem)
			return h, err
		}
	}

	if err := finish(ctx, h, mem); err != nil {
		return h, err
	}
	return h, nil
}

func programChunk(ctx context.Context, nv *nvmctrl.Client, chunk image.Chunk) error {
	for offset := 0; offset < len(chunk.Bytes); offset += nvmctrl.RowSize {
		end := offset + nvmctrl.RowSize
		if end > len(chunk.Bytes) {
			end = len(chunk.Bytes)
		}
		rowAddr := chunk.TargetAddress + uint32(offset)
		if err := nv.ProgramRow(ctx, rowAddr, chunk.Bytes[offset:end]); err != nil {
			if errors.Is(err, nvmctrl.ErrFlashNotReady) {
				return &Error{Kind: KindFlashNotReady, Err: err}
			}
			return &Error{Kind: KindTransportError, Err: err}
		}
	}
	return nil
}

// Verify performs reset-extension -> exit-extension -> exit-to-park,
// then reads every chunk of img back row by row, comparing against
// the expected payload (with implied 0xFF padding). The first
// mismatch fails with VerifyMismatch and no subsequent row is read.
// Returns the probe.
func Verify(ctx context.Context, h *probe.ProbeHandle, img *image.FlashImage, deps Deps) (*probe.ProbeHandle, error) {
	d := deps.withDefaults()
	mem, err := prepare(ctx, h, d)
	if err != nil {
		return h, err
	}

	client := dsu.New(mem, d.Clock)
	if err := client.ExitToPark(ctx, d.Logger); err != nil {
		abandon(ctx, h, mem)
		return h, &Error{Kind: KindTransportError, Err: err}
	}

	nv := nvmctrl.New(mem)
	for _, chunk := range img.Chunks {
		if err := verifyChunk(ctx, nv, chunk); err != nil {
			abandon(ctx, h, mem)
			return h, err
		}
	}

	if err := finish(ctx, h, mem); err != nil {
		return h, err
	}
	return h, nil
}

func verifyChunk(ctx context.Context, nv *nvmctrl.Client, chunk image.Chunk) error {
	for offset := 0; offset < len(chunk.Bytes); offset += nvmctrl.RowSize {
		rowAddr := chunk.TargetAddress + uint32(offset)
		observed, err := nv.ReadRow(ctx, rowAddr)
		if err != nil {
			return &Error{Kind: KindTransportError, Err: err}
		}

		end := offset + nvmctrl.RowSize
		if end > len(chunk.Bytes) {
			end = len(chunk.Bytes)
		}
		expected := make([]byte, nvmctrl.RowSize)
		for i := range expected {
			expected[i] = 0xFF
		}
		copy(expected, chunk.Bytes[offset:end])

		for i := 0; i < nvmctrl.RowSize; i++ {
			if observed[i] != expected[i] {
				return &Error{
					Kind:     KindVerifyMismatch,
					Address:  rowAddr + uint32(i),
					Expected: expected[i],
					Actual:   observed[i],
				}
			}
		}
	}
	return nil
}

// Reset drives the final board-level reset without the extension
// trap: ARM interface without initializing DP/AP, SWCLK held high
// across the nRESET rising edge to prevent cold-plug re-entry, then
// close.
func Reset(ctx context.Context, h *probe.ProbeHandle, deps Deps) (*probe.ProbeHandle, error) {
	d := deps.withDefaults()

	if err := h.EnterARMInterface(ctx); err != nil {
		return h, &Error{Kind: KindProbeUnavailable, Err: err}
	}
	if _, err := h.SwjPins(ctx, probe.PinSWCLK, probe.PinNRESET|probe.PinSWCLK, 0); err != nil {
		return h, &Error{Kind: KindTransportError, Err: err}
	}
	if err := d.Clock.Sleep(ctx, 2*time.Millisecond); err != nil {
		return h, &Error{Kind: KindTransportError, Err: err}
	}
	if _, err := h.SwjPins(ctx, probe.PinNRESET, probe.PinNRESET, 0); err != nil {
		return h, &Error{Kind: KindTransportError, Err: err}
	}
	if err := h.CloseARMInterface(ctx); err != nil {
		return h, &Error{Kind: KindTransportError, Err: err}
	}
	return h, nil
}

// Run drives the full erase -> program -> verify -> reset cycle,
// recording each phase as a span and structured log event. It never
// retries or recovers: the first failing phase stops the sequence
// and its error is returned.
func Run(ctx context.Context, h *probe.ProbeHandle, img *image.FlashImage, deps Deps) (*probe.ProbeHandle, error) {
	d := deps.withDefaults()

	steps := []struct {
		phase string
		fn    func(context.Context, *probe.ProbeHandle, Deps) (*probe.ProbeHandle, error)
	}{
		{"erase", func(ctx context.Context, h *probe.ProbeHandle, d Deps) (*probe.ProbeHandle, error) { return Erase(ctx, h, d) }},
		{"program", func(ctx context.Context, h *probe.ProbeHandle, d Deps) (*probe.ProbeHandle, error) { return Program(ctx, h, img, d) }},
		{"verify", func(ctx context.Context, h *probe.ProbeHandle, d Deps) (*probe.ProbeHandle, error) { return Verify(ctx, h, img, d) }},
		{"reset", func(ctx context.Context, h *probe.ProbeHandle, d Deps) (*probe.ProbeHandle, error) { return Reset(ctx, h, d) }},
	}

	for _, step := range steps {
		span := d.Telemetry.StartSpan(step.phase)
		var err error
		h, err = step.fn(ctx, h, d)
		d.Telemetry.EndSpan(span, err)
		if err != nil {
			d.Logger.Error("programmer:phase_failed", slog.String("phase", step.phase), slog.Any("error", err))
			return h, err
		}
		d.Logger.Info("programmer:phase_ok", slog.String("phase", step.phase))
	}
	return h, nil
}
