// Package resetext drives the pin-level choreography that strands
// the CPU in Boot ROM reset extension, and the register sequence that
// exits it once a memory port is available. It exists because
// entering the window reliably on a possibly-running, possibly-locked
// part requires bit-banged pins before any DAP traffic -- no DAP
// transaction can do this on its own.
package resetext

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"openenterprise/saml10flash/internal/clock"
	"openenterprise/saml10flash/internal/dsu"
	"openenterprise/saml10flash/probe"
)

// ErrNotObserved means CRSTEXT was not set after the enter sequence,
// most likely because the probe is not wired to nRESET or attach
// happened too late.
var ErrNotObserved = errors.New("resetext: reset extension not observed")

const pinWait = time.Millisecond

// Enter transitions an Attached ProbeHandle into the arm-interface
// state and drives the four-step pin sequence that places the part in
// cold-plug / reset-extension mode. Only after this returns is
// Initialize legal. Every programmer operation calls this
// independently; a prior cycle is never reused.
func Enter(ctx context.Context, h *probe.ProbeHandle, clk clock.Clock) error {
	if err := h.EnterARMInterface(ctx); err != nil {
		return fmt.Errorf("resetext: enter: %w", err)
	}

	steps := []struct {
		out, mask uint8
	}{
		{out: probe.PinNRESET, mask: probe.PinNRESET},                   // 1. nRESET=1
		{out: 0, mask: probe.PinNRESET},                                 // 2. nRESET=0
		{out: 0, mask: probe.PinNRESET | probe.PinSWCLK},                // 3. nRESET=0, SWCLK=0
		{out: probe.PinNRESET, mask: probe.PinNRESET},                   // 4. nRESET=1, SWCLK released
	}
	for _, s := range steps {
		if _, err := h.SwjPins(ctx, s.out, s.mask, 0); err != nil {
			return fmt.Errorf("resetext: enter: %w", err)
		}
		if err := clk.Sleep(ctx, pinWait); err != nil {
			return fmt.Errorf("resetext: enter: %w", err)
		}
	}
	return nil
}

// Exit performs the exit-from-extension check and W1C clear once a
// MemoryPort is available: read CRSTEXT, clear it, sleep 5ms for the
// Boot ROM's failure-analysis and security checks, then read
// STATUSB.BCCD1 as a non-fatal diagnostic hook.
func Exit(ctx context.Context, mem probe.MemoryPort, clk clock.Clock, logger *slog.Logger) error {
	d := dsu.New(mem, clk)

	statusA, err := d.ReadStatusA(ctx)
	if err != nil {
		return fmt.Errorf("resetext: exit: %w", err)
	}
	if statusA&dsu.CRSTEXT == 0 {
		return ErrNotObserved
	}

	if err := d.WriteStatusA(ctx, dsu.CRSTEXT); err != nil {
		return fmt.Errorf("resetext: exit: clear crstext: %w", err)
	}

	if err := clk.Sleep(ctx, 5*time.Millisecond); err != nil {
		return fmt.Errorf("resetext: exit: %w", err)
	}

	statusB, err := d.ReadStatusB(ctx)
	if err != nil {
		return fmt.Errorf("resetext: exit: %w", err)
	}
	if statusB&dsu.BCCD1 != 0 {
		logger.Warn("resetext:bccd1_posted")
	}
	return nil
}
