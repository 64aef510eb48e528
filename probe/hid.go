package probe

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

// CMSIS-DAP v1 command IDs and request-byte bits, per the vendor's
// public CMSIS-DAP protocol reference. v1 transports the same report
// bytes over plain USB HID interrupt endpoints that v2 sends over a
// bulk WinUSB interface; this transport speaks v1.
const (
	dapCmdConnect           byte = 0x02
	dapCmdDisconnect        byte = 0x03
	dapCmdTransferConfigure byte = 0x04
	dapCmdTransfer          byte = 0x05
	dapCmdSWJPins           byte = 0x10

	dapConnectSWD byte = 0x01

	dapTransferAPnDP byte = 1 << 0
	dapTransferRnW   byte = 1 << 1
	dapTransferA2    byte = 1 << 2
	dapTransferA3    byte = 1 << 3

	dapTransferOK byte = 0x01
)

// Minimal AP register bank used for memory access (ADIv5 MEM-AP,
// bank 0): CSW configures transfer size, TAR holds the target
// address, DRW is the data window.
const (
	apRegCSW byte = 0x00
	apRegTAR byte = 0x04
	apRegDRW byte = 0x0C

	cswSizeWord byte = 0x02
	cswSizeByte byte = 0x00
)

const cmsisReportSize = 64

// HIDSelector identifies one CMSIS-DAP probe among several attached:
// by USB VID:PID, optionally narrowed to a serial number.
type HIDSelector struct {
	VendorID  gousb.ID
	ProductID gousb.ID
	Serial    string
}

// HIDTransport drives a CMSIS-DAP v1 probe as a raw USB HID device via
// github.com/google/gousb, issuing DAP_SWJ_Pins, DAP_Connect,
// DAP_TransferConfigure, and DAP_Transfer reports over the probe's
// interrupt endpoints.
type HIDTransport struct {
	sel HIDSelector

	usbCtx *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
}

// NewHIDTransport returns a transport bound to sel. The USB device is
// not opened until AttachUnspecified.
func NewHIDTransport(sel HIDSelector) *HIDTransport {
	return &HIDTransport{sel: sel}
}

func (h *HIDTransport) AttachUnspecified(ctx context.Context) error {
	h.usbCtx = gousb.NewContext()

	dev, err := h.usbCtx.OpenDeviceWithVIDPID(h.sel.VendorID, h.sel.ProductID)
	if err != nil {
		h.usbCtx.Close()
		return fmt.Errorf("hid transport: open device %s:%s: %w", h.sel.VendorID, h.sel.ProductID, err)
	}
	if dev == nil {
		h.usbCtx.Close()
		return fmt.Errorf("hid transport: no probe found at %s:%s", h.sel.VendorID, h.sel.ProductID)
	}
	if h.sel.Serial != "" {
		if serial, err := dev.SerialNumber(); err != nil || serial != h.sel.Serial {
			dev.Close()
			h.usbCtx.Close()
			return fmt.Errorf("hid transport: probe serial %q does not match requested %q", serial, h.sel.Serial)
		}
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		h.usbCtx.Close()
		return fmt.Errorf("hid transport: enable auto kernel-driver detach: %w", err)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		h.usbCtx.Close()
		return fmt.Errorf("hid transport: claim config: %w", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		h.usbCtx.Close()
		return fmt.Errorf("hid transport: claim interface: %w", err)
	}

	var in *gousb.InEndpoint
	var out *gousb.OutEndpoint
	for _, epDesc := range intf.Setting.Endpoints {
		switch epDesc.Direction {
		case gousb.EndpointDirectionIn:
			if in == nil {
				if ep, err := intf.InEndpoint(epDesc.Number); err == nil {
					in = ep
				}
			}
		case gousb.EndpointDirectionOut:
			if out == nil {
				if ep, err := intf.OutEndpoint(epDesc.Number); err == nil {
					out = ep
				}
			}
		}
	}
	if in == nil || out == nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		h.usbCtx.Close()
		return fmt.Errorf("hid transport: probe has no interrupt in/out endpoint pair")
	}

	h.dev, h.cfg, h.intf, h.in, h.out = dev, cfg, intf, in, out
	return nil
}

func (h *HIDTransport) IntoARMInterface(ctx context.Context) (ArmInterface, error) {
	return &hidArmInterface{t: h}, nil
}

func (h *HIDTransport) Close(ctx context.Context) error {
	if h.intf != nil {
		h.intf.Close()
	}
	if h.cfg != nil {
		h.cfg.Close()
	}
	if h.dev != nil {
		h.dev.Close()
	}
	if h.usbCtx != nil {
		h.usbCtx.Close()
	}
	return nil
}

// report sends a zero-padded cmsisReportSize command packet and
// returns the equally sized response.
func (h *HIDTransport) report(cmd []byte) ([]byte, error) {
	padded := make([]byte, cmsisReportSize)
	copy(padded, cmd)
	if _, err := h.out.Write(padded); err != nil {
		return nil, fmt.Errorf("hid transport: write report: %w", err)
	}
	resp := make([]byte, cmsisReportSize)
	n, err := h.in.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("hid transport: read report: %w", err)
	}
	return resp[:n], nil
}

type hidArmInterface struct {
	t *HIDTransport
}

// SwjPins issues DAP_SWJ_Pins: command, output levels, pin mask, and
// a little-endian 32-bit wait in microseconds. The response's second
// byte is the sampled input levels.
func (a *hidArmInterface) SwjPins(ctx context.Context, out, mask uint8, waitUs uint32) (uint8, error) {
	cmd := []byte{
		dapCmdSWJPins, out, mask,
		byte(waitUs), byte(waitUs >> 8), byte(waitUs >> 16), byte(waitUs >> 24),
	}
	resp, err := a.t.report(cmd)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 || resp[0] != dapCmdSWJPins {
		return 0, fmt.Errorf("hid transport: malformed DAP_SWJ_Pins response")
	}
	return resp[1], nil
}

// Initialize connects in SWD mode, configures transfer retry
// behavior, and selects AP bank 0 so MemoryInterface's CSW/TAR/DRW
// accesses need no further SELECT traffic.
func (a *hidArmInterface) Initialize(ctx context.Context) error {
	connResp, err := a.t.report([]byte{dapCmdConnect, dapConnectSWD})
	if err != nil {
		return fmt.Errorf("hid transport: dap_connect: %w", err)
	}
	if len(connResp) < 2 || connResp[1] == 0 {
		return fmt.Errorf("hid transport: dap_connect: probe rejected SWD mode")
	}

	const idleCycles = 0
	const waitRetry = 64
	const matchRetry = 0
	cfgResp, err := a.t.report([]byte{
		dapCmdTransferConfigure,
		idleCycles,
		byte(waitRetry), byte(waitRetry >> 8),
		byte(matchRetry), byte(matchRetry >> 8),
	})
	if err != nil {
		return fmt.Errorf("hid transport: dap_transfer_configure: %w", err)
	}
	if len(cfgResp) < 1 || cfgResp[0] != dapCmdTransferConfigure {
		return fmt.Errorf("hid transport: malformed DAP_TransferConfigure response")
	}

	mem := hidMemoryPort{arm: a}
	const dpRegSELECT byte = 0x08
	if _, err := mem.transferOne(false, false, dpRegSELECT, 0); err != nil {
		return fmt.Errorf("hid transport: select ap 0 bank 0: %w", err)
	}
	if err := mem.apWrite(apRegCSW, uint32(cswSizeWord)); err != nil {
		return fmt.Errorf("hid transport: configure mem-ap csw: %w", err)
	}
	return nil
}

func (a *hidArmInterface) MemoryInterface(ctx context.Context, apAddr uint8) (MemoryPort, error) {
	return &hidMemoryPort{arm: a}, nil
}

func (a *hidArmInterface) Close(ctx context.Context) error {
	_, err := a.t.report([]byte{dapCmdDisconnect})
	return err
}

type hidMemoryPort struct {
	arm *hidArmInterface
}

func (p *hidMemoryPort) Release(ctx context.Context) error { return nil }

// transferOne issues one DAP_Transfer with a single register access
// and returns the 32-bit data word (valid on reads).
func (p *hidMemoryPort) transferOne(apnDP, rnW bool, regAddr byte, value uint32) (uint32, error) {
	req := byte(0)
	if apnDP {
		req |= dapTransferAPnDP
	}
	if rnW {
		req |= dapTransferRnW
	}
	if regAddr&0x04 != 0 {
		req |= dapTransferA2
	}
	if regAddr&0x08 != 0 {
		req |= dapTransferA3
	}

	cmd := []byte{dapCmdTransfer, 0x00, 0x01, req}
	if !rnW {
		cmd = append(cmd, byte(value), byte(value>>8), byte(value>>16), byte(value>>24))
	}
	resp, err := p.arm.t.report(cmd)
	if err != nil {
		return 0, err
	}
	if len(resp) < 3 || resp[0] != dapCmdTransfer || resp[1] != 1 {
		return 0, fmt.Errorf("hid transport: dap_transfer: unexpected transfer count in response")
	}
	if resp[2]&dapTransferOK == 0 {
		return 0, fmt.Errorf("hid transport: dap_transfer: ack error 0x%02x", resp[2])
	}
	if !rnW {
		return 0, nil
	}
	if len(resp) < 7 {
		return 0, fmt.Errorf("hid transport: dap_transfer: short read response")
	}
	return uint32(resp[3]) | uint32(resp[4])<<8 | uint32(resp[5])<<16 | uint32(resp[6])<<24, nil
}

func (p *hidMemoryPort) apWrite(reg byte, v uint32) error {
	_, err := p.transferOne(true, false, reg, v)
	return err
}

func (p *hidMemoryPort) apRead(reg byte) (uint32, error) {
	return p.transferOne(true, true, reg, 0)
}

func (p *hidMemoryPort) ReadU32(ctx context.Context, addr uint32) (uint32, error) {
	if err := p.apWrite(apRegTAR, addr); err != nil {
		return 0, fmt.Errorf("hid transport: read32 0x%08x: %w", addr, err)
	}
	v, err := p.apRead(apRegDRW)
	if err != nil {
		return 0, fmt.Errorf("hid transport: read32 0x%08x: %w", addr, err)
	}
	return v, nil
}

func (p *hidMemoryPort) WriteU32(ctx context.Context, addr uint32, v uint32) error {
	if err := p.apWrite(apRegTAR, addr); err != nil {
		return fmt.Errorf("hid transport: write32 0x%08x: %w", addr, err)
	}
	if err := p.apWrite(apRegDRW, v); err != nil {
		return fmt.Errorf("hid transport: write32 0x%08x: %w", addr, err)
	}
	return nil
}

func (p *hidMemoryPort) ReadU8(ctx context.Context, addr uint32) (uint8, error) {
	if err := p.apWrite(apRegCSW, uint32(cswSizeByte)); err != nil {
		return 0, fmt.Errorf("hid transport: read8 0x%08x: %w", addr, err)
	}
	defer p.apWrite(apRegCSW, uint32(cswSizeWord))

	if err := p.apWrite(apRegTAR, addr); err != nil {
		return 0, fmt.Errorf("hid transport: read8 0x%08x: %w", addr, err)
	}
	v, err := p.apRead(apRegDRW)
	if err != nil {
		return 0, fmt.Errorf("hid transport: read8 0x%08x: %w", addr, err)
	}
	return byte(v >> ((addr % 4) * 8)), nil
}

func (p *hidMemoryPort) WriteU8(ctx context.Context, addr uint32, v uint8) error {
	if err := p.apWrite(apRegCSW, uint32(cswSizeByte)); err != nil {
		return fmt.Errorf("hid transport: write8 0x%08x: %w", addr, err)
	}
	defer p.apWrite(apRegCSW, uint32(cswSizeWord))

	if err := p.apWrite(apRegTAR, addr); err != nil {
		return fmt.Errorf("hid transport: write8 0x%08x: %w", addr, err)
	}
	word := uint32(v) << ((addr % 4) * 8)
	if err := p.apWrite(apRegDRW, word); err != nil {
		return fmt.Errorf("hid transport: write8 0x%08x: %w", addr, err)
	}
	return nil
}
