package programmer

import (
	"context"
	"errors"
	"testing"
	"time"

	"openenterprise/saml10flash/image"
	"openenterprise/saml10flash/probe"
)

type instantClock struct{}

func (instantClock) Sleep(ctx context.Context, d time.Duration) error { return nil }

func newHandle(t *testing.T, mock *probe.MockTransport) *probe.ProbeHandle {
	t.Helper()
	h, err := probe.Attach(context.Background(), mock)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return h
}

func oneRowImage(addr uint32, fill byte) *image.FlashImage {
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = fill
	}
	return &image.FlashImage{Chunks: []image.Chunk{{TargetAddress: addr, Bytes: payload}}}
}

func TestRun_HappyPathSingleRow(t *testing.T) {
	mock := probe.NewMockTransport()
	h := newHandle(t, mock)
	img := oneRowImage(0, 0xAB)

	h, err := Run(context.Background(), h, img, Deps{Clock: instantClock{}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.State() != probe.StateAttached {
		t.Fatalf("handle state after success = %v, want attached", h.State())
	}
	for i := 0; i < 64; i++ {
		if mock.Flash[i] != 0xAB {
			t.Fatalf("flash[%d] = 0x%02x, want 0xab", i, mock.Flash[i])
		}
	}
}

func TestRun_ChunkSpansTwoRows(t *testing.T) {
	mock := probe.NewMockTransport()
	h := newHandle(t, mock)

	payload := make([]byte, 320) // fused two segments, now one chunk spanning row 0 and row 1
	for i := range payload {
		payload[i] = byte(i)
	}
	img := &image.FlashImage{Chunks: []image.Chunk{{TargetAddress: 0, Bytes: payload}}}

	h, err := Run(context.Background(), h, img, Deps{Clock: instantClock{}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, want := range payload {
		if mock.Flash[i] != want {
			t.Fatalf("flash[%d] = 0x%02x, want 0x%02x", i, mock.Flash[i], want)
		}
	}
	for i := 320; i < 512; i++ {
		if mock.Flash[i] != 0xFF {
			t.Fatalf("flash[%d] = 0x%02x after padded program, want 0xff", i, mock.Flash[i])
		}
	}
}

func TestRun_NonRowAlignedFinalChunk(t *testing.T) {
	mock := probe.NewMockTransport()
	h := newHandle(t, mock)

	payload := make([]byte, 300) // one full row plus a 44-byte partial row
	for i := range payload {
		payload[i] = 0x5A
	}
	img := &image.FlashImage{Chunks: []image.Chunk{{TargetAddress: 0, Bytes: payload}}}

	h, err := Run(context.Background(), h, img, Deps{Clock: instantClock{}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 0; i < 300; i++ {
		if mock.Flash[i] != 0x5A {
			t.Fatalf("flash[%d] = 0x%02x, want 0x5a", i, mock.Flash[i])
		}
	}
	for i := 300; i < 512; i++ {
		if mock.Flash[i] != 0xFF {
			t.Fatalf("flash[%d] = 0x%02x, want 0xff (pad)", i, mock.Flash[i])
		}
	}
}

func TestErase_ResetExtensionMissed(t *testing.T) {
	mock := probe.NewMockTransport()
	mock.CRSTEXTAtAttach = false
	h := newHandle(t, mock)

	h, err := Erase(context.Background(), h, Deps{Clock: instantClock{}})
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("want *Error, got %v", err)
	}
	if perr.Kind != KindResetExtensionFailed {
		t.Fatalf("Kind = %v, want ResetExtensionFailed", perr.Kind)
	}
	if h.State() != probe.StateAttached {
		t.Fatalf("handle leaked in state %v after failure", h.State())
	}
}

func TestErase_ChipEraseNeverCompletes(t *testing.T) {
	mock := probe.NewMockTransport()
	mock.ChipEraseNeverCompletes = true
	h := newHandle(t, mock)

	h, err := Erase(context.Background(), h, Deps{Clock: instantClock{}})
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("want *Error, got %v", err)
	}
	if perr.Kind != KindEraseFailed {
		t.Fatalf("Kind = %v, want EraseFailed", perr.Kind)
	}
	if h.State() != probe.StateAttached {
		t.Fatalf("handle leaked in state %v after failure", h.State())
	}
}

func TestVerify_ReportsFirstMismatchAddress(t *testing.T) {
	mock := probe.NewMockTransport()
	h := newHandle(t, mock)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0x11
	}
	img := &image.FlashImage{Chunks: []image.Chunk{{TargetAddress: 0, Bytes: payload}}}

	h, err := Program(context.Background(), h, img, Deps{Clock: instantClock{}})
	if err != nil {
		t.Fatalf("Program: %v", err)
	}

	// Corrupt one byte of the second row only: row 0 reads back clean,
	// and the mismatch must name that byte's absolute address.
	mock.Flash[300] = 0x99

	h, err = Verify(context.Background(), h, img, Deps{Clock: instantClock{}})
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("want *Error, got %v", err)
	}
	if perr.Kind != KindVerifyMismatch {
		t.Fatalf("Kind = %v, want VerifyMismatch", perr.Kind)
	}
	if perr.Address != 300 {
		t.Fatalf("Address = %d, want 300", perr.Address)
	}
	if perr.Expected != 0x11 || perr.Actual != 0x99 {
		t.Fatalf("Expected/Actual = 0x%02x/0x%02x, want 0x11/0x99", perr.Expected, perr.Actual)
	}
	if h.State() != probe.StateAttached {
		t.Fatalf("handle leaked in state %v after failure", h.State())
	}
}

func TestReset_ReturnsHandleToAttached(t *testing.T) {
	mock := probe.NewMockTransport()
	h := newHandle(t, mock)

	h, err := Reset(context.Background(), h, Deps{Clock: instantClock{}})
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if h.State() != probe.StateAttached {
		t.Fatalf("state after Reset = %v, want attached", h.State())
	}
}

func TestProgramThenVerify_NeverMismatchesOnBlankFlash(t *testing.T) {
	mock := probe.NewMockTransport()
	h := newHandle(t, mock)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	img := &image.FlashImage{Chunks: []image.Chunk{{TargetAddress: 128, Bytes: payload}}}

	h, err := Program(context.Background(), h, img, Deps{Clock: instantClock{}})
	if err != nil {
		t.Fatalf("Program: %v", err)
	}
	if _, err := Verify(context.Background(), h, img, Deps{Clock: instantClock{}}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}
