// Package protocol implements the OTA Protocol Engine (C3): the Gecko OTA
// GATT state machine that drives a peripheral through reboot-into-DFU,
// chunked upload, and the termination handshake.
package protocol

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zerobytellc/gota/internal/ble"
	"github.com/zerobytellc/gota/internal/gota"
)

// Profile constants (spec.md §4.3). UUIDs are canonicalised upper-case;
// callers' transports may report either case and must be normalised by
// the ble.Client implementation before reaching this package.
const (
	ServiceOTA          = "1D14D6EE-FD63-4FA1-BFA4-8F47B42119F0"
	CharControl         = "F7BF3564-FB6D-4E53-88A4-5E37E0326063"
	CharData            = "984227F3-34FC-4045-A5D0-2C581F81A153"
	CharBootloaderVersion = "25F05C0A-E917-46E9-B2A5-AA2BE1245AFE"
)

// Control words written to CharControl.
const (
	CtlStart = 0x00
	CtlDone  = 0x03
	CtlClose = 0x04
)

const (
	defaultMTU           = 245
	defaultRebootDelay   = 2500 * time.Millisecond
	defaultCourtesyDelay = 1 * time.Second
)

// BlockSize returns the effective per-write payload size for a negotiated
// MTU, per spec.md §4.3: max(1, mtu-8).
func BlockSize(mtu int) int {
	size := mtu - 8
	if size < 1 {
		return 1
	}
	return size
}

// Engine drives a single peripheral through the Gecko OTA state machine.
// One Engine instance owns exactly one session at a time (spec.md §5).
type Engine struct {
	client        ble.Client
	mtu           int
	rebootDelay   time.Duration
	courtesyDelay time.Duration
	onState       func(gota.SessionState)
}

// Option configures an Engine.
type Option func(*Engine)

// WithMTU overrides the requested MTU (default 245).
func WithMTU(mtu int) Option {
	return func(e *Engine) { e.mtu = mtu }
}

// WithRebootDelay overrides the fixed post-reboot-request delay (default
// 2500ms). This delay is part of the protocol contract, not a tuning knob
// for production use, but tests shorten it to keep suites fast.
func WithRebootDelay(d time.Duration) Option {
	return func(e *Engine) { e.rebootDelay = d }
}

// WithCourtesyDelay overrides the fixed 1-second delay issued after each
// control write (default 1s). See WithRebootDelay for the testing rationale.
func WithCourtesyDelay(d time.Duration) Option {
	return func(e *Engine) { e.courtesyDelay = d }
}

// WithStateObserver registers a callback invoked on every state transition.
// Optional; used by tests to assert the exact transition sequence (spec.md
// §8 property 8).
func WithStateObserver(fn func(gota.SessionState)) Option {
	return func(e *Engine) { e.onState = fn }
}

// New returns an Engine driving client.
func New(client ble.Client, options ...Option) *Engine {
	e := &Engine{
		client:        client,
		mtu:           defaultMTU,
		rebootDelay:   defaultRebootDelay,
		courtesyDelay: defaultCourtesyDelay,
	}

	for _, option := range options {
		option(e)
	}

	return e
}

func (e *Engine) setState(s gota.SessionState) {
	if e.onState != nil {
		e.onState(s)
	}
}

// FlashImage drives peripheralID through the full bootloader + upload
// sequence for one image. skipReboot corresponds to the orchestrator's
// per-image skip_reboot flag (spec.md §4.4): when true, the engine assumes
// the peripheral is already in DFU mode and only confirms it.
func (e *Engine) FlashImage(ctx context.Context, peripheralID string, image []byte, skipReboot bool, onProgress func(float64)) (int, error) {
	e.setState(gota.StateIdle)

	if err := e.connect(ctx, peripheralID); err != nil {
		return 0, err
	}
	e.setState(gota.StateConnected)

	if skipReboot {
		e.setState(gota.StateConfirmDFU)
		if err := e.confirmDFU(ctx); err != nil {
			log.Debugf("ConfirmDFU failed despite skip_reboot, reattempting via reboot path: %v", err)
			if err := e.rebootToDFU(ctx, peripheralID); err != nil {
				return 0, err
			}
		}
	} else {
		if err := e.rebootToDFU(ctx, peripheralID); err != nil {
			return 0, err
		}
	}

	e.setState(gota.StateReady)

	written, err := e.upload(ctx, image, onProgress)
	if err != nil {
		return written, err
	}

	e.setState(gota.StateDone)
	return written, nil
}

// connect implements spec.md §4.3's connection-and-discovery rule: cancel
// any prior connection, sleep one second, connect with MTU hint, perform
// full service & characteristic discovery, re-request MTU to read back the
// negotiated value. Must be re-run on every (re)entry to Connecting,
// because DFU-mode and application-mode expose different GATT databases.
func (e *Engine) connect(ctx context.Context, peripheralID string) error {
	e.setState(gota.StateConnecting)

	_ = e.client.Cancel(ctx) // best-effort; "not connected" is not an error

	select {
	case <-time.After(e.courtesyDelay):
	case <-ctx.Done():
		return gota.ErrUnknown("connect cancelled", ctx.Err())
	}

	if err := e.client.Connect(ctx, peripheralID, e.mtu); err != nil {
		return connectFailed("connect", err)
	}

	if err := e.client.Discover(ctx); err != nil {
		return connectFailed("service discovery", err)
	}

	mtu, err := e.client.RequestMTU(ctx, e.mtu)
	if err != nil {
		return connectFailed("MTU negotiation", err)
	}
	e.mtu = mtu

	return nil
}

func (e *Engine) confirmDFU(ctx context.Context) error {
	_, err := e.client.ReadCharacteristic(ctx, CharBootloaderVersion)
	if err != nil {
		return connectFailed("read bootloader version", err)
	}
	return nil
}

// rebootToDFU writes CTL_START to request the peripheral reboot into DFU
// mode, then reconnects and confirms. The 2500ms reboot delay and the 1s
// courtesy delay following the control write are load-bearing parts of the
// protocol contract (spec.md §4.3, §5), not implementation conveniences.
func (e *Engine) rebootToDFU(ctx context.Context, peripheralID string) error {
	e.setState(gota.StateRebootingToDFU)

	if err := e.client.WriteWithResponse(ctx, CharControl, []byte{CtlStart}); err != nil {
		return rebootFailed(err)
	}

	if err := sleep(ctx, e.courtesyDelay); err != nil {
		return rebootFailed(err)
	}

	_ = e.client.Cancel(ctx)

	if err := sleep(ctx, e.rebootDelay); err != nil {
		return rebootFailed(err)
	}

	e.setState(gota.StateReconnecting)

	if err := e.connect(ctx, peripheralID); err != nil {
		return err
	}

	if err := e.confirmDFU(ctx); err != nil {
		return err
	}

	return nil
}

// upload implements spec.md §4.3's upload algorithm and §8's state-machine
// safety property: no write to OTA Data is issued before CTL_START, and
// CTL_START is issued only after the bootloader version has been read
// (confirmDFU, run by FlashImage on the skip-reboot path and by rebootToDFU
// on the reboot path, before Ready is entered).
func (e *Engine) upload(ctx context.Context, image []byte, onProgress func(float64)) (int, error) {
	if err := e.client.WriteWithResponse(ctx, CharControl, []byte{CtlStart}); err != nil {
		return 0, writeFailed("arm bootloader", err)
	}

	e.setState(gota.StateUploading)

	blockSize := BlockSize(e.mtu)
	total := len(image)
	written := 0

	for written < total {
		end := written + blockSize
		if end > total {
			end = total
		}

		block := image[written:end]
		if err := e.client.WriteWithoutResponse(ctx, CharData, block); err != nil {
			return written, writeFailed(fmt.Sprintf("data block at offset %d", written), err)
		}

		written = end

		if onProgress != nil && total > 0 {
			onProgress(float64(written) / float64(total))
		}
	}

	if written != total {
		return written, writeFailed("incomplete upload", nil)
	}

	e.setState(gota.StateFinalising)

	if err := sleep(ctx, e.courtesyDelay); err != nil {
		return written, writeFailed("post-upload delay", err)
	}

	if err := e.client.WriteWithResponse(ctx, CharControl, []byte{CtlDone}); err != nil {
		return written, writeFailed("CTL_DONE", err)
	}

	// CTL_CLOSE and the defensive cancel are best-effort: the target is
	// expected to disconnect on its own, but not all peripherals do so
	// reliably. Failures here are logged, never fatal (spec.md §7).
	if err := e.client.WriteWithoutResponse(ctx, CharControl, []byte{CtlClose}); err != nil {
		log.Debugf("CTL_CLOSE write failed (non-fatal): %v", err)
	}

	if err := e.client.Cancel(ctx); err != nil {
		log.Debugf("post-upload cancel failed (non-fatal): %v", err)
	}

	return written, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func connectFailed(step string, cause error) error {
	return gota.ErrUnknown(fmt.Sprintf("CONNECT_FAILED: %s", step), cause)
}

func rebootFailed(cause error) error {
	return gota.ErrUnknown("REBOOT_FAILED", cause)
}

func writeFailed(step string, cause error) error {
	return gota.ErrUnknown(fmt.Sprintf("WRITE_FAILED: %s", step), cause)
}
