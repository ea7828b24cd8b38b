// Package ble defines the narrow BLE capability abstraction the protocol
// engine drives. Real transports (e.g. a tinygo.org/x/bluetooth binding)
// are injected by the caller; the only implementation this package ships
// is SimClient, an in-memory fake used by --simulate and the test suites.
package ble

import "context"

// Client is the set of GATT primitives the OTA Protocol Engine requires.
// Implementations connect to exactly one peripheral per Client instance.
type Client interface {
	// Connect establishes a connection to the peripheral, hinting the
	// desired MTU. The engine reports any error it returns as CONNECT_FAILED.
	Connect(ctx context.Context, peripheralID string, mtuHint int) error

	// Discover performs full service and characteristic discovery. It
	// must be called again after every reconnect, since DFU-mode and
	// application-mode expose different GATT databases.
	Discover(ctx context.Context) error

	// RequestMTU re-negotiates (or reads back) the effective MTU.
	RequestMTU(ctx context.Context, mtuHint int) (int, error)

	// ReadCharacteristic reads the current value of a characteristic by
	// its canonicalised (upper-case) UUID.
	ReadCharacteristic(ctx context.Context, uuid string) ([]byte, error)

	// WriteWithResponse writes a value to a characteristic and waits for
	// the peripheral's acknowledgement.
	WriteWithResponse(ctx context.Context, uuid string, value []byte) error

	// WriteWithoutResponse writes a value to a characteristic without
	// waiting for acknowledgement. The engine issues these serially and
	// never begins the next write before the previous call returns, so
	// byte ordering is preserved even though the profile itself does not
	// guarantee it.
	WriteWithoutResponse(ctx context.Context, uuid string, value []byte) error

	// IsConnected reports the current connection state.
	IsConnected() bool

	// Cancel tears down any existing connection. It must tolerate being
	// called when already disconnected ("not connected" is not an error).
	Cancel(ctx context.Context) error
}
