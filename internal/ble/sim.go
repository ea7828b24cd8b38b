package ble

import (
	"context"
	"fmt"
)

// SimClient is an in-memory, fully synthetic Client used by the CLI's
// --simulate mode and by the protocol/orchestrator test suites. No pack
// example implements a real BLE transport (spec.md's own design note
// treats BLE as an external collaborator), so this stands in as the
// hand-rolled fake transport grounded on the capability interface itself.
type SimClient struct {
	MTU               int
	BootloaderVersion []byte
	FailConnectAfter  int // 0 = never fail
	FailWriteAfter    int // 0 = never fail

	connectCount int
	writeCount   int
	connected    bool
	writes       [][]byte
	controlWrites []byte
}

// NewSimClient returns a SimClient with sensible defaults.
func NewSimClient() *SimClient {
	return &SimClient{
		MTU:               247,
		BootloaderVersion: []byte{1, 0, 0},
	}
}

func (s *SimClient) Connect(_ context.Context, _ string, _ int) error {
	s.connectCount++
	if s.FailConnectAfter > 0 && s.connectCount > s.FailConnectAfter {
		return fmt.Errorf("simulated connect failure")
	}
	s.connected = true
	return nil
}

func (s *SimClient) Discover(_ context.Context) error {
	if !s.connected {
		return fmt.Errorf("discover called while disconnected")
	}
	return nil
}

func (s *SimClient) RequestMTU(_ context.Context, hint int) (int, error) {
	if s.MTU > 0 {
		return s.MTU, nil
	}
	return hint, nil
}

func (s *SimClient) ReadCharacteristic(_ context.Context, uuid string) ([]byte, error) {
	if uuid == "25F05C0A-E917-46E9-B2A5-AA2BE1245AFE" {
		return s.BootloaderVersion, nil
	}
	return nil, fmt.Errorf("unknown characteristic %s", uuid)
}

func (s *SimClient) WriteWithResponse(_ context.Context, uuid string, value []byte) error {
	s.writeCount++
	if s.FailWriteAfter > 0 && s.writeCount > s.FailWriteAfter {
		return fmt.Errorf("simulated write failure")
	}
	if uuid == "F7BF3564-FB6D-4E53-88A4-5E37E0326063" {
		s.controlWrites = append(s.controlWrites, value...)
	}
	return nil
}

func (s *SimClient) WriteWithoutResponse(_ context.Context, uuid string, value []byte) error {
	s.writeCount++
	if s.FailWriteAfter > 0 && s.writeCount > s.FailWriteAfter {
		return fmt.Errorf("simulated write failure")
	}
	if uuid == "984227F3-34FC-4045-A5D0-2C581F81A153" {
		cp := make([]byte, len(value))
		copy(cp, value)
		s.writes = append(s.writes, cp)
	}
	if uuid == "F7BF3564-FB6D-4E53-88A4-5E37E0326063" {
		s.controlWrites = append(s.controlWrites, value...)
	}
	return nil
}

func (s *SimClient) IsConnected() bool {
	return s.connected
}

func (s *SimClient) Cancel(_ context.Context) error {
	s.connected = false
	return nil
}

// DataWrites returns the sequence of OTA Data blocks written, for test
// assertions.
func (s *SimClient) DataWrites() [][]byte {
	return s.writes
}

// ControlWrites returns the raw sequence of bytes written to OTA Control,
// for test assertions (e.g. CTL_START ... CTL_DONE CTL_CLOSE ordering).
func (s *SimClient) ControlWrites() []byte {
	return s.controlWrites
}
