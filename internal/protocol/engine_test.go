package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zerobytellc/gota/internal/ble"
	"github.com/zerobytellc/gota/internal/gota"
)

func fastEngine(client ble.Client, observer func(gota.SessionState)) *Engine {
	opts := []Option{
		WithRebootDelay(time.Millisecond),
		WithCourtesyDelay(time.Millisecond),
	}
	if observer != nil {
		opts = append(opts, WithStateObserver(observer))
	}
	return New(client, opts...)
}

func TestBlockSizing(t *testing.T) {
	assert.Equal(t, 92, BlockSize(100))
	assert.Equal(t, 1, BlockSize(8))
	assert.Equal(t, 1, BlockSize(4))
	assert.Equal(t, 237, BlockSize(245))
}

func TestUploadCompleteness(t *testing.T) {
	sim := ble.NewSimClient()
	sim.MTU = 100

	e := fastEngine(sim, nil)

	image := make([]byte, 1000)
	for i := range image {
		image[i] = byte(i % 256)
	}

	written, err := e.FlashImage(context.Background(), "peer-1", image, false, nil)
	assert.Nil(t, err)
	assert.Equal(t, 1000, written)

	writes := sim.DataWrites()
	assert.Len(t, writes, 11)
	expectedSizes := []int{92, 92, 92, 92, 92, 92, 92, 92, 92, 92, 80}
	for i, w := range writes {
		assert.Equal(t, expectedSizes[i], len(w), "block %d size", i)
	}

	control := sim.ControlWrites()
	// CTL_START (reboot) ... CTL_START (arm) ... CTL_DONE CTL_CLOSE
	assert.Equal(t, byte(CtlDone), control[len(control)-2])
	assert.Equal(t, byte(CtlClose), control[len(control)-1])
}

func TestBlockSizingScenarioS6(t *testing.T) {
	sim := ble.NewSimClient()
	sim.MTU = 100

	e := fastEngine(sim, nil)

	image := make([]byte, 1000)
	written, err := e.FlashImage(context.Background(), "peer-1", image, true, nil)
	assert.Nil(t, err)
	assert.Equal(t, 1000, written)
	assert.Len(t, sim.DataWrites(), 11)
}

func TestStateMachineSafety(t *testing.T) {
	sim := ble.NewSimClient()
	var states []gota.SessionState

	e := fastEngine(sim, func(s gota.SessionState) {
		states = append(states, s)
	})

	image := []byte{1, 2, 3, 4, 5}
	_, err := e.FlashImage(context.Background(), "peer-1", image, false, nil)
	assert.Nil(t, err)

	// No Uploading before Ready. The bootloader version read on this path
	// happens inside rebootToDFU's reconnect and emits no ConfirmDFU state,
	// so the observable check is the Ready/Uploading order.
	readyIdx := indexOf(states, gota.StateReady)
	uploadingIdx := indexOf(states, gota.StateUploading)
	assert.True(t, readyIdx >= 0)
	assert.True(t, uploadingIdx > readyIdx)
}

func TestSkipRebootConfirmsDFUDirectly(t *testing.T) {
	sim := ble.NewSimClient()
	var states []gota.SessionState

	e := fastEngine(sim, func(s gota.SessionState) {
		states = append(states, s)
	})

	_, err := e.FlashImage(context.Background(), "peer-1", []byte{1, 2, 3}, true, nil)
	assert.Nil(t, err)
	assert.Contains(t, states, gota.StateConfirmDFU)
}

func TestWriteFailureSurfacesError(t *testing.T) {
	sim := ble.NewSimClient()
	sim.FailWriteAfter = 1 // the arm write succeeds; the first data block fails

	e := fastEngine(sim, nil)

	_, err := e.FlashImage(context.Background(), "peer-1", []byte{1, 2, 3, 4}, true, nil)
	assert.NotNil(t, err)
}

func TestConnectFailureSurfacesError(t *testing.T) {
	sim := ble.NewSimClient()
	// The first connect (Connecting, before reboot) succeeds; the second
	// (Reconnecting, after the reboot request) fails.
	sim.FailConnectAfter = 1

	e := fastEngine(sim, nil)
	_, err := e.FlashImage(context.Background(), "peer-1", []byte{1, 2}, false, nil)
	assert.NotNil(t, err)
}

func indexOf(states []gota.SessionState, target gota.SessionState) int {
	for i, s := range states {
		if s == target {
			return i
		}
	}
	return -1
}
