package context

import (
	stdctx "context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelai/dmcf/internal/clock"
)

func TestCaptureLifecycle(t *testing.T) {
	manualClock := clock.NewManual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	runtime := NewRuntimeContext("10.0.0.5", manualClock)
	ctx := stdctx.Background()

	assert.False(t, runtime.IsCapturing())
	assert.Equal(t, uint64(0), runtime.CaptureStatus().PacketCount)

	require.True(t, runtime.StartCapture(ctx))
	assert.False(t, runtime.StartCapture(ctx), "second start is refused")
	assert.True(t, runtime.IsCapturing())

	for packet := 0; packet < 20; packet++ {
		runtime.RecordPacket()
	}
	manualClock.Advance(10 * time.Second)

	status := runtime.CaptureStatus()
	assert.True(t, status.IsCapturing)
	assert.Equal(t, uint64(20), status.PacketCount)
	assert.InDelta(t, 10.0, status.DurationSec, 1e-9)
	assert.InDelta(t, 2.0, status.PacketsPerSecond, 1e-9)

	final := runtime.StopCapture(ctx)
	assert.False(t, final.IsCapturing)
	assert.Equal(t, uint64(20), final.PacketCount)
	assert.False(t, runtime.IsCapturing())

	require.True(t, runtime.StartCapture(ctx))
	assert.Equal(t, uint64(0), runtime.CaptureStatus().PacketCount, "restart resets the counter")
}

func TestShutdownFlag(t *testing.T) {
	runtime := NewRuntimeContext("10.0.0.5", nil)
	assert.False(t, runtime.IsShutdownRequested())
	runtime.SetShutdownRequested(stdctx.Background(), true)
	assert.True(t, runtime.IsShutdownRequested())
}

func TestLocalIP(t *testing.T) {
	assert.Equal(t, "10.0.0.5", NewRuntimeContext("10.0.0.5", nil).LocalIP())

	detected := DetectLocalIPv4()
	parsed := net.ParseIP(detected)
	require.NotNil(t, parsed)
	assert.NotNil(t, parsed.To4())
}
