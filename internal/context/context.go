// Package context holds the in-memory runtime state for DMCF that does not
// belong to any single engine component:
//   - Packet capture state (flag, start time, live packet counter)
//   - The address of this host, reported as the destination of blocked traffic
//   - Shutdown flags and basic lifecycle helpers.
//
// Note: This package is named "context", so we alias the standard library
// "context" package to avoid name collisions.
package context

import (
	stdctx "context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelai/dmcf/internal/clock"
	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/model"
)

// RuntimeContext provides concurrency-safe accessors to capture state, the
// local address and the shutdown flag.
type RuntimeContext interface {
	// ---- capture state ----

	// StartCapture marks capture as running and resets the packet counter.
	// It returns false if capture was already running.
	StartCapture(ctx stdctx.Context) bool

	// StopCapture marks capture as stopped and returns the final status.
	StopCapture(ctx stdctx.Context) model.CaptureStatus

	// IsCapturing reports whether capture is running.
	IsCapturing() bool

	// RecordPacket counts one live packet and returns the new total.
	RecordPacket() uint64

	// CaptureStatus returns a snapshot of the capture state.
	CaptureStatus() model.CaptureStatus

	// ---- host ----

	// LocalIP is the first non-loopback IPv4 address of this host.
	LocalIP() string

	// ---- Shutdown flag ----

	// SetShutdownRequested marks whether a graceful shutdown has been requested.
	SetShutdownRequested(ctx stdctx.Context, requested bool)

	// IsShutdownRequested returns true if shutdown has been requested.
	IsShutdownRequested() bool
}

// runtimeContextImpl is the concrete implementation of RuntimeContext.
type runtimeContextImpl struct {
	mutexForCapture  sync.RWMutex
	capturing        bool
	captureStartedAt time.Time
	packetCount      atomic.Uint64

	localIP string
	clock   clock.Clock

	mutexForShutdown  sync.RWMutex
	shutdownRequested bool
}

// NewRuntimeContext creates a new RuntimeContext. localIP may be empty, in
// which case the host interfaces are inspected once.
func NewRuntimeContext(localIP string, clk clock.Clock) RuntimeContext {
	if localIP == "" {
		localIP = DetectLocalIPv4()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &runtimeContextImpl{localIP: localIP, clock: clk}
}

// -----------------------------------------------------------------------------
// Capture state
// -----------------------------------------------------------------------------

// StartCapture implements RuntimeContext.StartCapture.
func (runtime *runtimeContextImpl) StartCapture(ctx stdctx.Context) bool {
	runtime.mutexForCapture.Lock()
	defer runtime.mutexForCapture.Unlock()

	if runtime.capturing {
		logger.ContextLog.Debug("capture already running")
		return false
	}

	runtime.capturing = true
	runtime.captureStartedAt = runtime.clock.Now()
	runtime.packetCount.Store(0)

	logger.ContextLog.Infof("capture started at %s", runtime.captureStartedAt.Format(time.RFC3339))
	return true
}

// StopCapture implements RuntimeContext.StopCapture.
func (runtime *runtimeContextImpl) StopCapture(ctx stdctx.Context) model.CaptureStatus {
	runtime.mutexForCapture.Lock()
	defer runtime.mutexForCapture.Unlock()

	status := runtime.statusLocked(runtime.clock.Now())
	runtime.capturing = false
	status.IsCapturing = false

	logger.ContextLog.Infof("capture stopped packets=%d duration=%.1fs", status.PacketCount, status.DurationSec)
	return status
}

// IsCapturing implements RuntimeContext.IsCapturing.
func (runtime *runtimeContextImpl) IsCapturing() bool {
	runtime.mutexForCapture.RLock()
	defer runtime.mutexForCapture.RUnlock()
	return runtime.capturing
}

// RecordPacket implements RuntimeContext.RecordPacket.
func (runtime *runtimeContextImpl) RecordPacket() uint64 {
	return runtime.packetCount.Add(1)
}

// CaptureStatus implements RuntimeContext.CaptureStatus.
func (runtime *runtimeContextImpl) CaptureStatus() model.CaptureStatus {
	runtime.mutexForCapture.RLock()
	defer runtime.mutexForCapture.RUnlock()
	return runtime.statusLocked(runtime.clock.Now())
}

// statusLocked assumes mutexForCapture is held by the caller.
func (runtime *runtimeContextImpl) statusLocked(now time.Time) model.CaptureStatus {
	status := model.CaptureStatus{
		IsCapturing: runtime.capturing,
		PacketCount: runtime.packetCount.Load(),
	}
	if runtime.captureStartedAt.IsZero() {
		return status
	}

	status.StartedAt = runtime.captureStartedAt
	if runtime.capturing {
		status.DurationSec = now.Sub(runtime.captureStartedAt).Seconds()
	}
	if status.DurationSec > 0 {
		status.PacketsPerSecond = float64(status.PacketCount) / status.DurationSec
	}
	return status
}

// -----------------------------------------------------------------------------
// Host
// -----------------------------------------------------------------------------

// LocalIP implements RuntimeContext.LocalIP.
func (runtime *runtimeContextImpl) LocalIP() string {
	return runtime.localIP
}

// DetectLocalIPv4 returns the first non-loopback IPv4 address of this host, or
// 127.0.0.1 if none can be found.
func DetectLocalIPv4() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		logger.ContextLog.Warnf("failed to list network interfaces: %v", err)
		return "127.0.0.1"
	}

	for _, networkInterface := range interfaces {
		if networkInterface.Flags&net.FlagUp == 0 || networkInterface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addresses, addressError := networkInterface.Addrs()
		if addressError != nil {
			continue
		}
		for _, address := range addresses {
			ipNet, ok := address.(*net.IPNet)
			if !ok {
				continue
			}
			if ipv4 := ipNet.IP.To4(); ipv4 != nil && !ipv4.IsLoopback() {
				return ipv4.String()
			}
		}
	}
	return "127.0.0.1"
}

// -----------------------------------------------------------------------------
// Shutdown flag
// -----------------------------------------------------------------------------

// SetShutdownRequested implements RuntimeContext.SetShutdownRequested.
func (runtime *runtimeContextImpl) SetShutdownRequested(
	ctx stdctx.Context,
	requested bool,
) {
	runtime.mutexForShutdown.Lock()
	defer runtime.mutexForShutdown.Unlock()
	runtime.shutdownRequested = requested

	logger.ContextLog.Infof("shutdown requested=%t", requested)
}

// IsShutdownRequested implements RuntimeContext.IsShutdownRequested.
func (runtime *runtimeContextImpl) IsShutdownRequested() bool {
	runtime.mutexForShutdown.RLock()
	defer runtime.mutexForShutdown.RUnlock()
	return runtime.shutdownRequested
}
