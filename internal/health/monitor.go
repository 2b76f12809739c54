// Package health runs the independent liveness probe against the inference
// service and keeps the single shared healthy/unhealthy flag.
//
// The flag is answered from an atomic value, so the hot evaluation path never
// blocks on a probe in progress. A failed Classify call does not flip the
// flag; only the probe does.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelai/dmcf/internal/clock"
	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/metrics"
	"github.com/sentinelai/dmcf/internal/model"
)

// Prober performs one liveness check; nil means healthy.
type Prober interface {
	Probe(ctx context.Context) error
}

// EventPublisher receives health transition events.
type EventPublisher interface {
	Publish(event model.Event)
}

// Monitor exposes the inference health flag.
type Monitor interface {
	// Start probes once synchronously, then keeps probing on the interval in
	// a background goroutine until Stop.
	Start(ctx context.Context) error

	// Stop ends the probe loop and waits for it to exit. Safe to call twice.
	Stop(ctx context.Context) error

	// IsHealthy is a non-blocking read of the last probe outcome.
	IsHealthy() bool

	// ProbeOnce runs one probe, updates the flag and returns the new value.
	ProbeOnce(ctx context.Context) bool
}

type monitorImpl struct {
	prober    Prober
	publisher EventPublisher
	metrics   *metrics.Metrics
	interval  time.Duration
	clock     clock.Clock
	ticker    clock.Ticker

	healthy atomic.Bool
	probed  atomic.Bool

	startStopMutex sync.Mutex
	started        bool
	stopChannel    chan struct{}
	stoppedChannel chan struct{}
}

// NewMonitor creates a Monitor. The flag starts unhealthy until the first
// probe succeeds. publisher and metricsInstance may be nil; a nil clk means
// wall-clock time.
func NewMonitor(
	prober Prober,
	interval time.Duration,
	publisher EventPublisher,
	metricsInstance *metrics.Metrics,
	clk clock.Clock,
) Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &monitorImpl{
		prober:         prober,
		publisher:      publisher,
		metrics:        metricsInstance,
		interval:       interval,
		clock:          clk,
		stopChannel:    make(chan struct{}),
		stoppedChannel: make(chan struct{}),
	}
}

// IsHealthy implements Monitor.IsHealthy.
func (monitor *monitorImpl) IsHealthy() bool {
	return monitor.healthy.Load()
}

// ProbeOnce implements Monitor.ProbeOnce.
func (monitor *monitorImpl) ProbeOnce(ctx context.Context) bool {
	probeError := monitor.prober.Probe(ctx)
	healthy := probeError == nil

	previous := monitor.healthy.Swap(healthy)
	firstProbe := !monitor.probed.Swap(true)
	monitor.metrics.SetInferenceHealthy(healthy)

	if previous == healthy && !firstProbe {
		if probeError != nil {
			logger.HealthLog.Debugf("inference still unhealthy: %v", probeError)
		}
		return healthy
	}

	if healthy {
		logger.HealthLog.Infof("inference service is healthy")
	} else {
		logger.HealthLog.Warnf("inference service is unhealthy, using fallback heuristic: %v", probeError)
	}
	if monitor.publisher != nil {
		monitor.publisher.Publish(model.NewEvent(
			model.EventInferenceHealth,
			monitor.clock.Now(),
			model.InferenceHealthPayload{Healthy: healthy},
		))
	}
	return healthy
}

// Start implements Monitor.Start.
func (monitor *monitorImpl) Start(ctx context.Context) error {
	monitor.startStopMutex.Lock()
	defer monitor.startStopMutex.Unlock()

	if monitor.started {
		logger.HealthLog.Warn("Monitor.Start called more than once; ignoring subsequent call")
		return nil
	}
	monitor.started = true

	monitor.ProbeOnce(ctx)
	// the ticker exists before Start returns, so clock moves made right after
	// Start are never missed
	monitor.ticker = monitor.clock.NewTicker(monitor.interval)
	go monitor.runLoop()

	logger.HealthLog.Infof("inference health monitor started interval=%s", monitor.interval)
	return nil
}

// Stop implements Monitor.Stop.
func (monitor *monitorImpl) Stop(ctx context.Context) error {
	monitor.startStopMutex.Lock()
	defer monitor.startStopMutex.Unlock()

	if !monitor.started {
		return nil
	}

	select {
	case <-monitor.stopChannel:
	default:
		close(monitor.stopChannel)
	}

	select {
	case <-monitor.stoppedChannel:
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.HealthLog.Info("inference health monitor stopped")
	return nil
}

func (monitor *monitorImpl) runLoop() {
	defer close(monitor.stoppedChannel)

	defer monitor.ticker.Stop()

	// the probe context dies with the loop so Stop never waits on a hung probe
	probeContext, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-monitor.stopChannel:
			cancel()
		case <-probeContext.Done():
		}
	}()

	for {
		select {
		case <-monitor.stopChannel:
			return
		case <-monitor.ticker.C():
			monitor.ProbeOnce(probeContext)
		}
	}
}
