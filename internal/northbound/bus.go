// Package northbound carries state changes out of the engine.
//
// The engine publishes discrete facts (IP blocked, block list updated, IP
// unblocked, detection result, detection log line, ...) onto a typed, buffered
// event bus. A single dispatcher goroutine fans every event out to the
// registered sinks: the websocket hub feeding the dashboard and, optionally,
// an HTTP webhook. Publish never blocks and never depends on delivery
// succeeding; when the buffer is full the event is dropped and counted.
package northbound

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/metrics"
	"github.com/sentinelai/dmcf/internal/model"
)

// Sink receives every published event, in publication order.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event model.Event) error
}

// Bus is the typed outbound event channel.
type Bus struct {
	events  chan model.Event
	metrics *metrics.Metrics

	mutexForSinks sync.RWMutex
	sinks         []Sink

	dropped atomic.Uint64

	startStopMutex sync.Mutex
	started        bool
	stopChannel    chan struct{}
	stoppedChannel chan struct{}
}

// NewBus creates a bus with the given buffer size. metricsInstance may be nil.
func NewBus(bufferSize int, metricsInstance *metrics.Metrics) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Bus{
		events:         make(chan model.Event, bufferSize),
		metrics:        metricsInstance,
		stopChannel:    make(chan struct{}),
		stoppedChannel: make(chan struct{}),
	}
}

// AddSink registers a sink. Sinks added after Start see only later events.
func (bus *Bus) AddSink(sink Sink) {
	bus.mutexForSinks.Lock()
	defer bus.mutexForSinks.Unlock()
	bus.sinks = append(bus.sinks, sink)
	logger.NorthboundLog.Infof("event sink registered name=%s", sink.Name())
}

// Publish enqueues event without blocking. A zero Timestamp is filled in.
func (bus *Bus) Publish(event model.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case bus.events <- event:
	default:
		bus.dropped.Add(1)
		bus.metrics.ObserveDroppedEvent()
		logger.NorthboundLog.Warnf("event bus full, dropped event type=%s", event.Type)
	}
}

// Dropped returns how many events were dropped so far.
func (bus *Bus) Dropped() uint64 {
	return bus.dropped.Load()
}

// Start launches the dispatcher goroutine.
func (bus *Bus) Start() {
	bus.startStopMutex.Lock()
	defer bus.startStopMutex.Unlock()

	if bus.started {
		return
	}
	bus.started = true
	go bus.dispatchLoop()
	logger.NorthboundLog.Info("event bus started")
}

// Stop drains the buffered events to the sinks, then stops the dispatcher.
// It is safe to call Stop multiple times.
func (bus *Bus) Stop(ctx context.Context) error {
	bus.startStopMutex.Lock()
	defer bus.startStopMutex.Unlock()

	if !bus.started {
		return nil
	}

	select {
	case <-bus.stopChannel:
	default:
		close(bus.stopChannel)
	}

	select {
	case <-bus.stoppedChannel:
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.NorthboundLog.Info("event bus stopped")
	return nil
}

func (bus *Bus) dispatchLoop() {
	defer close(bus.stoppedChannel)

	for {
		select {
		case event := <-bus.events:
			bus.dispatch(event)
		case <-bus.stopChannel:
			for {
				select {
				case event := <-bus.events:
					bus.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (bus *Bus) dispatch(event model.Event) {
	bus.mutexForSinks.RLock()
	sinks := make([]Sink, len(bus.sinks))
	copy(sinks, bus.sinks)
	bus.mutexForSinks.RUnlock()

	for _, sink := range sinks {
		deliveryContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sink.Deliver(deliveryContext, event); err != nil {
			logger.NorthboundLog.Debugf("sink %s failed event=%s: %v", sink.Name(), event.Type, err)
		}
		cancel()
	}
}
