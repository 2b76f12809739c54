// Package app wires together all major DMCF components:
//   - configuration
//   - logging and metrics
//   - runtime context
//   - storage backend and GeoIP enrichment
//   - upstream clients (inference, reputation, enforcement)
//   - the detection engine (tracker, cache, fusion, mitigation, pipeline)
//   - event bus with websocket and webhook sinks
//   - southbound ingress and northbound API servers
//   - scheduler for periodic maintenance.
//
// The App implementation is intentionally small and procedural, so that
// cmd/main.go can simply create an App from the loaded Config and call
// Start/Stop without knowing internal details.
package app

import (
	stdctx "context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sentinelai/dmcf/internal/cache"
	"github.com/sentinelai/dmcf/internal/clock"
	dmcfctx "github.com/sentinelai/dmcf/internal/context"
	"github.com/sentinelai/dmcf/internal/fusion"
	"github.com/sentinelai/dmcf/internal/geo"
	"github.com/sentinelai/dmcf/internal/health"
	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/metrics"
	"github.com/sentinelai/dmcf/internal/mitigation"
	"github.com/sentinelai/dmcf/internal/model"
	"github.com/sentinelai/dmcf/internal/northbound"
	"github.com/sentinelai/dmcf/internal/pipeline"
	"github.com/sentinelai/dmcf/internal/sbi"
	"github.com/sentinelai/dmcf/internal/scheduler"
	"github.com/sentinelai/dmcf/internal/southbound"
	"github.com/sentinelai/dmcf/internal/storage"
	"github.com/sentinelai/dmcf/internal/tracker"
	"github.com/sentinelai/dmcf/pkg/factory"
)

// App is the high-level interface implemented by DMCF. It hides wiring,
// HTTP server startup and background loop lifecycle from cmd/main.go.
type App interface {
	// Start brings the whole DMCF instance online. It is expected to:
	//   - start the event bus
	//   - probe the inference service once and start the health monitor
	//   - start southbound and northbound HTTP servers
	//   - start the scheduler
	Start(ctx stdctx.Context) error

	// Stop attempts a graceful shutdown:
	//   - mark shutdown requested
	//   - shut down HTTP servers (in-flight requests finish)
	//   - stop the scheduler and health monitor
	//   - wait for enforcement notifications, drain the event bus
	//   - close storage and GeoIP
	Stop(ctx stdctx.Context) error
}

// appImpl is the concrete implementation of App.
type appImpl struct {
	config *factory.Config
	clock  clock.Clock

	runtimeContext dmcfctx.RuntimeContext
	metrics        *metrics.Metrics
	storageStore   storage.Store
	geoResolver    geo.Resolver

	eventBus      *northbound.Bus
	wsHub         *northbound.WSHub
	healthMonitor health.Monitor
	tracker       tracker.Tracker
	decisions     *cache.Cache[model.FusionResult]
	coordinator   mitigation.Coordinator
	scheduler     scheduler.Scheduler

	southboundServer *http.Server
	northboundServer *http.Server

	startStopMutex sync.Mutex
	started        bool
}

// NewApp constructs a new App from a validated configuration. It creates
// the internal components but does not start any network listeners yet;
// that is handled by Start().
func NewApp(ctx stdctx.Context, config *factory.Config) (App, error) {
	if config == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	// Initialise logging according to configuration. It is safe if main()
	// calls InitLog again; InitLog is idempotent w.r.t logger instances and
	// updates only the level and reportCaller flag.
	if initError := logger.InitLog(config.Logging.Level, config.Logging.ReportCaller); initError != nil {
		// We log a warning but still continue; falling back to "info" is fine.
		logger.MainLog.Warnf("InitLog failed with level=%s, using fallback: %v",
			config.Logging.Level, initError)
	}

	logger.MainLog.Infof(
		"Starting DMCF version=%s description=%q",
		config.Info.Version, config.Info.Description,
	)
	logger.CfgLog.Debugf("effective configuration:\n%s", factory.Dump(config))

	realClock := clock.Real()
	app := &appImpl{config: config, clock: realClock}

	if config.Metrics.Enable {
		app.metrics = metrics.New(config.Metrics.Namespace)
	}

	app.runtimeContext = dmcfctx.NewRuntimeContext("", realClock)
	logger.MainLog.Infof("local address %s", app.runtimeContext.LocalIP())

	// Build storage backend from configuration.
	storageStore, storageError := storage.NewStoreFromConfig(ctx, config.Storage, realClock)
	if storageError != nil {
		return nil, errors.Wrap(storageError, "failed to create storage backend")
	}
	app.storageStore = storageStore

	geoResolver, geoError := geo.NewResolver(config.GeoIP)
	if geoError != nil {
		_ = storageStore.Close()
		return nil, errors.Wrap(geoError, "failed to open GeoIP database")
	}
	app.geoResolver = geoResolver

	// Event bus fans out to the dashboard and the optional webhook.
	app.eventBus = northbound.NewBus(config.Northbound.EventBufferSize, app.metrics)
	if config.Northbound.EnableWebsocket {
		app.wsHub = northbound.NewWSHub(config.Northbound.AllowedOrigins, app.hydrate)
		app.eventBus.AddSink(app.wsHub)
	}
	if config.Northbound.WebhookURL != "" {
		app.eventBus.AddSink(northbound.NewWebhookSink(config.Northbound.WebhookURL))
	}

	// Upstream clients.
	inferenceClient := sbi.NewInferenceClient(config.Inference)
	reputationClient := sbi.NewReputationClient(config.Reputation)
	enforcementBackend := sbi.NewEnforcementClient(config.Enforcement)

	app.healthMonitor = health.NewMonitor(
		inferenceClient,
		time.Duration(config.Inference.HealthIntervalSec)*time.Second,
		app.eventBus,
		app.metrics,
		realClock,
	)

	// Detection engine.
	app.tracker = tracker.New(tracker.Options{
		SuspiciousThreshold: uint64(config.Behavior.SuspiciousThreshold),
		RateThresholdPerMin: config.Behavior.RateThresholdPerMin,
		Retention:           time.Duration(config.Behavior.RetentionSec) * time.Second,
		RateFloor:           time.Duration(config.Behavior.RateFloorSec) * time.Second,
		MinRateSamples:      uint64(config.Behavior.MinRateSamples),
		SweepInterval:       time.Duration(config.Behavior.SweepIntervalSec) * time.Second,
		Shards:              config.Behavior.Shards,
	}, realClock)

	app.decisions = cache.New[model.FusionResult](
		time.Duration(config.Cache.TTLMs)*time.Millisecond,
		config.Cache.MaxEntries,
		realClock,
	)

	scorer := fusion.NewScorer(inferenceClient, reputationClient, app.healthMonitor, app.decisions, fusion.Options{
		Threshold:         config.Detection.FusionThreshold,
		MLWeight:          config.Detection.MLWeight,
		ReputationWeight:  config.Detection.ReputationWeight,
		Timeout:           time.Duration(config.Detection.FusionTimeoutMs) * time.Millisecond,
		DefaultPacketSize: config.Detection.DefaultPacketSize,
	}, app.metrics)

	app.coordinator = mitigation.NewCoordinator(mitigation.Options{
		MitigationKind:          config.Mitigation.MitigationKind,
		DefaultNetworkSlice:     config.Mitigation.DefaultNetworkSlice,
		DefaultSlicePriority:    config.Mitigation.DefaultSlicePriority,
		HighConfidenceThreshold: config.Mitigation.HighConfidenceThreshold,
		Shards:                  config.Mitigation.Shards,
		NotifyBlocks:            config.Enforcement.NotifyBlocks,
		NotifyTimeout:           time.Duration(config.Enforcement.TimeoutMs) * time.Millisecond,
		LocalIP:                 app.runtimeContext.LocalIP(),
	}, mitigation.Dependencies{
		Enforcer:  enforcementBackend,
		History:   storageStore,
		Events:    app.eventBus,
		Countries: geoResolver,
		Metrics:   app.metrics,
		Clock:     realClock,
	})
	// the tracker's sticky flag follows the block set in both directions
	app.coordinator.OnBlock(app.tracker.MarkBlocked)
	app.coordinator.OnRelease(app.tracker.Release)

	detectionPipeline := pipeline.New(pipeline.Options{
		DefaultNetworkSlice: config.Mitigation.DefaultNetworkSlice,
		DefaultPacketSize:   config.Detection.DefaultPacketSize,
		LocalIP:             app.runtimeContext.LocalIP(),
	}, pipeline.Dependencies{
		Tracker:     app.tracker,
		Scorer:      scorer,
		Coordinator: app.coordinator,
		Events:      app.eventBus,
		Packets:     app.runtimeContext,
		History:     storageStore,
		Metrics:     app.metrics,
		Clock:       realClock,
	})

	app.registerGauges()
	app.scheduler = app.buildScheduler()

	// HTTP surfaces.
	app.southboundServer = southbound.NewReceiver(detectionPipeline).NewServer(config.Southbound.ListenAddr)

	northboundDeps := sbi.NorthboundDependencies{
		Blocks:         detectionPipeline,
		Capture:        enforcementBackend,
		RuntimeContext: app.runtimeContext,
		Health:         app.healthMonitor,
		Events:         app.eventBus,
	}
	if app.wsHub != nil {
		northboundDeps.WebSocket = app.wsHub
	}
	if app.metrics != nil {
		northboundDeps.Metrics = app.metrics.Handler()
	}
	app.northboundServer = sbi.NewNorthboundServer(northboundDeps).NewServer(config.Northbound.ListenAddr)

	return app, nil
}

// hydrate returns what a new dashboard client needs before live events.
func (app *appImpl) hydrate() []model.Event {
	now := app.clock.Now()
	return []model.Event{
		model.NewEvent(model.EventInitialBlockedIPs, now, app.coordinator.List()),
		model.NewEvent(model.EventCaptureStatus, now, app.runtimeContext.CaptureStatus()),
	}
}

func (app *appImpl) registerGauges() {
	namespace := app.config.Metrics.Namespace
	app.metrics.RegisterGaugeFunc(namespace, "active_blocks", "IPs currently blocked.", func() float64 {
		return float64(app.coordinator.Count())
	})
	app.metrics.RegisterGaugeFunc(namespace, "tracked_ips", "IPs with behavior state.", func() float64 {
		return float64(app.tracker.Len())
	})
	app.metrics.RegisterGaugeFunc(namespace, "decision_cache_entries", "Fused decisions held in the cache.", func() float64 {
		return float64(app.decisions.Len())
	})
	if app.wsHub != nil {
		app.metrics.RegisterGaugeFunc(namespace, "websocket_clients", "Connected dashboard clients.", func() float64 {
			return float64(app.wsHub.ClientCount())
		})
	}
}

func (app *appImpl) buildScheduler() scheduler.Scheduler {
	schedulerInstance := scheduler.NewScheduler(app.clock)

	schedulerInstance.Register(scheduler.Job{
		Name:   "tracker-sweep",
		Period: time.Duration(app.config.Behavior.SweepIntervalSec) * time.Second,
		Run: func(ctx stdctx.Context, now time.Time) error {
			if evicted := app.tracker.Sweep(now); evicted > 0 {
				logger.SchedulerLog.Debugf("tracker sweep evicted %d ip(s)", evicted)
			}
			return nil
		},
	})
	schedulerInstance.Register(scheduler.Job{
		Name:   "cache-purge",
		Period: time.Duration(app.config.Cache.TTLMs) * time.Millisecond,
		Run: func(ctx stdctx.Context, now time.Time) error {
			app.decisions.Purge()
			return nil
		},
	})
	schedulerInstance.Register(scheduler.Job{
		Name:   "storage-vacuum",
		Period: time.Duration(app.config.Storage.VacuumIntervalSec) * time.Second,
		Run: func(ctx stdctx.Context, now time.Time) error {
			return app.storageStore.Vacuum(ctx)
		},
	})
	return schedulerInstance
}

// Start implements App.Start.
func (app *appImpl) Start(ctx stdctx.Context) error {
	app.startStopMutex.Lock()
	defer app.startStopMutex.Unlock()

	if app.started {
		logger.MainLog.Warn("App.Start called more than once; ignoring subsequent call")
		return nil
	}

	// Clear shutdown flag just in case.
	app.runtimeContext.SetShutdownRequested(ctx, false)

	app.eventBus.Start()

	if monitorError := app.healthMonitor.Start(ctx); monitorError != nil {
		app.abortStart(ctx)
		return errors.Wrap(monitorError, "failed to start inference health monitor")
	}

	// Bind both listeners before serving so a port clash fails Start.
	southboundListener, listenError := net.Listen("tcp", app.southboundServer.Addr)
	if listenError != nil {
		app.abortStart(ctx)
		return errors.Wrapf(listenError, "southbound listen on %s", app.southboundServer.Addr)
	}
	northboundListener, listenError := net.Listen("tcp", app.northboundServer.Addr)
	if listenError != nil {
		_ = southboundListener.Close()
		app.abortStart(ctx)
		return errors.Wrapf(listenError, "northbound listen on %s", app.northboundServer.Addr)
	}

	go app.serve("southbound", app.southboundServer, southboundListener)
	go app.serve("northbound", app.northboundServer, northboundListener)

	// Start the scheduler loop for periodic maintenance.
	if schedulerError := app.scheduler.Start(ctx); schedulerError != nil {
		_ = app.southboundServer.Close()
		_ = app.northboundServer.Close()
		app.abortStart(ctx)
		return errors.Wrap(schedulerError, "failed to start scheduler")
	}

	app.started = true
	logger.MainLog.Infof(
		"DMCF successfully started southbound=%s northbound=%s",
		app.southboundServer.Addr, app.northboundServer.Addr,
	)
	return nil
}

// abortStart stops the background loops a failed Start already launched.
// Stop is a no-op on an App that never started, so this is the only cleanup.
func (app *appImpl) abortStart(ctx stdctx.Context) {
	if stopError := app.healthMonitor.Stop(ctx); stopError != nil {
		logger.MainLog.Warnf("health monitor stop after failed start: %v", stopError)
	}
	if stopError := app.eventBus.Stop(ctx); stopError != nil {
		logger.MainLog.Warnf("event bus stop after failed start: %v", stopError)
	}
}

func (app *appImpl) serve(name string, server *http.Server, listener net.Listener) {
	logger.MainLog.Infof("Starting %s server on %s", name, listener.Addr())
	if serveError := server.Serve(listener); serveError != nil && serveError != http.ErrServerClosed {
		logger.MainLog.Errorf("%s server stopped with error: %v", name, serveError)
	}
}

// Stop implements App.Stop.
func (app *appImpl) Stop(ctx stdctx.Context) error {
	app.startStopMutex.Lock()
	defer app.startStopMutex.Unlock()

	if !app.started {
		return nil
	}

	logger.MainLog.Infof("DMCF shutdown requested")

	// Mark shutdown requested so that long-running operations can adapt.
	app.runtimeContext.SetShutdownRequested(ctx, true)

	var firstError error
	record := func(step string, err error) {
		if err == nil {
			return
		}
		logger.MainLog.Warnf("%s returned error: %v", step, err)
		if firstError == nil {
			firstError = errors.Wrap(err, step)
		}
	}

	// Stop ingress first so no new evaluations arrive.
	record("southbound shutdown", app.southboundServer.Shutdown(ctx))
	if app.wsHub != nil {
		app.wsHub.Close()
	}
	record("northbound shutdown", app.northboundServer.Shutdown(ctx))

	record("scheduler stop", app.scheduler.Stop(ctx))
	record("health monitor stop", app.healthMonitor.Stop(ctx))
	record("enforcement notifications", app.coordinator.Wait(ctx))
	record("event bus stop", app.eventBus.Stop(ctx))

	record("storage close", app.storageStore.Close())
	record("geoip close", app.geoResolver.Close())

	app.started = false
	logger.MainLog.Infof("DMCF shutdown completed")
	return firstError
}
