// Package logger provides structured loggers for the different components of
// DMCF. It wraps logrus and exposes category-specific log entries such as
// MainLog, CfgLog, FusionLog, MitigationLog, etc. The logging level and caller
// reporting can be adjusted at runtime via InitLog.
//
// Category entries are created at package initialisation so that every
// component (and every test) can log before InitLog has been called.
package logger

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	moduleNameDMCF = "DMCF"
)

var (
	formatterOnce sync.Once

	// MainLog is the primary logger for high-level lifecycle events
	// (startup, shutdown, major state transitions).
	MainLog = newCategoryEntry("MAIN")

	// CfgLog is used for configuration loading, validation, and printing.
	CfgLog = newCategoryEntry("CFG")

	// ContextLog is for runtime context changes (capture state, shutdown flag).
	ContextLog = newCategoryEntry("CONTEXT")

	// IngressLog is for telemetry arriving on the southbound side
	// (detection requests, live packets, enforcement block reports).
	IngressLog = newCategoryEntry("INGRESS")

	// NorthboundLog is for the dashboard-facing API, the event bus and its sinks.
	NorthboundLog = newCategoryEntry("NORTHBOUND")

	// TrackerLog is for per-IP behavior tracking and eviction sweeps.
	TrackerLog = newCategoryEntry("TRACKER")

	// ReputationLog is for the external reputation service.
	ReputationLog = newCategoryEntry("REPUTATION")

	// InferenceLog is for calls to the ML inference service.
	InferenceLog = newCategoryEntry("INFERENCE")

	// HealthLog is for the inference liveness probe.
	HealthLog = newCategoryEntry("HEALTH")

	// FusionLog is for signal fusion and the fallback heuristic.
	FusionLog = newCategoryEntry("FUSION")

	// CacheLog is for the decision cache.
	CacheLog = newCategoryEntry("CACHE")

	// MitigationLog is for block/unblock state transitions.
	MitigationLog = newCategoryEntry("MITIGATION")

	// EnforcementLog is for calls to the enforcement backend.
	EnforcementLog = newCategoryEntry("ENFORCEMENT")

	// PipelineLog is for the end-to-end evaluation flow.
	PipelineLog = newCategoryEntry("PIPELINE")

	// StorageLog is for persistence-related logs (memory/SQLite/Postgres).
	StorageLog = newCategoryEntry("STORAGE")

	// SchedulerLog is for periodic maintenance tasks.
	SchedulerLog = newCategoryEntry("SCHEDULER")

	// MetricsLog is for metric registration and exposition.
	MetricsLog = newCategoryEntry("METRICS")

	// GeoLog is for GeoIP enrichment.
	GeoLog = newCategoryEntry("GEO")

	// SbiLog is for generic HTTP client-server interactions that do not fit
	// more specific categories.
	SbiLog = newCategoryEntry("SBI")
)

func newCategoryEntry(category string) *log.Entry {
	return log.WithFields(log.Fields{
		"module":   moduleNameDMCF,
		"category": category,
	})
}

// InitLog configures the global logrus settings. It is safe to call multiple
// times; the formatter is installed once, and every call updates the log level
// and reportCaller flag.
func InitLog(levelString string, reportCaller bool) error {
	var initErr error

	formatterOnce.Do(func() {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	})

	// Parse and apply the requested log level on every call.
	parsedLevel, parseErr := parseLogLevel(levelString)
	if parseErr != nil {
		// Fallback to info if parsing fails, but still return an error
		log.SetLevel(log.InfoLevel)
		CfgLog.Warnf("invalid log level %q, falling back to info: %v", levelString, parseErr)
		initErr = parseErr
	} else {
		log.SetLevel(parsedLevel)
	}

	log.SetReportCaller(reportCaller)

	return initErr
}

// parseLogLevel converts a string log level (case-insensitive) into a logrus.Level.
func parseLogLevel(levelString string) (log.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(levelString))

	switch normalized {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	case "panic":
		return log.PanicLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("unknown log level: %s", levelString)
	}
}
