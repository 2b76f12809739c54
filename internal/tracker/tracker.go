// Package tracker keeps per-IP request behavior and derives a suspicion
// signal that does not depend on any upstream classifier.
//
// State is split across a fixed number of shards keyed by an FNV hash of the
// IP. Each shard owns its own mutex, so work on IPs living in different shards
// never contends. Retention eviction is a maintenance side effect: RecordSample
// sweeps its own shard at most once per sweep interval, and the scheduler calls
// Sweep for the whole store. A late sweep only costs memory; escalation
// decisions never depend on it.
package tracker

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/sentinelai/dmcf/internal/clock"
	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/model"
)

// Options holds the escalation thresholds and maintenance settings.
type Options struct {
	// SuspiciousThreshold is the number of malicious verdicts (inclusive) at
	// which an IP escalates.
	SuspiciousThreshold uint64
	// RateThresholdPerMin escalates when requestCount/elapsedMinutes exceeds it.
	RateThresholdPerMin float64
	// Retention evicts entries whose lastSeen is older than now-Retention.
	Retention time.Duration
	// RateFloor is the minimum window used as the rate denominator.
	RateFloor time.Duration
	// MinRateSamples is the request count below which the rate test is skipped.
	MinRateSamples uint64
	// SweepInterval bounds how often RecordSample sweeps its shard.
	SweepInterval time.Duration
	Shards        int
}

// DefaultOptions returns the thresholds the engine ships with.
func DefaultOptions() Options {
	return Options{
		SuspiciousThreshold: 3,
		RateThresholdPerMin: 100,
		Retention:           time.Hour,
		RateFloor:           5 * time.Second,
		MinRateSamples:      10,
		SweepInterval:       time.Minute,
		Shards:              32,
	}
}

// Tracker is the behavioral tracker contract.
type Tracker interface {
	// RecordSample creates or updates the behavior for ip, increments its
	// request count and moves lastSeen forward. It returns a copy.
	RecordSample(ip string, meta model.RequestMeta) model.IPBehavior

	// EvaluateSuspicion reports whether ip should be escalated to a block.
	// A malicious verdict increments suspiciousCount; escalation marks the
	// entry blocked, after which every check returns true until Release.
	EvaluateSuspicion(ip string, malicious bool) bool

	// MarkBlocked sets the sticky blocked flag for a block decided elsewhere
	// (fused verdict, enforcement report). Unknown IPs get a fresh entry.
	MarkBlocked(ip string)

	// Release clears the sticky blocked flag and the suspicious counter after
	// a confirmed unblock. Unknown IPs are ignored.
	Release(ip string)

	// Get returns a copy of the behavior for ip.
	Get(ip string) (model.IPBehavior, bool)

	// Sweep evicts every entry older than the retention window and returns the
	// number of evicted entries.
	Sweep(now time.Time) int

	// Len returns the number of tracked IPs.
	Len() int
}

type shard struct {
	mutexForBehavior sync.Mutex
	behaviorByIP     map[string]*model.IPBehavior
	lastSweepAt      time.Time
}

type trackerImpl struct {
	options Options
	clock   clock.Clock
	shards  []*shard
}

// New creates a Tracker. Zero-valued options fall back to DefaultOptions.
func New(options Options, clk clock.Clock) Tracker {
	defaults := DefaultOptions()
	if options.SuspiciousThreshold == 0 {
		options.SuspiciousThreshold = defaults.SuspiciousThreshold
	}
	if options.RateThresholdPerMin <= 0 {
		options.RateThresholdPerMin = defaults.RateThresholdPerMin
	}
	if options.Retention <= 0 {
		options.Retention = defaults.Retention
	}
	if options.RateFloor <= 0 {
		options.RateFloor = defaults.RateFloor
	}
	if options.MinRateSamples == 0 {
		options.MinRateSamples = defaults.MinRateSamples
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = defaults.SweepInterval
	}
	if options.Shards <= 0 {
		options.Shards = defaults.Shards
	}
	if clk == nil {
		clk = clock.Real()
	}

	shards := make([]*shard, options.Shards)
	for index := range shards {
		shards[index] = &shard{behaviorByIP: make(map[string]*model.IPBehavior)}
	}

	return &trackerImpl{
		options: options,
		clock:   clk,
		shards:  shards,
	}
}

func (tracker *trackerImpl) shardFor(ip string) *shard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(ip))
	return tracker.shards[hasher.Sum32()%uint32(len(tracker.shards))]
}

// RecordSample implements Tracker.RecordSample.
func (tracker *trackerImpl) RecordSample(ip string, meta model.RequestMeta) model.IPBehavior {
	now := tracker.clock.Now()
	owner := tracker.shardFor(ip)

	owner.mutexForBehavior.Lock()
	defer owner.mutexForBehavior.Unlock()

	if now.Sub(owner.lastSweepAt) >= tracker.options.SweepInterval {
		tracker.sweepShardLocked(owner, now)
	}

	behavior, exists := owner.behaviorByIP[ip]
	if !exists {
		behavior = &model.IPBehavior{
			IP:        ip,
			FirstSeen: now,
			LastSeen:  now,
		}
		owner.behaviorByIP[ip] = behavior
		logger.TrackerLog.Debugf("tracking new ip=%s", ip)
	}

	behavior.RequestCount++
	// a clock stepping backwards must not break lastSeen >= firstSeen
	if now.After(behavior.LastSeen) {
		behavior.LastSeen = now
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = now
	}
	behavior.LastRequestMeta = meta

	return *behavior
}

// EvaluateSuspicion implements Tracker.EvaluateSuspicion.
func (tracker *trackerImpl) EvaluateSuspicion(ip string, malicious bool) bool {
	now := tracker.clock.Now()
	owner := tracker.shardFor(ip)

	owner.mutexForBehavior.Lock()
	defer owner.mutexForBehavior.Unlock()

	behavior, exists := owner.behaviorByIP[ip]
	if !exists {
		logger.TrackerLog.Debugf("suspicion check for untracked ip=%s", ip)
		return false
	}

	if behavior.IsBlocked {
		return true
	}

	if malicious && behavior.SuspiciousCount < behavior.RequestCount {
		behavior.SuspiciousCount++
	}

	reason := ""
	switch {
	case malicious && behavior.SuspiciousCount >= tracker.options.SuspiciousThreshold:
		reason = "repeated malicious verdicts"
	case behavior.RequestCount >= tracker.options.MinRateSamples &&
		tracker.requestRateLocked(behavior, now) > tracker.options.RateThresholdPerMin:
		reason = "request rate above threshold"
	}
	if reason == "" {
		return false
	}

	behavior.IsBlocked = true
	logger.TrackerLog.Warnf(
		"behavioral escalation ip=%s reason=%q requests=%d suspicious=%d",
		ip, reason, behavior.RequestCount, behavior.SuspiciousCount,
	)
	return true
}

// requestRateLocked returns requests per minute since firstSeen, using the
// rate floor as the smallest window.
func (tracker *trackerImpl) requestRateLocked(behavior *model.IPBehavior, now time.Time) float64 {
	elapsed := now.Sub(behavior.FirstSeen)
	if elapsed < tracker.options.RateFloor {
		elapsed = tracker.options.RateFloor
	}
	return float64(behavior.RequestCount) / elapsed.Minutes()
}

// MarkBlocked implements Tracker.MarkBlocked.
func (tracker *trackerImpl) MarkBlocked(ip string) {
	now := tracker.clock.Now()
	owner := tracker.shardFor(ip)

	owner.mutexForBehavior.Lock()
	defer owner.mutexForBehavior.Unlock()

	behavior, exists := owner.behaviorByIP[ip]
	if !exists {
		behavior = &model.IPBehavior{IP: ip, FirstSeen: now, LastSeen: now}
		owner.behaviorByIP[ip] = behavior
	}
	if !behavior.IsBlocked {
		behavior.IsBlocked = true
		logger.TrackerLog.Debugf("marked blocked ip=%s", ip)
	}
}

// Release implements Tracker.Release.
func (tracker *trackerImpl) Release(ip string) {
	owner := tracker.shardFor(ip)

	owner.mutexForBehavior.Lock()
	defer owner.mutexForBehavior.Unlock()

	behavior, exists := owner.behaviorByIP[ip]
	if !exists {
		return
	}
	behavior.IsBlocked = false
	behavior.SuspiciousCount = 0
	logger.TrackerLog.Infof("released sticky block flag ip=%s", ip)
}

// Get implements Tracker.Get.
func (tracker *trackerImpl) Get(ip string) (model.IPBehavior, bool) {
	owner := tracker.shardFor(ip)

	owner.mutexForBehavior.Lock()
	defer owner.mutexForBehavior.Unlock()

	behavior, exists := owner.behaviorByIP[ip]
	if !exists {
		return model.IPBehavior{}, false
	}
	return *behavior, true
}

// Sweep implements Tracker.Sweep.
func (tracker *trackerImpl) Sweep(now time.Time) int {
	evicted := 0
	for _, owner := range tracker.shards {
		owner.mutexForBehavior.Lock()
		evicted += tracker.sweepShardLocked(owner, now)
		owner.mutexForBehavior.Unlock()
	}
	if evicted > 0 {
		logger.TrackerLog.Debugf("sweep evicted %d stale behavior entr(ies)", evicted)
	}
	return evicted
}

// sweepShardLocked assumes owner.mutexForBehavior is held.
func (tracker *trackerImpl) sweepShardLocked(owner *shard, now time.Time) int {
	owner.lastSweepAt = now
	evicted := 0
	for ip, behavior := range owner.behaviorByIP {
		if now.Sub(behavior.LastSeen) > tracker.options.Retention {
			delete(owner.behaviorByIP, ip)
			evicted++
		}
	}
	return evicted
}

// Len implements Tracker.Len.
func (tracker *trackerImpl) Len() int {
	total := 0
	for _, owner := range tracker.shards {
		owner.mutexForBehavior.Lock()
		total += len(owner.behaviorByIP)
		owner.mutexForBehavior.Unlock()
	}
	return total
}
