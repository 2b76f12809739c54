// Package mitigation is the authoritative owner of the active block set.
//
// State machine per IP: Unblocked -> Blocked -> Unblocked. Block is local and
// immediate (the enforcement backend is told afterwards, best effort). Unblock
// goes the other way round: the backend must confirm removal before the local
// record is dropped, so local state never claims "unblocked" while a rule is
// still installed.
package mitigation

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/sentinelai/dmcf/internal/clock"
	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/metrics"
	"github.com/sentinelai/dmcf/internal/model"
)

// ErrUnblockFailed is returned when the enforcement backend did not confirm an
// unblock. The IP stays blocked.
var ErrUnblockFailed = errors.New("unblock not confirmed by enforcement backend")

// Enforcer is the part of the enforcement client the coordinator needs.
type Enforcer interface {
	NotifyBlock(ctx context.Context, record model.BlockRecord) error
	Unblock(ctx context.Context, ip string) error
}

// HistoryRecorder appends audit rows; storage.Store satisfies it.
type HistoryRecorder interface {
	SaveHistoryEntry(ctx context.Context, entry model.HistoryEntry) error
}

// EventPublisher receives block state events.
type EventPublisher interface {
	Publish(event model.Event)
}

// CountryResolver enriches records with a country code; geo.Resolver satisfies it.
type CountryResolver interface {
	CountryCode(ip string) string
}

// BlockHook runs after a new record enters the block set.
type BlockHook func(ip string)

// ReleaseHook runs after a confirmed unblock.
type ReleaseHook func(ip string)

// Options control record defaults and enforcement notification.
type Options struct {
	MitigationKind          string
	DefaultNetworkSlice     string
	DefaultSlicePriority    int
	HighConfidenceThreshold float64 // confidence (0-100) above which a block is "high"
	Shards                  int
	NotifyBlocks            bool
	NotifyTimeout           time.Duration
	LocalIP                 string // dstIP of history rows
}

// DefaultOptions returns the shipped defaults.
func DefaultOptions() Options {
	return Options{
		MitigationKind:          "SDN DROP Rule",
		DefaultNetworkSlice:     "eMBB",
		DefaultSlicePriority:    2,
		HighConfidenceThreshold: 90,
		Shards:                  32,
		NotifyBlocks:            false,
		NotifyTimeout:           3 * time.Second,
		LocalIP:                 "127.0.0.1",
	}
}

// Dependencies bundles the collaborators of a Coordinator. Every field except
// Enforcer may be nil.
type Dependencies struct {
	Enforcer  Enforcer
	History   HistoryRecorder
	Events    EventPublisher
	Countries CountryResolver
	Metrics   *metrics.Metrics
	Clock     clock.Clock
}

// Coordinator owns the active block set.
type Coordinator interface {
	// Block creates a record for request.IP unless one exists. It returns the
	// record now in effect and whether this call created it. Repeated calls
	// for a blocked IP return the existing record and emit nothing.
	Block(ctx context.Context, request model.BlockRequest) (model.BlockRecord, bool, error)

	// Unblock asks the enforcement backend to remove the block and drops the
	// local record only on confirmed success. Unblocking an IP that is not
	// blocked succeeds without calling the backend.
	Unblock(ctx context.Context, ip string) error

	// Get returns a copy of the record for ip.
	Get(ip string) (model.BlockRecord, bool)

	// IsBlocked reports whether ip has an active record.
	IsBlocked(ip string) bool

	// List returns a snapshot of all records ordered by block time.
	List() []model.BlockRecord

	// Count returns the number of active records.
	Count() int

	// OnBlock registers a hook invoked once per newly created record.
	OnBlock(hook BlockHook)

	// OnRelease registers a hook invoked after every confirmed unblock.
	OnRelease(hook ReleaseHook)

	// Wait blocks until in-flight enforcement notifications finish or ctx ends.
	Wait(ctx context.Context) error
}

type blockShard struct {
	mutexForRecords sync.Mutex
	recordByIP      map[string]model.BlockRecord
}

type coordinatorImpl struct {
	shards  []*blockShard
	options Options
	deps    Dependencies

	unblockGroup singleflight.Group

	mutexForHooks sync.RWMutex
	blockHooks    []BlockHook
	releaseHooks  []ReleaseHook

	notifications sync.WaitGroup
}

// NewCoordinator creates a Coordinator with an empty block set.
func NewCoordinator(options Options, deps Dependencies) Coordinator {
	defaults := DefaultOptions()
	if strings.TrimSpace(options.MitigationKind) == "" {
		options.MitigationKind = defaults.MitigationKind
	}
	if strings.TrimSpace(options.DefaultNetworkSlice) == "" {
		options.DefaultNetworkSlice = defaults.DefaultNetworkSlice
	}
	if options.DefaultSlicePriority <= 0 {
		options.DefaultSlicePriority = defaults.DefaultSlicePriority
	}
	if options.HighConfidenceThreshold <= 0 {
		options.HighConfidenceThreshold = defaults.HighConfidenceThreshold
	}
	if options.Shards <= 0 {
		options.Shards = defaults.Shards
	}
	if options.NotifyTimeout <= 0 {
		options.NotifyTimeout = defaults.NotifyTimeout
	}
	if strings.TrimSpace(options.LocalIP) == "" {
		options.LocalIP = defaults.LocalIP
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	shards := make([]*blockShard, options.Shards)
	for index := range shards {
		shards[index] = &blockShard{recordByIP: make(map[string]model.BlockRecord)}
	}

	return &coordinatorImpl{
		shards:  shards,
		options: options,
		deps:    deps,
	}
}

func (coordinator *coordinatorImpl) shardFor(ip string) *blockShard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(ip))
	return coordinator.shards[hasher.Sum32()%uint32(len(coordinator.shards))]
}

// ---- block ----

// Block implements Coordinator.Block.
func (coordinator *coordinatorImpl) Block(
	ctx context.Context,
	request model.BlockRequest,
) (model.BlockRecord, bool, error) {
	ip := strings.TrimSpace(request.IP)
	if ip == "" {
		return model.BlockRecord{}, false, model.Invalidf("block request has no IP")
	}

	owner := coordinator.shardFor(ip)

	owner.mutexForRecords.Lock()
	if existing, exists := owner.recordByIP[ip]; exists {
		owner.mutexForRecords.Unlock()
		logger.MitigationLog.Debugf("ip=%s already blocked since %s", ip, existing.Timestamp.Format(time.RFC3339))
		return existing, false, nil
	}
	record := coordinator.buildRecord(ip, request)
	owner.recordByIP[ip] = record
	owner.mutexForRecords.Unlock()

	logger.MitigationLog.Infof(
		"blocked ip=%s threatLevel=%s reason=%q source=%s simulated=%t slice=%s",
		ip, record.ThreatLevel, record.Reason, record.Source, record.IsSimulated, record.NetworkSlice,
	)
	coordinator.deps.Metrics.ObserveBlockCreated(string(record.Source))

	coordinator.mutexForHooks.RLock()
	blockHooks := append([]BlockHook(nil), coordinator.blockHooks...)
	coordinator.mutexForHooks.RUnlock()
	for _, hook := range blockHooks {
		hook(ip)
	}

	coordinator.appendHistory(ctx, record)
	coordinator.publishBlockEvents(record, request.Confidence)

	if record.Source == model.BlockSourceDetection && coordinator.options.NotifyBlocks && coordinator.deps.Enforcer != nil {
		coordinator.notifyEnforcement(record)
	}

	return record, true, nil
}

func (coordinator *coordinatorImpl) buildRecord(ip string, request model.BlockRequest) model.BlockRecord {
	threatLevel, explicit := model.ParseThreatLevel(request.ThreatLevel)
	if !explicit {
		threatLevel = model.ThreatMedium
		if request.Confidence > coordinator.options.HighConfidenceThreshold {
			threatLevel = model.ThreatHigh
		}
	}

	reason := strings.TrimSpace(request.Reason)
	if reason == "" {
		reason = "DDoS Flood"
	}

	timestamp := coordinator.deps.Clock.Now()
	if request.Timestamp != nil && !request.Timestamp.IsZero() {
		timestamp = request.Timestamp.UTC()
	}

	networkSlice := strings.TrimSpace(request.NetworkSlice)
	if networkSlice == "" {
		networkSlice = coordinator.options.DefaultNetworkSlice
	}

	slicePriority := coordinator.options.DefaultSlicePriority
	if request.SlicePriority != nil {
		slicePriority = *request.SlicePriority
	}

	source := request.Source
	if source == "" {
		source = model.BlockSourceDetection
	}

	record := model.BlockRecord{
		IP:             ip,
		Timestamp:      timestamp,
		Reason:         reason,
		ThreatLevel:    threatLevel,
		MitigationKind: coordinator.options.MitigationKind,
		IsSimulated:    request.IsSimulated,
		NetworkSlice:   networkSlice,
		SlicePriority:  slicePriority,
		Source:         source,
	}
	if coordinator.deps.Countries != nil {
		record.Country = coordinator.deps.Countries.CountryCode(ip)
	}
	return record
}

func (coordinator *coordinatorImpl) appendHistory(ctx context.Context, record model.BlockRecord) {
	if coordinator.deps.History == nil {
		return
	}
	entry := model.HistoryEntry{
		Timestamp:     record.Timestamp,
		SrcIP:         record.IP,
		DstIP:         coordinator.options.LocalIP,
		Protocol:      "UDP",
		PacketSize:    1024,
		Action:        "Blocked",
		Prediction:    string(model.PredictionDDoS),
		Reason:        record.Reason,
		ThreatLevel:   string(record.ThreatLevel),
		IsSimulated:   record.IsSimulated,
		NetworkSlice:  record.NetworkSlice,
		SlicePriority: record.SlicePriority,
	}
	// the block stands even if the audit row is lost
	if err := coordinator.deps.History.SaveHistoryEntry(context.WithoutCancel(ctx), entry); err != nil {
		logger.MitigationLog.Warnf("failed to append history for ip=%s: %v", record.IP, err)
	}
}

func (coordinator *coordinatorImpl) publishBlockEvents(record model.BlockRecord, confidence float64) {
	if coordinator.deps.Events == nil {
		return
	}
	now := coordinator.deps.Clock.Now()
	coordinator.deps.Events.Publish(model.NewEvent(model.EventIPBlocked, now, record))
	coordinator.deps.Events.Publish(model.NewEvent(model.EventBlockListUpdated, now, coordinator.List()))

	// evaluations publish their own, richer detection-result
	if record.Source == model.BlockSourceEnforcement {
		if confidence <= 0 {
			confidence = 99
		}
		coordinator.deps.Events.Publish(model.NewEvent(model.EventDetectionResult, now, model.BlockVerdictPayload{
			IP:          record.IP,
			IsDDoS:      true,
			Confidence:  confidence / 100,
			Prediction:  model.PredictionDDoS,
			AbuseScore:  confidence,
			ThreatLevel: strings.ToUpper(string(record.ThreatLevel)),
		}))
	}
}

func (coordinator *coordinatorImpl) notifyEnforcement(record model.BlockRecord) {
	coordinator.notifications.Add(1)
	go func() {
		defer coordinator.notifications.Done()

		notifyContext, cancel := context.WithTimeout(context.Background(), coordinator.options.NotifyTimeout)
		defer cancel()

		if err := coordinator.deps.Enforcer.NotifyBlock(notifyContext, record); err != nil {
			logger.MitigationLog.Warnf("enforcement block notification failed ip=%s: %v", record.IP, err)
		}
	}()
}

// ---- unblock ----

// Unblock implements Coordinator.Unblock.
func (coordinator *coordinatorImpl) Unblock(ctx context.Context, ip string) error {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return model.Invalidf("unblock request has no IP")
	}

	if !coordinator.IsBlocked(ip) {
		logger.MitigationLog.Debugf("unblock ip=%s: not blocked, nothing to do", ip)
		coordinator.deps.Metrics.ObserveUnblock("noop")
		return nil
	}

	resultChannel := coordinator.unblockGroup.DoChan(ip, func() (interface{}, error) {
		return nil, coordinator.unblockOnce(context.WithoutCancel(ctx), ip)
	})

	select {
	case result := <-resultChannel:
		return result.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (coordinator *coordinatorImpl) unblockOnce(ctx context.Context, ip string) error {
	if coordinator.deps.Enforcer == nil {
		coordinator.deps.Metrics.ObserveUnblock("failed")
		return errors.Wrap(ErrUnblockFailed, "no enforcement backend configured")
	}

	if err := coordinator.deps.Enforcer.Unblock(ctx, ip); err != nil {
		logger.MitigationLog.Errorf("unblock ip=%s failed, keeping block: %v", ip, err)
		coordinator.deps.Metrics.ObserveUnblock("failed")
		return errors.Wrap(ErrUnblockFailed, err.Error())
	}

	owner := coordinator.shardFor(ip)
	owner.mutexForRecords.Lock()
	_, existed := owner.recordByIP[ip]
	delete(owner.recordByIP, ip)
	owner.mutexForRecords.Unlock()

	if !existed {
		// removed by a concurrent confirmed unblock outside this flight
		coordinator.deps.Metrics.ObserveUnblock("noop")
		return nil
	}

	logger.MitigationLog.Infof("unblocked ip=%s (confirmed by enforcement backend)", ip)
	coordinator.deps.Metrics.ObserveUnblock("confirmed")

	if coordinator.deps.Events != nil {
		now := coordinator.deps.Clock.Now()
		coordinator.deps.Events.Publish(model.NewEvent(model.EventBlockListUpdated, now, coordinator.List()))
		coordinator.deps.Events.Publish(model.NewEvent(model.EventIPUnblocked, now, model.IPUnblockedPayload{IP: ip}))
	}

	coordinator.mutexForHooks.RLock()
	hooks := append([]ReleaseHook(nil), coordinator.releaseHooks...)
	coordinator.mutexForHooks.RUnlock()
	for _, hook := range hooks {
		hook(ip)
	}
	return nil
}

// ---- queries ----

// Get implements Coordinator.Get.
func (coordinator *coordinatorImpl) Get(ip string) (model.BlockRecord, bool) {
	owner := coordinator.shardFor(ip)
	owner.mutexForRecords.Lock()
	defer owner.mutexForRecords.Unlock()
	record, exists := owner.recordByIP[ip]
	return record, exists
}

// IsBlocked implements Coordinator.IsBlocked.
func (coordinator *coordinatorImpl) IsBlocked(ip string) bool {
	_, exists := coordinator.Get(ip)
	return exists
}

// List implements Coordinator.List.
func (coordinator *coordinatorImpl) List() []model.BlockRecord {
	records := make([]model.BlockRecord, 0)
	for _, owner := range coordinator.shards {
		owner.mutexForRecords.Lock()
		for _, record := range owner.recordByIP {
			records = append(records, record)
		}
		owner.mutexForRecords.Unlock()
	}

	sort.Slice(records, func(left, right int) bool {
		if records[left].Timestamp.Equal(records[right].Timestamp) {
			return records[left].IP < records[right].IP
		}
		return records[left].Timestamp.Before(records[right].Timestamp)
	})
	return records
}

// Count implements Coordinator.Count.
func (coordinator *coordinatorImpl) Count() int {
	total := 0
	for _, owner := range coordinator.shards {
		owner.mutexForRecords.Lock()
		total += len(owner.recordByIP)
		owner.mutexForRecords.Unlock()
	}
	return total
}

// OnBlock implements Coordinator.OnBlock.
func (coordinator *coordinatorImpl) OnBlock(hook BlockHook) {
	if hook == nil {
		return
	}
	coordinator.mutexForHooks.Lock()
	defer coordinator.mutexForHooks.Unlock()
	coordinator.blockHooks = append(coordinator.blockHooks, hook)
}

// OnRelease implements Coordinator.OnRelease.
func (coordinator *coordinatorImpl) OnRelease(hook ReleaseHook) {
	if hook == nil {
		return
	}
	coordinator.mutexForHooks.Lock()
	defer coordinator.mutexForHooks.Unlock()
	coordinator.releaseHooks = append(coordinator.releaseHooks, hook)
}

// Wait implements Coordinator.Wait.
func (coordinator *coordinatorImpl) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		coordinator.notifications.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for enforcement notifications: %w", ctx.Err())
	}
}
