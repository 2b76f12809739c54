package mitigation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelai/dmcf/internal/clock"
	"github.com/sentinelai/dmcf/internal/model"
)

var mitigationEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type stubEnforcer struct {
	unblockError  error
	unblockDelay  time.Duration
	unblockCalls  atomic.Int32
	notifiedCalls atomic.Int32
}

func (enforcer *stubEnforcer) NotifyBlock(ctx context.Context, record model.BlockRecord) error {
	enforcer.notifiedCalls.Add(1)
	return nil
}

func (enforcer *stubEnforcer) Unblock(ctx context.Context, ip string) error {
	enforcer.unblockCalls.Add(1)
	if enforcer.unblockDelay > 0 {
		time.Sleep(enforcer.unblockDelay)
	}
	return enforcer.unblockError
}

type recordingPublisher struct {
	mutexForEvents sync.Mutex
	events         []model.Event
}

func (publisher *recordingPublisher) Publish(event model.Event) {
	publisher.mutexForEvents.Lock()
	defer publisher.mutexForEvents.Unlock()
	publisher.events = append(publisher.events, event)
}

func (publisher *recordingPublisher) types() []model.EventType {
	publisher.mutexForEvents.Lock()
	defer publisher.mutexForEvents.Unlock()
	result := make([]model.EventType, 0, len(publisher.events))
	for _, event := range publisher.events {
		result = append(result, event.Type)
	}
	return result
}

type recordingHistory struct {
	mutexForEntries sync.Mutex
	entries         []model.HistoryEntry
}

func (history *recordingHistory) SaveHistoryEntry(ctx context.Context, entry model.HistoryEntry) error {
	history.mutexForEntries.Lock()
	defer history.mutexForEntries.Unlock()
	history.entries = append(history.entries, entry)
	return nil
}

func (history *recordingHistory) count() int {
	history.mutexForEntries.Lock()
	defer history.mutexForEntries.Unlock()
	return len(history.entries)
}

type fixedCountry string

func (country fixedCountry) CountryCode(string) string { return string(country) }

type fixture struct {
	coordinator Coordinator
	enforcer    *stubEnforcer
	events      *recordingPublisher
	history     *recordingHistory
	clock       *clock.Manual
}

func newFixture(options Options) *fixture {
	testFixture := &fixture{
		enforcer: &stubEnforcer{},
		events:   &recordingPublisher{},
		history:  &recordingHistory{},
		clock:    clock.NewManual(mitigationEpoch),
	}
	testFixture.coordinator = NewCoordinator(options, Dependencies{
		Enforcer:  testFixture.enforcer,
		History:   testFixture.history,
		Events:    testFixture.events,
		Countries: fixedCountry("DE"),
		Clock:     testFixture.clock,
	})
	return testFixture
}

func TestBlock_CreatesRecordWithDefaults(t *testing.T) {
	testFixture := newFixture(Options{LocalIP: "10.0.0.5"})

	record, created, err := testFixture.coordinator.Block(context.Background(), model.BlockRequest{
		IP:         "203.0.113.7",
		Confidence: 95,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.ThreatHigh, record.ThreatLevel)
	assert.Equal(t, "DDoS Flood", record.Reason)
	assert.Equal(t, "SDN DROP Rule", record.MitigationKind)
	assert.Equal(t, "eMBB", record.NetworkSlice)
	assert.Equal(t, 2, record.SlicePriority)
	assert.Equal(t, "DE", record.Country)
	assert.Equal(t, mitigationEpoch, record.Timestamp)
	assert.Equal(t, model.BlockSourceDetection, record.Source)

	require.Equal(t, 1, testFixture.history.count())
	entry := testFixture.history.entries[0]
	assert.Equal(t, "203.0.113.7", entry.SrcIP)
	assert.Equal(t, "10.0.0.5", entry.DstIP)
	assert.Equal(t, "UDP", entry.Protocol)
	assert.Equal(t, 1024, entry.PacketSize)
	assert.Equal(t, "Blocked", entry.Action)
	assert.Equal(t, "ddos", entry.Prediction)

	assert.Equal(t, []model.EventType{model.EventIPBlocked, model.EventBlockListUpdated}, testFixture.events.types())
}

func TestBlock_ThreatLevelDerivation(t *testing.T) {
	testFixture := newFixture(Options{})
	ctx := context.Background()

	medium, _, err := testFixture.coordinator.Block(ctx, model.BlockRequest{IP: "1.1.1.1", Confidence: 90})
	require.NoError(t, err)
	assert.Equal(t, model.ThreatMedium, medium.ThreatLevel)

	explicit, _, err := testFixture.coordinator.Block(ctx, model.BlockRequest{IP: "2.2.2.2", Confidence: 99, ThreatLevel: "LOW"})
	require.NoError(t, err)
	assert.Equal(t, model.ThreatLow, explicit.ThreatLevel)

	priority := 1
	custom, _, err := testFixture.coordinator.Block(ctx, model.BlockRequest{
		IP: "3.3.3.3", NetworkSlice: "URLLC", SlicePriority: &priority, Reason: "ML Detection",
	})
	require.NoError(t, err)
	assert.Equal(t, "URLLC", custom.NetworkSlice)
	assert.Equal(t, 1, custom.SlicePriority)
	assert.Equal(t, "ML Detection", custom.Reason)
}

func TestBlock_Idempotent(t *testing.T) {
	testFixture := newFixture(Options{})
	ctx := context.Background()

	first, created, err := testFixture.coordinator.Block(ctx, model.BlockRequest{IP: "1.1.1.1", Reason: "first"})
	require.NoError(t, err)
	require.True(t, created)

	testFixture.clock.Advance(time.Minute)
	second, created, err := testFixture.coordinator.Block(ctx, model.BlockRequest{IP: "1.1.1.1", Reason: "second"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)

	assert.Equal(t, 1, testFixture.coordinator.Count())
	assert.Equal(t, 1, testFixture.history.count())
	assert.Len(t, testFixture.events.types(), 2)
}

func TestBlock_ConcurrentSameIPCreatesOnce(t *testing.T) {
	testFixture := newFixture(Options{})

	var createdCount atomic.Int32
	var waitGroup sync.WaitGroup
	for worker := 0; worker < 64; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, created, err := testFixture.coordinator.Block(context.Background(), model.BlockRequest{IP: "9.9.9.9"})
			assert.NoError(t, err)
			if created {
				createdCount.Add(1)
			}
		}()
	}
	waitGroup.Wait()

	assert.Equal(t, int32(1), createdCount.Load())
	assert.Equal(t, 1, testFixture.history.count())
	assert.Equal(t, 1, testFixture.coordinator.Count())
}

func TestBlock_RejectsEmptyIP(t *testing.T) {
	testFixture := newFixture(Options{})
	_, _, err := testFixture.coordinator.Block(context.Background(), model.BlockRequest{IP: "  "})
	require.Error(t, err)
	assert.True(t, model.IsInvalidInput(err))
	assert.Zero(t, testFixture.coordinator.Count())
}

func TestBlock_EnforcementSourcedEmitsVerdictAndSkipsNotify(t *testing.T) {
	testFixture := newFixture(Options{NotifyBlocks: true})

	_, created, err := testFixture.coordinator.Block(context.Background(), model.BlockRequest{
		IP: "4.4.4.4", Confidence: 97, Source: model.BlockSourceEnforcement,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, testFixture.coordinator.Wait(context.Background()))

	assert.Equal(t, int32(0), testFixture.enforcer.notifiedCalls.Load())
	assert.Equal(t,
		[]model.EventType{model.EventIPBlocked, model.EventBlockListUpdated, model.EventDetectionResult},
		testFixture.events.types(),
	)
	verdict, ok := testFixture.events.events[2].Payload.(model.BlockVerdictPayload)
	require.True(t, ok)
	assert.Equal(t, "HIGH", verdict.ThreatLevel)
	assert.InDelta(t, 0.97, verdict.Confidence, 1e-9)
}

func TestBlock_DetectionSourcedNotifiesEnforcement(t *testing.T) {
	testFixture := newFixture(Options{NotifyBlocks: true})

	_, _, err := testFixture.coordinator.Block(context.Background(), model.BlockRequest{IP: "5.5.5.5"})
	require.NoError(t, err)
	require.NoError(t, testFixture.coordinator.Wait(context.Background()))

	assert.Equal(t, int32(1), testFixture.enforcer.notifiedCalls.Load())
}

func TestUnblock_FailureLeavesStateUnchanged(t *testing.T) {
	testFixture := newFixture(Options{})
	testFixture.enforcer.unblockError = errors.New("backend down")
	ctx := context.Background()

	_, _, err := testFixture.coordinator.Block(ctx, model.BlockRequest{IP: "1.1.1.1"})
	require.NoError(t, err)
	eventsBefore := len(testFixture.events.types())

	err = testFixture.coordinator.Unblock(ctx, "1.1.1.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnblockFailed)

	assert.True(t, testFixture.coordinator.IsBlocked("1.1.1.1"))
	assert.Equal(t, 1, testFixture.coordinator.Count())
	assert.Len(t, testFixture.events.types(), eventsBefore)
}

func TestUnblock_SuccessRemovesRecordAndRunsHooks(t *testing.T) {
	testFixture := newFixture(Options{})
	ctx := context.Background()

	var released []string
	testFixture.coordinator.OnRelease(func(ip string) { released = append(released, ip) })

	_, _, err := testFixture.coordinator.Block(ctx, model.BlockRequest{IP: "1.1.1.1"})
	require.NoError(t, err)

	require.NoError(t, testFixture.coordinator.Unblock(ctx, "1.1.1.1"))
	assert.False(t, testFixture.coordinator.IsBlocked("1.1.1.1"))
	assert.Equal(t, []string{"1.1.1.1"}, released)

	eventTypes := testFixture.events.types()
	assert.Equal(t,
		[]model.EventType{model.EventBlockListUpdated, model.EventIPUnblocked},
		eventTypes[len(eventTypes)-2:],
	)

	// blocking again after a confirmed unblock creates a fresh record
	_, created, err := testFixture.coordinator.Block(ctx, model.BlockRequest{IP: "1.1.1.1"})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestBlock_RunsBlockHooksOncePerRecord(t *testing.T) {
	testFixture := newFixture(Options{})
	ctx := context.Background()

	var blocked []string
	testFixture.coordinator.OnBlock(func(ip string) { blocked = append(blocked, ip) })
	testFixture.coordinator.OnBlock(nil)

	_, created, err := testFixture.coordinator.Block(ctx, model.BlockRequest{IP: "2.2.2.2"})
	require.NoError(t, err)
	require.True(t, created)

	// a repeat for the same IP returns the existing record without hooks
	_, created, err = testFixture.coordinator.Block(ctx, model.BlockRequest{IP: "2.2.2.2"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []string{"2.2.2.2"}, blocked)

	_, _, err = testFixture.coordinator.Block(ctx, model.BlockRequest{IP: "   "})
	require.Error(t, err)
	assert.Equal(t, []string{"2.2.2.2"}, blocked)
}

func TestUnblock_NotBlockedIsNoop(t *testing.T) {
	testFixture := newFixture(Options{})

	require.NoError(t, testFixture.coordinator.Unblock(context.Background(), "8.8.8.8"))
	assert.Equal(t, int32(0), testFixture.enforcer.unblockCalls.Load())
	assert.Empty(t, testFixture.events.types())
}

func TestUnblock_ConcurrentCallsShareBackendCall(t *testing.T) {
	testFixture := newFixture(Options{})
	testFixture.enforcer.unblockDelay = 50 * time.Millisecond
	ctx := context.Background()

	_, _, err := testFixture.coordinator.Block(ctx, model.BlockRequest{IP: "1.1.1.1"})
	require.NoError(t, err)

	var waitGroup sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			assert.NoError(t, testFixture.coordinator.Unblock(ctx, "1.1.1.1"))
		}()
	}
	waitGroup.Wait()

	assert.False(t, testFixture.coordinator.IsBlocked("1.1.1.1"))
	assert.LessOrEqual(t, testFixture.enforcer.unblockCalls.Load(), int32(2))
}

func TestList_OrderedByBlockTime(t *testing.T) {
	testFixture := newFixture(Options{})
	ctx := context.Background()

	for _, ip := range []string{"3.3.3.3", "1.1.1.1", "2.2.2.2"} {
		_, _, err := testFixture.coordinator.Block(ctx, model.BlockRequest{IP: ip})
		require.NoError(t, err)
		testFixture.clock.Advance(time.Second)
	}

	records := testFixture.coordinator.List()
	require.Len(t, records, 3)
	assert.Equal(t, "3.3.3.3", records[0].IP)
	assert.Equal(t, "1.1.1.1", records[1].IP)
	assert.Equal(t, "2.2.2.2", records[2].IP)
}
