package tracker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelai/dmcf/internal/clock"
	"github.com/sentinelai/dmcf/internal/model"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker() (Tracker, *clock.Manual) {
	manual := clock.NewManual(epoch)
	return New(DefaultOptions(), manual), manual
}

func TestRecordSample_CreatesAndUpdates(t *testing.T) {
	tracker, manual := newTestTracker()

	first := tracker.RecordSample("10.0.0.1", model.RequestMeta{UserAgent: "curl"})
	assert.Equal(t, uint64(1), first.RequestCount)
	assert.Equal(t, epoch, first.FirstSeen)
	assert.Equal(t, "curl", first.LastRequestMeta.UserAgent)

	manual.Advance(5 * time.Second)
	second := tracker.RecordSample("10.0.0.1", model.RequestMeta{Endpoint: "/api/detect"})
	assert.Equal(t, uint64(2), second.RequestCount)
	assert.Equal(t, epoch, second.FirstSeen)
	assert.Equal(t, epoch.Add(5*time.Second), second.LastSeen)
	assert.Equal(t, "/api/detect", second.LastRequestMeta.Endpoint)
}

func TestEvaluateSuspicion_ThirdMaliciousVerdictEscalates(t *testing.T) {
	tracker, manual := newTestTracker()
	ip := "198.51.100.7"

	// GIVEN a never-before-seen IP well under the rate threshold
	// WHEN three malicious verdicts arrive
	var results []bool
	for round := 0; round < 3; round++ {
		tracker.RecordSample(ip, model.RequestMeta{})
		results = append(results, tracker.EvaluateSuspicion(ip, true))
		manual.Advance(time.Second)
	}

	// THEN only the third escalates, and the fourth check is sticky
	assert.Equal(t, []bool{false, false, true}, results)
	tracker.RecordSample(ip, model.RequestMeta{})
	assert.True(t, tracker.EvaluateSuspicion(ip, false))

	behavior, ok := tracker.Get(ip)
	require.True(t, ok)
	assert.True(t, behavior.IsBlocked)
	assert.Equal(t, uint64(3), behavior.SuspiciousCount)
}

func TestEvaluateSuspicion_TwoMaliciousVerdictsDoNotEscalate(t *testing.T) {
	tracker, _ := newTestTracker()
	ip := "198.51.100.8"

	for round := 0; round < 2; round++ {
		tracker.RecordSample(ip, model.RequestMeta{})
		assert.False(t, tracker.EvaluateSuspicion(ip, true))
	}
	tracker.RecordSample(ip, model.RequestMeta{})
	assert.False(t, tracker.EvaluateSuspicion(ip, false))
}

func TestEvaluateSuspicion_BurstWithinOneSecondEscalates(t *testing.T) {
	tracker, manual := newTestTracker()
	ip := "203.0.113.9"

	// GIVEN 100 requests spread over one second, rated over the 5s floor
	for request := 0; request < 100; request++ {
		tracker.RecordSample(ip, model.RequestMeta{})
		manual.Advance(10 * time.Millisecond)
	}

	// THEN the rate test fires without waiting for request 101
	assert.True(t, tracker.EvaluateSuspicion(ip, false))
}

func TestEvaluateSuspicion_RateNeedsMinimumSamples(t *testing.T) {
	tracker, _ := newTestTracker()
	ip := "203.0.113.11"

	// 9 requests in the same instant is 108/min over the floor window, but
	// below the sample minimum
	for request := 0; request < 9; request++ {
		tracker.RecordSample(ip, model.RequestMeta{})
	}
	assert.False(t, tracker.EvaluateSuspicion(ip, false))

	tracker.RecordSample(ip, model.RequestMeta{})
	assert.True(t, tracker.EvaluateSuspicion(ip, false), "10 requests within the 5s floor is 120/min")
}

func TestEvaluateSuspicion_RateAtThresholdDoesNotEscalate(t *testing.T) {
	tracker, manual := newTestTracker()
	ip := "203.0.113.12"

	// 100 requests over exactly one minute is the threshold, not above it
	for request := 0; request < 100; request++ {
		tracker.RecordSample(ip, model.RequestMeta{})
	}
	manual.Advance(time.Minute)
	assert.False(t, tracker.EvaluateSuspicion(ip, false))
}

func TestEvaluateSuspicion_RateUsesElapsedMinutes(t *testing.T) {
	tracker, manual := newTestTracker()
	ip := "203.0.113.10"

	for request := 0; request < 150; request++ {
		tracker.RecordSample(ip, model.RequestMeta{})
	}
	manual.Advance(2 * time.Minute)
	tracker.RecordSample(ip, model.RequestMeta{})

	// 151 requests over 2 minutes is ~75/min
	assert.False(t, tracker.EvaluateSuspicion(ip, false))
}

func TestEvaluateSuspicion_UntrackedIP(t *testing.T) {
	tracker, _ := newTestTracker()
	assert.False(t, tracker.EvaluateSuspicion("192.0.2.1", true))
	assert.Equal(t, 0, tracker.Len())
}

func TestRelease_ClearsStickyFlag(t *testing.T) {
	tracker, _ := newTestTracker()
	ip := "198.51.100.20"
	for round := 0; round < 3; round++ {
		tracker.RecordSample(ip, model.RequestMeta{})
		tracker.EvaluateSuspicion(ip, true)
	}

	tracker.Release(ip)

	tracker.RecordSample(ip, model.RequestMeta{})
	assert.False(t, tracker.EvaluateSuspicion(ip, false))
	behavior, _ := tracker.Get(ip)
	assert.False(t, behavior.IsBlocked)
	assert.Equal(t, uint64(0), behavior.SuspiciousCount)

	tracker.Release("unknown")
}

func TestMarkBlocked_MakesLaterChecksSticky(t *testing.T) {
	tracker, _ := newTestTracker()
	ip := "198.51.100.30"

	// GIVEN a block decided outside the tracker for a known IP
	tracker.RecordSample(ip, model.RequestMeta{})
	tracker.MarkBlocked(ip)

	// THEN a normal verdict still reports the IP as blocked
	tracker.RecordSample(ip, model.RequestMeta{})
	assert.True(t, tracker.EvaluateSuspicion(ip, false))

	behavior, ok := tracker.Get(ip)
	require.True(t, ok)
	assert.True(t, behavior.IsBlocked)
	assert.Equal(t, uint64(0), behavior.SuspiciousCount)

	tracker.Release(ip)
	assert.False(t, tracker.EvaluateSuspicion(ip, false))
}

func TestMarkBlocked_UnknownIPCreatesEntry(t *testing.T) {
	tracker, _ := newTestTracker()
	ip := "198.51.100.31"

	tracker.MarkBlocked(ip)

	behavior, ok := tracker.Get(ip)
	require.True(t, ok)
	assert.True(t, behavior.IsBlocked)
	assert.Equal(t, uint64(0), behavior.RequestCount)
	assert.True(t, tracker.EvaluateSuspicion(ip, false))
}

func TestSweep_EvictsStaleEntriesRegardlessOfBlock(t *testing.T) {
	tracker, manual := newTestTracker()
	for round := 0; round < 3; round++ {
		tracker.RecordSample("10.1.1.1", model.RequestMeta{})
		tracker.EvaluateSuspicion("10.1.1.1", true)
	}
	manual.Advance(30 * time.Minute)
	tracker.RecordSample("10.1.1.2", model.RequestMeta{})

	manual.Advance(31 * time.Minute)
	evicted := tracker.Sweep(manual.Now())

	assert.Equal(t, 1, evicted)
	_, stillThere := tracker.Get("10.1.1.1")
	assert.False(t, stillThere)
	_, kept := tracker.Get("10.1.1.2")
	assert.True(t, kept)
}

func TestRecordSample_OpportunisticSweep(t *testing.T) {
	manual := clock.NewManual(epoch)
	tracker := New(Options{Shards: 1, Retention: time.Minute, SweepInterval: time.Second}, manual)

	tracker.RecordSample("10.2.2.1", model.RequestMeta{})
	manual.Advance(2 * time.Minute)
	tracker.RecordSample("10.2.2.2", model.RequestMeta{})

	assert.Equal(t, 1, tracker.Len())
}

func TestRecordSample_ConcurrentSameIP(t *testing.T) {
	tracker, _ := newTestTracker()
	var waitGroup sync.WaitGroup
	for worker := 0; worker < 16; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			for request := 0; request < 50; request++ {
				tracker.RecordSample("10.9.9.9", model.RequestMeta{})
				tracker.EvaluateSuspicion("10.9.9.9", true)
			}
		}()
	}
	waitGroup.Wait()

	behavior, ok := tracker.Get("10.9.9.9")
	require.True(t, ok)
	assert.Equal(t, uint64(800), behavior.RequestCount)
	assert.LessOrEqual(t, behavior.SuspiciousCount, behavior.RequestCount)
	assert.True(t, behavior.IsBlocked)
}

func TestLen_CountsAcrossShards(t *testing.T) {
	tracker, _ := newTestTracker()
	for index := 0; index < 100; index++ {
		tracker.RecordSample(fmt.Sprintf("10.0.%d.%d", index/256, index%256), model.RequestMeta{})
	}
	assert.Equal(t, 100, tracker.Len())
}
