package fusion

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelai/dmcf/internal/cache"
	"github.com/sentinelai/dmcf/internal/clock"
	"github.com/sentinelai/dmcf/internal/model"
)

type stubClassifier struct {
	result model.InferenceResult
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func (classifier *stubClassifier) Classify(ctx context.Context, _ string, _ model.TrafficSample) (model.InferenceResult, error) {
	classifier.calls.Add(1)
	if classifier.delay > 0 {
		select {
		case <-time.After(classifier.delay):
		case <-ctx.Done():
			return model.InferenceResult{}, ctx.Err()
		}
	}
	return classifier.result, classifier.err
}

type stubReputation struct {
	score int
	delay time.Duration
	calls atomic.Int32
}

func (reputation *stubReputation) CheckReputation(ctx context.Context, _ string) int {
	reputation.calls.Add(1)
	if reputation.delay > 0 {
		select {
		case <-time.After(reputation.delay):
		case <-ctx.Done():
			return 0
		}
	}
	return reputation.score
}

type staticHealth bool

func (health staticHealth) IsHealthy() bool { return bool(health) }

var sample = model.TrafficSample{Values: []float64{120, 80, 100}}

func newScorer(
	classifier *stubClassifier,
	reputation *stubReputation,
	healthy bool,
) (Scorer, *cache.Cache[model.FusionResult]) {
	decisions := cache.New[model.FusionResult](10*time.Second, 0, clock.NewManual(time.Unix(0, 0)))
	return NewScorer(classifier, reputation, staticHealth(healthy), decisions, DefaultOptions(), nil), decisions
}

func TestFuse_DDoSWithZeroReputationHitsThreshold(t *testing.T) {
	classifier := &stubClassifier{result: model.InferenceResult{Prediction: model.PredictionDDoS, Confidence: 1.0}}
	scorer, _ := newScorer(classifier, &stubReputation{score: 0}, true)

	result, err := scorer.Fuse(context.Background(), "10.0.0.1", sample)
	require.NoError(t, err)

	assert.InDelta(t, 0.7, result.CombinedScore, 1e-9)
	assert.True(t, result.IsMalicious)
	assert.Equal(t, model.PredictionDDoS, result.Prediction)
	assert.True(t, result.InferenceUsed)
	assert.Equal(t, model.ThreatMedium, result.ThreatLevel)
}

func TestFuse_ReputationAloneCannotCrossThreshold(t *testing.T) {
	classifier := &stubClassifier{result: model.InferenceResult{Prediction: model.PredictionNormal, Confidence: 1.0}}
	scorer, _ := newScorer(classifier, &stubReputation{score: 80}, true)

	result, err := scorer.Fuse(context.Background(), "10.0.0.2", sample)
	require.NoError(t, err)

	assert.InDelta(t, 0.24, result.CombinedScore, 1e-9)
	assert.False(t, result.IsMalicious)
	assert.Equal(t, model.PredictionNormal, result.Prediction)
	assert.Equal(t, 80, result.AbuseScore)
}

func TestFuse_CacheHitIsIdenticalAndSkipsUpstream(t *testing.T) {
	classifier := &stubClassifier{result: model.InferenceResult{Prediction: model.PredictionSuspicious, Confidence: 0.9}}
	reputation := &stubReputation{score: 40}
	scorer, _ := newScorer(classifier, reputation, true)

	first, err := scorer.Fuse(context.Background(), "10.0.0.3", sample)
	require.NoError(t, err)
	second, err := scorer.Fuse(context.Background(), "10.0.0.3", sample)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), classifier.calls.Load())
	assert.Equal(t, int32(1), reputation.calls.Load())
}

func TestFuse_UnhealthyNeverCallsInference(t *testing.T) {
	classifier := &stubClassifier{result: model.InferenceResult{Prediction: model.PredictionDDoS, Confidence: 1}}
	scorer, _ := newScorer(classifier, &stubReputation{}, false)

	result, err := scorer.Fuse(context.Background(), "10.0.0.4", sample)
	require.NoError(t, err)

	assert.Equal(t, int32(0), classifier.calls.Load())
	assert.False(t, result.InferenceUsed)
	assert.Equal(t, FallbackScore(sample, 1500), result.Inference)
}

func TestFuse_ClassifyFailureFallsBack(t *testing.T) {
	classifier := &stubClassifier{err: errors.New("boom")}
	scorer, _ := newScorer(classifier, &stubReputation{}, true)

	result, err := scorer.Fuse(context.Background(), "10.0.0.5", sample)
	require.NoError(t, err)
	assert.Equal(t, int32(1), classifier.calls.Load())
	assert.False(t, result.InferenceUsed)
}

func TestFuse_UpstreamCallsRunConcurrently(t *testing.T) {
	classifier := &stubClassifier{
		result: model.InferenceResult{Prediction: model.PredictionDDoS, Confidence: 1},
		delay:  150 * time.Millisecond,
	}
	reputation := &stubReputation{score: 90, delay: 150 * time.Millisecond}
	scorer, _ := newScorer(classifier, reputation, true)

	startedAt := time.Now()
	result, err := scorer.Fuse(context.Background(), "10.0.0.6", sample)
	require.NoError(t, err)

	assert.Less(t, time.Since(startedAt), 280*time.Millisecond)
	assert.InDelta(t, 0.94, result.CombinedScore, 1e-9)
	assert.Equal(t, model.ThreatHigh, result.ThreatLevel)
}

func TestFuse_CallerCancellationCachesNothing(t *testing.T) {
	classifier := &stubClassifier{
		result: model.InferenceResult{Prediction: model.PredictionDDoS, Confidence: 1},
		delay:  time.Second,
	}
	scorer, decisions := newScorer(classifier, &stubReputation{score: 10}, true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := scorer.Fuse(ctx, "10.0.0.7", sample)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, decisions.Len())
}

func TestFuse_EmptySampleRejectedWithoutSideEffects(t *testing.T) {
	classifier := &stubClassifier{}
	reputation := &stubReputation{}
	scorer, decisions := newScorer(classifier, reputation, true)

	_, err := scorer.Fuse(context.Background(), "10.0.0.8", model.TrafficSample{})
	assert.True(t, model.IsInvalidInput(err))
	assert.Equal(t, int32(0), classifier.calls.Load())
	assert.Equal(t, int32(0), reputation.calls.Load())
	assert.Equal(t, 0, decisions.Len())
}

func TestFallbackScore_Formula(t *testing.T) {
	// mean 1000, variance 0, bandwidth 1000*1500/1e6 = 1.5
	flood := model.TrafficSample{Values: []float64{1000, 1000}}
	result := FallbackScore(flood, 1500)
	assert.InDelta(t, 0.8333333333, result.Confidence, 1e-9)
	assert.Equal(t, model.PredictionDDoS, result.Prediction)
	assert.Equal(t, model.ThreatMedium, result.ThreatLevel)

	quiet := model.TrafficSample{Values: []float64{10, 30}, Packet: model.PacketMeta{AvgPacketSize: 100}}
	stats := ComputeStats(quiet, 1500)
	assert.Equal(t, 20.0, stats.Mean)
	assert.Equal(t, 100.0, stats.Variance)
	assert.Equal(t, 30.0, stats.Max)
	assert.InDelta(t, 0.002, stats.BandwidthMbps, 1e-12)

	result = FallbackScore(quiet, 1500)
	assert.Equal(t, model.PredictionNormal, result.Prediction)
	assert.Equal(t, model.ThreatLow, result.ThreatLevel)
}

func TestFallbackScore_ConfidenceCapped(t *testing.T) {
	result := FallbackScore(model.TrafficSample{Values: []float64{0, 100000}}, 1500)
	assert.Equal(t, 0.99, result.Confidence)
	assert.Equal(t, model.ThreatHigh, result.ThreatLevel)
}

func TestScoreMappings(t *testing.T) {
	assert.Equal(t, 0.0, MLThreatScore(model.InferenceResult{Prediction: model.PredictionNormal, Confidence: 1}))
	assert.InDelta(t, 0.54, MLThreatScore(model.InferenceResult{Prediction: model.PredictionSuspicious, Confidence: 0.9}), 1e-9)
	assert.Equal(t, 0.8, AbuseThreatScore(51))
	assert.Equal(t, 0.4, AbuseThreatScore(50))
	assert.Equal(t, 0.4, AbuseThreatScore(31))
	assert.Equal(t, 0.0, AbuseThreatScore(30))
}
