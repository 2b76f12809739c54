// Package fusion combines the ML verdict (live or fallback) with the
// reputation score into one combined threat score and verdict.
//
//	mlThreatScore    = factor(prediction) * confidence   (ddos 1.0, suspicious 0.6, else 0)
//	abuseThreatScore = 0.8 if abuse > 50, 0.4 if abuse > 30, else 0
//	combined         = mlWeight*mlThreatScore + reputationWeight*abuseThreatScore
//	malicious        = combined >= threshold
//
// With the default weights reputation alone tops out at 0.24 and can never
// cross the 0.7 threshold; it only moves a borderline ML score.
package fusion

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentinelai/dmcf/internal/cache"
	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/metrics"
	"github.com/sentinelai/dmcf/internal/model"
)

// Classifier is the part of the inference client the scorer needs.
type Classifier interface {
	Classify(ctx context.Context, ip string, sample model.TrafficSample) (model.InferenceResult, error)
}

// ReputationChecker is the part of the reputation client the scorer needs.
type ReputationChecker interface {
	CheckReputation(ctx context.Context, ip string) int
}

// HealthChecker answers whether classify should be attempted at all.
type HealthChecker interface {
	IsHealthy() bool
}

// Options are the fusion weights and bounds.
type Options struct {
	Threshold         float64
	MLWeight          float64
	ReputationWeight  float64
	Timeout           time.Duration // aggregate bound for both upstream calls
	DefaultPacketSize float64
}

// DefaultOptions returns the shipped weights.
func DefaultOptions() Options {
	return Options{
		Threshold:         0.7,
		MLWeight:          0.7,
		ReputationWeight:  0.3,
		Timeout:           3500 * time.Millisecond,
		DefaultPacketSize: 1500,
	}
}

// Scorer produces fused verdicts.
type Scorer interface {
	// Fuse returns the verdict for (ip, sample). Dependency failures degrade
	// (fallback heuristic, zero reputation) and never fail the call. It only
	// returns an error for an invalid sample or when ctx ends first; in both
	// cases nothing is cached.
	Fuse(ctx context.Context, ip string, sample model.TrafficSample) (model.FusionResult, error)
}

type scorerImpl struct {
	classifier Classifier
	reputation ReputationChecker
	health     HealthChecker
	decisions  *cache.Cache[model.FusionResult]
	options    Options
	metrics    *metrics.Metrics
}

// NewScorer wires a Scorer. decisions and metricsInstance may be nil.
func NewScorer(
	classifier Classifier,
	reputation ReputationChecker,
	health HealthChecker,
	decisions *cache.Cache[model.FusionResult],
	options Options,
	metricsInstance *metrics.Metrics,
) Scorer {
	defaults := DefaultOptions()
	if options.Threshold <= 0 {
		options.Threshold = defaults.Threshold
	}
	if options.MLWeight <= 0 && options.ReputationWeight <= 0 {
		options.MLWeight = defaults.MLWeight
		options.ReputationWeight = defaults.ReputationWeight
	}
	if options.Timeout <= 0 {
		options.Timeout = defaults.Timeout
	}
	if options.DefaultPacketSize <= 0 {
		options.DefaultPacketSize = defaults.DefaultPacketSize
	}
	return &scorerImpl{
		classifier: classifier,
		reputation: reputation,
		health:     health,
		decisions:  decisions,
		options:    options,
		metrics:    metricsInstance,
	}
}

// Fuse implements Scorer.Fuse.
func (scorer *scorerImpl) Fuse(
	ctx context.Context,
	ip string,
	sample model.TrafficSample,
) (model.FusionResult, error) {
	if err := sample.Validate(); err != nil {
		return model.FusionResult{}, err
	}

	cacheKey := cache.Key(ip, sample)
	if scorer.decisions != nil {
		if cached, hit := scorer.decisions.Get(cacheKey); hit {
			scorer.metrics.ObserveCacheLookup(true)
			logger.FusionLog.Debugf("decision cache hit ip=%s", ip)
			return cached, nil
		}
		scorer.metrics.ObserveCacheLookup(false)
	}

	startedAt := time.Now()
	fusionContext, cancel := context.WithTimeout(ctx, scorer.options.Timeout)
	defer cancel()

	var (
		inference     model.InferenceResult
		inferenceUsed bool
		abuseScore    int
	)

	group, groupContext := errgroup.WithContext(fusionContext)
	group.Go(func() error {
		inference, inferenceUsed = scorer.classify(groupContext, ip, sample)
		return nil
	})
	group.Go(func() error {
		abuseScore = scorer.reputation.CheckReputation(groupContext, ip)
		return nil
	})
	_ = group.Wait()

	// the caller walked away: partial results must not be cached or acted on
	if err := ctx.Err(); err != nil {
		logger.FusionLog.Debugf("fusion abandoned by caller ip=%s: %v", ip, err)
		return model.FusionResult{}, err
	}

	result := scorer.combine(inference, inferenceUsed, abuseScore)
	scorer.metrics.ObserveFusionSeconds(time.Since(startedAt).Seconds())

	logger.FusionLog.Debugf(
		"fused ip=%s prediction=%s ml=%.3f abuse=%d combined=%.3f malicious=%t inferenceUsed=%t",
		ip, inference.Prediction, result.MLScore, abuseScore, result.CombinedScore, result.IsMalicious, inferenceUsed,
	)

	if scorer.decisions != nil {
		scorer.decisions.Put(cacheKey, result)
	}
	return result, nil
}

// classify returns the live verdict when the service is healthy and answers,
// otherwise the fallback heuristic. The bool reports whether the live
// verdict was used.
func (scorer *scorerImpl) classify(
	ctx context.Context,
	ip string,
	sample model.TrafficSample,
) (model.InferenceResult, bool) {
	if scorer.health == nil || scorer.health.IsHealthy() {
		result, err := scorer.classifier.Classify(ctx, ip, sample)
		if err == nil {
			return result, true
		}
		logger.FusionLog.Warnf("classify failed ip=%s, using fallback: %v", ip, err)
	}
	scorer.metrics.ObserveFallback()
	return FallbackScore(sample, scorer.options.DefaultPacketSize), false
}

func (scorer *scorerImpl) combine(
	inference model.InferenceResult,
	inferenceUsed bool,
	abuseScore int,
) model.FusionResult {
	mlScore := MLThreatScore(inference)
	abuseThreatScore := AbuseThreatScore(abuseScore)
	combined := scorer.options.MLWeight*mlScore + scorer.options.ReputationWeight*abuseThreatScore
	combined = math.Max(0, math.Min(1, combined))

	malicious := combined >= scorer.options.Threshold
	prediction := model.PredictionNormal
	if malicious {
		prediction = model.PredictionDDoS
	}

	return model.FusionResult{
		Prediction:       prediction,
		Confidence:       math.Min(0.99, combined),
		ThreatLevel:      model.ThreatLevelFromScore(combined),
		CombinedScore:    combined,
		IsMalicious:      malicious,
		MLScore:          mlScore,
		AbuseThreatScore: abuseThreatScore,
		AbuseScore:       abuseScore,
		InferenceUsed:    inferenceUsed,
		Inference:        inference,
	}
}

// MLThreatScore maps a classifier verdict onto [0,1].
func MLThreatScore(inference model.InferenceResult) float64 {
	factor := 0.0
	switch inference.Prediction {
	case model.PredictionDDoS:
		factor = 1.0
	case model.PredictionSuspicious:
		factor = 0.6
	}
	return factor * math.Max(0, math.Min(1, inference.Confidence))
}

// AbuseThreatScore buckets a 0-100 abuse confidence score.
func AbuseThreatScore(abuseScore int) float64 {
	switch {
	case abuseScore > 50:
		return 0.8
	case abuseScore > 30:
		return 0.4
	default:
		return 0
	}
}
