package fusion

import (
	"math"

	"github.com/sentinelai/dmcf/internal/model"
)

// SampleStats summarises a traffic sample. Variance is the population variance.
type SampleStats struct {
	Max           float64
	Mean          float64
	Variance      float64
	BandwidthMbps float64
}

// ComputeStats derives the sample statistics shared by the fallback heuristic
// and the detection response. packetSize is used when the sample carries no
// average packet size. An empty sample yields zero stats; callers validate
// before scoring.
func ComputeStats(sample model.TrafficSample, defaultPacketSize float64) SampleStats {
	count := float64(len(sample.Values))
	if count == 0 {
		return SampleStats{}
	}

	sum := 0.0
	maxValue := math.Inf(-1)
	for _, value := range sample.Values {
		sum += value
		maxValue = math.Max(maxValue, value)
	}
	mean := sum / count

	squaredDeviation := 0.0
	for _, value := range sample.Values {
		squaredDeviation += (value - mean) * (value - mean)
	}

	packetSize := sample.Packet.AvgPacketSize
	if packetSize <= 0 {
		packetSize = defaultPacketSize
	}

	return SampleStats{
		Max:           maxValue,
		Mean:          mean,
		Variance:      squaredDeviation / count,
		BandwidthMbps: mean * packetSize / 1e6,
	}
}

// FallbackScore is the local heuristic used whenever the inference service is
// unhealthy or a classify call fails:
//
//	score = (mean/1000 + variance/100 + bandwidthMbps) / 3
//
// ddos above 0.7; confidence is min(0.99, score).
func FallbackScore(sample model.TrafficSample, defaultPacketSize float64) model.InferenceResult {
	stats := ComputeStats(sample, defaultPacketSize)
	score := (stats.Mean/1000 + stats.Variance/100 + stats.BandwidthMbps) / 3
	if math.IsNaN(score) || score < 0 {
		score = 0
	}

	prediction := model.PredictionNormal
	if score > 0.7 {
		prediction = model.PredictionDDoS
	}
	return model.InferenceResult{
		Prediction:  prediction,
		Confidence:  math.Min(0.99, score),
		ThreatLevel: model.ThreatLevelFromScore(score),
	}
}
