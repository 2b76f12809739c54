// Package model defines shared data structures for DMCF, including:
// - Ingress payloads (detection requests, live packets, enforcement block reports)
// - Core state (per-IP behavior, block records, fusion results)
// - Northbound payloads (detection responses, audit history, events).
//
// All types here are intentionally free of dependencies on other internal
// packages to avoid circular imports.
package model

import (
	"strconv"
	"strings"
	"time"
)

// Prediction is the traffic class reported by the inference service (or the
// fallback heuristic) and by the fused verdict.
type Prediction string

const (
	PredictionDDoS       Prediction = "ddos"
	PredictionSuspicious Prediction = "suspicious"
	PredictionNormal     Prediction = "normal"
)

// ParsePrediction normalises a prediction label. Labels meaning "attack"
// ("ddos", "malicious", "attack") collapse to PredictionDDoS; unknown labels
// are treated as normal.
func ParsePrediction(raw string) Prediction {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ddos", "malicious", "attack":
		return PredictionDDoS
	case "suspicious":
		return PredictionSuspicious
	default:
		return PredictionNormal
	}
}

// ThreatLevel grades a block or a fused verdict.
type ThreatLevel string

const (
	ThreatLow    ThreatLevel = "low"
	ThreatMedium ThreatLevel = "medium"
	ThreatHigh   ThreatLevel = "high"
)

// ParseThreatLevel accepts any casing ("HIGH", "High", "high"). The second
// return value is false when the input is empty or unknown.
func ParseThreatLevel(raw string) (ThreatLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return ThreatLow, true
	case "medium":
		return ThreatMedium, true
	case "high":
		return ThreatHigh, true
	default:
		return "", false
	}
}

// ThreatLevelFromScore maps a score in [0,1] onto a level: > 0.85 high,
// > 0.6 medium, else low.
func ThreatLevelFromScore(score float64) ThreatLevel {
	switch {
	case score > 0.85:
		return ThreatHigh
	case score > 0.6:
		return ThreatMedium
	default:
		return ThreatLow
	}
}

// ---------------------------------------------------------------------------
// Ingress (telemetry → DMCF)
// ---------------------------------------------------------------------------

// PacketMeta is optional packet-level metadata attached to a traffic sample.
type PacketMeta struct {
	AvgPacketSize float64 `json:"avg_packet_size,omitempty"`
	PacketRate    float64 `json:"packet_rate,omitempty"`
}

// TrafficSample is the ordered sequence of traffic-volume readings for one
// evaluation request. It is consumed once per fusion call and never persisted.
type TrafficSample struct {
	Values       []float64  `json:"traffic"`
	Packet       PacketMeta `json:"packet_data"`
	NetworkSlice string     `json:"network_slice,omitempty"`
}

// Validate rejects empty samples. An empty sample is a caller error and must
// never be scored as zero.
func (sample TrafficSample) Validate() error {
	if len(sample.Values) == 0 {
		return Invalidf("traffic sample must contain at least one reading")
	}
	return nil
}

// Signature renders the ordered readings deterministically. Two samples with
// the same readings in the same order always share a signature.
func (sample TrafficSample) Signature() string {
	var builder strings.Builder
	for index, value := range sample.Values {
		if index > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(value, 'g', -1, 64))
	}
	return builder.String()
}

// RequestMeta is the last-seen request metadata for an IP. Diagnostic only.
type RequestMeta struct {
	UserAgent string    `json:"userAgent,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Method    string    `json:"method,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DetectionRequest is the JSON body of POST /api/detect.
type DetectionRequest struct {
	Traffic      []float64  `json:"traffic"`
	IP           string     `json:"ip"`
	PacketData   PacketMeta `json:"packet_data"`
	NetworkSlice string     `json:"network_slice,omitempty"`
	IsSimulated  bool       `json:"isSimulated,omitempty"`
}

// Sample extracts the TrafficSample carried by the request.
func (request DetectionRequest) Sample() TrafficSample {
	return TrafficSample{
		Values:       request.Traffic,
		Packet:       request.PacketData,
		NetworkSlice: request.NetworkSlice,
	}
}

// LivePacket is one captured packet summary forwarded by the capture agent.
type LivePacket struct {
	SrcIP      string `json:"srcIP"`
	DstIP      string `json:"dstIP"`
	Protocol   string `json:"protocol"`
	PacketSize int    `json:"packetSize"`
	Timestamp  int64  `json:"timestamp"`
}

// BlockSource records who decided a block.
type BlockSource string

const (
	// BlockSourceDetection means DMCF decided the block; the enforcement
	// backend still has to be told.
	BlockSourceDetection BlockSource = "detection"
	// BlockSourceEnforcement means the backend already installed the rule and
	// is reporting it.
	BlockSourceEnforcement BlockSource = "enforcement"
)

// BlockRequest asks the mitigation coordinator to block an IP.
type BlockRequest struct {
	IP            string      `json:"ip"`
	Reason        string      `json:"reason,omitempty"`
	Confidence    float64     `json:"confidence,omitempty"` // 0-100
	ThreatLevel   string      `json:"threatLevel,omitempty"`
	Timestamp     *time.Time  `json:"timestamp,omitempty"`
	IsSimulated   bool        `json:"isSimulated,omitempty"`
	NetworkSlice  string      `json:"network_slice,omitempty"`
	SlicePriority *int        `json:"slice_priority,omitempty"`
	Source        BlockSource `json:"-"`
}

// UnblockRequest is the JSON body of POST /api/unblock.
type UnblockRequest struct {
	IP string `json:"ip"`
}

// ---------------------------------------------------------------------------
// Core state
// ---------------------------------------------------------------------------

// IPBehavior is the per-IP request history kept by the behavioral tracker.
// Invariants: LastSeen >= FirstSeen; SuspiciousCount <= RequestCount.
type IPBehavior struct {
	IP              string      `json:"ip"`
	FirstSeen       time.Time   `json:"firstSeen"`
	LastSeen        time.Time   `json:"lastSeen"`
	RequestCount    uint64      `json:"requestCount"`
	SuspiciousCount uint64      `json:"suspiciousCount"`
	IsBlocked       bool        `json:"isBlocked"`
	LastRequestMeta RequestMeta `json:"lastRequest"`
}

// BlockRecord is one entry of the active block set. At most one record exists
// per IP at any time.
type BlockRecord struct {
	IP             string      `json:"ip"`
	Timestamp      time.Time   `json:"timestamp"`
	Reason         string      `json:"reason"`
	ThreatLevel    ThreatLevel `json:"threatLevel"`
	MitigationKind string      `json:"mitigation"`
	IsSimulated    bool        `json:"isSimulated"`
	NetworkSlice   string      `json:"network_slice"`
	SlicePriority  int         `json:"slice_priority"`
	Country        string      `json:"country,omitempty"`
	Source         BlockSource `json:"source"`
}

// InferenceResult is the output of the inference service or of the local
// fallback heuristic.
type InferenceResult struct {
	Prediction  Prediction  `json:"prediction"`
	Confidence  float64     `json:"confidence"`
	ThreatLevel ThreatLevel `json:"threat_level"`
}

// FusionResult is the fused verdict for one (IP, sample) pair.
type FusionResult struct {
	Prediction       Prediction      `json:"prediction"`
	Confidence       float64         `json:"confidence"`
	ThreatLevel      ThreatLevel     `json:"threatLevel"`
	CombinedScore    float64         `json:"combinedScore"`
	IsMalicious      bool            `json:"isMalicious"`
	MLScore          float64         `json:"mlThreatScore"`
	AbuseThreatScore float64         `json:"abuseThreatScore"`
	AbuseScore       int             `json:"abuseScore"`
	InferenceUsed    bool            `json:"ml_model_used"`
	Inference        InferenceResult `json:"inference"`
}

// ---------------------------------------------------------------------------
// Northbound (DMCF → dashboard / audit)
// ---------------------------------------------------------------------------

// NetworkAnalysis summarises the traffic sample of a detection request.
type NetworkAnalysis struct {
	MaxTraffic      float64 `json:"max_traffic"`
	AvgTraffic      float64 `json:"avg_traffic"`
	TrafficVariance float64 `json:"traffic_variance"`
	BandwidthMbps   float64 `json:"bandwidth_mbps"`
	PacketRate      float64 `json:"packet_rate"`
}

// DetectionResponse is the JSON body returned by POST /api/detect and carried
// by the detection-result event.
type DetectionResponse struct {
	Prediction        Prediction      `json:"prediction"`
	Confidence        float64         `json:"confidence"`
	IsMalicious       bool            `json:"isMalicious"`
	Blocked           bool            `json:"blocked"`
	BehaviorEscalated bool            `json:"behaviorEscalated"`
	ThreatLevel       ThreatLevel     `json:"threat_level"`
	SourceIP          string          `json:"source_ip"`
	DestinationIP     string          `json:"destination_ip"`
	AbuseScore        int             `json:"abuseScore"`
	MLModelUsed       bool            `json:"ml_model_used"`
	ThreatScore       string          `json:"threat_score"`
	Message           string          `json:"message"`
	NetworkSlice      string          `json:"network_slice"`
	Timestamp         time.Time       `json:"timestamp"`
	ResponseTimeMs    int64           `json:"response_time"`
	NetworkAnalysis   NetworkAnalysis `json:"network_analysis"`
}

// HistoryEntry is the audit row appended when a block is created.
type HistoryEntry struct {
	ID            int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Timestamp     time.Time `json:"timestamp" gorm:"index"`
	SrcIP         string    `json:"srcIP" gorm:"index"`
	DstIP         string    `json:"dstIP"`
	Protocol      string    `json:"protocol"`
	PacketSize    int       `json:"packetSize"`
	Action        string    `json:"action"`
	Prediction    string    `json:"prediction"`
	Reason        string    `json:"reason"`
	ThreatLevel   string    `json:"threatLevel"`
	IsSimulated   bool      `json:"isSimulated"`
	NetworkSlice  string    `json:"network_slice"`
	SlicePriority int       `json:"slice_priority"`
}

// CaptureStatus is the capture state pushed to new dashboard clients.
type CaptureStatus struct {
	IsCapturing      bool      `json:"isCapturing"`
	PacketCount      uint64    `json:"packetCount"`
	PacketsPerSecond float64   `json:"packetsPerSecond"`
	StartedAt        time.Time `json:"startedAt,omitempty"`
	DurationSec      float64   `json:"duration"`
}
