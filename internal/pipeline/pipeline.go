// Package pipeline runs the end-to-end evaluation of one telemetry sample:
// behavior update, signal fusion, behavioral escalation, mitigation and event
// publication. It is the single entry point used by the HTTP handlers.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"

	"github.com/sentinelai/dmcf/internal/clock"
	"github.com/sentinelai/dmcf/internal/fusion"
	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/metrics"
	"github.com/sentinelai/dmcf/internal/mitigation"
	"github.com/sentinelai/dmcf/internal/model"
	"github.com/sentinelai/dmcf/internal/storage"
	"github.com/sentinelai/dmcf/internal/tracker"
)

// EventPublisher receives evaluation and packet events.
type EventPublisher interface {
	Publish(event model.Event)
}

// PacketCounter counts live packets; the runtime context satisfies it.
type PacketCounter interface {
	RecordPacket() uint64
}

// HistoryReader reads the block audit trail; storage.Store satisfies it.
type HistoryReader interface {
	QueryHistory(ctx context.Context, query storage.HistoryQuery) ([]model.HistoryEntry, error)
}

// Options tune response decoration.
type Options struct {
	DefaultNetworkSlice string
	DefaultPacketSize   float64
	LocalIP             string
}

// Dependencies bundles the components the pipeline drives. Events, Packets,
// History and Metrics may be nil.
type Dependencies struct {
	Tracker     tracker.Tracker
	Scorer      fusion.Scorer
	Coordinator mitigation.Coordinator
	Events      EventPublisher
	Packets     PacketCounter
	History     HistoryReader
	Metrics     *metrics.Metrics
	Clock       clock.Clock
}

// Pipeline is the evaluation and mitigation facade.
type Pipeline interface {
	// Evaluate scores one sample. Invalid input (bad IP, empty traffic) is
	// rejected with model.ErrInvalidInput before any state is touched; any
	// other outcome is a verdict, degraded or not.
	Evaluate(ctx context.Context, request model.DetectionRequest, meta model.RequestMeta) (model.DetectionResponse, error)

	// ReportBlock registers a block the enforcement backend already installed.
	ReportBlock(ctx context.Context, request model.BlockRequest) (model.BlockRecord, bool, error)

	// Unblock performs a confirmed unblock.
	Unblock(ctx context.Context, ip string) error

	// BlockedIPs returns the active block set ordered by block time.
	BlockedIPs() []model.BlockRecord

	// RecordLivePacket counts and republishes one captured packet summary.
	RecordLivePacket(ctx context.Context, packet model.LivePacket) uint64

	// History returns block audit rows, newest first.
	History(ctx context.Context, query storage.HistoryQuery) ([]model.HistoryEntry, error)
}

type pipelineImpl struct {
	deps    Dependencies
	options Options
}

// New wires a Pipeline.
func New(options Options, deps Dependencies) Pipeline {
	if strings.TrimSpace(options.DefaultNetworkSlice) == "" {
		options.DefaultNetworkSlice = "eMBB"
	}
	if options.DefaultPacketSize <= 0 {
		options.DefaultPacketSize = fusion.DefaultOptions().DefaultPacketSize
	}
	if strings.TrimSpace(options.LocalIP) == "" {
		options.LocalIP = "127.0.0.1"
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &pipelineImpl{deps: deps, options: options}
}

// ---- evaluate ----

// Evaluate implements Pipeline.Evaluate.
func (pipeline *pipelineImpl) Evaluate(
	ctx context.Context,
	request model.DetectionRequest,
	meta model.RequestMeta,
) (model.DetectionResponse, error) {
	startedAt := pipeline.deps.Clock.Now()

	ip := strings.TrimSpace(request.IP)
	if ip == "" {
		return model.DetectionResponse{}, model.Invalidf("IP required")
	}
	if !govalidator.IsIP(ip) {
		return model.DetectionResponse{}, model.Invalidf("invalid IP address %q", ip)
	}
	sample := request.Sample()
	if err := sample.Validate(); err != nil {
		return model.DetectionResponse{}, err
	}
	if sample.NetworkSlice == "" {
		sample.NetworkSlice = pipeline.options.DefaultNetworkSlice
	}

	if meta.Timestamp.IsZero() {
		meta.Timestamp = startedAt
	}
	pipeline.deps.Tracker.RecordSample(ip, meta)

	result, fuseError := pipeline.deps.Scorer.Fuse(ctx, ip, sample)
	if fuseError != nil {
		// only caller cancellation (or an invalid sample) gets here
		return model.DetectionResponse{}, fuseError
	}

	// an IP already in the block set stays escalated even when the tracker
	// never decided the block itself or evicted the entry since
	if pipeline.deps.Coordinator.IsBlocked(ip) {
		pipeline.deps.Tracker.MarkBlocked(ip)
	}
	escalated := pipeline.deps.Tracker.EvaluateSuspicion(ip, result.IsMalicious)

	blocked := false
	if result.IsMalicious || escalated {
		blocked = pipeline.block(ctx, ip, request, result, escalated)
	}

	verdict := "normal"
	switch {
	case result.IsMalicious:
		verdict = "malicious"
	case escalated:
		verdict = "escalated"
	}
	pipeline.deps.Metrics.ObserveEvaluation(verdict)

	finishedAt := pipeline.deps.Clock.Now()
	response := model.DetectionResponse{
		Prediction:        result.Prediction,
		Confidence:        result.Confidence,
		IsMalicious:       result.IsMalicious,
		Blocked:           blocked,
		BehaviorEscalated: escalated,
		ThreatLevel:       result.ThreatLevel,
		SourceIP:          ip,
		DestinationIP:     pipeline.options.LocalIP,
		AbuseScore:        result.AbuseScore,
		MLModelUsed:       result.InferenceUsed,
		ThreatScore:       fmt.Sprintf("%.3f", result.CombinedScore),
		Message:           responseMessage(ip, result.IsMalicious, escalated, blocked),
		NetworkSlice:      sample.NetworkSlice,
		Timestamp:         finishedAt,
		ResponseTimeMs:    finishedAt.Sub(startedAt).Milliseconds(),
		NetworkAnalysis:   pipeline.analyse(sample),
	}

	pipeline.publishEvaluation(response, result.CombinedScore)

	logger.PipelineLog.Debugf(
		"evaluated ip=%s prediction=%s combined=%.3f malicious=%t escalated=%t blocked=%t ml=%t",
		ip, result.Prediction, result.CombinedScore, result.IsMalicious, escalated, blocked, result.InferenceUsed,
	)
	return response, nil
}

func (pipeline *pipelineImpl) block(
	ctx context.Context,
	ip string,
	request model.DetectionRequest,
	result model.FusionResult,
	escalated bool,
) bool {
	reason := fmt.Sprintf("DDoS detected (score: %.2f)", result.CombinedScore)
	if !result.IsMalicious && escalated {
		reason = "Behavioral escalation"
	}

	threatLevel := ""
	if result.IsMalicious {
		threatLevel = string(result.ThreatLevel)
	}

	_, _, err := pipeline.deps.Coordinator.Block(ctx, model.BlockRequest{
		IP:           ip,
		Reason:       reason,
		Confidence:   result.Confidence * 100,
		ThreatLevel:  threatLevel,
		IsSimulated:  request.IsSimulated,
		NetworkSlice: request.NetworkSlice,
		Source:       model.BlockSourceDetection,
	})
	if err != nil {
		logger.PipelineLog.Errorf("failed to block ip=%s: %v", ip, err)
		return false
	}
	return true
}

func responseMessage(ip string, malicious, escalated, blocked bool) string {
	switch {
	case malicious && blocked:
		return fmt.Sprintf("Malicious traffic from %s blocked", ip)
	case malicious:
		return fmt.Sprintf("Malicious traffic from %s", ip)
	case escalated && blocked:
		return fmt.Sprintf("Suspicious behavior from %s blocked", ip)
	default:
		return fmt.Sprintf("Normal traffic from %s", ip)
	}
}

func (pipeline *pipelineImpl) analyse(sample model.TrafficSample) model.NetworkAnalysis {
	stats := fusion.ComputeStats(sample, pipeline.options.DefaultPacketSize)
	return model.NetworkAnalysis{
		MaxTraffic:      stats.Max,
		AvgTraffic:      stats.Mean,
		TrafficVariance: stats.Variance,
		BandwidthMbps:   stats.BandwidthMbps,
		PacketRate:      sample.Packet.PacketRate,
	}
}

func (pipeline *pipelineImpl) publishEvaluation(response model.DetectionResponse, combinedScore float64) {
	if pipeline.deps.Events == nil {
		return
	}

	pipeline.deps.Events.Publish(model.NewEvent(model.EventDetectionResult, response.Timestamp, response))

	level, label := "success", "NORMAL"
	if response.IsMalicious {
		level, label = "error", "MALICIOUS"
	}
	pipeline.deps.Events.Publish(model.NewEvent(model.EventDetectionLog, response.Timestamp, model.DetectionLogLine{
		Level: level,
		Message: fmt.Sprintf("%s [%s] → %s | Score: %.2f",
			label, response.SourceIP, response.DestinationIP, combinedScore),
		Timestamp: response.Timestamp,
	}))
}

// ---- block state ----

// ReportBlock implements Pipeline.ReportBlock.
func (pipeline *pipelineImpl) ReportBlock(
	ctx context.Context,
	request model.BlockRequest,
) (model.BlockRecord, bool, error) {
	ip := strings.TrimSpace(request.IP)
	if ip == "" {
		return model.BlockRecord{}, false, model.Invalidf("No IP provided")
	}
	if !govalidator.IsIP(ip) {
		return model.BlockRecord{}, false, model.Invalidf("invalid IP address %q", ip)
	}
	request.IP = ip
	request.Source = model.BlockSourceEnforcement
	if request.Confidence <= 0 {
		request.Confidence = 99
	}

	record, created, err := pipeline.deps.Coordinator.Block(ctx, request)
	if err != nil {
		return model.BlockRecord{}, false, err
	}
	if created {
		logger.PipelineLog.Infof("enforcement reported block ip=%s", ip)
	}
	return record, created, nil
}

// Unblock implements Pipeline.Unblock.
func (pipeline *pipelineImpl) Unblock(ctx context.Context, ip string) error {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return model.Invalidf("No IP provided")
	}
	return pipeline.deps.Coordinator.Unblock(ctx, ip)
}

// BlockedIPs implements Pipeline.BlockedIPs.
func (pipeline *pipelineImpl) BlockedIPs() []model.BlockRecord {
	return pipeline.deps.Coordinator.List()
}

// ---- live packets and history ----

// RecordLivePacket implements Pipeline.RecordLivePacket.
func (pipeline *pipelineImpl) RecordLivePacket(ctx context.Context, packet model.LivePacket) uint64 {
	var total uint64
	if pipeline.deps.Packets != nil {
		total = pipeline.deps.Packets.RecordPacket()
	}
	pipeline.deps.Metrics.ObserveLivePacket()

	if pipeline.deps.Events != nil {
		pipeline.deps.Events.Publish(model.NewEvent(model.EventNewPacket, pipeline.deps.Clock.Now(), packet))
	}

	srcIP, dstIP := packet.SrcIP, packet.DstIP
	if srcIP == "" {
		srcIP = "unknown"
	}
	if dstIP == "" {
		dstIP = "unknown"
	}
	logger.PipelineLog.Tracef("[%d] packet from %s → %s", total, srcIP, dstIP)
	return total
}

// History implements Pipeline.History.
func (pipeline *pipelineImpl) History(
	ctx context.Context,
	query storage.HistoryQuery,
) ([]model.HistoryEntry, error) {
	if pipeline.deps.History == nil {
		return []model.HistoryEntry{}, nil
	}
	return pipeline.deps.History.QueryHistory(ctx, query)
}
