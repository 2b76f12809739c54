package model

import "time"

// EventType enumerates the discrete facts DMCF publishes to the dashboard and
// other collaborators.
type EventType string

const (
	EventIPBlocked         EventType = "ip_blocked"
	EventBlockListUpdated  EventType = "update_blocked_ips"
	EventIPUnblocked       EventType = "unblocked_ip"
	EventDetectionResult   EventType = "detection-result"
	EventDetectionLog      EventType = "detection-log"
	EventNewPacket         EventType = "new_packet"
	EventCaptureStarted    EventType = "capture-started"
	EventCaptureStopped    EventType = "capture-stopped"
	EventInitialBlockedIPs EventType = "initial_blocked_ips"
	EventCaptureStatus     EventType = "capture-status"
	EventInferenceHealth   EventType = "inference-health"
)

// Event is one published fact. Payload is any JSON-encodable value; the event
// bus never inspects it.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"data"`
}

// DetectionLogLine is the payload of EventDetectionLog.
type DetectionLogLine struct {
	Level     string    `json:"type"` // "error" for malicious, "success" for normal
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// IPUnblockedPayload is the payload of EventIPUnblocked.
type IPUnblockedPayload struct {
	IP string `json:"ip"`
}

// InferenceHealthPayload is the payload of EventInferenceHealth.
type InferenceHealthPayload struct {
	Healthy bool `json:"healthy"`
}

// BlockVerdictPayload is the detection-result payload emitted when a block is
// created outside of an evaluation (e.g. reported by the enforcement backend).
type BlockVerdictPayload struct {
	IP          string     `json:"ip"`
	IsDDoS      bool       `json:"is_ddos"`
	Confidence  float64    `json:"confidence"` // 0-1
	Prediction  Prediction `json:"prediction"`
	AbuseScore  float64    `json:"abuseScore"`
	ThreatLevel string     `json:"threat_level"` // upper-case
}

// NewEvent stamps an event with the given time.
func NewEvent(eventType EventType, at time.Time, payload interface{}) Event {
	return Event{Type: eventType, Timestamp: at, Payload: payload}
}
