package factory

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/asaskevich/govalidator"
)

// Config is the top-level configuration loaded from config/dmcfcfg.yaml.
type Config struct {
	Info        InfoSection        `yaml:"info"`
	Southbound  SouthboundSection  `yaml:"southbound"`
	Northbound  NorthboundSection  `yaml:"northbound"`
	Inference   InferenceSection   `yaml:"inference"`
	Reputation  ReputationSection  `yaml:"reputation"`
	Enforcement EnforcementSection `yaml:"enforcement"`
	Detection   DetectionSection   `yaml:"detection"`
	Behavior    BehaviorSection    `yaml:"behavior"`
	Cache       CacheSection       `yaml:"cache"`
	Mitigation  MitigationSection  `yaml:"mitigation"`
	Storage     StorageSection     `yaml:"storage"`
	GeoIP       GeoIPSection       `yaml:"geoip"`
	Metrics     MetricsSection     `yaml:"metrics"`
	Logging     LoggingSection     `yaml:"logging"`
}

// ---------- info ----------

type InfoSection struct {
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// ---------- southbound (telemetry / enforcement reports → DMCF) ----------

type SouthboundSection struct {
	ListenAddr string `yaml:"listenAddr" valid:"dialstring"` // e.g. "0.0.0.0:3001"
}

// ---------- northbound (DMCF → dashboard) ----------

type NorthboundSection struct {
	ListenAddr      string   `yaml:"listenAddr" valid:"dialstring"` // e.g. "0.0.0.0:3000"
	EnableWebsocket bool     `yaml:"enableWebsocket"`
	AllowedOrigins  []string `yaml:"allowedOrigins,omitempty"` // empty = allow any origin
	WebhookURL      string   `yaml:"webhookUrl,omitempty" valid:"url,optional"`
	EventBufferSize int      `yaml:"eventBufferSize"`
}

// ---------- inference service ----------

type InferenceSection struct {
	BaseURL           string `yaml:"baseUrl" valid:"url"` // e.g. "http://127.0.0.1:5001"
	TimeoutMs         int    `yaml:"timeoutMs"`
	HealthIntervalSec int    `yaml:"healthIntervalSec"`
	HealthTimeoutMs   int    `yaml:"healthTimeoutMs"`
}

// ---------- reputation service ----------

type ReputationSection struct {
	BaseURL      string `yaml:"baseUrl,omitempty" valid:"url,optional"` // e.g. "https://api.abuseipdb.com/api/v2"
	APIKey       string `yaml:"apiKey,omitempty"`
	TimeoutMs    int    `yaml:"timeoutMs"`
	MaxAgeInDays int    `yaml:"maxAgeInDays"`
}

// Enabled reports whether the reputation client should call out at all.
func (section ReputationSection) Enabled() bool {
	return strings.TrimSpace(section.BaseURL) != "" && strings.TrimSpace(section.APIKey) != ""
}

// ---------- enforcement backend / capture agent ----------

type EnforcementSection struct {
	BaseURL        string `yaml:"baseUrl" valid:"url"`                           // unblock + block notification
	CaptureBaseURL string `yaml:"captureBaseUrl,omitempty" valid:"url,optional"` // start/stop capture; defaults to baseUrl
	TimeoutMs      int    `yaml:"timeoutMs"`
	NotifyBlocks   bool   `yaml:"notifyBlocks"`
}

// ---------- detection (fusion) ----------

type DetectionSection struct {
	FusionThreshold   float64 `yaml:"fusionThreshold"`
	MLWeight          float64 `yaml:"mlWeight"`
	ReputationWeight  float64 `yaml:"reputationWeight"`
	FusionTimeoutMs   int     `yaml:"fusionTimeoutMs"`
	DefaultPacketSize float64 `yaml:"defaultPacketSize"`
}

// ---------- behavioral tracker ----------

type BehaviorSection struct {
	SuspiciousThreshold int     `yaml:"suspiciousThreshold"`
	RateThresholdPerMin float64 `yaml:"rateThresholdPerMin"`
	RetentionSec        int     `yaml:"retentionSec"`
	RateFloorSec        int     `yaml:"rateFloorSec"`
	MinRateSamples      int     `yaml:"minRateSamples"`
	SweepIntervalSec    int     `yaml:"sweepIntervalSec"`
	Shards              int     `yaml:"shards"`
}

// ---------- decision cache ----------

type CacheSection struct {
	TTLMs      int `yaml:"ttlMs"`
	MaxEntries int `yaml:"maxEntries,omitempty"`
}

// ---------- mitigation coordinator ----------

type MitigationSection struct {
	MitigationKind          string  `yaml:"mitigationKind"`
	DefaultNetworkSlice     string  `yaml:"defaultNetworkSlice"`
	DefaultSlicePriority    int     `yaml:"defaultSlicePriority"`
	HighConfidenceThreshold float64 `yaml:"highConfidenceThreshold"`
	Shards                  int     `yaml:"shards"`
}

// ---------- storage ----------

type StorageSection struct {
	Driver            string `yaml:"driver" valid:"in(memory|sqlite|postgres)"`
	DSN               string `yaml:"dsn"` // file path for sqlite, connection string for postgres
	MaxItems          int    `yaml:"maxItems,omitempty"`
	TTLSec            int    `yaml:"ttlSec,omitempty"`
	VacuumIntervalSec int    `yaml:"vacuumIntervalSec"`
}

// ---------- geoip ----------

type GeoIPSection struct {
	Enable       bool   `yaml:"enable"`
	DatabasePath string `yaml:"databasePath,omitempty"`
}

// ---------- metrics ----------

type MetricsSection struct {
	Enable    bool   `yaml:"enable"`
	Namespace string `yaml:"namespace"`
}

// ---------- logging ----------

type LoggingSection struct {
	Level        string `yaml:"level"` // "debug" | "info" | "warn" | "error"
	ReportCaller bool   `yaml:"reportCaller"`
}

// ---------- defaults ----------

func applyDefaults(cfg *Config) {
	// southbound / northbound
	if strings.TrimSpace(cfg.Southbound.ListenAddr) == "" {
		cfg.Southbound.ListenAddr = "0.0.0.0:3001"
	}
	if strings.TrimSpace(cfg.Northbound.ListenAddr) == "" {
		cfg.Northbound.ListenAddr = "0.0.0.0:3000"
	}
	if cfg.Northbound.EventBufferSize <= 0 {
		cfg.Northbound.EventBufferSize = 1024
	}
	// inference
	if strings.TrimSpace(cfg.Inference.BaseURL) == "" {
		cfg.Inference.BaseURL = "http://127.0.0.1:5001"
	}
	if cfg.Inference.TimeoutMs <= 0 {
		cfg.Inference.TimeoutMs = 3000
	}
	if cfg.Inference.HealthIntervalSec <= 0 {
		cfg.Inference.HealthIntervalSec = 10
	}
	if cfg.Inference.HealthTimeoutMs <= 0 {
		cfg.Inference.HealthTimeoutMs = 2000
	}
	// reputation
	if cfg.Reputation.TimeoutMs <= 0 {
		cfg.Reputation.TimeoutMs = 200
	}
	if cfg.Reputation.MaxAgeInDays <= 0 {
		cfg.Reputation.MaxAgeInDays = 90
	}
	// enforcement
	if strings.TrimSpace(cfg.Enforcement.BaseURL) == "" {
		cfg.Enforcement.BaseURL = "http://127.0.0.1:5001"
	}
	if strings.TrimSpace(cfg.Enforcement.CaptureBaseURL) == "" {
		cfg.Enforcement.CaptureBaseURL = cfg.Enforcement.BaseURL
	}
	if cfg.Enforcement.TimeoutMs <= 0 {
		cfg.Enforcement.TimeoutMs = 3000
	}
	// detection
	if cfg.Detection.FusionThreshold <= 0 {
		cfg.Detection.FusionThreshold = 0.7
	}
	if cfg.Detection.MLWeight <= 0 && cfg.Detection.ReputationWeight <= 0 {
		cfg.Detection.MLWeight = 0.7
		cfg.Detection.ReputationWeight = 0.3
	}
	if cfg.Detection.FusionTimeoutMs <= 0 {
		cfg.Detection.FusionTimeoutMs = 3500
	}
	if cfg.Detection.DefaultPacketSize <= 0 {
		cfg.Detection.DefaultPacketSize = 1500
	}
	// behavior
	if cfg.Behavior.SuspiciousThreshold <= 0 {
		cfg.Behavior.SuspiciousThreshold = 3
	}
	if cfg.Behavior.RateThresholdPerMin <= 0 {
		cfg.Behavior.RateThresholdPerMin = 100
	}
	if cfg.Behavior.RetentionSec <= 0 {
		cfg.Behavior.RetentionSec = 3600
	}
	if cfg.Behavior.RateFloorSec <= 0 {
		cfg.Behavior.RateFloorSec = 5
	}
	if cfg.Behavior.MinRateSamples <= 0 {
		cfg.Behavior.MinRateSamples = 10
	}
	if cfg.Behavior.SweepIntervalSec <= 0 {
		cfg.Behavior.SweepIntervalSec = 60
	}
	if cfg.Behavior.Shards <= 0 {
		cfg.Behavior.Shards = 32
	}
	// cache
	if cfg.Cache.TTLMs <= 0 {
		cfg.Cache.TTLMs = 10000
	}
	if cfg.Cache.MaxEntries < 0 {
		cfg.Cache.MaxEntries = 0
	}
	// mitigation
	if strings.TrimSpace(cfg.Mitigation.MitigationKind) == "" {
		cfg.Mitigation.MitigationKind = "SDN DROP Rule"
	}
	if strings.TrimSpace(cfg.Mitigation.DefaultNetworkSlice) == "" {
		cfg.Mitigation.DefaultNetworkSlice = "eMBB"
	}
	if cfg.Mitigation.DefaultSlicePriority <= 0 {
		cfg.Mitigation.DefaultSlicePriority = 2
	}
	if cfg.Mitigation.HighConfidenceThreshold <= 0 {
		cfg.Mitigation.HighConfidenceThreshold = 90
	}
	if cfg.Mitigation.Shards <= 0 {
		cfg.Mitigation.Shards = 32
	}
	// storage
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.MaxItems < 0 {
		cfg.Storage.MaxItems = 0
	}
	if cfg.Storage.TTLSec < 0 {
		cfg.Storage.TTLSec = 0
	}
	if cfg.Storage.VacuumIntervalSec <= 0 {
		cfg.Storage.VacuumIntervalSec = 300
	}
	// metrics
	if strings.TrimSpace(cfg.Metrics.Namespace) == "" {
		cfg.Metrics.Namespace = "dmcf"
	}
	// logging
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

// ---------- validation helpers ----------

func isValidHostPort(hostport string) bool {
	// net.SplitHostPort requires a port; check first if it contains colon
	if !strings.Contains(hostport, ":") {
		return false
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return false
	}
	if strings.TrimSpace(host) == "" || strings.TrimSpace(port) == "" {
		return false
	}
	return true
}

func isValidBaseURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return false
	}
	return true
}

// ---------- Validate ----------

func validateConfig(cfg *Config) error {
	// struct tags first (url / dialstring / in(...))
	if _, err := govalidator.ValidateStruct(cfg); err != nil {
		return fmt.Errorf("struct validation failed: %w", err)
	}

	// listen addresses
	if !isValidHostPort(cfg.Southbound.ListenAddr) {
		return fmt.Errorf("southbound.listenAddr is invalid: %q", cfg.Southbound.ListenAddr)
	}
	if !isValidHostPort(cfg.Northbound.ListenAddr) {
		return fmt.Errorf("northbound.listenAddr is invalid: %q", cfg.Northbound.ListenAddr)
	}
	if cfg.Southbound.ListenAddr == cfg.Northbound.ListenAddr {
		return fmt.Errorf("southbound.listenAddr and northbound.listenAddr must differ: %q", cfg.Southbound.ListenAddr)
	}
	if cfg.Northbound.EventBufferSize <= 0 {
		return fmt.Errorf("northbound.eventBufferSize must be > 0")
	}

	// upstreams
	if !isValidBaseURL(cfg.Inference.BaseURL) {
		return fmt.Errorf("inference.baseUrl is invalid: %q", cfg.Inference.BaseURL)
	}
	if !isValidBaseURL(cfg.Enforcement.BaseURL) {
		return fmt.Errorf("enforcement.baseUrl is invalid: %q", cfg.Enforcement.BaseURL)
	}
	if cfg.Reputation.BaseURL != "" && !isValidBaseURL(cfg.Reputation.BaseURL) {
		return fmt.Errorf("reputation.baseUrl is invalid: %q", cfg.Reputation.BaseURL)
	}
	if cfg.Reputation.TimeoutMs >= 1000 {
		return fmt.Errorf("reputation.timeoutMs must be sub-second, got %d", cfg.Reputation.TimeoutMs)
	}

	// detection
	if cfg.Detection.FusionThreshold > 1 {
		return fmt.Errorf("detection.fusionThreshold must be in (0,1], got %v", cfg.Detection.FusionThreshold)
	}
	if cfg.Detection.MLWeight < 0 || cfg.Detection.ReputationWeight < 0 {
		return fmt.Errorf("detection weights must be >= 0")
	}
	weightSum := cfg.Detection.MLWeight + cfg.Detection.ReputationWeight
	if weightSum < 0.999 || weightSum > 1.001 {
		return fmt.Errorf("detection.mlWeight + detection.reputationWeight must equal 1, got %v", weightSum)
	}

	// behavior
	if cfg.Behavior.RetentionSec < cfg.Behavior.RateFloorSec {
		return fmt.Errorf("behavior.retentionSec must be >= behavior.rateFloorSec")
	}

	// mitigation
	if cfg.Mitigation.HighConfidenceThreshold > 100 {
		return fmt.Errorf("mitigation.highConfidenceThreshold must be in (0,100], got %v",
			cfg.Mitigation.HighConfidenceThreshold)
	}

	// storage
	if cfg.Storage.Driver != "memory" && strings.TrimSpace(cfg.Storage.DSN) == "" {
		return fmt.Errorf("storage.dsn required for driver %q", cfg.Storage.Driver)
	}

	// geoip
	if cfg.GeoIP.Enable && strings.TrimSpace(cfg.GeoIP.DatabasePath) == "" {
		return fmt.Errorf("geoip.databasePath required when geoip.enable=true")
	}

	// logging
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level unsupported: %q", cfg.Logging.Level)
	}
	return nil
}
