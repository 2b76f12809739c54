package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_EmptyDocumentGetsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("info:\n  version: 1.0.0\n"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:3001", cfg.Southbound.ListenAddr)
	assert.Equal(t, "0.0.0.0:3000", cfg.Northbound.ListenAddr)
	assert.Equal(t, 0.7, cfg.Detection.FusionThreshold)
	assert.Equal(t, 0.7, cfg.Detection.MLWeight)
	assert.Equal(t, 0.3, cfg.Detection.ReputationWeight)
	assert.Equal(t, 3, cfg.Behavior.SuspiciousThreshold)
	assert.Equal(t, 100.0, cfg.Behavior.RateThresholdPerMin)
	assert.Equal(t, 3600, cfg.Behavior.RetentionSec)
	assert.Equal(t, 5, cfg.Behavior.RateFloorSec)
	assert.Equal(t, 10, cfg.Behavior.MinRateSamples)
	assert.Equal(t, 10000, cfg.Cache.TTLMs)
	assert.Equal(t, 200, cfg.Reputation.TimeoutMs)
	assert.Equal(t, 90, cfg.Reputation.MaxAgeInDays)
	assert.Equal(t, 10, cfg.Inference.HealthIntervalSec)
	assert.Equal(t, "SDN DROP Rule", cfg.Mitigation.MitigationKind)
	assert.Equal(t, "eMBB", cfg.Mitigation.DefaultNetworkSlice)
	assert.Equal(t, 2, cfg.Mitigation.DefaultSlicePriority)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, cfg.Enforcement.BaseURL, cfg.Enforcement.CaptureBaseURL)
	assert.False(t, cfg.Reputation.Enabled())
}

func TestParse_RejectsUnknownStorageDriver(t *testing.T) {
	_, err := Parse([]byte("storage:\n  driver: mongo\n  dsn: x\n"))
	assert.Error(t, err)
}

func TestParse_RequiresDSNForSQLDrivers(t *testing.T) {
	_, err := Parse([]byte("storage:\n  driver: sqlite\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.dsn")
}

func TestParse_RejectsWeightsNotSummingToOne(t *testing.T) {
	_, err := Parse([]byte("detection:\n  mlWeight: 0.5\n  reputationWeight: 0.1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mlWeight")
}

func TestParse_RejectsSlowReputationTimeout(t *testing.T) {
	_, err := Parse([]byte("reputation:\n  timeoutMs: 1500\n"))
	assert.Error(t, err)
}

func TestParse_RejectsSameListenAddr(t *testing.T) {
	doc := "southbound:\n  listenAddr: 0.0.0.0:3000\nnorthbound:\n  listenAddr: 0.0.0.0:3000\n"
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestReadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dmcfcfg.yaml")
	doc := "reputation:\n  baseUrl: https://api.abuseipdb.com/api/v2\n  apiKey: secret\nlogging:\n  level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Reputation.Enabled())
	assert.Equal(t, "debug", cfg.Logging.Level)

	dump := Dump(cfg)
	assert.NotContains(t, dump, "secret")
	assert.Contains(t, dump, "<redacted>")
	assert.Equal(t, "secret", cfg.Reputation.APIKey)
}

func TestReadConfig_MissingFile(t *testing.T) {
	_, err := ReadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
