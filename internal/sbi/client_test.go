package sbi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelai/dmcf/internal/model"
	"github.com/sentinelai/dmcf/pkg/factory"
)

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://a/b/c", joinURL("http://a/", "/b/", "c"))
	assert.Equal(t, "http://a", joinURL("http://a/"))
	assert.Equal(t, "http://a/x", joinURL("http://a", "", "x"))
}

// ---- inference ----

func TestInferenceClassify_ParsesVerdict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(t, "/predict", request.URL.Path)
		var body predictRequest
		require.NoError(t, json.NewDecoder(request.Body).Decode(&body))
		assert.Equal(t, "10.0.0.1", body.IPAddress)
		assert.Equal(t, []float64{1, 2}, body.Traffic)
		assert.Equal(t, "URLLC", body.NetworkSlice)

		_, _ = writer.Write([]byte(`{"prediction":"ddos","confidence":0.93,"threat_level":"HIGH"}`))
	}))
	defer server.Close()

	client := NewInferenceClient(factory.InferenceSection{BaseURL: server.URL, TimeoutMs: 1000})
	result, err := client.Classify(context.Background(), "10.0.0.1",
		model.TrafficSample{Values: []float64{1, 2}, NetworkSlice: "URLLC"})

	require.NoError(t, err)
	assert.Equal(t, model.PredictionDDoS, result.Prediction)
	assert.InDelta(t, 0.93, result.Confidence, 1e-9)
	assert.Equal(t, model.ThreatHigh, result.ThreatLevel)
}

func TestInferenceClassify_FailuresAreUnavailable(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"non-2xx": func(writer http.ResponseWriter, _ *http.Request) {
			writer.WriteHeader(http.StatusInternalServerError)
		},
		"malformed": func(writer http.ResponseWriter, _ *http.Request) {
			_, _ = writer.Write([]byte(`not json`))
		},
		"missing confidence": func(writer http.ResponseWriter, _ *http.Request) {
			_, _ = writer.Write([]byte(`{"prediction":"ddos"}`))
		},
		"slow": func(writer http.ResponseWriter, _ *http.Request) {
			time.Sleep(300 * time.Millisecond)
			_, _ = writer.Write([]byte(`{"prediction":"ddos","confidence":1}`))
		},
	}

	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(handler)
			defer server.Close()

			client := NewInferenceClient(factory.InferenceSection{BaseURL: server.URL, TimeoutMs: 100})
			_, err := client.Classify(context.Background(), "10.0.0.1", model.TrafficSample{Values: []float64{1}})
			require.Error(t, err)
			assert.Equal(t, ErrInferenceUnavailable, errors.Cause(err))
		})
	}
}

func TestInferenceProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(t, "/health", request.URL.Path)
		if !healthy.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = writer.Write([]byte(`{"status":"LIVE"}`))
	}))
	defer server.Close()

	client := NewInferenceClient(factory.InferenceSection{BaseURL: server.URL, HealthTimeoutMs: 500})
	assert.NoError(t, client.Probe(context.Background()))

	healthy.Store(false)
	assert.Error(t, client.Probe(context.Background()))
}

// ---- reputation ----

func TestCheckReputation_ParsesAndClamps(t *testing.T) {
	var score atomic.Value
	score.Store(`{"data":{"abuseConfidenceScore":73}}`)
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assert.Equal(t, "/check", request.URL.Path)
		assert.Equal(t, "10.0.0.2", request.URL.Query().Get("ipAddress"))
		assert.Equal(t, "90", request.URL.Query().Get("maxAgeInDays"))
		assert.Equal(t, "k", request.Header.Get("Key"))
		_, _ = writer.Write([]byte(score.Load().(string)))
	}))
	defer server.Close()

	client := NewReputationClient(factory.ReputationSection{
		BaseURL: server.URL, APIKey: "k", TimeoutMs: 500, MaxAgeInDays: 90,
	})
	assert.Equal(t, 73, client.CheckReputation(context.Background(), "10.0.0.2"))

	score.Store(`{"data":{"abuseConfidenceScore":250}}`)
	assert.Equal(t, 100, client.CheckReputation(context.Background(), "10.0.0.2"))

	score.Store(`{"data":{"abuseConfidenceScore":-4}}`)
	assert.Equal(t, 0, client.CheckReputation(context.Background(), "10.0.0.2"))

	score.Store(`{"data":{}}`)
	assert.Equal(t, 0, client.CheckReputation(context.Background(), "10.0.0.2"))
}

func TestCheckReputation_FailureIsZero(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = writer.Write([]byte(`{"data":{"abuseConfidenceScore":99}}`))
	}))
	defer slow.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusTooManyRequests)
	}))
	defer broken.Close()

	for _, baseURL := range []string{slow.URL, broken.URL} {
		client := NewReputationClient(factory.ReputationSection{BaseURL: baseURL, APIKey: "k", TimeoutMs: 50})
		assert.Equal(t, 0, client.CheckReputation(context.Background(), "10.0.0.3"))
	}
}

func TestCheckReputation_DisabledNeverCalls(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client := NewReputationClient(factory.ReputationSection{BaseURL: server.URL, TimeoutMs: 50})
	assert.Equal(t, 0, client.CheckReputation(context.Background(), "10.0.0.4"))
	assert.Equal(t, int32(0), calls.Load())
}

// ---- enforcement ----

func TestEnforcementUnblock_Outcomes(t *testing.T) {
	var reply atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(t, "/unblock", request.URL.Path)
		var body unblockRequest
		require.NoError(t, json.NewDecoder(request.Body).Decode(&body))
		assert.Equal(t, "10.0.0.5", body.IP)
		_, _ = writer.Write([]byte(reply.Load().(string)))
	}))
	defer server.Close()

	client := NewEnforcementClient(factory.EnforcementSection{BaseURL: server.URL, TimeoutMs: 500})

	reply.Store(`{"success":true}`)
	assert.NoError(t, client.Unblock(context.Background(), "10.0.0.5"))

	reply.Store(`{"success":false,"error":"flow not found"}`)
	err := client.Unblock(context.Background(), "10.0.0.5")
	assert.Equal(t, ErrEnforcementRejected, errors.Cause(err))

	reply.Store(`garbage`)
	err = client.Unblock(context.Background(), "10.0.0.5")
	assert.Equal(t, ErrEnforcementRejected, errors.Cause(err))
}

func TestEnforcementUnblock_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client := NewEnforcementClient(factory.EnforcementSection{BaseURL: baseURL, TimeoutMs: 200})
	err := client.Unblock(context.Background(), "10.0.0.6")
	assert.Equal(t, ErrEnforcementUnreachable, errors.Cause(err))
}

func TestEnforcementNotifyBlockAndCapture(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		paths = append(paths, request.URL.Path)
		switch request.URL.Path {
		case "/block":
			var body blockNotification
			require.NoError(t, json.NewDecoder(request.Body).Decode(&body))
			assert.Equal(t, "10.0.0.7", body.IP)
			assert.Equal(t, "high", body.ThreatLevel)
		case "/start-capture":
			_, _ = writer.Write([]byte(`{"status":"capturing"}`))
		case "/stop-capture":
			_, _ = writer.Write([]byte(`{"status":"stopped"}`))
		}
	}))
	defer server.Close()

	client := NewEnforcementClient(factory.EnforcementSection{BaseURL: server.URL, TimeoutMs: 500})
	require.NoError(t, client.NotifyBlock(context.Background(),
		model.BlockRecord{IP: "10.0.0.7", ThreatLevel: model.ThreatHigh}))

	status, err := client.StartCapture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "capturing", status["status"])

	status, err = client.StopCapture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stopped", status["status"])

	assert.Equal(t, []string{"/block", "/start-capture", "/stop-capture"}, paths)
}
