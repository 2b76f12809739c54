package sbi

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/model"
	"github.com/sentinelai/dmcf/pkg/factory"
)

// ErrInferenceUnavailable is returned by Classify for any failed call:
// transport error, timeout, non-2xx, or a malformed body. Callers fall back to
// the local heuristic; they never surface it to their own callers.
var ErrInferenceUnavailable = errors.New("inference service unavailable")

// InferenceClient talks to the ML inference service.
type InferenceClient interface {
	// Classify asks the service for a verdict on one traffic sample.
	Classify(ctx context.Context, ip string, sample model.TrafficSample) (model.InferenceResult, error)

	// Probe performs one liveness check. nil means healthy.
	Probe(ctx context.Context) error
}

type inferenceClient struct {
	baseURL       string
	httpClient    *http.Client
	timeout       time.Duration
	healthTimeout time.Duration
}

type predictRequest struct {
	Traffic      []float64        `json:"traffic"`
	IPAddress    string           `json:"ip_address"`
	PacketData   model.PacketMeta `json:"packet_data"`
	NetworkSlice string           `json:"network_slice,omitempty"`
}

type predictResponse struct {
	Prediction  string   `json:"prediction"`
	Confidence  *float64 `json:"confidence"`
	ThreatLevel string   `json:"threat_level"`
}

// NewInferenceClient creates an HTTP client for the inference service.
func NewInferenceClient(section factory.InferenceSection) InferenceClient {
	timeout := millis(section.TimeoutMs)
	return &inferenceClient{
		baseURL:       section.BaseURL,
		httpClient:    newHTTPClient(timeout),
		timeout:       timeout,
		healthTimeout: millis(section.HealthTimeoutMs),
	}
}

// Classify implements InferenceClient.Classify.
func (client *inferenceClient) Classify(
	ctx context.Context,
	ip string,
	sample model.TrafficSample,
) (model.InferenceResult, error) {
	requestBody := predictRequest{
		Traffic:      sample.Values,
		IPAddress:    ip,
		PacketData:   sample.Packet,
		NetworkSlice: sample.NetworkSlice,
	}
	jsonBytes, marshalError := json.Marshal(requestBody)
	if marshalError != nil {
		return model.InferenceResult{}, errors.Wrap(marshalError, "marshal predict request")
	}

	if client.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, client.timeout)
		defer cancel()
	}

	predictURL := joinURL(client.baseURL, "predict")
	httpRequest, requestError := http.NewRequestWithContext(ctx, http.MethodPost, predictURL, bytes.NewReader(jsonBytes))
	if requestError != nil {
		return model.InferenceResult{}, errors.Wrapf(ErrInferenceUnavailable, "build request to %s: %v", predictURL, requestError)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", userAgent)

	httpResponse, doError := client.httpClient.Do(httpRequest)
	if doError != nil {
		logger.InferenceLog.Warnf("predict call failed ip=%s url=%s: %v", ip, predictURL, doError)
		return model.InferenceResult{}, errors.Wrap(ErrInferenceUnavailable, doError.Error())
	}
	defer closeBody(httpResponse.Body, logger.InferenceLog.Debugf)

	if httpResponse.StatusCode/100 != 2 {
		bodySnippet := readBodySnippet(httpResponse.Body)
		logger.InferenceLog.Warnf(
			"predict non-2xx ip=%s status=%s bodySnippet=%q",
			ip, httpResponse.Status, bodySnippet,
		)
		return model.InferenceResult{}, errors.Wrapf(ErrInferenceUnavailable, "non-2xx status: %s", httpResponse.Status)
	}

	var responseBody predictResponse
	if decodeError := json.NewDecoder(httpResponse.Body).Decode(&responseBody); decodeError != nil {
		logger.InferenceLog.Warnf("predict response decode failed ip=%s: %v", ip, decodeError)
		return model.InferenceResult{}, errors.Wrap(ErrInferenceUnavailable, decodeError.Error())
	}
	if responseBody.Prediction == "" || responseBody.Confidence == nil {
		return model.InferenceResult{}, errors.Wrap(ErrInferenceUnavailable, "predict response missing prediction or confidence")
	}

	confidence := clampUnit(*responseBody.Confidence)
	threatLevel, ok := model.ParseThreatLevel(responseBody.ThreatLevel)
	if !ok {
		threatLevel = model.ThreatLevelFromScore(confidence)
	}

	result := model.InferenceResult{
		Prediction:  model.ParsePrediction(responseBody.Prediction),
		Confidence:  confidence,
		ThreatLevel: threatLevel,
	}
	logger.InferenceLog.Debugf(
		"predict ok ip=%s prediction=%s confidence=%.3f",
		ip, result.Prediction, result.Confidence,
	)
	return result, nil
}

// Probe implements InferenceClient.Probe.
func (client *inferenceClient) Probe(ctx context.Context) error {
	if client.healthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, client.healthTimeout)
		defer cancel()
	}

	healthURL := joinURL(client.baseURL, "health")
	httpRequest, requestError := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if requestError != nil {
		return errors.Wrapf(requestError, "build request to %s", healthURL)
	}
	httpRequest.Header.Set("User-Agent", userAgent)

	httpResponse, doError := client.httpClient.Do(httpRequest)
	if doError != nil {
		return errors.Wrap(doError, "health probe failed")
	}
	defer closeBody(httpResponse.Body, logger.HealthLog.Debugf)

	if httpResponse.StatusCode/100 != 2 {
		return errors.Errorf("health probe non-2xx status: %s", httpResponse.Status)
	}
	return nil
}

// clampUnit maps NaN to 0 and clamps into [0,1].
func clampUnit(value float64) float64 {
	if math.IsNaN(value) {
		return 0
	}
	return math.Max(0, math.Min(1, value))
}
