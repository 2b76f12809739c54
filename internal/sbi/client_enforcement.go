package sbi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/model"
	"github.com/sentinelai/dmcf/pkg/factory"
)

var (
	// ErrEnforcementUnreachable means the backend could not be reached or did
	// not answer in time. The block may or may not still be in effect.
	ErrEnforcementUnreachable = errors.New("enforcement backend unreachable")

	// ErrEnforcementRejected means the backend answered but did not confirm.
	ErrEnforcementRejected = errors.New("enforcement backend rejected request")
)

// EnforcementClient issues enforcement intents to the backend that installs
// and removes network-level blocking rules.
type EnforcementClient interface {
	// NotifyBlock tells the backend about a block decided locally. Best
	// effort: callers log the error and move on.
	NotifyBlock(ctx context.Context, record model.BlockRecord) error

	// Unblock asks the backend to remove the rule for ip. It returns nil only
	// on an explicit success confirmation.
	Unblock(ctx context.Context, ip string) error
}

// CaptureController forwards capture start/stop commands to the capture agent.
type CaptureController interface {
	StartCapture(ctx context.Context) (map[string]interface{}, error)
	StopCapture(ctx context.Context) (map[string]interface{}, error)
}

// EnforcementBackend is the combined view of the backend process, which both
// owns the blocking rules and fronts the capture agent.
type EnforcementBackend interface {
	EnforcementClient
	CaptureController
}

type enforcementClient struct {
	baseURL        string
	captureBaseURL string
	timeout        time.Duration
	httpClient     *http.Client
}

type blockNotification struct {
	IP           string `json:"ip"`
	Reason       string `json:"reason"`
	ThreatLevel  string `json:"threatLevel"`
	Mitigation   string `json:"mitigation"`
	NetworkSlice string `json:"network_slice"`
}

type unblockRequest struct {
	IP string `json:"ip"`
}

type unblockResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// NewEnforcementClient creates the HTTP client for the enforcement backend.
func NewEnforcementClient(section factory.EnforcementSection) EnforcementBackend {
	timeout := millis(section.TimeoutMs)
	captureBaseURL := section.CaptureBaseURL
	if captureBaseURL == "" {
		captureBaseURL = section.BaseURL
	}
	return &enforcementClient{
		baseURL:        section.BaseURL,
		captureBaseURL: captureBaseURL,
		timeout:        timeout,
		httpClient:     newHTTPClient(timeout),
	}
}

// NotifyBlock implements EnforcementClient.NotifyBlock.
func (client *enforcementClient) NotifyBlock(ctx context.Context, record model.BlockRecord) error {
	payload := blockNotification{
		IP:           record.IP,
		Reason:       record.Reason,
		ThreatLevel:  string(record.ThreatLevel),
		Mitigation:   record.MitigationKind,
		NetworkSlice: record.NetworkSlice,
	}
	httpResponse, err := client.postJSON(ctx, joinURL(client.baseURL, "block"), payload)
	if err != nil {
		return err
	}
	defer closeBody(httpResponse.Body, logger.EnforcementLog.Debugf)

	if httpResponse.StatusCode/100 != 2 {
		bodySnippet := readBodySnippet(httpResponse.Body)
		logger.EnforcementLog.Warnf(
			"block notification non-2xx ip=%s status=%s bodySnippet=%q",
			record.IP, httpResponse.Status, bodySnippet,
		)
		return errors.Wrapf(ErrEnforcementRejected, "non-2xx status: %s", httpResponse.Status)
	}

	logger.EnforcementLog.Debugf("block notification delivered ip=%s", record.IP)
	return nil
}

// Unblock implements EnforcementClient.Unblock.
func (client *enforcementClient) Unblock(ctx context.Context, ip string) error {
	logger.EnforcementLog.Infof("requesting unblock ip=%s", ip)

	httpResponse, err := client.postJSON(ctx, joinURL(client.baseURL, "unblock"), unblockRequest{IP: ip})
	if err != nil {
		return err
	}
	defer closeBody(httpResponse.Body, logger.EnforcementLog.Debugf)

	if httpResponse.StatusCode/100 != 2 {
		bodySnippet := readBodySnippet(httpResponse.Body)
		logger.EnforcementLog.Warnf(
			"unblock non-2xx ip=%s status=%s bodySnippet=%q",
			ip, httpResponse.Status, bodySnippet,
		)
		return errors.Wrapf(ErrEnforcementRejected, "non-2xx status: %s", httpResponse.Status)
	}

	var responseBody unblockResponse
	if decodeError := json.NewDecoder(httpResponse.Body).Decode(&responseBody); decodeError != nil {
		return errors.Wrapf(ErrEnforcementRejected, "decode unblock response: %v", decodeError)
	}
	if !responseBody.Success {
		return errors.Wrapf(ErrEnforcementRejected, "backend reported failure: %q", responseBody.Error)
	}

	logger.EnforcementLog.Infof("unblock confirmed by backend ip=%s", ip)
	return nil
}

// StartCapture implements CaptureController.StartCapture.
func (client *enforcementClient) StartCapture(ctx context.Context) (map[string]interface{}, error) {
	return client.captureCommand(ctx, "start-capture")
}

// StopCapture implements CaptureController.StopCapture.
func (client *enforcementClient) StopCapture(ctx context.Context) (map[string]interface{}, error) {
	return client.captureCommand(ctx, "stop-capture")
}

func (client *enforcementClient) captureCommand(ctx context.Context, command string) (map[string]interface{}, error) {
	commandURL := joinURL(client.captureBaseURL, command)
	httpResponse, err := client.postJSON(ctx, commandURL, struct{}{})
	if err != nil {
		return nil, err
	}
	defer closeBody(httpResponse.Body, logger.EnforcementLog.Debugf)

	if httpResponse.StatusCode/100 != 2 {
		return nil, errors.Wrapf(ErrEnforcementRejected, "%s non-2xx status: %s", command, httpResponse.Status)
	}

	status := make(map[string]interface{})
	if decodeError := json.NewDecoder(httpResponse.Body).Decode(&status); decodeError != nil {
		return nil, errors.Wrapf(ErrEnforcementRejected, "decode %s response: %v", command, decodeError)
	}
	logger.EnforcementLog.Infof("%s forwarded, agent status=%v", command, status["status"])
	return status, nil
}

// postJSON sends payload under the client timeout. Transport failures are
// classified as ErrEnforcementUnreachable; the caller owns the response body.
func (client *enforcementClient) postJSON(ctx context.Context, targetURL string, payload interface{}) (*http.Response, error) {
	jsonBytes, marshalError := json.Marshal(payload)
	if marshalError != nil {
		return nil, errors.Wrap(marshalError, "marshal enforcement payload")
	}

	httpRequest, requestError := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(jsonBytes))
	if requestError != nil {
		return nil, errors.Wrapf(requestError, "build request to %s", targetURL)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", userAgent)

	httpResponse, doError := client.httpClient.Do(httpRequest)
	if doError != nil {
		logger.EnforcementLog.Errorf("enforcement call failed url=%s: %v", targetURL, doError)
		return nil, errors.Wrap(ErrEnforcementUnreachable, doError.Error())
	}
	return httpResponse, nil
}
