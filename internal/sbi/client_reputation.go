package sbi

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/pkg/factory"
)

// ReputationClient queries the external reputation service. Reputation is a
// corroborating signal only: every failure reads as 0 ("no evidence of abuse").
type ReputationClient interface {
	// CheckReputation returns the abuse confidence score of ip in [0,100].
	CheckReputation(ctx context.Context, ip string) int
}

type reputationClient struct {
	baseURL      string
	apiKey       string
	maxAgeInDays int
	timeout      time.Duration
	httpClient   *http.Client
	enabled      bool
}

type reputationResponse struct {
	Data struct {
		AbuseConfidenceScore *float64 `json:"abuseConfidenceScore"`
	} `json:"data"`
}

// NewReputationClient creates a client. Without a base URL or API key it is
// disabled and always returns 0 without calling out.
func NewReputationClient(section factory.ReputationSection) ReputationClient {
	timeout := millis(section.TimeoutMs)
	if !section.Enabled() {
		logger.ReputationLog.Infof("reputation client disabled (no baseUrl or apiKey)")
	}
	return &reputationClient{
		baseURL:      section.BaseURL,
		apiKey:       section.APIKey,
		maxAgeInDays: section.MaxAgeInDays,
		timeout:      timeout,
		httpClient:   newHTTPClient(timeout),
		enabled:      section.Enabled(),
	}
}

// CheckReputation implements ReputationClient.CheckReputation.
func (client *reputationClient) CheckReputation(ctx context.Context, ip string) int {
	if !client.enabled {
		return 0
	}

	if client.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, client.timeout)
		defer cancel()
	}

	query := url.Values{}
	query.Set("ipAddress", ip)
	query.Set("maxAgeInDays", strconv.Itoa(client.maxAgeInDays))
	checkURL := joinURL(client.baseURL, "check") + "?" + query.Encode()

	httpRequest, requestError := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if requestError != nil {
		logger.ReputationLog.Warnf("build reputation request failed ip=%s: %v", ip, requestError)
		return 0
	}
	httpRequest.Header.Set("Key", client.apiKey)
	httpRequest.Header.Set("Accept", "application/json")
	httpRequest.Header.Set("User-Agent", userAgent)

	httpResponse, doError := client.httpClient.Do(httpRequest)
	if doError != nil {
		logger.ReputationLog.Debugf("reputation lookup failed ip=%s: %v", ip, doError)
		return 0
	}
	defer closeBody(httpResponse.Body, logger.ReputationLog.Debugf)

	if httpResponse.StatusCode/100 != 2 {
		logger.ReputationLog.Debugf(
			"reputation non-2xx ip=%s status=%s bodySnippet=%q",
			ip, httpResponse.Status, readBodySnippet(httpResponse.Body),
		)
		return 0
	}

	var responseBody reputationResponse
	if decodeError := json.NewDecoder(httpResponse.Body).Decode(&responseBody); decodeError != nil {
		logger.ReputationLog.Debugf("reputation decode failed ip=%s: %v", ip, decodeError)
		return 0
	}
	if responseBody.Data.AbuseConfidenceScore == nil {
		return 0
	}

	score := *responseBody.Data.AbuseConfidenceScore
	if math.IsNaN(score) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, score))))
}
