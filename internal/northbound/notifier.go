package northbound

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/model"
)

// webhookSink POSTs every event as JSON to one configured URL. It is the
// integration point for collaborators that cannot hold a websocket open.
type webhookSink struct {
	targetURL          string
	httpClient         *http.Client
	maxResponseBodyLen int64
}

// NewWebhookSink creates a Sink delivering events via HTTP POST with a JSON
// body.
func NewWebhookSink(targetURL string) Sink {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &webhookSink{
		targetURL: targetURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   5 * time.Second,
		},
		maxResponseBodyLen: 4 << 10, // 4 KiB for logging snippets
	}
}

// Name implements Sink.
func (sink *webhookSink) Name() string {
	return "webhook"
}

// Deliver implements Sink.
func (sink *webhookSink) Deliver(ctx context.Context, event model.Event) error {
	jsonBytes, marshalError := json.Marshal(event)
	if marshalError != nil {
		return errors.Wrapf(marshalError, "marshal event %s", event.Type)
	}

	httpRequest, requestError := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		sink.targetURL,
		bytes.NewReader(jsonBytes),
	)
	if requestError != nil {
		return errors.Wrapf(requestError, "build request to %s", sink.targetURL)
	}

	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "dmcf-event-webhook/1.0")
	httpRequest.Header.Set("X-DMCF-Event", string(event.Type))

	httpResponse, doError := sink.httpClient.Do(httpRequest)
	if doError != nil {
		logger.NorthboundLog.Warnf("webhook delivery failed url=%s event=%s: %v", sink.targetURL, event.Type, doError)
		return errors.Wrap(doError, "webhook delivery failed")
	}

	defer func() {
		if closeErr := httpResponse.Body.Close(); closeErr != nil {
			logger.NorthboundLog.Debugf("failed to close response body: %v", closeErr)
		}
	}()

	if httpResponse.StatusCode/100 != 2 {
		bodySnippet := sink.readBodySnippet(httpResponse.Body)
		logger.NorthboundLog.Warnf(
			"webhook delivery non-2xx status=%s url=%s event=%s bodySnippet=%q",
			httpResponse.Status, sink.targetURL, event.Type, bodySnippet,
		)
		return errors.Errorf("webhook delivery non-2xx status: %s", httpResponse.Status)
	}

	logger.NorthboundLog.Debugf("webhook delivered event=%s", event.Type)
	return nil
}

// readBodySnippet reads at most maxResponseBodyLen bytes from the response
// body for logging purposes. It never returns an error and is best-effort only.
func (sink *webhookSink) readBodySnippet(body io.Reader) string {
	if sink.maxResponseBodyLen <= 0 {
		return ""
	}

	limitedReader := io.LimitedReader{
		R: body,
		N: sink.maxResponseBodyLen,
	}
	rawBytes, readError := io.ReadAll(&limitedReader)
	if readError != nil {
		return ""
	}
	return string(rawBytes)
}
