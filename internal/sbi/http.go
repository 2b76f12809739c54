// Package sbi provides the service-based interfaces DMCF uses to talk to its
// collaborators:
//
//   - the ML inference service (classify + liveness probe)
//   - the reputation service (abuse confidence score)
//   - the enforcement backend (block notification, confirmed unblock,
//     capture start/stop)
//   - the northbound HTTP server exposed to the dashboard.
//
// Every outbound client shares the same transport tuning and the same
// "non-2xx + body snippet" error reporting.
package sbi

import (
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	userAgent          = "dmcf/1.0"
	maxResponseBodyLen = 4 << 10 // 4 KiB for logging snippets
)

// newHTTPClient builds a client with control-plane friendly dial settings.
// Each call site additionally bounds its request with a context deadline.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// readBodySnippet reads at most maxResponseBodyLen bytes from the response
// body for logging purposes. It never returns an error and is best-effort only.
func readBodySnippet(body io.Reader) string {
	limitedReader := io.LimitedReader{
		R: body,
		N: maxResponseBodyLen,
	}
	rawBytes, readError := io.ReadAll(&limitedReader)
	if readError != nil {
		return ""
	}
	return string(rawBytes)
}

// closeBody drains nothing and only logs close failures through logFn.
func closeBody(body io.Closer, logFn func(format string, args ...interface{})) {
	if closeErr := body.Close(); closeErr != nil {
		logFn("failed to close response body: %v", closeErr)
	}
}

// joinURL safely concatenates base URL and additional path segments using
// a single slash. It does not perform URL escaping on segments, so the
// caller should only pass already-safe path elements.
func joinURL(base string, segments ...string) string {
	trimmedBase := strings.TrimRight(base, "/")
	if len(segments) == 0 {
		return trimmedBase
	}

	var cleanedSegments []string
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		cleanedSegments = append(cleanedSegments, strings.Trim(segment, "/"))
	}

	if len(cleanedSegments) == 0 {
		return trimmedBase
	}

	return trimmedBase + "/" + strings.Join(cleanedSegments, "/")
}

func millis(value int) time.Duration {
	return time.Duration(value) * time.Millisecond
}
