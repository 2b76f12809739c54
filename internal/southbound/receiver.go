// Package southbound exposes the HTTP endpoints where DMCF receives telemetry
// from the traffic side: detection requests from the dashboard or traffic
// generators, live packet summaries from the capture agent, and block reports
// from the enforcement backend.
//
// Exposed endpoints:
//
//	POST /api/detect           - evaluate one traffic sample for one IP
//	POST /api/live-packet      - count and republish one captured packet
//	POST /api/emit-blocked-ip  - register a block installed by the enforcement backend
//
// This receiver:
//   - Decodes the JSON payload into the matching model type
//   - Hands it over to the Evaluator (the detection pipeline)
//   - Maps caller errors to 400; every evaluation otherwise returns a verdict
package southbound

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"

	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/model"
)

// Evaluator is the part of the detection pipeline the receiver drives.
type Evaluator interface {
	Evaluate(ctx context.Context, request model.DetectionRequest, meta model.RequestMeta) (model.DetectionResponse, error)
	ReportBlock(ctx context.Context, request model.BlockRequest) (model.BlockRecord, bool, error)
	RecordLivePacket(ctx context.Context, packet model.LivePacket) uint64
}

// Receiver handles incoming telemetry.
type Receiver struct {
	evaluator       Evaluator
	maxRequestBytes int64
}

// NewReceiver creates a new receiver that forwards decoded requests to the
// given Evaluator.
func NewReceiver(evaluator Evaluator) *Receiver {
	return &Receiver{
		evaluator:       evaluator,
		maxRequestBytes: 1 << 20, // 1 MiB limit for telemetry payloads
	}
}

// Routes registers the southbound handlers on the given router.
func (receiver *Receiver) Routes(router chi.Router) {
	router.Post("/api/detect", receiver.HandleDetect)
	router.Post("/api/live-packet", receiver.HandleLivePacket)
	router.Post("/api/emit-blocked-ip", receiver.HandleEmitBlockedIP)
}

// Handler returns a standalone router with the southbound routes mounted.
func (receiver *Receiver) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)
	receiver.Routes(router)
	return router
}

// NewServer wraps the receiver in an http.Server listening on listenAddr.
func (receiver *Receiver) NewServer(listenAddr string) *http.Server {
	return &http.Server{
		Addr:              listenAddr,
		Handler:           receiver.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
}

// HandleDetect processes one detection request. On success it returns 200
// with a model.DetectionResponse; malformed input yields 400.
func (receiver *Receiver) HandleDetect(responseWriter http.ResponseWriter, request *http.Request) {
	var detectionRequest model.DetectionRequest
	if decodeError := receiver.decode(responseWriter, request, &detectionRequest); decodeError != nil {
		logger.IngressLog.Warnf("failed to decode detection request: %v", decodeError)
		writeJSON(responseWriter, http.StatusBadRequest, errorBody{Error: "Invalid traffic data"})
		return
	}

	meta := model.RequestMeta{
		UserAgent: request.UserAgent(),
		Endpoint:  request.URL.Path,
		Method:    request.Method,
	}

	response, evaluateError := receiver.evaluator.Evaluate(request.Context(), detectionRequest, meta)
	switch {
	case evaluateError == nil:
		writeJSON(responseWriter, http.StatusOK, response)
	case model.IsInvalidInput(evaluateError):
		logger.IngressLog.Debugf("rejected detection request ip=%q: %v", detectionRequest.IP, evaluateError)
		writeJSON(responseWriter, http.StatusBadRequest, errorBody{Error: evaluateError.Error()})
	case errors.Is(evaluateError, context.Canceled), errors.Is(evaluateError, context.DeadlineExceeded):
		logger.IngressLog.Debugf("detection request for ip=%s abandoned: %v", detectionRequest.IP, evaluateError)
		writeJSON(responseWriter, http.StatusServiceUnavailable, errorBody{Error: "evaluation cancelled"})
	default:
		logger.IngressLog.Errorf("detection failed for ip=%s: %v", detectionRequest.IP, evaluateError)
		writeJSON(responseWriter, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}

// HandleLivePacket counts one packet summary and republishes it.
func (receiver *Receiver) HandleLivePacket(responseWriter http.ResponseWriter, request *http.Request) {
	var packet model.LivePacket
	if decodeError := receiver.decode(responseWriter, request, &packet); decodeError != nil {
		logger.IngressLog.Warnf("failed to decode live packet: %v", decodeError)
		writeJSON(responseWriter, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}

	receiver.evaluator.RecordLivePacket(request.Context(), packet)
	writeJSON(responseWriter, http.StatusOK, map[string]bool{"ok": true})
}

// HandleEmitBlockedIP registers a block reported by the enforcement backend.
func (receiver *Receiver) HandleEmitBlockedIP(responseWriter http.ResponseWriter, request *http.Request) {
	var blockRequest model.BlockRequest
	if decodeError := receiver.decode(responseWriter, request, &blockRequest); decodeError != nil {
		logger.IngressLog.Warnf("failed to decode block report: %v", decodeError)
		writeJSON(responseWriter, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}

	_, created, reportError := receiver.evaluator.ReportBlock(request.Context(), blockRequest)
	if reportError != nil {
		if model.IsInvalidInput(reportError) {
			writeJSON(responseWriter, http.StatusBadRequest, errorBody{Error: "No IP provided"})
			return
		}
		logger.IngressLog.Errorf("failed to register block ip=%s: %v", blockRequest.IP, reportError)
		writeJSON(responseWriter, http.StatusInternalServerError, errorBody{Error: "internal server error"})
		return
	}

	logger.IngressLog.Infof("block report ip=%s created=%t", blockRequest.IP, created)
	writeJSON(responseWriter, http.StatusOK, map[string]bool{"success": true})
}

func (receiver *Receiver) decode(responseWriter http.ResponseWriter, request *http.Request, target interface{}) error {
	limitedReader := http.MaxBytesReader(responseWriter, request.Body, receiver.maxRequestBytes)
	defer func() {
		if closeErr := limitedReader.Close(); closeErr != nil {
			logger.IngressLog.Debugf("failed to close request body reader: %v", closeErr)
		}
	}()
	return json.NewDecoder(limitedReader).Decode(target)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(responseWriter http.ResponseWriter, status int, payload interface{}) {
	responseWriter.Header().Set("Content-Type", "application/json")
	responseWriter.WriteHeader(status)
	if encodeError := json.NewEncoder(responseWriter).Encode(payload); encodeError != nil {
		logger.IngressLog.Debugf("failed to write response: %v", encodeError)
	}
}
