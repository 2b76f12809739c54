// Package sbi provides service-based interfaces used by DMCF to communicate
// with external consumers and producers. This file implements the northbound
// HTTP server that the dashboard and operators talk to.
//
// Exposed endpoints:
//
//	GET  /api/health          - liveness, local IP, inference health, capture state
//	GET  /api/blocked-ips     - active block set ordered by block time
//	POST /api/unblock         - confirmed unblock through the enforcement backend
//	GET  /api/history         - block audit trail (?ip=&limit=)
//	POST /api/start-capture   - forwarded to the capture agent
//	POST /api/stop-capture    - forwarded to the capture agent
//	GET  /ws                  - websocket event stream
//	GET  /metrics             - Prometheus exposition
//
// Semantics:
//   - Unblock failures are explicit: 502 with {success:false}; the IP stays blocked
//   - Capture start/stop from simulated clients (X-Simulated-Attack: true) is refused
package sbi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	dmcfctx "github.com/sentinelai/dmcf/internal/context"
	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/model"
	"github.com/sentinelai/dmcf/internal/storage"
)

const maxHistoryLimit = 1000

// BlockAPI is the part of the detection pipeline the northbound API exposes.
type BlockAPI interface {
	BlockedIPs() []model.BlockRecord
	Unblock(ctx context.Context, ip string) error
	History(ctx context.Context, query storage.HistoryQuery) ([]model.HistoryEntry, error)
}

// HealthReporter answers whether the inference service is reachable.
type HealthReporter interface {
	IsHealthy() bool
}

// EventPublisher receives capture state events.
type EventPublisher interface {
	Publish(event model.Event)
}

// NorthboundDependencies bundles what the server needs. WebSocket and Metrics
// are optional handlers; nil leaves the route unmounted.
type NorthboundDependencies struct {
	Blocks         BlockAPI
	Capture        CaptureController
	RuntimeContext dmcfctx.RuntimeContext
	Health         HealthReporter
	Events         EventPublisher
	WebSocket      http.Handler
	Metrics        http.Handler
}

// NorthboundServer serves the dashboard-facing HTTP APIs.
type NorthboundServer struct {
	deps              NorthboundDependencies
	maxRequestBodyLen int64
}

// NewNorthboundServer creates a new northbound server.
func NewNorthboundServer(deps NorthboundDependencies) *NorthboundServer {
	return &NorthboundServer{
		deps:              deps,
		maxRequestBodyLen: 1 << 20, // 1 MiB
	}
}

// Routes registers the northbound handlers on the given router.
func (server *NorthboundServer) Routes(router chi.Router) {
	router.Route("/api", func(api chi.Router) {
		api.Get("/health", server.handleHealth)
		api.Get("/blocked-ips", server.handleBlockedIPs)
		api.Post("/unblock", server.handleUnblock)
		api.Get("/history", server.handleHistory)

		api.Group(func(capture chi.Router) {
			capture.Use(simulatedClientGuard)
			capture.Post("/start-capture", server.handleStartCapture)
			capture.Post("/stop-capture", server.handleStopCapture)
		})
	})

	if server.deps.WebSocket != nil {
		router.Get("/ws", server.deps.WebSocket.ServeHTTP)
	}
	if server.deps.Metrics != nil {
		router.Get("/metrics", server.deps.Metrics.ServeHTTP)
	}
}

// Handler returns a standalone router with the northbound routes mounted.
func (server *NorthboundServer) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)
	server.Routes(router)
	return router
}

// NewServer wraps the router in an http.Server. WriteTimeout is left unset so
// websocket connections are not cut by it.
func (server *NorthboundServer) NewServer(listenAddr string) *http.Server {
	return &http.Server{
		Addr:              listenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// simulatedClientGuard refuses capture control from traffic generators that
// mark themselves with X-Simulated-Attack: true.
func simulatedClientGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		if strings.EqualFold(request.Header.Get("X-Simulated-Attack"), "true") {
			logger.NorthboundLog.Infof("ignoring simulated client request to %s", request.URL.Path)
			writeNorthboundJSON(responseWriter, http.StatusOK, map[string]interface{}{
				"success": false,
				"message": "Simulated clients cannot start/stop capture",
			})
			return
		}
		next.ServeHTTP(responseWriter, request)
	})
}

// ---- health ----

type healthResponse struct {
	Status          string              `json:"status"`
	IP              string              `json:"ip"`
	Time            time.Time           `json:"time"`
	InferenceHealth bool                `json:"inferenceHealthy"`
	Capture         model.CaptureStatus `json:"capture"`
}

func (server *NorthboundServer) handleHealth(responseWriter http.ResponseWriter, request *http.Request) {
	response := healthResponse{
		Status: "OK",
		Time:   time.Now().UTC(),
	}
	if server.deps.RuntimeContext != nil {
		response.IP = server.deps.RuntimeContext.LocalIP()
		response.Capture = server.deps.RuntimeContext.CaptureStatus()
	}
	if server.deps.Health != nil {
		response.InferenceHealth = server.deps.Health.IsHealthy()
	}
	writeNorthboundJSON(responseWriter, http.StatusOK, response)
}

// ---- block set ----

func (server *NorthboundServer) handleBlockedIPs(responseWriter http.ResponseWriter, request *http.Request) {
	writeNorthboundJSON(responseWriter, http.StatusOK, server.deps.Blocks.BlockedIPs())
}

func (server *NorthboundServer) handleUnblock(responseWriter http.ResponseWriter, request *http.Request) {
	limitedReader := http.MaxBytesReader(responseWriter, request.Body, server.maxRequestBodyLen)
	defer func() {
		if closeErr := limitedReader.Close(); closeErr != nil {
			logger.NorthboundLog.Debugf("failed to close request body reader: %v", closeErr)
		}
	}()

	var unblockRequest model.UnblockRequest
	if decodeError := json.NewDecoder(limitedReader).Decode(&unblockRequest); decodeError != nil {
		logger.NorthboundLog.Warnf("failed to decode unblock request: %v", decodeError)
		writeNorthboundJSON(responseWriter, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(unblockRequest.IP) == "" {
		writeNorthboundJSON(responseWriter, http.StatusBadRequest, map[string]string{"error": "No IP provided"})
		return
	}

	if unblockError := server.deps.Blocks.Unblock(request.Context(), unblockRequest.IP); unblockError != nil {
		logger.NorthboundLog.Errorf("unblock ip=%s failed: %v", unblockRequest.IP, unblockError)
		writeNorthboundJSON(responseWriter, http.StatusBadGateway, map[string]interface{}{
			"success": false,
			"error":   "Failed to unblock in enforcement backend",
		})
		return
	}

	writeNorthboundJSON(responseWriter, http.StatusOK, map[string]bool{"success": true})
}

func (server *NorthboundServer) handleHistory(responseWriter http.ResponseWriter, request *http.Request) {
	query := storage.HistoryQuery{IP: strings.TrimSpace(request.URL.Query().Get("ip"))}

	if rawLimit := request.URL.Query().Get("limit"); rawLimit != "" {
		limit, parseError := strconv.Atoi(rawLimit)
		if parseError != nil || limit <= 0 {
			writeNorthboundJSON(responseWriter, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
		query.Limit = limit
	}

	entries, queryError := server.deps.Blocks.History(request.Context(), query)
	if queryError != nil {
		logger.NorthboundLog.Errorf("history query failed: %v", queryError)
		writeNorthboundJSON(responseWriter, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	writeNorthboundJSON(responseWriter, http.StatusOK, entries)
}

// ---- capture ----

func (server *NorthboundServer) handleStartCapture(responseWriter http.ResponseWriter, request *http.Request) {
	server.forwardCapture(responseWriter, request, true)
}

func (server *NorthboundServer) handleStopCapture(responseWriter http.ResponseWriter, request *http.Request) {
	server.forwardCapture(responseWriter, request, false)
}

func (server *NorthboundServer) forwardCapture(responseWriter http.ResponseWriter, request *http.Request, start bool) {
	command, eventType := "stop-capture", model.EventCaptureStopped
	if start {
		command, eventType = "start-capture", model.EventCaptureStarted
	}

	if server.deps.Capture == nil {
		writeNorthboundJSON(responseWriter, http.StatusOK, map[string]interface{}{
			"success": false,
			"error":   "capture agent not configured",
		})
		return
	}

	var captureError error
	if start {
		_, captureError = server.deps.Capture.StartCapture(request.Context())
	} else {
		_, captureError = server.deps.Capture.StopCapture(request.Context())
	}
	if captureError != nil {
		logger.NorthboundLog.Errorf("%s failed: %v", command, captureError)
		writeNorthboundJSON(responseWriter, http.StatusOK, map[string]interface{}{
			"success": false,
			"error":   captureError.Error(),
		})
		return
	}

	var status model.CaptureStatus
	if server.deps.RuntimeContext != nil {
		if start {
			server.deps.RuntimeContext.StartCapture(request.Context())
			status = server.deps.RuntimeContext.CaptureStatus()
		} else {
			status = server.deps.RuntimeContext.StopCapture(request.Context())
		}
	}
	if server.deps.Events != nil {
		server.deps.Events.Publish(model.NewEvent(eventType, time.Now().UTC(), status))
	}

	logger.NorthboundLog.Infof("%s forwarded to capture agent", command)
	writeNorthboundJSON(responseWriter, http.StatusOK, map[string]bool{"success": true})
}

func writeNorthboundJSON(responseWriter http.ResponseWriter, status int, payload interface{}) {
	responseWriter.Header().Set("Content-Type", "application/json")
	responseWriter.WriteHeader(status)
	if encodeError := json.NewEncoder(responseWriter).Encode(payload); encodeError != nil {
		logger.NorthboundLog.Warnf("failed to encode response: %v", encodeError)
	}
}
