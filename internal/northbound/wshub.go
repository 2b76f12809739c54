package northbound

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/internal/model"
)

const wsWriteTimeout = 5 * time.Second

// Hydrator returns the events a freshly connected client should receive
// before live traffic (current block list, capture status).
type Hydrator func() []model.Event

// wsClient serialises writes; gorilla connections allow one writer at a time.
type wsClient struct {
	connection   *websocket.Conn
	mutexForSend sync.Mutex
}

func (client *wsClient) send(payload []byte) error {
	client.mutexForSend.Lock()
	defer client.mutexForSend.Unlock()
	return client.writeLocked(payload)
}

// writeLocked assumes mutexForSend is held.
func (client *wsClient) writeLocked(payload []byte) error {
	_ = client.connection.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return client.connection.WriteMessage(websocket.TextMessage, payload)
}

// WSHub is the dashboard event sink. It upgrades GET /ws requests and
// broadcasts every bus event to all connected clients.
type WSHub struct {
	upgrader websocket.Upgrader
	hydrator Hydrator

	mutexForClients sync.RWMutex
	clients         map[*wsClient]struct{}
}

// NewWSHub creates a hub. An empty allowedOrigins list accepts any origin.
func NewWSHub(allowedOrigins []string, hydrator Hydrator) *WSHub {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return &WSHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(request *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				origin := request.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
		hydrator: hydrator,
		clients:  make(map[*wsClient]struct{}),
	}
}

// Name implements Sink.
func (hub *WSHub) Name() string {
	return "websocket"
}

// ClientCount returns the number of connected clients.
func (hub *WSHub) ClientCount() int {
	hub.mutexForClients.RLock()
	defer hub.mutexForClients.RUnlock()
	return len(hub.clients)
}

// ServeHTTP upgrades the connection, hydrates the client and keeps reading
// until the peer goes away. Inbound messages are ignored.
func (hub *WSHub) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	connection, upgradeError := hub.upgrader.Upgrade(writer, request, nil)
	if upgradeError != nil {
		logger.NorthboundLog.Warnf("websocket upgrade failed remote=%s: %v", request.RemoteAddr, upgradeError)
		return
	}

	client := &wsClient{connection: connection}

	// The send lock is held from registration until hydration is written, so
	// a broadcast racing the connect waits and always lands after the snapshot.
	client.mutexForSend.Lock()
	hub.mutexForClients.Lock()
	hub.clients[client] = struct{}{}
	hub.mutexForClients.Unlock()
	logger.NorthboundLog.Infof("dashboard client connected remote=%s", request.RemoteAddr)

	defer func() {
		hub.remove(client)
		logger.NorthboundLog.Infof("dashboard client disconnected remote=%s", request.RemoteAddr)
	}()

	hydrateError := hub.hydrateLocked(client)
	client.mutexForSend.Unlock()
	if hydrateError != nil {
		return
	}

	for {
		if _, _, readError := connection.ReadMessage(); readError != nil {
			return
		}
	}
}

// hydrateLocked writes the hydration events; client.mutexForSend must be held.
func (hub *WSHub) hydrateLocked(client *wsClient) error {
	if hub.hydrator == nil {
		return nil
	}
	for _, event := range hub.hydrator() {
		payload, marshalError := json.Marshal(event)
		if marshalError != nil {
			continue
		}
		if sendError := client.writeLocked(payload); sendError != nil {
			return sendError
		}
	}
	return nil
}

// Deliver implements Sink by broadcasting to every client. Clients whose
// write fails are dropped.
func (hub *WSHub) Deliver(ctx context.Context, event model.Event) error {
	payload, marshalError := json.Marshal(event)
	if marshalError != nil {
		return marshalError
	}

	hub.mutexForClients.RLock()
	clients := make([]*wsClient, 0, len(hub.clients))
	for client := range hub.clients {
		clients = append(clients, client)
	}
	hub.mutexForClients.RUnlock()

	for _, client := range clients {
		if sendError := client.send(payload); sendError != nil {
			logger.NorthboundLog.Debugf("dropping websocket client: %v", sendError)
			hub.remove(client)
		}
	}
	return nil
}

// Close disconnects every client.
func (hub *WSHub) Close() {
	hub.mutexForClients.Lock()
	defer hub.mutexForClients.Unlock()
	for client := range hub.clients {
		_ = client.connection.Close()
		delete(hub.clients, client)
	}
}

func (hub *WSHub) remove(client *wsClient) {
	hub.mutexForClients.Lock()
	defer hub.mutexForClients.Unlock()
	if _, ok := hub.clients[client]; ok {
		_ = client.connection.Close()
		delete(hub.clients, client)
	}
}
