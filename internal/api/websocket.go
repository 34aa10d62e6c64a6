package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/craigderington/realmtunnel/internal/tunnel"
	"github.com/craigderington/realmtunnel/pkg/types"
)

const (
	// MessageTypeStatus tags a StatusSnapshot payload
	MessageTypeStatus = "status"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// WebSocketManager streams status snapshots to connected clients
type WebSocketManager struct {
	bus        *tunnel.StatusBus
	clients    map[*WebSocketClient]bool
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        zerolog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// WebSocketClient represents a single WebSocket connection
type WebSocketClient struct {
	manager *WebSocketManager
	conn    *websocket.Conn
	send    chan WebSocketMessage
	subject string
}

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Type    string               `json:"type"`
	Payload types.StatusSnapshot `json:"payload"`
	Time    time.Time            `json:"time"`
}

// NewWebSocketManager creates a new WebSocket manager fed from bus
func NewWebSocketManager(bus *tunnel.StatusBus, log zerolog.Logger) *WebSocketManager {
	ctx, cancel := context.WithCancel(context.Background())

	return &WebSocketManager{
		bus:        bus,
		clients:    make(map[*WebSocketClient]bool),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The daemon listens on loopback by default
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:    log.With().Str("component", "websocket").Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start subscribes to the bus and begins the event loop
func (wsm *WebSocketManager) Start() {
	updates, unsubscribe := wsm.bus.Channel(sendBuffer)
	go wsm.run(updates, unsubscribe)
}

// Stop disconnects every client and shuts down the event loop
func (wsm *WebSocketManager) Stop() {
	wsm.cancel()
	<-wsm.done
}

// run is the main event loop; it alone closes client send channels
func (wsm *WebSocketManager) run(updates <-chan types.StatusSnapshot, unsubscribe func()) {
	defer close(wsm.done)
	defer unsubscribe()

	for {
		select {
		case client := <-wsm.register:
			wsm.mu.Lock()
			wsm.clients[client] = true
			wsm.mu.Unlock()
			wsm.log.Debug().Str("subject", client.subject).Msg("WebSocket client connected")

		case client := <-wsm.unregister:
			wsm.remove(client)
			wsm.log.Debug().Str("subject", client.subject).Msg("WebSocket client disconnected")

		case snap, ok := <-updates:
			if !ok {
				return
			}
			msg := newStatusMessage(snap)

			wsm.mu.RLock()
			clients := make([]*WebSocketClient, 0, len(wsm.clients))
			for client := range wsm.clients {
				clients = append(clients, client)
			}
			wsm.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- msg:
				default:
					// Slow client, drop it
					wsm.remove(client)
				}
			}

		case <-wsm.ctx.Done():
			wsm.mu.Lock()
			for client := range wsm.clients {
				close(client.send)
				delete(wsm.clients, client)
			}
			wsm.mu.Unlock()
			return
		}
	}
}

func (wsm *WebSocketManager) remove(client *WebSocketClient) {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	if _, ok := wsm.clients[client]; ok {
		delete(wsm.clients, client)
		close(client.send)
	}
}

func newStatusMessage(snap types.StatusSnapshot) WebSocketMessage {
	return WebSocketMessage{
		Type:    MessageTypeStatus,
		Payload: snap,
		Time:    time.Now().UTC(),
	}
}

// HandleWebSocket upgrades the connection and sends initial before any live update
func (wsm *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request, initial []types.StatusSnapshot) {
	subject := "anonymous"
	if claims, ok := GetClaims(r.Context()); ok {
		subject = claims.Subject
	}

	conn, err := wsm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsm.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &WebSocketClient{
		manager: wsm,
		conn:    conn,
		send:    make(chan WebSocketMessage, sendBuffer),
		subject: subject,
	}
	for _, snap := range initial {
		select {
		case client.send <- newStatusMessage(snap):
		default:
		}
	}

	select {
	case wsm.register <- client:
	case <-wsm.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump handles incoming messages from the client
func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.manager.unregister <- c:
		case <-c.manager.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Updates are one-way; reading detects disconnects
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.manager.log.Debug().Err(err).Str("subject", c.subject).Msg("WebSocket read error")
			}
			return
		}
	}
}

// writePump handles outgoing messages to the client
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				c.manager.log.Error().Err(err).Msg("Failed to marshal WebSocket message")
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.manager.log.Debug().Err(err).Str("subject", c.subject).Msg("WebSocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients
func (wsm *WebSocketManager) ClientCount() int {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	return len(wsm.clients)
}
