package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"credit-ledger/internal/auth"
	"credit-ledger/internal/events"
	"credit-ledger/internal/logging"
	"credit-ledger/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// UserWSClient is one realtime connection of an authenticated user
type UserWSClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *UserWSHub
	userID    string
	closeChan chan struct{}
}

// UserWSHub fans ledger events out to the owning user's connections
type UserWSHub struct {
	userClients map[string]map[*UserWSClient]bool
	userCast    chan userMessage
	register    chan *UserWSClient
	unregister  chan *UserWSClient
	stop        chan struct{}
	stopOnce    sync.Once
	mu          sync.RWMutex
	logger      *logging.Logger
}

type userMessage struct {
	userID string
	data   []byte
}

// NewUserWSHub creates a new user-aware WebSocket hub
func NewUserWSHub(logger *logging.Logger) *UserWSHub {
	return &UserWSHub{
		userClients: make(map[string]map[*UserWSClient]bool),
		userCast:    make(chan userMessage, 256),
		register:    make(chan *UserWSClient),
		unregister:  make(chan *UserWSClient),
		stop:        make(chan struct{}),
		logger:      logger.WithComponent("ws"),
	}
}

// Attach forwards every user-scoped bus event to that user's connections
func (h *UserWSHub) Attach(bus *events.EventBus) {
	bus.SubscribeAll(func(e events.Event) {
		if e.UserID == "" {
			return
		}
		h.BroadcastToUser(e.UserID, e)
	})
}

// Run starts the hub loop; it returns after Stop
func (h *UserWSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.userClients[client.userID] == nil {
				h.userClients[client.userID] = make(map[*UserWSClient]bool)
			}
			h.userClients[client.userID][client] = true
			h.mu.Unlock()
			metrics.WebSocketConnections.Inc()

		case client := <-h.unregister:
			h.mu.Lock()
			if userClients, ok := h.userClients[client.userID]; ok {
				if _, ok := userClients[client]; ok {
					delete(userClients, client)
					close(client.send)
					metrics.WebSocketConnections.Dec()
				}
				if len(userClients) == 0 {
					delete(h.userClients, client.userID)
				}
			}
			h.mu.Unlock()

		case msg := <-h.userCast:
			h.mu.Lock()
			for client := range h.userClients[msg.userID] {
				select {
				case client.send <- msg.data:
				default:
					// slow consumer
					close(client.send)
					delete(h.userClients[msg.userID], client)
					metrics.WebSocketConnections.Dec()
				}
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for _, userClients := range h.userClients {
				for client := range userClients {
					close(client.send)
					metrics.WebSocketConnections.Dec()
				}
			}
			h.userClients = make(map[string]map[*UserWSClient]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends Run and closes every connection
func (h *UserWSHub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// BroadcastToUser sends an event to a specific user's connections
func (h *UserWSHub) BroadcastToUser(userID string, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal user event")
		return
	}

	select {
	case h.userCast <- userMessage{userID: userID, data: data}:
	default:
		h.logger.Warn("User broadcast channel full, dropping message", "user_id", userID)
	}
}

// GetUserClientCount returns the number of connected clients for a user
func (h *UserWSHub) GetUserClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients[userID])
}

// GetTotalClientCount returns the total number of connected clients
func (h *UserWSHub) GetTotalClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, userClients := range h.userClients {
		n += len(userClients)
	}
	return n
}

// writePump pumps messages from the hub to the websocket connection
func (c *UserWSClient) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

// readPump discards client frames and detects disconnects
func (c *UserWSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).Debug("WebSocket read error", "user_id", c.userID)
			}
			return
		}
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(s.config.AllowedOrigins) == 0 || s.config.AllowedOrigins[0] == "*" {
				return true
			}
			for _, allowed := range s.config.AllowedOrigins {
				if allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// handleCreditsWebSocket streams the caller's balance events. Browsers
// cannot set headers on upgrade requests, so the token may come from the
// "token" query parameter.
func (s *Server) handleCreditsWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		if h := c.GetHeader("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
			token = h[7:]
		}
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthorized.Message, "code": auth.ErrUnauthorized.Code})
		return
	}

	claims, err := s.jwtManager.ValidateAccessToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrInvalidToken.Message, "code": auth.ErrInvalidToken.Code})
		return
	}
	c.Set(auth.ContextKeyUserID, claims.UserID)

	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	client := &UserWSClient{
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       s.hub,
		userID:    claims.UserID,
		closeChan: make(chan struct{}),
	}

	// Queued before registration so it is always the first frame
	if welcome, err := json.Marshal(map[string]interface{}{
		"type":      "CONNECTED",
		"timestamp": time.Now(),
		"user_id":   claims.UserID,
	}); err == nil {
		client.send <- welcome
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
