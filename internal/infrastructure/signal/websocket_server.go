package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
	apperrors "studyroom/pkg/errors"
	"studyroom/pkg/tracing"
	"studyroom/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const disconnectTimeout = 10 * time.Second

type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBufferSize    int
	MaxMessageSize    int64
	MessagesPerSecond float64 // 0 disables per-connection limiting
	Burst             int
	AllowedOrigins    []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendBufferSize:    256,
		MaxMessageSize:    64 * 1024,
		MessagesPerSecond: 20,
		Burst:             40,
		AllowedOrigins:    []string{"*"},
	}
}

// Message is the envelope of every frame in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type client struct {
	user    domain.UserContext
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// WebSocketServer is the connection gateway. It authenticates the upgrade,
// feeds client events to the EventHandler and implements ports.Broadcaster
// for the services. Room attachments are keyed by user id so they survive a
// reconnect.
type WebSocketServer struct {
	auth     ports.Authenticator
	handler  ports.EventHandler
	cfg      Config
	upgrader websocket.Upgrader
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger

	mu          sync.RWMutex
	clients     map[domain.UserID]*client
	attachments map[domain.RoomID]map[domain.UserID]struct{}
}

func NewWebSocketServer(
	auth ports.Authenticator,
	cfg Config,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultConfig().SendBufferSize
	}
	s := &WebSocketServer{
		auth:        auth,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger,
		clients:     make(map[domain.UserID]*client),
		attachments: make(map[domain.RoomID]map[domain.UserID]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetHandler wires the event handler. The handler depends on the server as
// its Broadcaster, so it is attached after construction.
func (s *WebSocketServer) SetHandler(h ports.EventHandler) {
	s.handler = h
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	user, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		resp, status := apperrors.ToResponse(err)
		s.logger.Infow("websocket authentication failed", "remote_addr", r.RemoteAddr, "token", utils.MaskSensitive(token, 8), "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "user_id", user.ID, "error", err)
		return
	}

	c := &client{
		user: user,
		conn: conn,
		send: make(chan []byte, s.cfg.SendBufferSize),
		done: make(chan struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	reconnect := s.register(c)
	s.logger.Infow("user connected via WebSocket", "user_id", user.ID, "reconnect", reconnect)

	s.enqueue(c, domain.EventConnected, map[string]interface{}{"user": user})

	go s.writePump(c)
	s.readPump(c)
}

// register installs c as the user's connection, closing any previous one.
func (s *WebSocketServer) register(c *client) bool {
	s.mu.Lock()
	old, exists := s.clients[c.user.ID]
	s.clients[c.user.ID] = c
	count := len(s.clients)
	s.mu.Unlock()

	if exists {
		s.logger.Infow("closing old connection for reconnecting user", "user_id", c.user.ID)
		old.close()
	}
	s.metrics.Connections(count)
	return exists
}

// unregister removes c if it is still the user's connection.
func (s *WebSocketServer) unregister(c *client) bool {
	s.mu.Lock()
	cur, ok := s.clients[c.user.ID]
	current := ok && cur == c
	if current {
		delete(s.clients, c.user.ID)
	}
	count := len(s.clients)
	s.mu.Unlock()

	if current {
		s.metrics.Connections(count)
	}
	return current
}

func (s *WebSocketServer) readPump(c *client) {
	defer s.cleanup(c)

	if s.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from user", "user_id", c.user.ID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			s.sendError(c, apperrors.NewValidationError("malformed message"))
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			s.sendError(c, apperrors.NewRateLimitError())
			continue
		}

		s.dispatch(c, msg)
	}
}

func (s *WebSocketServer) dispatch(c *client, msg Message) {
	ctx, span := tracing.TraceWebSocketEvent(context.Background(), msg.Type, string(c.user.ID))
	defer span.End()

	if s.handler == nil {
		s.sendError(c, apperrors.NewInternalError("no event handler", nil))
		return
	}
	if err := s.handler.HandleEvent(ctx, c.user, msg.Type, msg.Payload); err != nil {
		tracing.RecordError(ctx, err)
		if apperrors.HasCode(err, apperrors.ErrCodeInternal) || !apperrors.IsAppError(err) {
			s.logger.Errorw("error handling event", "user_id", c.user.ID, "event", utils.TruncateString(string(msg.Type), 64), "error", err)
		} else {
			s.logger.Debugw("event rejected", "user_id", c.user.ID, "event", utils.TruncateString(string(msg.Type), 64), "error", err)
		}
		s.sendError(c, err)
	}
}

func (s *WebSocketServer) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing to user", "user_id", c.user.ID, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "user_id", c.user.ID, "error", err)
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *WebSocketServer) cleanup(c *client) {
	c.close()
	if !s.unregister(c) {
		// replaced by a newer connection; the session lives on
		s.logger.Debugw("superseded connection closed", "user_id", c.user.ID)
		return
	}

	if s.handler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		s.handler.HandleDisconnect(ctx, c.user)
		cancel()
	}

	// drop leftover attachments unless the user came back meanwhile
	s.mu.Lock()
	if _, back := s.clients[c.user.ID]; !back {
		for roomID, members := range s.attachments {
			delete(members, c.user.ID)
			if len(members) == 0 {
				delete(s.attachments, roomID)
			}
		}
	}
	s.mu.Unlock()

	s.logger.Infow("user disconnected", "user_id", c.user.ID)
}

func (s *WebSocketServer) sendError(c *client, err error) {
	resp, _ := apperrors.ToResponse(err)
	s.enqueue(c, domain.EventError, resp)
}

func encode(event string, payload interface{}) ([]byte, error) {
	return json.Marshal(outbound{Type: event, Payload: payload})
}

// enqueue never blocks; a full buffer drops the frame.
func (s *WebSocketServer) enqueue(c *client, event string, payload interface{}) bool {
	data, err := encode(event, payload)
	if err != nil {
		s.logger.Errorw("failed to encode event", "event", event, "error", err)
		return false
	}
	return s.enqueueRaw(c, event, data)
}

func (s *WebSocketServer) enqueueRaw(c *client, event string, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		s.logger.Warnw("send buffer full, dropping event", "user_id", c.user.ID, "event", event)
		return false
	}
}

func (s *WebSocketServer) SendToUser(userID domain.UserID, event string, payload interface{}) bool {
	s.mu.RLock()
	c, ok := s.clients[userID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return s.enqueue(c, event, payload)
}

func (s *WebSocketServer) BroadcastToRoom(roomID domain.RoomID, event string, payload interface{}, except ...domain.UserID) {
	data, err := encode(event, payload)
	if err != nil {
		s.logger.Errorw("failed to encode broadcast", "room_id", roomID, "event", event, "error", err)
		return
	}

	skip := make(map[domain.UserID]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}

	s.mu.RLock()
	targets := make([]*client, 0, len(s.attachments[roomID]))
	for id := range s.attachments[roomID] {
		if _, excluded := skip[id]; excluded {
			continue
		}
		if c, ok := s.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		s.enqueueRaw(c, event, data)
	}
}

func (s *WebSocketServer) AttachToRoom(userID domain.UserID, roomID domain.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.attachments[roomID]
	if !ok {
		members = make(map[domain.UserID]struct{})
		s.attachments[roomID] = members
	}
	members[userID] = struct{}{}
}

func (s *WebSocketServer) DetachFromRoom(userID domain.UserID, roomID domain.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.attachments[roomID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(s.attachments, roomID)
		}
	}
}

func (s *WebSocketServer) DetachAll(roomID domain.RoomID) []domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.attachments[roomID]
	delete(s.attachments, roomID)

	ids := make([]domain.UserID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

func (s *WebSocketServer) RoomMembers(roomID domain.RoomID) []domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]domain.UserID, 0, len(s.attachments[roomID]))
	for id := range s.attachments[roomID] {
		ids = append(ids, id)
	}
	return ids
}

func (s *WebSocketServer) IsAttached(userID domain.UserID, roomID domain.RoomID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.attachments[roomID][userID]
	return ok
}

func (s *WebSocketServer) UserInfo(userID domain.UserID) (domain.UserContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[userID]
	if !ok {
		return domain.UserContext{}, false
	}
	return c.user, true
}

func (s *WebSocketServer) IsConnected(userID domain.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[userID]
	return ok
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Shutdown closes every connection. Their read pumps run the usual
// disconnect handling.
func (s *WebSocketServer) Shutdown() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
	s.logger.Infow("websocket server shut down", "connections", len(clients))
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
