package transport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWebSocketListen = "127.0.0.1:8421"
	wsPath                 = "/ws"
	wsWriteTimeout         = 10 * time.Second
)

// WebSocketConfig configures the websocket channel.
type WebSocketConfig struct {
	Listen string // default 127.0.0.1:8421
	Token  string // optional; checked against ?token= or a bearer header
}

type wsClientMessage struct {
	Type string `json:"type"` // command, ping
	Data string `json:"data,omitempty"`
}

type wsServerMessage struct {
	Type      string    `json:"type"` // turn, status, error
	Event     string    `json:"event,omitempty"`
	Text      string    `json:"text,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	ClientID  string    `json:"clientId,omitempty"`
	ContextID string    `json:"contextId,omitempty"`
	Time      time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConn serializes writes to one connection.
type wsConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

// WebSocket broadcasts turns to every connected client and accepts commands
// from any of them.
type WebSocket struct {
	cfg WebSocketConfig

	mu        sync.Mutex
	handler   MessageHandler
	contextID string
	clients   map[string]*wsConn
	listener  net.Listener
	server    *http.Server
	group     *errgroup.Group
}

// NewWebSocket creates a websocket transport. Nothing listens until Init.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.Listen == "" {
		cfg.Listen = DefaultWebSocketListen
	}
	return &WebSocket{cfg: cfg, clients: make(map[string]*wsConn)}
}

func (w *WebSocket) Name() string { return NameWebSocket }

// Handler returns the HTTP handler serving /ws and /healthz.
func (w *WebSocket) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, w.handleWS)
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.mu.Lock()
		clients := len(w.clients)
		w.mu.Unlock()
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"ok":      true,
			"clients": clients,
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	})
	return mux
}

// Init starts listening.
func (w *WebSocket) Init(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.cfg.Listen, err)
	}

	srv := &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	group := new(errgroup.Group)
	group.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			transportLog.Error("websocket_serve_failed", slog.String("error", err.Error()))
			return err
		}
		return nil
	})

	w.mu.Lock()
	w.listener, w.server, w.group = ln, srv, group
	w.mu.Unlock()

	transportLog.Info("websocket_listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address, or the configured one before Init.
func (w *WebSocket) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener != nil {
		return w.listener.Addr().String()
	}
	return w.cfg.Listen
}

func (w *WebSocket) Setup(ctx context.Context, instance string) (SetupResult, error) {
	id := "ws-" + instance
	w.mu.Lock()
	w.contextID = id
	w.mu.Unlock()
	return SetupResult{
		ContextID:   id,
		DisplayName: fmt.Sprintf("WebSocket (ws://%s%s)", w.Addr(), wsPath),
	}, nil
}

// SendMessage broadcasts text to every connected client. Clients that fail
// to receive are disconnected.
func (w *WebSocket) SendMessage(ctx context.Context, contextID, text string) error {
	w.mu.Lock()
	if contextID != w.contextID {
		w.mu.Unlock()
		return &SendError{Transport: NameWebSocket, ContextID: contextID, Err: ErrUnknownContext}
	}
	clients := make([]*wsConn, 0, len(w.clients))
	for _, c := range w.clients {
		clients = append(clients, c)
	}
	w.mu.Unlock()

	msg := wsServerMessage{Type: "turn", Text: text, ContextID: contextID, Time: time.Now().UTC()}
	var failed int
	for _, c := range clients {
		if err := c.WriteJSON(msg); err != nil {
			failed++
			transportLog.Debug("websocket_client_write_failed",
				slog.String("client_id", c.id),
				slog.String("error", err.Error()))
			w.drop(c)
		}
	}
	if failed > 0 && failed == len(clients) {
		return &SendError{Transport: NameWebSocket, ContextID: contextID, Err: fmt.Errorf("all %d clients failed", failed)}
	}
	return nil
}

func (w *WebSocket) OnMessage(h MessageHandler) {
	w.mu.Lock()
	w.handler = h
	w.mu.Unlock()
}

// Cleanup closes every client and stops the server.
func (w *WebSocket) Cleanup(ctx context.Context) error {
	w.mu.Lock()
	srv, group := w.server, w.group
	w.server, w.group, w.listener = nil, nil, nil
	clients := w.clients
	w.clients = make(map[string]*wsConn)
	w.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session ended"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		_ = c.conn.Close()
	}

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	return group.Wait()
}

// InitTips shows where to connect.
func (w *WebSocket) InitTips() []string {
	tips := []string{fmt.Sprintf("Connect: ws://%s%s", w.Addr(), wsPath)}
	if w.cfg.Token != "" {
		tips = append(tips, "Auth:    bearer token or ?token= required")
	}
	return tips
}

func (w *WebSocket) handleWS(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !w.authorize(r) {
		http.Error(rw, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}

	client := &wsConn{id: uuid.NewString(), conn: conn}
	w.mu.Lock()
	w.clients[client.id] = client
	contextID := w.contextID
	w.mu.Unlock()
	defer w.drop(client)

	transportLog.Info("websocket_client_connected", slog.String("client_id", client.id))
	_ = client.WriteJSON(wsServerMessage{
		Type:      "status",
		Event:     "connected",
		ClientID:  client.id,
		ContextID: contextID,
		Time:      time.Now().UTC(),
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				transportLog.Warn("websocket_closed_unexpectedly",
					slog.String("client_id", client.id),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = client.WriteJSON(wsServerMessage{
				Type:    "error",
				Code:    "INVALID_MESSAGE",
				Message: "invalid json payload",
				Time:    time.Now().UTC(),
			})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = client.WriteJSON(wsServerMessage{Type: "status", Event: "pong", Time: time.Now().UTC()})
		case "command":
			if strings.TrimSpace(msg.Data) == "" {
				continue
			}
			w.mu.Lock()
			handler, contextID := w.handler, w.contextID
			w.mu.Unlock()
			if handler != nil && contextID != "" {
				handler(contextID, msg.Data)
			}
		default:
			_ = client.WriteJSON(wsServerMessage{
				Type:    "error",
				Code:    "UNSUPPORTED_TYPE",
				Message: "supported message types: command,ping",
				Time:    time.Now().UTC(),
			})
		}
	}
}

func (w *WebSocket) drop(c *wsConn) {
	w.mu.Lock()
	_, ok := w.clients[c.id]
	delete(w.clients, c.id)
	w.mu.Unlock()
	if ok {
		_ = c.conn.Close()
		transportLog.Info("websocket_client_disconnected", slog.String("client_id", c.id))
	}
}

// ClientCount returns the number of connected clients.
func (w *WebSocket) ClientCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.clients)
}

func (w *WebSocket) authorize(r *http.Request) bool {
	if w.cfg.Token == "" {
		return true
	}
	if q := strings.TrimSpace(r.URL.Query().Get("token")); q != "" && secureEqual(q, w.cfg.Token) {
		return true
	}
	if h := bearerToken(r.Header.Get("Authorization")); h != "" && secureEqual(h, w.cfg.Token) {
		return true
	}
	return false
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
