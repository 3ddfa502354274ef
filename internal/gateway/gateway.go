// Package gateway exposes the runtime over a websocket: events fan out to
// connected clients, client commands feed the orchestrator.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"

	"github.com/convene-ai/convene/internal/config"
	"github.com/convene-ai/convene/internal/types"
)

// Runtime is what the gateway needs from the orchestrator. Set after
// construction because the orchestrator takes the gateway as its event sink.
type Runtime interface {
	UserMessage(content string) error
	UserOverride(agentID, provider, model string) error
	SaveSession(project, session string) (string, error)
	LoadSession(project, session string) error
	Agents() []types.AgentInfo
}

// ingress is one client command.
type ingress struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Project  string `json:"project,omitempty"`
	Session  string `json:"session,omitempty"`
}

type client struct {
	send    chan types.Event
	dropped atomic.Int64
}

// Server implements cycle.Events and serves the websocket endpoint.
type Server struct {
	cfg    config.GatewayConfig
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	rt      Runtime
}

// New creates a gateway server.
func New(cfg config.GatewayConfig, logger *slog.Logger) *Server {
	if cfg.ClientQueueDepth <= 0 {
		cfg.ClientQueueDepth = 256
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		clients: make(map[*client]struct{}),
	}
}

// SetRuntime installs the command target.
func (s *Server) SetRuntime(rt Runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rt = rt
}

func (s *Server) runtime() Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt
}

// Emit fans an event out to every connected client. Slow clients drop
// events instead of stalling the runtime.
func (s *Server) Emit(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- ev:
		default:
			if n := c.dropped.Add(1); n%100 == 1 {
				s.logger.Warn("slow client dropping events", "dropped", n)
			}
		}
	}
}

// Handler returns the HTTP routes: the websocket at /ws and a health probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		s.logger.Warn("unauthorized connect", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c := &client{send: make(chan types.Event, s.cfg.ClientQueueDepth)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("client connected", "remote", r.RemoteAddr, "clients", n)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		close(c.send)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Snapshot so the client can render before the first live event.
	if rt := s.runtime(); rt != nil {
		c.trySend(types.Event{
			Type:      "agents_snapshot",
			Payload:   map[string]any{"agents": rt.Agents()},
			Timestamp: time.Now(),
		})
	}

	go s.writeLoop(ctx, conn, c)
	s.readLoop(ctx, conn, c)
}

func (c *client) trySend(ev types.Event) {
	select {
	case c.send <- ev:
	default:
		c.dropped.Add(1)
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		var msg ingress
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		s.dispatch(msg, c)
	}
}

func (s *Server) dispatch(msg ingress, c *client) {
	rt := s.runtime()
	if rt == nil {
		c.trySend(errEvent("", "runtime not ready"))
		return
	}

	var err error
	switch msg.Type {
	case "user_message":
		err = rt.UserMessage(msg.Content)
	case "user_override":
		err = rt.UserOverride(msg.AgentID, msg.Provider, msg.Model)
	case "save_session":
		var path string
		path, err = rt.SaveSession(msg.Project, msg.Session)
		if err == nil {
			c.trySend(types.Event{
				Type:      "session_saved",
				Payload:   map[string]any{"path": path},
				Timestamp: time.Now(),
			})
		}
	case "load_session":
		err = rt.LoadSession(msg.Project, msg.Session)
	case "list_agents":
		c.trySend(types.Event{
			Type:      "agents_snapshot",
			Payload:   map[string]any{"agents": rt.Agents()},
			Timestamp: time.Now(),
		})
	default:
		err = fmt.Errorf("unknown command %q", msg.Type)
	}

	if err != nil {
		s.logger.Warn("command failed", "type", msg.Type, "error", err)
		c.trySend(errEvent(msg.AgentID, err.Error()))
	}
}

func errEvent(agentID, detail string) types.Event {
	return types.Event{
		Type:      types.EventError,
		AgentID:   agentID,
		Payload:   map[string]any{"detail": detail},
		Timestamp: time.Now(),
	}
}

// authorize validates the bearer token when a JWT secret is configured.
// Tokens ride the Authorization header or, for browser clients that cannot
// set headers on websockets, the token query parameter.
func (s *Server) authorize(r *http.Request) error {
	if s.cfg.JWTSecret == "" {
		return nil
	}
	tok := r.URL.Query().Get("token")
	if tok == "" {
		tok = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if tok == "" {
		return fmt.Errorf("missing token")
	}
	_, err := jwt.Parse(tok, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	return nil
}
