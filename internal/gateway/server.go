// Package gateway is the WebSocket transport: it upgrades connections,
// dispatches RPC methods, and bridges stream events to connected clients.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/altermind/altermind/internal/agent"
	"github.com/altermind/altermind/internal/browser"
	"github.com/altermind/altermind/internal/config"
	"github.com/altermind/altermind/internal/store"
	"github.com/altermind/altermind/internal/stream"
	"github.com/altermind/altermind/pkg/protocol"
)

// Server is the gateway handling WebSocket and HTTP connections.
type Server struct {
	cfg      *config.Config
	store    store.Store
	settings store.Settings
	loop     *agent.Loop
	streams  *stream.Registry
	browsers *browser.Manager
	images   *browser.ImageBuffer

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     *clientTable
	watchers    *WatcherRegistry
	router      map[string]methodHandler

	httpServer *http.Server
}

// Deps wires the server's collaborators.
type Deps struct {
	Config   *config.Config
	Store    store.Store
	Settings store.Settings
	Loop     *agent.Loop
	Browsers *browser.Manager
	Images   *browser.ImageBuffer
}

// NewServer creates the gateway server.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		store:    d.Store,
		settings: d.Settings,
		loop:     d.Loop,
		streams:  d.Loop.Streams(),
		browsers: d.Browsers,
		images:   d.Images,
		clients:  newClientTable(),
		watchers: NewWatcherRegistry(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(d.Config.Gateway.RateLimitRPM)
	s.router = s.buildRouter()

	// The loop falls back to the transport for events on parked rounds and
	// global announcements.
	d.Loop.Broadcast = func(sessionID string, ev stream.Event) {
		s.BroadcastToSession(sessionID, "", ev)
	}
	d.Loop.GlobalEvent = s.BroadcastGlobal
	return s
}

// checkOrigin allows all origins when none are configured; non-browser
// clients with no Origin header always pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway: origin rejected", "origin", origin)
	return false
}

// BuildMux registers the HTTP routes.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.BuildMux()}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if token := s.cfg.Gateway.Token; token != "" {
		if r.URL.Query().Get("token") != token && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s)
	s.clients.add(client)
	slog.Info("client connected", "id", client.id)

	defer func() {
		s.clients.remove(client.id)
		s.watchers.DropClient(client)
		client.close()
		slog.Info("client disconnected", "id", client.id)
	}()

	client.run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// BroadcastToSession fans an event out to every client watching the
// session, except the one identified by excludeClientID.
func (s *Server) BroadcastToSession(sessionID, excludeClientID string, ev stream.Event) {
	frame := protocol.NewEvent("session:"+sessionID, ev.Type, ev)
	for _, c := range s.watchers.Watchers(sessionID) {
		if c.id == excludeClientID {
			continue
		}
		c.sendFrame(frame)
	}
}

// BroadcastGlobal fans an event out to every connected client.
func (s *Server) BroadcastGlobal(eventType string, payload interface{}) {
	frame := protocol.NewEvent("global", eventType, payload)
	for _, c := range s.clients.all() {
		c.sendFrame(frame)
	}
}

// GetSessionWatchers returns the clients watching a session so new stream
// entries can auto-subscribe them.
func (s *Server) GetSessionWatchers(sessionID string) []*Client {
	return s.watchers.Watchers(sessionID)
}

// StartTestServer listens on a random local port; used by integration
// tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: s.BuildMux()}
	addr = ln.Addr().String()
	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		go s.httpServer.Serve(ln)
	}
	return addr, start
}
