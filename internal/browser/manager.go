package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	firstDisplay = 100
	vncPortBase  = 5900
)

// Manager is the process-wide table of live browser sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	launcher Launcher
	idleTTL  time.Duration // <= 0 disables idle eviction
	tokenDir string        // where VNC token files are written
}

// NewManager creates the manager. idleTTL comes from BROWSER_IDLE_TIMEOUT.
func NewManager(l Launcher, idleTTL time.Duration, tokenDir string) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		launcher: l,
		idleTTL:  idleTTL,
		tokenDir: tokenDir,
	}
}

// GetOrCreate returns the session's browser session, creating it lazily.
// An existing session gets its idle timer reset.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		s.touch()
		return s, nil
	}

	display := m.allocateDisplayLocked()
	s := &Session{
		ID:       sessionID,
		Display:  display,
		VNCPort:  vncPortBase + display,
		manager:  m,
		elements: make(map[int]ElementRef),
	}
	// Reserve the slot (and the display number) before the slow spawn.
	m.sessions[sessionID] = s
	m.mu.Unlock()

	if err := m.provision(ctx, s); err != nil {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		s.teardown()
		return nil, err
	}

	s.touch()
	slog.Info("browser session created", "session", sessionID, "display", s.Display, "vnc_port", s.VNCPort)
	return s, nil
}

func (m *Manager) provision(ctx context.Context, s *Session) error {
	displayProc, err := m.launcher.StartDisplay(ctx, s.Display)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.displayProc = displayProc
	s.mu.Unlock()

	conn, err := m.launcher.ConnectBrowser(ctx, s.Display, func() {
		m.Destroy(s.ID)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	vncProc, err := m.launcher.StartVNC(ctx, s.Display, s.VNCPort)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.vncProc = vncProc
	s.mu.Unlock()

	if m.tokenDir != "" {
		token := fmt.Sprintf("localhost:%d", s.VNCPort)
		path := m.tokenPath(s.ID)
		if err := os.WriteFile(path, []byte(token), 0o644); err != nil {
			slog.Warn("write vnc token file failed", "path", path, "error", err)
		}
	}
	return nil
}

// Get is a pure lookup; it does not touch the idle timer.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Touch resets the session's idle timer.
func (m *Manager) Touch(sessionID string) {
	if s, ok := m.Get(sessionID); ok {
		s.touch()
	}
}

// Destroy tears the session down. Idempotent and safe on unknown ids.
func (m *Manager) Destroy(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.teardown()
	if m.tokenDir != "" {
		os.Remove(m.tokenPath(sessionID))
	}
	slog.Info("browser session destroyed", "session", sessionID, "display", s.Display)
}

// DestroyAll tears down every live session (process shutdown).
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			m.Destroy(id)
			return nil
		})
	}
	g.Wait()
}

// ActiveSessions snapshots the live session ids.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// allocateDisplayLocked returns the smallest display number >= firstDisplay
// not held by any live session. Caller holds m.mu.
func (m *Manager) allocateDisplayLocked() int {
	used := make(map[int]bool, len(m.sessions))
	for _, s := range m.sessions {
		used[s.Display] = true
	}
	d := firstDisplay
	for used[d] {
		d++
	}
	return d
}

func (m *Manager) tokenPath(sessionID string) string {
	return filepath.Join(m.tokenDir, sessionID+".vnc")
}

// Session owns one conversation's browser resources. Teardown is top-down
// and idempotent; children never outlive the session.
type Session struct {
	ID      string
	Display int
	VNCPort int

	mu          sync.Mutex
	destroyed   bool
	displayProc Process
	vncProc     Process
	conn        Conn
	idleTimer   *time.Timer

	// Element map state; see elements.go.
	elements   map[int]ElementRef
	mapVersion int
	cdp        CDPSession

	// WSEndpoint optionally overrides where the companion frontend
	// connects; empty means the local VNC server.
	WSEndpoint string

	manager *Manager
}

// Conn returns the live browser connection, or nil after destruction.
func (s *Session) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Rod returns the rod handles when running against a real browser.
func (s *Session) Rod() (*RodConn, bool) {
	c, ok := s.Conn().(*RodConn)
	return c, ok
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.manager.idleTTL <= 0 {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	id := s.ID
	mgr := s.manager
	s.idleTimer = time.AfterFunc(mgr.idleTTL, func() {
		slog.Info("browser session idle, evicting", "session", id)
		mgr.Destroy(id)
	})
}

// teardown releases every owned resource. Safe to call repeatedly and on
// every exit path.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	timer := s.idleTimer
	conn := s.conn
	vnc := s.vncProc
	display := s.displayProc
	cdp := s.cdp
	s.idleTimer = nil
	s.conn = nil
	s.vncProc = nil
	s.displayProc = nil
	s.cdp = nil
	s.elements = nil
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cdp != nil {
		cdp.Detach()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Debug("browser close failed", "session", s.ID, "error", err)
		}
	}
	if vnc != nil {
		vnc.Kill()
	}
	if display != nil {
		display.Kill()
	}
}
