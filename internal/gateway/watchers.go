package gateway

import "sync"

// WatcherRegistry tracks which clients declared interest in which
// sessions. Watchers are auto-subscribed to new stream entries as rounds
// start.
type WatcherRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Client // session id → client id → client
}

// NewWatcherRegistry creates an empty registry.
func NewWatcherRegistry() *WatcherRegistry {
	return &WatcherRegistry{sessions: make(map[string]map[string]*Client)}
}

// Watch registers the client as a watcher of the session.
func (w *WatcherRegistry) Watch(sessionID string, c *Client) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.sessions[sessionID]
	if !ok {
		m = make(map[string]*Client)
		w.sessions[sessionID] = m
	}
	m[c.id] = c
}

// Unwatch removes the client from the session's watcher set.
func (w *WatcherRegistry) Unwatch(sessionID string, c *Client) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m, ok := w.sessions[sessionID]; ok {
		delete(m, c.id)
		if len(m) == 0 {
			delete(w.sessions, sessionID)
		}
	}
}

// Watchers snapshots the clients watching a session.
func (w *WatcherRegistry) Watchers(sessionID string) []*Client {
	w.mu.RLock()
	defer w.mu.RUnlock()
	m := w.sessions[sessionID]
	out := make([]*Client, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// DropClient removes the client from every watcher set (disconnect).
func (w *WatcherRegistry) DropClient(c *Client) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for sessionID, m := range w.sessions {
		delete(m, c.id)
		if len(m) == 0 {
			delete(w.sessions, sessionID)
		}
	}
}
