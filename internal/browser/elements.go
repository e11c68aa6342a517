package browser

import (
	"errors"
	"fmt"
)

// Element map errors, distinguished so callers can instruct the model.
var (
	ErrElementNotFound = errors.New("ELEMENT_NOT_FOUND")
	ErrStaleElement    = errors.New("STALE_ELEMENT")
)

// ElementRef is one entry of the integer-indexed DOM node table produced by
// the browser tool's get_content and consumed by click/type/scroll.
type ElementRef struct {
	Index            int    `json:"index"`
	Role             string `json:"role"`
	Name             string `json:"name"`
	BackendDOMNodeID int    `json:"backendDOMNodeId"`
	MapVersion       int    `json:"mapVersion"`
}

// CDPSession is the devtools session used for node resolution. Cleared
// together with the element map: after a cross-document navigation the CDP
// domain state resets, so a fresh session must be created on next use.
type CDPSession interface {
	Detach() error
}

// UpdateElementMap replaces the map, bumps the version, and stamps every
// entry with it so stale resolutions are detectable later.
func (s *Session) UpdateElementMap(entries []ElementRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return s.mapVersion
	}
	s.mapVersion++
	s.elements = make(map[int]ElementRef, len(entries))
	for _, e := range entries {
		e.MapVersion = s.mapVersion
		s.elements[e.Index] = e
	}
	return s.mapVersion
}

// ClearElementMap drops the map, bumps the version, and detaches the CDP
// session.
func (s *Session) ClearElementMap() {
	s.mu.Lock()
	cdp := s.cdp
	s.cdp = nil
	if !s.destroyed {
		s.mapVersion++
		s.elements = make(map[int]ElementRef)
	}
	s.mu.Unlock()

	if cdp != nil {
		cdp.Detach()
	}
}

// SetCDPSession installs the devtools session used by element resolution.
func (s *Session) SetCDPSession(cdp CDPSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cdp = cdp
}

// GetCDPSession returns the current devtools session, possibly nil.
func (s *Session) GetCDPSession() CDPSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cdp
}

// MapVersion returns the current element-map version.
func (s *Session) MapVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapVersion
}

// ResolveElement looks up an element by index. The error message
// distinguishes an empty map (the model must refresh the page content)
// from an out-of-range index in a populated map.
func (s *Session) ResolveElement(index int) (ElementRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.elements) == 0 {
		return ElementRef{}, fmt.Errorf("%w: element map is empty; call get_content first to read the page", ErrElementNotFound)
	}
	e, ok := s.elements[index]
	if !ok {
		return ElementRef{}, fmt.Errorf("%w: element %d is not in the current map of %d elements; the page may have changed, call get_content to refresh", ErrElementNotFound, index, len(s.elements))
	}
	return e, nil
}
