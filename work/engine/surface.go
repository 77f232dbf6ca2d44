package engine

import (
	"sync"

	"iptv-player/work/logger"
	"iptv-player/work/types"
)

// Surface is the single shared playback surface. Exactly one engine may hold
// it at a time; acquiring it from a previous owner resets all surface state
// so nothing from the prior engine leaks into the next one.
type Surface struct {
	mu     sync.Mutex
	owner  types.EngineID
	source string
}

// NewSurface creates an unowned surface.
func NewSurface() *Surface {
	return &Surface{}
}

// Acquire transfers surface ownership to the given engine, resetting any
// state left by the previous owner.
func (s *Surface) Acquire(id types.EngineID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != "" && s.owner != id {
		logger.Debug("{engine - Acquire} Surface transfer: %s -> %s", s.owner, id)
	}
	s.owner = id
	s.source = ""
}

// Release clears ownership if the given engine still holds the surface.
// A stale release from an engine that already lost the surface is a no-op.
func (s *Surface) Release(id types.EngineID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == id {
		s.owner = ""
		s.source = ""
	}
}

// SetSource records the media source on the surface. Only the owner may set
// it; a call from a non-owner is dropped.
func (s *Surface) SetSource(id types.EngineID, source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != id {
		return false
	}
	s.source = source
	return true
}

// Owner returns the engine currently holding the surface.
func (s *Surface) Owner() types.EngineID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Source returns the media source currently set on the surface.
func (s *Surface) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}
