package engine

import (
	"sync"
	"time"
)

// echoMark records a write this device flushed whose feed echo has not been
// observed yet. The mark self-expires so a lost echo cannot suppress real
// remote changes forever.
type echoMark struct {
	sum   string
	until time.Time
}

// fieldState is the per-field sync bookkeeping shared by the listener, the
// write queue, and the conflict resolver.
type fieldState struct {
	mu       sync.Mutex
	lastGood map[string]string
	echoes   map[string]echoMark
}

func newFieldState() *fieldState {
	return &fieldState{
		lastGood: make(map[string]string),
		echoes:   make(map[string]echoMark),
	}
}

// lastGoodSum returns the checksum of the last remote state this device
// acknowledged for the field, "" if none.
func (s *fieldState) lastGoodSum(field string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastGood[field]
}

func (s *fieldState) setLastGood(field, sum string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastGood[field] = sum
}

func (s *fieldState) markEcho(field, sum string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echoes[field] = echoMark{sum: sum, until: until}
}

func (s *fieldState) clearEcho(field string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.echoes, field)
}

// isEcho reports whether sum matches an unexpired pending write for field.
// A match consumes the mark.
func (s *fieldState) isEcho(field, sum string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	mark, ok := s.echoes[field]
	if !ok {
		return false
	}
	if now.After(mark.until) {
		delete(s.echoes, field)
		return false
	}
	if mark.sum != sum {
		return false
	}
	delete(s.echoes, field)
	return true
}

// pendingEchoSum exposes the current mark for conflict checks.
func (s *fieldState) pendingEchoSum(field string, now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mark, ok := s.echoes[field]
	if !ok || now.After(mark.until) {
		return "", false
	}
	return mark.sum, true
}
