package session

import "sync"

// EngineStateStore maps engine session ids to shell session ids. Backend
// callbacks only carry engine ids, so every delegate lookup goes through it.
type EngineStateStore struct {
	mu       sync.RWMutex
	byEngine map[string]string
}

func NewEngineStateStore() *EngineStateStore {
	return &EngineStateStore{byEngine: make(map[string]string)}
}

func (s *EngineStateStore) Put(engineID, sessionID string) {
	s.mu.Lock()
	s.byEngine[engineID] = sessionID
	s.mu.Unlock()
}

func (s *EngineStateStore) Remove(engineID string) {
	s.mu.Lock()
	delete(s.byEngine, engineID)
	s.mu.Unlock()
}

func (s *EngineStateStore) Lookup(engineID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEngine[engineID]
	return id, ok
}

func (s *EngineStateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byEngine)
}
