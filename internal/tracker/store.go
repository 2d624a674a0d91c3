package tracker

import (
	"sync"
)

// Store maps registered peer IDs to their signaling connections.
type Store struct {
	mu    sync.Mutex
	peers map[string]*peer
}

func NewStore() *Store {
	return &Store{
		peers: make(map[string]*peer),
	}
}

// Add registers p under id. It returns false if id is taken.
func (s *Store) Add(id string, p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.peers[id]; exists {
		return false
	}
	s.peers[id] = p
	return true
}

// Remove drops id if it still belongs to p.
func (s *Store) Remove(id string, p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peers[id] == p {
		delete(s.peers, id)
	}
}

func (s *Store) Get(id string) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[id]
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}
