package memorystore

import (
	"context"
	"sync"

	"github.com/machinectx/mcp-go/state"
)

// Store keeps every recovery-point log in process memory.
type Store struct {
	mu   sync.RWMutex
	logs map[string][]state.RecoveryPoint
}

// New builds an empty Store.
func New() *Store {
	return &Store{logs: make(map[string][]state.RecoveryPoint)}
}

func (s *Store) Append(ctx context.Context, name string, pt state.RecoveryPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[name] = append(s.logs[name], pt)
	return nil
}

func (s *Store) List(ctx context.Context, name string) ([]state.RecoveryPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[name]
	out := make([]state.RecoveryPoint, len(log))
	copy(out, log)
	return out, nil
}

func (s *Store) Get(ctx context.Context, name, id string) (state.RecoveryPoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pt := range s.logs[name] {
		if pt.ID == id {
			return pt, true, nil
		}
	}
	return state.RecoveryPoint{}, false, nil
}

func (s *Store) Remove(ctx context.Context, name string, ids []string) error {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[name]
	kept := log[:0]
	for _, pt := range log {
		if _, ok := drop[pt.ID]; ok {
			continue
		}
		kept = append(kept, pt)
	}
	s.logs[name] = kept
	return nil
}

func (s *Store) Drop(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, name)
	return nil
}

func (s *Store) Close() error { return nil }

var _ state.RecoveryStore = (*Store)(nil)
