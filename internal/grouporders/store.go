package grouporders

import (
	"context"
	"fmt"
	"sync"

	"github.com/joao-fontenele/grouporders/internal/domain"
)

// Store persists committed group order snapshots. Get returns nil, nil when
// the order does not exist. Save must reject a snapshot whose Version is not
// exactly one above the stored one with domain.ErrVersionConflict.
type Store interface {
	Save(ctx context.Context, order *domain.GroupOrder) error
	Get(ctx context.Context, id string) (*domain.GroupOrder, error)
	ListActive(ctx context.Context) ([]*domain.GroupOrder, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*domain.GroupOrder
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*domain.GroupOrder)}
}

func (s *MemoryStore) Save(_ context.Context, order *domain.GroupOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.orders[order.ID]; ok {
		current = existing.Version
	}
	if order.Version != current+1 {
		return fmt.Errorf("%w: order %s at version %d, got %d", domain.ErrVersionConflict, order.ID, current, order.Version)
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.GroupOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return order.Clone(), nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*domain.GroupOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*domain.GroupOrder
	for _, order := range s.orders {
		if !order.Status.IsTerminal() {
			active = append(active, order.Clone())
		}
	}
	return active, nil
}
