package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/armanisadeghi/matrx-sandbox/pkg/errdefs"
	"github.com/armanisadeghi/matrx-sandbox/pkg/types"
)

// MemoryStore is the default in-process registry backend. Records are
// deep-copied on the way in and out so callers never share memory with
// the store.
type MemoryStore struct {
	mu        sync.RWMutex
	sandboxes map[string]*types.Sandbox
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sandboxes: make(map[string]*types.Sandbox),
	}
}

func (s *MemoryStore) Save(ctx context.Context, sb *types.Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sandboxes[sb.ID]; exists {
		return errdefs.Conflict("sandbox %s already exists", sb.ID)
	}
	s.sandboxes[sb.ID] = sb.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Sandbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sb, ok := s.sandboxes[id]
	if !ok {
		return nil, errdefs.NotFound("sandbox %s", id)
	}
	return sb.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, userID string) ([]*types.Sandbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Sandbox
	for _, sb := range s.sandboxes {
		if userID != "" && sb.UserID != userID {
			continue
		}
		out = append(out, sb.Clone())
	}
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, sb *types.Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sandboxes[sb.ID]
	if !ok {
		return errdefs.NotFound("sandbox %s", sb.ID)
	}
	if !stored.UpdatedAt.Equal(sb.UpdatedAt) {
		return errdefs.Conflict("sandbox %s was modified concurrently", sb.ID)
	}

	sb.UpdatedAt = nextUpdate(stored.UpdatedAt)
	s.sandboxes[sb.ID] = sb.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sandboxes, id)
	return nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]*types.Sandbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Sandbox
	for _, sb := range s.sandboxes {
		if sb.Expired(now) {
			out = append(out, sb.Clone())
		}
	}
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortByCreation(sandboxes []*types.Sandbox) {
	sort.Slice(sandboxes, func(i, j int) bool {
		if sandboxes[i].CreatedAt.Equal(sandboxes[j].CreatedAt) {
			return sandboxes[i].ID < sandboxes[j].ID
		}
		return sandboxes[i].CreatedAt.Before(sandboxes[j].CreatedAt)
	})
}
