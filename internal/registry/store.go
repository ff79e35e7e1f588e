package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned by stores when no application has the given key.
	ErrNotFound = errors.New("application not found")

	// ErrDuplicateClientID is returned when a client ID is already registered.
	ErrDuplicateClientID = errors.New("client ID already registered")
)

// Store persists applications. Implementations must make Update atomic with
// respect to the read it is based on.
type Store interface {
	Create(ctx context.Context, app *Application) error
	Get(ctx context.Context, id string) (*Application, error)
	FindByClientID(ctx context.Context, clientID string) (*Application, error)
	Update(ctx context.Context, id string, mutate func(*Application) error) (*Application, error)
	List(ctx context.Context) ([]*Application, error)
	Close() error
}

// MemoryStore keeps applications in a mutex-guarded map.
type MemoryStore struct {
	mu   sync.RWMutex
	apps map[string]*Application
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{apps: make(map[string]*Application)}
}

func (s *MemoryStore) Create(_ context.Context, app *Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.apps {
		if existing.ClientID == app.ClientID {
			return ErrDuplicateClientID
		}
	}
	s.apps[app.ID] = app.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return app.Clone(), nil
}

func (s *MemoryStore) FindByClientID(_ context.Context, clientID string) (*Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, app := range s.apps {
		if app.ClientID == clientID {
			return app.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Update(_ context.Context, id string, mutate func(*Application) error) (*Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	updated := app.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	s.apps[id] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Application, 0, len(s.apps))
	for _, app := range s.apps {
		out = append(out, app.Clone())
	}
	sortApplications(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortApplications(apps []*Application) {
	sort.Slice(apps, func(i, j int) bool {
		if apps[i].CreatedAt.Equal(apps[j].CreatedAt) {
			return apps[i].ID < apps[j].ID
		}
		return apps[i].CreatedAt.Before(apps[j].CreatedAt)
	})
}
