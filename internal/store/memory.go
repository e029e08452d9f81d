package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// MemoryStore keeps incidents in process memory. Used in tests and single-node dev runs.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents map[string]models.Incident
	open      map[string]string
	windows   map[string][]models.Sample
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents: make(map[string]models.Incident),
		open:      make(map[string]string),
		windows:   make(map[string][]models.Sample),
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	return inc.Clone(), nil
}

func (s *MemoryStore) PutIfVersion(_ context.Context, expectedVersion int64, rec models.Incident) error {
	if err := checkVersion(expectedVersion, rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.incidents[rec.ID]
	switch {
	case expectedVersion == 0 && exists:
		return ErrVersionConflict
	case expectedVersion > 0 && !exists:
		return ErrNotFound
	case exists && current.Version != expectedVersion:
		return ErrVersionConflict
	}

	owner, indexed := s.open[rec.Service]
	if rec.Open() && indexed && owner != rec.ID {
		return ErrOpenIncidentExists
	}

	s.incidents[rec.ID] = rec.Clone()
	if rec.Open() {
		s.open[rec.Service] = rec.ID
	} else if indexed && owner == rec.ID {
		delete(s.open, rec.Service)
	}
	return nil
}

func (s *MemoryStore) ListOpen(_ context.Context, service string) ([]models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.open[service]
	if !ok {
		return nil, nil
	}
	return []models.Incident{s.incidents[id].Clone()}, nil
}

func (s *MemoryStore) List(_ context.Context, filter models.ListFilter) ([]models.Incident, error) {
	s.mu.RLock()
	out := make([]models.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if filter.Matches(inc) {
			out = append(out, inc.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.Incident) int {
		if c := b.DetectedAt.Compare(a.DetectedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveWindow(_ context.Context, service string, samples []models.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[service] = slices.Clone(samples)
	return nil
}

func (s *MemoryStore) LoadWindows(context.Context) (map[string][]models.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]models.Sample, len(s.windows))
	for svc, samples := range s.windows {
		out[svc] = slices.Clone(samples)
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
