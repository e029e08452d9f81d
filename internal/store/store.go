// Package store persists incidents with optimistic concurrency and keeps the
// service -> open incident index consistent with every write.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

var (
	// ErrNotFound means no incident has the requested id.
	ErrNotFound = errors.New("incident not found")
	// ErrVersionConflict means the stored version differs from the expected one.
	ErrVersionConflict = errors.New("incident version conflict")
	// ErrOpenIncidentExists means the service already has a different open incident.
	ErrOpenIncidentExists = errors.New("service already has an open incident")
)

// Store is the durable record store behind the incident state machine.
//
// PutIfVersion writes rec only if the stored version equals expectedVersion (zero means the
// id must not exist yet) and rec.Version is expectedVersion+1. In the same transaction it adds
// rec to the open index when rec is open, or removes it when rec is terminal.
type Store interface {
	Get(ctx context.Context, id string) (models.Incident, error)
	PutIfVersion(ctx context.Context, expectedVersion int64, rec models.Incident) error
	ListOpen(ctx context.Context, service string) ([]models.Incident, error)
	List(ctx context.Context, filter models.ListFilter) ([]models.Incident, error)
	SaveWindow(ctx context.Context, service string, samples []models.Sample) error
	LoadWindows(ctx context.Context) (map[string][]models.Sample, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open selects a backend by driver name: memory, sqlite or postgres.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if dsn == "" {
			dsn = "remediation.db"
		}
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

func checkVersion(expectedVersion int64, rec models.Incident) error {
	if rec.ID == "" {
		return errors.New("incident id is required")
	}
	if rec.Version != expectedVersion+1 {
		return fmt.Errorf("incident %s: version must advance by one (expected %d, got %d)", rec.ID, expectedVersion+1, rec.Version)
	}
	return nil
}
