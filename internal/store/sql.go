package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// migrations use the column types both SQLite and Postgres accept.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS incidents (
    id          TEXT PRIMARY KEY,
    service     TEXT NOT NULL,
    state       TEXT NOT NULL,
    version     BIGINT NOT NULL,
    record      TEXT NOT NULL,
    detected_at BIGINT NOT NULL,
    updated_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_service ON incidents(service, detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_incidents_state ON incidents(state);

CREATE TABLE IF NOT EXISTS open_incidents (
    service     TEXT PRIMARY KEY,
    incident_id TEXT NOT NULL
);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS window_checkpoints (
    service    TEXT PRIMARY KEY,
    samples    TEXT NOT NULL,
    updated_at BIGINT NOT NULL
);
`,
	},
}

var terminalStates = []string{
	string(models.StateRejected),
	string(models.StateExecuted),
	string(models.StateExpired),
	string(models.StateFailed),
}

// SQLStore implements Store on SQLite or Postgres through sqlx. Queries are written with
// '?' placeholders and rebound for the active driver.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs pending migrations.
// Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// one connection: SQLite serialises writers anyway, and ":memory:" databases are per-connection
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	return newSQLStore(db)
}

// NewPostgresStore connects to Postgres with dsn and runs pending migrations.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newSQLStore(db)
}

func newSQLStore(db *sqlx.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *SQLStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at BIGINT NOT NULL
    )`); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.Get(&count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		// Postgres accepts multi-statement Exec; SQLite's driver does too.
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(s.db.Rebind(`INSERT INTO schema_versions(version, applied_at) VALUES(?, ?)`), m.version, time.Now().Unix()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (models.Incident, error) {
	var record string
	err := s.db.GetContext(ctx, &record, s.db.Rebind(`SELECT record FROM incidents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Incident{}, ErrNotFound
	}
	if err != nil {
		return models.Incident{}, fmt.Errorf("get incident %s: %w", id, err)
	}
	return decodeIncident(record)
}

func (s *SQLStore) PutIfVersion(ctx context.Context, expectedVersion int64, rec models.Incident) error {
	if err := checkVersion(expectedVersion, rec); err != nil {
		return err
	}
	record, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode incident %s: %w", rec.ID, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if expectedVersion == 0 {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO incidents (id, service, state, version, record, detected_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`),
			rec.ID, rec.Service, string(rec.State), rec.Version, string(record),
			rec.DetectedAt.UnixNano(), rec.UpdatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert incident %s: %w", rec.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrVersionConflict
		}
	} else {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
UPDATE incidents SET state = ?, version = ?, record = ?, updated_at = ?
WHERE id = ? AND version = ?`),
			string(rec.State), rec.Version, string(record), rec.UpdatedAt.UnixNano(), rec.ID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update incident %s: %w", rec.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var count int
			if err := tx.GetContext(ctx, &count, tx.Rebind(`SELECT COUNT(*) FROM incidents WHERE id = ?`), rec.ID); err != nil {
				return fmt.Errorf("check incident %s: %w", rec.ID, err)
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrVersionConflict
		}
	}

	if err := syncOpenIndex(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit incident %s: %w", rec.ID, err)
	}
	return nil
}

func syncOpenIndex(ctx context.Context, tx *sqlx.Tx, rec models.Incident) error {
	if !rec.Open() {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM open_incidents WHERE service = ? AND incident_id = ?`), rec.Service, rec.ID); err != nil {
			return fmt.Errorf("clear open index for %s: %w", rec.Service, err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO open_incidents (service, incident_id) VALUES (?, ?)
ON CONFLICT (service) DO NOTHING`), rec.Service, rec.ID)
	if err != nil {
		return fmt.Errorf("index open incident for %s: %w", rec.Service, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var owner string
	if err := tx.GetContext(ctx, &owner, tx.Rebind(`SELECT incident_id FROM open_incidents WHERE service = ?`), rec.Service); err != nil {
		return fmt.Errorf("read open index for %s: %w", rec.Service, err)
	}
	if owner != rec.ID {
		return ErrOpenIncidentExists
	}
	return nil
}

func (s *SQLStore) ListOpen(ctx context.Context, service string) ([]models.Incident, error) {
	var records []string
	err := s.db.SelectContext(ctx, &records, s.db.Rebind(`
SELECT i.record FROM incidents i
JOIN open_incidents o ON o.incident_id = i.id
WHERE o.service = ?`), service)
	if err != nil {
		return nil, fmt.Errorf("list open incidents for %s: %w", service, err)
	}
	return decodeIncidents(records)
}

func (s *SQLStore) List(ctx context.Context, filter models.ListFilter) ([]models.Incident, error) {
	var (
		where []string
		args  []any
	)
	if filter.Service != "" {
		where = append(where, "service = ?")
		args = append(args, filter.Service)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.OpenOnly {
		query, inArgs, err := sqlx.In("state NOT IN (?)", terminalStates)
		if err != nil {
			return nil, err
		}
		where = append(where, query)
		args = append(args, inArgs...)
	}

	query := `SELECT record FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var records []string
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	return decodeIncidents(records)
}

func (s *SQLStore) SaveWindow(ctx context.Context, service string, samples []models.Sample) error {
	payload, err := json.Marshal(samples)
	if err != nil {
		return fmt.Errorf("encode window %s: %w", service, err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO window_checkpoints (service, samples, updated_at) VALUES (?, ?, ?)
ON CONFLICT (service) DO UPDATE SET samples = excluded.samples, updated_at = excluded.updated_at`),
		service, string(payload), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save window %s: %w", service, err)
	}
	return nil
}

func (s *SQLStore) LoadWindows(ctx context.Context) (map[string][]models.Sample, error) {
	var rows []struct {
		Service string `db:"service"`
		Samples string `db:"samples"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT service, samples FROM window_checkpoints`); err != nil {
		return nil, fmt.Errorf("load windows: %w", err)
	}
	out := make(map[string][]models.Sample, len(rows))
	for _, row := range rows {
		var samples []models.Sample
		if err := json.Unmarshal([]byte(row.Samples), &samples); err != nil {
			return nil, fmt.Errorf("decode window %s: %w", row.Service, err)
		}
		out[row.Service] = samples
	}
	return out, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func decodeIncident(record string) (models.Incident, error) {
	var inc models.Incident
	if err := json.Unmarshal([]byte(record), &inc); err != nil {
		return models.Incident{}, fmt.Errorf("decode incident: %w", err)
	}
	return inc, nil
}

func decodeIncidents(records []string) ([]models.Incident, error) {
	out := make([]models.Incident, 0, len(records))
	for _, record := range records {
		inc, err := decodeIncident(record)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, nil
}
