package incident

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates no incident has the given ID
var ErrNotFound = errors.New("incident not found")

// ErrAmbiguousID indicates an ID prefix matches more than one incident
var ErrAmbiguousID = errors.New("incident id prefix is ambiguous")

const schema = `
CREATE TABLE IF NOT EXISTS Incident (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	urgency TEXT NOT NULL,
	reported_at INTEGER NOT NULL,
	photo_uri TEXT NOT NULL DEFAULT '',
	audio_uri TEXT NOT NULL DEFAULT '',
	latitude REAL NOT NULL DEFAULT 0,
	longitude REAL NOT NULL DEFAULT 0,
	synced INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_incident_synced ON Incident(synced, reported_at);
`

const selectColumns = `id, title, description, category, urgency, reported_at, photo_uri, audio_uri, latitude, longitude, synced`

// Store is the SQLite-backed incident repository
type Store struct {
	db    *sql.DB
	owned bool // Close closes db
}

// Open opens or creates an incident database at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open incident database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewStore creates the schema on an existing database, such as the client
// state file. The caller keeps ownership of db.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create incident schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database if the store opened it
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Create validates and inserts inc as pending. An empty ID or zero
// ReportedAt is filled in.
func (s *Store) Create(ctx context.Context, inc *Incident) error {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if inc.ReportedAt.IsZero() {
		inc.ReportedAt = time.Now().UTC()
	}
	inc.Synced = false
	if err := inc.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO Incident (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, inc.ID, inc.Title, inc.Description, inc.Category, inc.Urgency, inc.ReportedAt.UnixMilli(),
		inc.PhotoURI, inc.AudioURI, inc.Latitude, inc.Longitude)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

// Get returns the incident with the given ID
func (s *Store) Get(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM Incident WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inc, err
}

// Resolve finds an incident by full ID or unique ID prefix
func (s *Store) Resolve(ctx context.Context, idOrPrefix string) (*Incident, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM Incident WHERE id LIKE ? ESCAPE '\' LIMIT 2`,
		escapeLike(idOrPrefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to look up incident: %w", err)
	}
	matches, err := scanIncidents(rows)
	if err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguousID
	}
}

// List returns every incident, newest first
func (s *Store) List(ctx context.Context) ([]*Incident, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM Incident ORDER BY reported_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	return scanIncidents(rows)
}

// ListPending returns incidents not yet synced, oldest first
func (s *Store) ListPending(ctx context.Context) ([]*Incident, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM Incident WHERE synced = 0 ORDER BY reported_at ASC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending incidents: %w", err)
	}
	return scanIncidents(rows)
}

// Update overwrites every field of an existing incident, including Synced
func (s *Store) Update(ctx context.Context, inc *Incident) error {
	if err := inc.Validate(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE Incident
		SET title = ?, description = ?, category = ?, urgency = ?, reported_at = ?,
			photo_uri = ?, audio_uri = ?, latitude = ?, longitude = ?, synced = ?
		WHERE id = ?
	`, inc.Title, inc.Description, inc.Category, inc.Urgency, inc.ReportedAt.UnixMilli(),
		inc.PhotoURI, inc.AudioURI, inc.Latitude, inc.Longitude, boolToInt(inc.Synced), inc.ID)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	return expectOneRow(res)
}

// MarkSynced flags an incident as delivered
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE Incident SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark incident synced: %w", err)
	}
	return expectOneRow(res)
}

// Delete removes an incident
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM Incident WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete incident: %w", err)
	}
	return expectOneRow(res)
}

// ReplaceSynced swaps every synced incident for the given authoritative
// copies in one transaction. Pending incidents are left untouched.
func (s *Store) ReplaceSynced(ctx context.Context, incidents []*Incident) error {
	for _, inc := range incidents {
		if err := inc.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM Incident WHERE synced = 1`); err != nil {
		return fmt.Errorf("failed to clear synced incidents: %w", err)
	}

	for _, inc := range incidents {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO Incident (`+selectColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`, inc.ID, inc.Title, inc.Description, inc.Category, inc.Urgency, inc.ReportedAt.UnixMilli(),
			inc.PhotoURI, inc.AudioURI, inc.Latitude, inc.Longitude)
		if err != nil {
			return fmt.Errorf("failed to insert incident %s: %w", inc.ID, err)
		}
		inc.Synced = true
	}

	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(row scanner) (*Incident, error) {
	var inc Incident
	var reportedAt int64
	var synced int
	if err := row.Scan(&inc.ID, &inc.Title, &inc.Description, &inc.Category, &inc.Urgency, &reportedAt,
		&inc.PhotoURI, &inc.AudioURI, &inc.Latitude, &inc.Longitude, &synced); err != nil {
		return nil, err
	}
	inc.ReportedAt = time.UnixMilli(reportedAt).UTC()
	inc.Synced = synced != 0
	return &inc, nil
}

func scanIncidents(rows *sql.Rows) ([]*Incident, error) {
	defer rows.Close()

	var incidents []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
