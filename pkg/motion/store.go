package motion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store keeps recorded moves in a sqlite database, one row per move in
// the moves(library, name, payload, sound_path) table.
type Store struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// NewStore creates a store backed by the database file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Init opens the database and creates the schema.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS moves (
			library    TEXT NOT NULL,
			name       TEXT NOT NULL,
			payload    BLOB NOT NULL,
			sound_path TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (library, name)
		)
	`); err != nil {
		_ = db.Close()
		return fmt.Errorf("create moves table: %w", err)
	}

	s.db = db
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("move store is not initialized")
	}
	return s.db, nil
}

// Put validates and saves a move payload, replacing any previous version.
func (s *Store) Put(ctx context.Context, library, name string, payload []byte, soundPath string) error {
	if _, err := ParseRecorded(name, payload, soundPath); err != nil {
		return err
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO moves (library, name, payload, sound_path)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(library, name) DO UPDATE SET
			payload = excluded.payload,
			sound_path = excluded.sound_path
	`, library, name, payload, soundPath)
	return err
}

// Get loads a single move.
func (s *Store) Get(ctx context.Context, library, name string) (*RecordedMove, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var (
		payload   []byte
		soundPath string
	)
	err = db.QueryRowContext(ctx, `SELECT payload, sound_path FROM moves WHERE library = ? AND name = ?`, library, name).Scan(&payload, &soundPath)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, library, name)
		}
		return nil, err
	}
	return ParseRecorded(name, payload, soundPath)
}

// Libraries lists the library names present in the store.
func (s *Store) Libraries(ctx context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT library FROM moves ORDER BY library`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Library loads every move of one library.
func (s *Store) Library(ctx context.Context, library string) (*Library, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT name, payload, sound_path FROM moves WHERE library = ? ORDER BY name`, library)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lib := NewLibrary(library)
	for rows.Next() {
		var (
			name, soundPath string
			payload         []byte
		)
		if err := rows.Scan(&name, &payload, &soundPath); err != nil {
			return nil, err
		}
		m, err := ParseRecorded(name, payload, soundPath)
		if err != nil {
			return nil, fmt.Errorf("decode move %s/%s: %w", library, name, err)
		}
		lib.Add(m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if lib.Len() == 0 {
		return nil, fmt.Errorf("%w: library %q", ErrNotFound, library)
	}
	return lib, nil
}

// LoadAll registers every library of the store into r.
func (s *Store) LoadAll(ctx context.Context, r *Registry) error {
	names, err := s.Libraries(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		lib, err := s.Library(ctx, name)
		if err != nil {
			return err
		}
		r.Add(lib)
	}
	return nil
}
