package client

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	configLastNickname = "last_nickname"
	configLastServer   = "last_server"
)

// ClientState manages client-side persistent state
type ClientState struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// OpenState opens or creates the client state database
func OpenState(path string) (*ClientState, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS Config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create config table: %w", err)
	}

	return &ClientState{db: db, dir: dir}, nil
}

// Close closes the state database
func (s *ClientState) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database so other client stores can share the file
func (s *ClientState) DB() *sql.DB {
	return s.db
}

// GetConfig retrieves a configuration value, "" if unset
func (s *ClientState) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *ClientState) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// GetLastNickname returns the last nickname accepted by a server
func (s *ClientState) GetLastNickname() string {
	nickname, _ := s.GetConfig(configLastNickname)
	return nickname
}

func (s *ClientState) SetLastNickname(nickname string) error {
	return s.SetConfig(configLastNickname, nickname)
}

// GetLastServer returns the last server address connected to
func (s *ClientState) GetLastServer() string {
	server, _ := s.GetConfig(configLastServer)
	return server
}

func (s *ClientState) SetLastServer(address string) error {
	return s.SetConfig(configLastServer, address)
}

// GetStateDir returns the directory where state is stored
func (s *ClientState) GetStateDir() string {
	return s.dir
}
