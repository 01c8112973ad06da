package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SqliteStorage keeps the same key → document model in a single sqlite file.
// Useful when the instance root lives on a filesystem where many small files
// are expensive.
type SqliteStorage struct {
	db *sql.DB
}

// NewSqlite opens (and migrates) a sqlite-backed store at the given file.
func NewSqlite(path string) (*SqliteStorage, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; serialize access through one conn.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStorage{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("storage: load migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("storage: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("storage: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("storage: migrate up: %w", err)
	}
	return nil
}

func key(path []string) (string, error) {
	for _, seg := range path {
		if seg == "" || strings.Contains(seg, "/") {
			return "", fmt.Errorf("storage: invalid key segment %q", seg)
		}
	}
	return strings.Join(path, "/"), nil
}

func (s *SqliteStorage) Read(dest any, path ...string) error {
	k, err := key(path)
	if err != nil {
		return err
	}
	var data []byte
	err = s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, k).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: read %s: %w", k, err)
	}
	return json.Unmarshal(data, dest)
}

func (s *SqliteStorage) Write(value any, path ...string) error {
	k, err := key(path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", k, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, k, data)
	return err
}

func (s *SqliteStorage) Remove(path ...string) error {
	k, err := key(path)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM kv WHERE key = ?`, k)
	return err
}

func (s *SqliteStorage) RemoveAll(prefix ...string) error {
	k, err := key(prefix)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM kv WHERE key = ? OR key LIKE ?`, k, k+"/%")
	return err
}

func (s *SqliteStorage) List(prefix ...string) ([]string, error) {
	k, err := key(prefix)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT key FROM kv WHERE key LIKE ?`, k+"/%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var keys []string
	for rows.Next() {
		var full string
		if err := rows.Scan(&full); err != nil {
			return nil, err
		}
		rest := strings.TrimPrefix(full, k+"/")
		child, _, _ := strings.Cut(rest, "/")
		if !seen[child] {
			seen[child] = true
			keys = append(keys, child)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *SqliteStorage) Close() error { return s.db.Close() }
