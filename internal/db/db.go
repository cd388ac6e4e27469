// Package db stores the history of calibration runs in sqlite.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"os"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigrationsFS returns the embedded schema migrations. A non-empty dir
// overrides them with migrations read from disk.
func MigrationsFS(dir string) (fs.FS, error) {
	if dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("migrations dir: %w", err)
		}
		return os.DirFS(dir), nil
	}
	return fs.Sub(migrations, "migrations")
}

// pragmas are applied to every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

type DB struct {
	*sql.DB
	path string
}

// OpenDB opens the database without touching its schema.
func OpenDB(path string) (*DB, error) {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// NewDB opens the database and applies any pending migrations from the
// embedded set.
func NewDB(path string) (*DB, error) {
	return NewDBWithMigrations(path, "")
}

// NewDBWithMigrations opens the database and migrates it with the
// migrations in dir, or the embedded set when dir is empty.
func NewDBWithMigrations(path, dir string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	fsys, err := MigrationsFS(dir)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(fsys); err != nil {
		db.Close()
		return nil, err
	}
	version, _, err := db.MigrateVersion(fsys)
	if err != nil {
		db.Close()
		return nil, err
	}
	diagf("opened %s at schema version %d", path, version)
	return db, nil
}
