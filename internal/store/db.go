package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrStorage marks local persistence failures. Callers must treat it as
// fatal to the current operation: the engine never fabricates a response
// from memory when the store cannot answer, because that state would not
// survive a restart.
var ErrStorage = errors.New("storage fault")

// DB wraps a SQLite database connection for the engine-owned messages.db.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fault("open db", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fault("ping db", err)
	}
	return &DB{db}, nil
}

// fault wraps a driver error so callers can classify it with
// errors.Is(err, ErrStorage).
func fault(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStorage, err)
}
