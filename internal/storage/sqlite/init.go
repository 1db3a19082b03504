package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// IndexFile is the name of the index database inside a cache directory.
const IndexFile = "index.db"

// InitDB opens the SQLite database at path and creates the contents table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS contents (
		cache_key TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		length INTEGER NOT NULL,
		last_access INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create contents table: %w", err)
	}

	return db, nil
}
