package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB initializes the SQLite database and creates the refreshes table if it doesn't exist.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS refreshes (
		id INTEGER PRIMARY KEY,
		job_id TEXT,
		kind TEXT,
		url TEXT,
		local_path TEXT,
		status TEXT,
		fetched_at DATETIME
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}
