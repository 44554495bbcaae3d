package cache

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// Persister is a write-through backing store used to warm the cache after a
// restart. Implementations must be safe for concurrent use.
type Persister interface {
	Save(key string, e *Entry) error
	Delete(key string) error
	// Load calls fn for every stored entry.
	Load(fn func(key string, e *Entry)) error
	Close() error
}

// SQLitePersister keeps entries in a single SQLite table, encoded with
// Entry.MarshalBinary.
type SQLitePersister struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

// NewSQLitePersister opens filename, creating the table if needed. An empty
// filename opens a shared in-memory database.
func NewSQLitePersister(filename string) (*SQLitePersister, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", filename, err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			stored INTEGER,
			bytes BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS stored_idx ON cache (stored)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache: init %s: %w", filename, err)
		}
	}
	return &SQLitePersister{db: db}, nil
}

func (p *SQLitePersister) Save(key string, e *Entry) error {
	b, err := e.MarshalBinary()
	if err != nil {
		return err
	}
	p.writeMutex.Lock()
	defer p.writeMutex.Unlock()
	_, err = p.db.Exec("INSERT OR REPLACE INTO cache (key, stored, bytes) VALUES (?, ?, ?)",
		key, e.Stored.Unix(), b)
	return err
}

func (p *SQLitePersister) Delete(key string) error {
	p.writeMutex.Lock()
	defer p.writeMutex.Unlock()
	_, err := p.db.Exec("DELETE FROM cache WHERE key = ?", key)
	return err
}

// Load reads all rows, oldest first, so the newest entries end up at the
// front of the LRU lists. Rows that fail to decode are skipped.
func (p *SQLitePersister) Load(fn func(key string, e *Entry)) error {
	rows, err := p.db.Query("SELECT key, bytes FROM cache ORDER BY stored ASC")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var b []byte
		if err := rows.Scan(&key, &b); err != nil {
			return err
		}
		e := new(Entry)
		if err := e.UnmarshalBinary(b); err != nil {
			continue
		}
		fn(key, e)
	}
	return rows.Err()
}

// Count returns the number of persisted rows.
func (p *SQLitePersister) Count() (int, error) {
	var n int
	err := p.db.QueryRow("SELECT COUNT(*) FROM cache").Scan(&n)
	return n, err
}

func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
