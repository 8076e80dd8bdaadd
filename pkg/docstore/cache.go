package docstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zonehub/collab/pkg/wire"
)

// Schema for the local document cache.
const cacheSchema = `
CREATE TABLE IF NOT EXISTS documents (
    entity_key  TEXT NOT NULL,
    field       TEXT NOT NULL,
    value       BLOB NOT NULL,
    clock       INTEGER NOT NULL,
    actor       TEXT NOT NULL,
    PRIMARY KEY (entity_key, field)
);

CREATE INDEX IF NOT EXISTS idx_documents_entity ON documents(entity_key);
`

// Cache is the optional durable local store for offline continuity.
// It is best-effort: correctness never depends on it.
type Cache struct {
	db *sql.DB
}

// OpenCache opens or creates the sqlite cache at the given path.
func OpenCache(path string) (*Cache, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache: %w", err)
	}

	return &Cache{db: db}, nil
}

// Load returns the cached field states for an entity. A missing
// entity returns an empty map.
func (c *Cache) Load(entityKey string) (map[string]wire.FieldState, error) {
	rows, err := c.db.Query(
		`SELECT field, value, clock, actor FROM documents WHERE entity_key = ?`, entityKey)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", entityKey, err)
	}
	defer rows.Close()

	out := make(map[string]wire.FieldState)
	for rows.Next() {
		var (
			field string
			blob  []byte
			state wire.FieldState
		)
		if err := rows.Scan(&field, &blob, &state.Clock, &state.Actor); err != nil {
			return nil, fmt.Errorf("load %s: %w", entityKey, err)
		}
		if err := cbor.Unmarshal(blob, &state.Value); err != nil {
			return nil, fmt.Errorf("load %s field %s: %w", entityKey, field, err)
		}
		out[field] = state
	}
	return out, rows.Err()
}

// Save upserts the full field state of an entity in one transaction.
func (c *Cache) Save(entityKey string, fields map[string]wire.FieldState) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("save %s: %w", entityKey, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO documents (entity_key, field, value, clock, actor)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(entity_key, field) DO UPDATE SET
		     value = excluded.value, clock = excluded.clock, actor = excluded.actor`)
	if err != nil {
		return fmt.Errorf("save %s: %w", entityKey, err)
	}
	defer stmt.Close()

	for field, state := range fields {
		blob, err := cbor.Marshal(state.Value)
		if err != nil {
			return fmt.Errorf("save %s field %s: %w", entityKey, field, err)
		}
		if _, err := stmt.Exec(entityKey, field, blob, state.Clock, state.Actor); err != nil {
			return fmt.Errorf("save %s field %s: %w", entityKey, field, err)
		}
	}

	return tx.Commit()
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
