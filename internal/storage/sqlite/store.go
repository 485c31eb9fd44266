// Package sqlite implements the storage interfaces on modernc.org/sqlite,
// a CGO-free SQLite driver. It is the default persistence substrate.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schema is the complete DDL for the engram database. It is applied on every
// Open; all statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	id               TEXT PRIMARY KEY,
	source_id        TEXT NOT NULL,
	sequence_index   INTEGER NOT NULL,
	content_hash     TEXT NOT NULL,
	raw_text         TEXT NOT NULL,
	enriched_text    TEXT,
	token_count      INTEGER NOT NULL DEFAULT 0,
	embedding_status TEXT NOT NULL DEFAULT 'pending',
	claimed_at       TIMESTAMP,
	created_at       TIMESTAMP NOT NULL,
	UNIQUE(source_id, sequence_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(embedding_status);
CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_id);

CREATE TABLE IF NOT EXISTS embeddings (
	owner_id   TEXT NOT NULL,
	owner_type TEXT NOT NULL,
	model      TEXT NOT NULL,
	dimension  INTEGER NOT NULL,
	embedding  BLOB NOT NULL,
	provider   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (owner_id, owner_type, model)
);

CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model);

CREATE TABLE IF NOT EXISTS knowledge_entries (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	summary     TEXT NOT NULL,
	source_type TEXT NOT NULL DEFAULT '',
	tags        TEXT,
	confidence  REAL NOT NULL DEFAULT 0.5,
	verified    INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS memories (
	id            TEXT PRIMARY KEY,
	category      TEXT NOT NULL DEFAULT '',
	subject       TEXT NOT NULL DEFAULT '',
	content       TEXT NOT NULL,
	importance    INTEGER NOT NULL DEFAULT 5,
	source        TEXT NOT NULL DEFAULT '',
	superseded_by TEXT,
	created_at    TIMESTAMP NOT NULL
);
`

// Open opens (creating if necessary) the engram database at path and applies
// the schema. The special path ":memory:" opens an in-memory database, which
// the tests use.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	// Single writer keeps claim updates serialized without busy retries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return db, nil
}
