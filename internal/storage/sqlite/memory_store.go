package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// MemoryStore implements storage.MemoryStore using SQLite.
type MemoryStore struct {
	db *sql.DB
}

// NewMemoryStore creates a new SQLite memory record store.
func NewMemoryStore(db *sql.DB) *MemoryStore {
	return &MemoryStore{db: db}
}

var _ storage.MemoryStore = (*MemoryStore)(nil)

func (s *MemoryStore) Insert(ctx context.Context, record *types.MemoryRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, category, subject, content, importance, source, superseded_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?)
	`, record.ID, record.Category, record.Subject, record.Content,
		record.Importance, record.Source, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert memory record: %w", err)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	var record types.MemoryRecord
	var superseded sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, category, subject, content, importance, source, superseded_by, created_at
		FROM memories WHERE id = ?
	`, id).Scan(&record.ID, &record.Category, &record.Subject, &record.Content,
		&record.Importance, &record.Source, &superseded, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get memory record: %w", err)
	}

	if superseded.Valid {
		record.SupersededBy = superseded.String
	}
	return &record, nil
}

// Supersede inserts the replacement record and links the old row to it in a
// single transaction. The old row's content is never mutated, keeping its
// stored embeddings consistent with its text.
func (s *MemoryStore) Supersede(ctx context.Context, oldID string, replacement *types.MemoryRecord) error {
	if oldID == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	if err := replacement.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin supersede transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE memories SET superseded_by = ? WHERE id = ? AND superseded_by IS NULL`,
		replacement.ID, oldID)
	if err != nil {
		return fmt.Errorf("failed to mark memory superseded: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, category, subject, content, importance, source, superseded_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?)
	`, replacement.ID, replacement.Category, replacement.Subject, replacement.Content,
		replacement.Importance, replacement.Source, replacement.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert replacement record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit supersede: %w", err)
	}
	return nil
}

// List returns current (non-superseded) records, newest first.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]types.MemoryRecord, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, subject, content, importance, source, superseded_by, created_at
		FROM memories
		WHERE superseded_by IS NULL
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []types.MemoryRecord
	for rows.Next() {
		var record types.MemoryRecord
		var superseded sql.NullString
		if err := rows.Scan(&record.ID, &record.Category, &record.Subject,
			&record.Content, &record.Importance, &record.Source,
			&superseded, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory row: %w", err)
		}
		if superseded.Valid {
			record.SupersededBy = superseded.String
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory rows error: %w", err)
	}
	return records, nil
}
