package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// KnowledgeStore implements storage.KnowledgeStore using SQLite.
// Tags are stored as a JSON array in a TEXT column.
type KnowledgeStore struct {
	db *sql.DB
}

// NewKnowledgeStore creates a new SQLite knowledge store.
func NewKnowledgeStore(db *sql.DB) *KnowledgeStore {
	return &KnowledgeStore{db: db}
}

var _ storage.KnowledgeStore = (*KnowledgeStore)(nil)

func (s *KnowledgeStore) Insert(ctx context.Context, entry *types.KnowledgeEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	tagsJSON, err := marshalTags(entry.Tags)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_entries (id, title, summary, source_type, tags,
			confidence, verified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Title, entry.Summary, entry.SourceType, tagsJSON,
		entry.Confidence, entry.Verified, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge entry: %w", err)
	}
	return nil
}

func (s *KnowledgeStore) Get(ctx context.Context, id string) (*types.KnowledgeEntry, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: knowledge entry ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, summary, source_type, tags, confidence, verified,
			created_at, updated_at
		FROM knowledge_entries WHERE id = ?
	`, id)

	entry, err := scanKnowledgeEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get knowledge entry: %w", err)
	}
	return entry, nil
}

// Update replaces the stored row for entry.ID.
func (s *KnowledgeStore) Update(ctx context.Context, entry *types.KnowledgeEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	tagsJSON, err := marshalTags(entry.Tags)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_entries
		SET title = ?, summary = ?, source_type = ?, tags = ?,
			confidence = ?, verified = ?, updated_at = ?
		WHERE id = ?
	`, entry.Title, entry.Summary, entry.SourceType, tagsJSON,
		entry.Confidence, entry.Verified, entry.UpdatedAt, entry.ID)
	if err != nil {
		return fmt.Errorf("failed to update knowledge entry: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *KnowledgeStore) List(ctx context.Context, filter storage.KnowledgeFilter) ([]types.KnowledgeEntry, error) {
	filter.Normalize()

	query := `
		SELECT id, title, summary, source_type, tags, confidence, verified,
			created_at, updated_at
		FROM knowledge_entries WHERE 1=1`
	var args []any

	if filter.SourceType != "" {
		query += ` AND source_type = ?`
		args = append(args, filter.SourceType)
	}
	if filter.VerifiedOnly {
		query += ` AND verified = 1`
	}
	if filter.MinConfidence > 0 {
		query += ` AND confidence >= ?`
		args = append(args, filter.MinConfidence)
	}

	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []types.KnowledgeEntry
	for rows.Next() {
		entry, err := scanKnowledgeEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge row: %w", err)
		}
		// Tag filtering happens in Go: tags live in a JSON column and the
		// set is small enough that a LIKE pattern is not worth its false
		// positives.
		if filter.Tag != "" && !hasTag(entry.Tags, filter.Tag) {
			continue
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knowledge rows error: %w", err)
	}
	return entries, nil
}

func (s *KnowledgeStore) Counts(ctx context.Context) (total int, verified int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(verified), 0) FROM knowledge_entries
	`).Scan(&total, &verified)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count knowledge entries: %w", err)
	}
	return total, verified, nil
}

func scanKnowledgeEntry(sc rowScanner) (*types.KnowledgeEntry, error) {
	var entry types.KnowledgeEntry
	var tagsJSON sql.NullString

	err := sc.Scan(&entry.ID, &entry.Title, &entry.Summary, &entry.SourceType,
		&tagsJSON, &entry.Confidence, &entry.Verified,
		&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &entry.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return &entry, nil
}

func marshalTags(tags []string) (sql.NullString, error) {
	if len(tags) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal tags: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
