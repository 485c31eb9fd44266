package types

import (
	"fmt"
	"time"
)

// MemoryRecord is a distilled fact written explicitly or promoted from an
// ephemeral observation. Content is immutable once embedded: edits insert a
// new record and mark the old one superseded, so stored embeddings never
// drift out of sync with the text they were computed from.
type MemoryRecord struct {
	ID         string    `json:"id"`
	Category   string    `json:"category"`
	Subject    string    `json:"subject"`
	Content    string    `json:"content"`
	Importance int       `json:"importance"` // 1 (trivia) to 10 (critical)
	Source     string    `json:"source"`     // Where the fact came from (e.g. "manual", "transcript", "promotion")
	CreatedAt  time.Time `json:"created_at"`

	// SupersededBy links to the record that replaced this one after an edit.
	// Empty for the current version.
	SupersededBy string `json:"superseded_by,omitempty"`
}

// Validate checks required fields and the importance range.
func (m *MemoryRecord) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("memory ID is required")
	}
	if m.Content == "" {
		return fmt.Errorf("memory content is required")
	}
	if m.Importance < 1 || m.Importance > 10 {
		return fmt.Errorf("memory importance must be in [1,10], got %d", m.Importance)
	}
	return nil
}

// OwnerType identifies which record family an embedding row belongs to.
type OwnerType string

const (
	OwnerChunk     OwnerType = "chunk"
	OwnerMemory    OwnerType = "memory"
	OwnerKnowledge OwnerType = "knowledge"
)
