package types

import (
	"fmt"
	"time"
)

// KnowledgeEntry is a distilled, verifiable fact in the knowledge cache.
// Entries carry a confidence score in [0,1] and an explicit verification
// flag. Updating the summary resets verification, since the verified claim
// no longer matches the stored text.
type KnowledgeEntry struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Summary    string    `json:"summary"`
	SourceType string    `json:"source_type"` // e.g. "conversation", "document", "manual"
	Tags       []string  `json:"tags,omitempty"`
	Confidence float64   `json:"confidence"` // 0.0 (guess) to 1.0 (certain)
	Verified   bool      `json:"verified"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate checks required fields and the confidence range.
func (k *KnowledgeEntry) Validate() error {
	if k.ID == "" {
		return fmt.Errorf("knowledge entry ID is required")
	}
	if k.Title == "" {
		return fmt.Errorf("knowledge entry title is required")
	}
	if k.Summary == "" {
		return fmt.Errorf("knowledge entry summary is required")
	}
	if k.Confidence < 0.0 || k.Confidence > 1.0 {
		return fmt.Errorf("knowledge confidence must be in [0,1], got %g", k.Confidence)
	}
	return nil
}

// KnowledgePatch describes a partial update to a knowledge entry.
// Nil fields are left unchanged. Changing Summary clears Verified;
// changing only Tags or Confidence does not.
type KnowledgePatch struct {
	Summary    *string
	Tags       *[]string
	Confidence *float64
}

// Apply merges the patch into the entry and reports whether the summary
// text actually changed. UpdatedAt is bumped only when something changed.
func (p KnowledgePatch) Apply(entry *KnowledgeEntry, now time.Time) (summaryChanged bool) {
	changed := false

	if p.Summary != nil && *p.Summary != entry.Summary {
		entry.Summary = *p.Summary
		summaryChanged = true
		changed = true
	}
	if p.Tags != nil {
		entry.Tags = append([]string(nil), (*p.Tags)...)
		changed = true
	}
	if p.Confidence != nil && *p.Confidence != entry.Confidence {
		entry.Confidence = *p.Confidence
		changed = true
	}

	if summaryChanged {
		entry.Verified = false
	}
	if changed {
		entry.UpdatedAt = now
	}
	return summaryChanged
}
