package memory

import (
	"context"
	"fmt"
	"time"
)

// Store defines the contract for the agent's persistent memory.
// Every method is scoped to one identity; rows of different identities never
// interact.
type Store interface {
	// FindPattern looks up a pattern by exact text within a type.
	FindPattern(ctx context.Context, identity string, patternType PatternType, text string) (Pattern, bool, error)

	// InsertPattern always inserts a new row and returns it with its ID.
	// Frequency below 1 is stored as 1.
	InsertPattern(ctx context.Context, identity string, p Pattern) (Pattern, error)

	// TouchPattern increments the frequency of an existing row and sets its
	// last-seen time.
	TouchPattern(ctx context.Context, identity string, id int64, seen time.Time) error

	// TopPatterns returns up to limit patterns of a type ordered by frequency
	// (highest first), ties broken by insertion order.
	TopPatterns(ctx context.Context, identity string, patternType PatternType, limit int) ([]Pattern, error)

	// SaveSnippet inserts a reviewed snippet.
	SaveSnippet(ctx context.Context, identity string, s Snippet) error

	// SetSnippetHelpful records feedback on a snippet. It reports whether the
	// snippet exists.
	SetSnippetHelpful(ctx context.Context, identity, id string, helpful bool) (bool, error)

	// GetSnippet loads one snippet by id and reports whether it exists.
	GetSnippet(ctx context.Context, identity, id string) (Snippet, bool, error)

	// CountSnippets returns the number of persisted snippets.
	CountSnippets(ctx context.Context, identity string) (int, error)

	// LoadState returns the encoded state snapshot, if one was saved.
	LoadState(ctx context.Context, identity string) ([]byte, bool, error)

	// SaveState replaces the encoded state snapshot.
	SaveState(ctx context.Context, identity string, snapshot []byte, at time.Time) error

	// WithTx runs fn against a store whose writes commit together when fn
	// returns nil and are discarded otherwise.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close releases any resources held by the store.
	Close() error
}

// UpsertPattern folds one occurrence of text into the store: an existing row
// with the same type and exact text gets its frequency incremented and
// last-seen refreshed, otherwise a row with frequency 1 is inserted.
// Callers must serialize calls for one identity.
func UpsertPattern(ctx context.Context, s Store, identity string, patternType PatternType, text string, seen time.Time) (Pattern, error) {
	existing, ok, err := s.FindPattern(ctx, identity, patternType, text)
	if err != nil {
		return Pattern{}, fmt.Errorf("failed to look up pattern: %w", err)
	}

	if ok {
		if err := s.TouchPattern(ctx, identity, existing.ID, seen); err != nil {
			return Pattern{}, fmt.Errorf("failed to update pattern: %w", err)
		}
		existing.Frequency++
		existing.LastSeen = seen
		return existing, nil
	}

	inserted, err := s.InsertPattern(ctx, identity, Pattern{
		Type:      patternType,
		Text:      text,
		Frequency: 1,
		LastSeen:  seen,
	})
	if err != nil {
		return Pattern{}, fmt.Errorf("failed to insert pattern: %w", err)
	}
	return inserted, nil
}
