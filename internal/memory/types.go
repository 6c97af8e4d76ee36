// Package memory provides the persistent storage of the review agent:
// recurring-pattern records, reviewed code snippets and the per-identity
// state snapshot.
package memory

import "time"

// PatternType partitions pattern records. The upsert key is the pattern text
// within a type.
type PatternType string

const (
	PatternDetectedIssue  PatternType = "detected_issue"
	PatternUserPreference PatternType = "user_preference"
)

// FeedbackNegative marks patterns recorded from unhelpful-review comments.
const FeedbackNegative = "negative"

// Pattern is a frequency-counted observation of a recurring issue phrase or
// of a user preference.
type Pattern struct {
	ID        int64       `json:"id"`
	Type      PatternType `json:"patternType"`
	Text      string      `json:"pattern"`
	Frequency int         `json:"frequency"`
	LastSeen  time.Time   `json:"lastSeen"`
	Feedback  string      `json:"userFeedback,omitempty"`
}

// Snippet is the persisted record of one completed review.
type Snippet struct {
	ID          string
	Code        string
	Language    string
	Review      string
	IssuesFound int
	Timestamp   time.Time
	Helpful     *bool
}
