// Package service provides the per-identity review agent: its state
// snapshot, prompt construction, pattern learning, the review, preference,
// feedback and stats operations, and the actor registry that serializes them.
package service

import (
	"encoding/json"
	"slices"
	"time"
)

// HistoryLimit is the capacity of the bounded review history.
const HistoryLimit = 10

// Strictness levels understood by the prompt. Other values are stored as given.
const (
	StrictnessLenient  = "lenient"
	StrictnessModerate = "moderate"
	StrictnessStrict   = "strict"
)

// Preferences configure how reviews are requested.
type Preferences struct {
	Language   string   `json:"language"`
	StyleGuide string   `json:"styleGuide"`
	Strictness string   `json:"strictness"`
	FocusAreas []string `json:"focusAreas"`
}

// PreferencesPatch carries the fields of a partial preferences update.
// Nil fields are left untouched.
type PreferencesPatch struct {
	Language   *string  `json:"language,omitempty"`
	StyleGuide *string  `json:"styleGuide,omitempty"`
	Strictness *string  `json:"strictness,omitempty"`
	FocusAreas []string `json:"focusAreas,omitempty"`
}

// DefaultPreferences returns the preferences of a fresh identity.
func DefaultPreferences() Preferences {
	return Preferences{
		Language:   "javascript",
		StyleGuide: "standard",
		Strictness: StrictnessModerate,
		FocusAreas: []string{"security", "performance", "readability"},
	}
}

// ReviewRecord is one entry of the bounded history.
type ReviewRecord struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Review    string    `json:"review"`
	Language  string    `json:"language"`
	Timestamp time.Time `json:"timestamp"`
	Accepted  *bool     `json:"accepted,omitempty"`
}

// PatternsSummary is a cache of pattern information kept with the snapshot.
// The pattern store is authoritative.
type PatternsSummary struct {
	CommonIssues []string `json:"commonIssues"`
	IgnoredRules []string `json:"ignoredRules"`
	CustomRules  []string `json:"customRules"`
}

// State is an immutable snapshot of one identity's agent. The With* methods
// return a new snapshot and never modify the receiver.
type State struct {
	Identity        string          `json:"identity"`
	Preferences     Preferences     `json:"preferences"`
	ReviewHistory   []ReviewRecord  `json:"reviewHistory"`
	PatternsSummary PatternsSummary `json:"patternsSummary"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// NewState returns the initial snapshot for identity.
func NewState(identity string) State {
	return State{
		Identity:    identity,
		Preferences: DefaultPreferences(),
		PatternsSummary: PatternsSummary{
			CommonIssues: []string{},
			IgnoredRules: []string{},
			CustomRules:  []string{},
		},
	}
}

// DecodeState parses a persisted snapshot. Missing preference fields fall
// back to defaults.
func DecodeState(identity string, data []byte) (State, error) {
	s := NewState(identity)
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, err
	}
	s.Identity = identity
	if len(s.ReviewHistory) > HistoryLimit {
		s.ReviewHistory = s.ReviewHistory[:HistoryLimit]
	}
	return s, nil
}

// Encode serializes the snapshot for persistence.
func (s State) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// WithReview prepends r to the history, evicting the oldest records beyond
// HistoryLimit.
func (s State) WithReview(r ReviewRecord) State {
	n := min(len(s.ReviewHistory)+1, HistoryLimit)
	history := make([]ReviewRecord, 0, n)
	history = append(history, r)
	history = append(history, s.ReviewHistory[:n-1]...)
	s.ReviewHistory = history
	return s
}

// WithPreferences applies a shallow merge of p.
func (s State) WithPreferences(p PreferencesPatch) State {
	merged := s.Preferences
	merged.FocusAreas = slices.Clone(s.Preferences.FocusAreas)
	if p.Language != nil {
		merged.Language = *p.Language
	}
	if p.StyleGuide != nil {
		merged.StyleGuide = *p.StyleGuide
	}
	if p.Strictness != nil {
		merged.Strictness = *p.Strictness
	}
	if p.FocusAreas != nil {
		merged.FocusAreas = dedupe(p.FocusAreas)
	}
	s.Preferences = merged
	return s
}

// WithFeedback sets the accepted flag of the history record with the given
// id. It reports false, and returns s unchanged, when no record matches.
func (s State) WithFeedback(reviewID string, helpful bool) (State, bool) {
	i := slices.IndexFunc(s.ReviewHistory, func(r ReviewRecord) bool { return r.ID == reviewID })
	if i < 0 {
		return s, false
	}
	history := slices.Clone(s.ReviewHistory)
	accepted := helpful
	history[i].Accepted = &accepted
	s.ReviewHistory = history
	return s, true
}

// WithCommonIssues replaces the cached common-issue texts.
func (s State) WithCommonIssues(issues []string) State {
	summary := s.PatternsSummary
	summary.CommonIssues = slices.Clone(issues)
	if summary.CommonIssues == nil {
		summary.CommonIssues = []string{}
	}
	s.PatternsSummary = summary
	return s
}

// Review returns the history record with the given id.
func (s State) Review(id string) (ReviewRecord, bool) {
	for _, r := range s.ReviewHistory {
		if r.ID == id {
			return r, true
		}
	}
	return ReviewRecord{}, false
}

// dedupe keeps the first occurrence of every focus area.
func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
