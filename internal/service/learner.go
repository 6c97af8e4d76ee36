package service

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/easeaico/code-review-agent/internal/memory"
)

var (
	issuePhraseRe  = regexp.MustCompile(`Issue:\s*([^.!?\n]+)`)
	issueKeywordRe = regexp.MustCompile(`(?i)issue|problem|error|warning|concern`)
)

// ExtractIssues returns the phrases following each "Issue:" marker, up to
// the next sentence terminator. Matching is case-sensitive and phrases are
// returned in order of appearance, duplicates included.
func ExtractIssues(review string) []string {
	var phrases []string
	for _, m := range issuePhraseRe.FindAllStringSubmatch(review, -1) {
		if phrase := strings.TrimSpace(m[1]); phrase != "" {
			phrases = append(phrases, phrase)
		}
	}
	return phrases
}

// CountIssues counts case-insensitive occurrences of the issue keywords.
func CountIssues(review string) int {
	return len(issueKeywordRe.FindAllStringIndex(review, -1))
}

// learnPatterns folds every extracted phrase into the pattern store as a
// detected issue and returns how many phrases were processed.
func learnPatterns(ctx context.Context, store memory.Store, identity, review string, seen time.Time) (int, error) {
	phrases := ExtractIssues(review)
	for _, phrase := range phrases {
		if _, err := memory.UpsertPattern(ctx, store, identity, memory.PatternDetectedIssue, phrase, seen); err != nil {
			return 0, err
		}
	}
	return len(phrases), nil
}
