// Package protocol implements the tagged-message protocol of the review
// agent and the dispatch table shared by the message channel and direct
// calls.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/easeaico/code-review-agent/internal/service"
)

// Inbound message types.
const (
	TypeReview            = "review"
	TypeUpdatePreferences = "update-preferences"
	TypeFeedback          = "feedback"
	TypeGetStats          = "get-stats"
)

// Outbound message types.
const (
	TypeReviewResult       = "review-result"
	TypePreferencesUpdated = "preferences-updated"
	TypeFeedbackReceived   = "feedback-received"
	TypeStats              = "stats"
	TypeError              = "error"
)

var (
	// ErrMalformedMessage marks input that could not be parsed.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownMessage marks a message type with no handler.
	ErrUnknownMessage = errors.New("unknown message type")
)

// Inbound is the union of all inbound message shapes.
type Inbound struct {
	Type        string                    `json:"type"`
	Code        string                    `json:"code,omitempty"`
	Language    string                    `json:"language,omitempty"`
	Preferences *service.PreferencesPatch `json:"preferences,omitempty"`
	ReviewID    string                    `json:"reviewId,omitempty"`
	Helpful     *bool                     `json:"helpful,omitempty"`
	Comments    string                    `json:"comments,omitempty"`
}

// ParseInbound decodes a raw message.
func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return in, nil
}

// ReviewResultMessage answers a review request.
type ReviewResultMessage struct {
	Type string `json:"type"`
	service.ReviewResult
}

// PreferencesUpdatedMessage answers a preferences update.
type PreferencesUpdatedMessage struct {
	Type        string              `json:"type"`
	Success     bool                `json:"success"`
	Preferences service.Preferences `json:"preferences"`
}

// FeedbackReceivedMessage answers a feedback submission.
type FeedbackReceivedMessage struct {
	Type string `json:"type"`
	service.FeedbackResult
}

// StatsMessage carries the aggregate view of an agent.
type StatsMessage struct {
	Type string `json:"type"`
	service.Stats
}

// ErrorMessage reports a message that could not be handled.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorMessage wraps err as an outbound error message.
func NewErrorMessage(err error) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: err.Error()}
}

// MessageType returns the type tag of an outbound message.
func MessageType(msg any) string {
	switch m := msg.(type) {
	case ReviewResultMessage:
		return m.Type
	case PreferencesUpdatedMessage:
		return m.Type
	case FeedbackReceivedMessage:
		return m.Type
	case StatsMessage:
		return m.Type
	case ErrorMessage:
		return m.Type
	default:
		return "unknown"
	}
}
