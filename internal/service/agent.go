package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/easeaico/code-review-agent/internal/llm"
	"github.com/easeaico/code-review-agent/internal/memory"
	"github.com/easeaico/code-review-agent/internal/metrics"
)

// TopPatternsLimit is how many known issues are fed into prompts and stats.
const TopPatternsLimit = 5

// Options configure an Agent. Zero values select defaults.
type Options struct {
	MaxOutputTokens  int
	InferenceTimeout time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Metrics

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.MaxOutputTokens <= 0 {
		o.MaxOutputTokens = 1024
	}
	if o.InferenceTimeout <= 0 {
		o.InferenceTimeout = 60 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Agent is the review agent of a single identity. It is not safe for
// concurrent use; run its methods through an Actor.
type Agent struct {
	identity  string
	store     memory.Store
	generator llm.Generator
	opts      Options
	logger    *zap.Logger

	state  State
	loaded bool
}

// NewAgent creates an agent for identity. Its snapshot is loaded from the
// store on first use.
func NewAgent(identity string, store memory.Store, generator llm.Generator, opts Options) *Agent {
	opts = opts.withDefaults()
	return &Agent{
		identity:  identity,
		store:     store,
		generator: generator,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("identity", identity)),
		state:     NewState(identity),
	}
}

// Identity returns the key of this agent.
func (a *Agent) Identity() string { return a.identity }

// State returns the current snapshot.
func (a *Agent) State() State { return a.state }

// ensureLoaded hydrates the snapshot from the store once.
func (a *Agent) ensureLoaded(ctx context.Context) error {
	if a.loaded {
		return nil
	}

	data, ok, err := a.store.LoadState(ctx, a.identity)
	if err != nil {
		return fmt.Errorf("failed to load agent state: %w", err)
	}
	if ok {
		s, err := DecodeState(a.identity, data)
		if err != nil {
			return fmt.Errorf("failed to decode agent state: %w", err)
		}
		a.state = s
	}

	a.loaded = true
	a.logger.Debug("Agent state loaded",
		zap.Bool("persisted", ok),
		zap.Int("history", len(a.state.ReviewHistory)))
	return nil
}

// saveState stamps next and writes it as a whole through store.
func (a *Agent) saveState(ctx context.Context, store memory.Store, next State) (State, error) {
	next.UpdatedAt = a.opts.Now()
	data, err := next.Encode()
	if err != nil {
		return State{}, fmt.Errorf("failed to encode agent state: %w", err)
	}
	if err := store.SaveState(ctx, a.identity, data, next.UpdatedAt); err != nil {
		return State{}, fmt.Errorf("failed to persist agent state: %w", err)
	}
	return next, nil
}

// commit persists next as a whole and then makes it the current snapshot.
func (a *Agent) commit(ctx context.Context, next State) error {
	saved, err := a.saveState(ctx, a.store, next)
	if err != nil {
		return err
	}
	a.state = saved
	return nil
}

// ReviewResult is the outcome of ReviewCode.
type ReviewResult struct {
	Success   bool      `json:"success"`
	ReviewID  string    `json:"reviewId,omitempty"`
	Review    string    `json:"review,omitempty"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// ReviewCode requests a review of code. An empty language selects the
// preferred one. Inference failures are reported in the result with nothing
// persisted; the returned error is reserved for storage failures.
func (a *Agent) ReviewCode(ctx context.Context, code, language string) (ReviewResult, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return ReviewResult{}, err
	}
	if language == "" {
		language = a.state.Preferences.Language
	}

	known, err := a.store.TopPatterns(ctx, a.identity, memory.PatternDetectedIssue, TopPatternsLimit)
	if err != nil {
		return ReviewResult{}, fmt.Errorf("failed to load known patterns: %w", err)
	}
	prompt := BuildPrompt(code, language, a.state.Preferences, patternTexts(known))

	review, elapsed, err := a.generate(ctx, prompt)
	if err != nil {
		a.opts.Metrics.ObserveReview(language, false, elapsed)
		a.logger.Warn("Review generation failed",
			zap.String("language", language),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return ReviewResult{Success: false, Error: err.Error(), Timestamp: a.opts.Now()}, nil
	}
	a.opts.Metrics.ObserveReview(language, true, elapsed)

	ts := a.opts.Now()
	id := a.opts.NewID()
	snippet := memory.Snippet{
		ID:          id,
		Code:        code,
		Language:    language,
		Review:      review,
		IssuesFound: CountIssues(review),
		Timestamp:   ts,
	}

	// The snippet, the learned patterns and the snapshot commit together.
	var (
		learned int
		saved   State
	)
	err = a.store.WithTx(ctx, func(tx memory.Store) error {
		if err := tx.SaveSnippet(ctx, a.identity, snippet); err != nil {
			return err
		}

		var err error
		learned, err = learnPatterns(ctx, tx, a.identity, review, ts)
		if err != nil {
			return fmt.Errorf("failed to learn patterns: %w", err)
		}

		top, err := tx.TopPatterns(ctx, a.identity, memory.PatternDetectedIssue, TopPatternsLimit)
		if err != nil {
			return fmt.Errorf("failed to refresh common issues: %w", err)
		}

		next := a.state.WithReview(ReviewRecord{
			ID:        id,
			Code:      code,
			Review:    review,
			Language:  language,
			Timestamp: ts,
		}).WithCommonIssues(patternTexts(top))
		saved, err = a.saveState(ctx, tx, next)
		return err
	})
	if err != nil {
		return ReviewResult{}, err
	}
	a.state = saved
	a.opts.Metrics.AddPatternsLearned(learned)

	a.logger.Info("Review completed",
		zap.String("review_id", id),
		zap.String("language", language),
		zap.Int("issues_found", snippet.IssuesFound),
		zap.Int("patterns_learned", learned),
		zap.Duration("elapsed", elapsed))

	return ReviewResult{
		Success:   true,
		ReviewID:  id,
		Review:    review,
		Language:  language,
		Timestamp: ts,
	}, nil
}

// generate calls the generator under the inference timeout.
func (a *Agent) generate(ctx context.Context, prompt string) (string, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.InferenceTimeout)
	defer cancel()

	start := time.Now()
	text, err := a.generator.Generate(ctx, prompt, a.opts.MaxOutputTokens)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", elapsed, fmt.Errorf("inference timed out after %s", a.opts.InferenceTimeout)
		}
		return "", elapsed, err
	}
	return text, elapsed, nil
}

// UpdatePreferences merges patch into the preferences and persists the
// snapshot. Values are not validated.
func (a *Agent) UpdatePreferences(ctx context.Context, patch PreferencesPatch) (Preferences, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return Preferences{}, err
	}

	next := a.state.WithPreferences(patch)
	if err := a.commit(ctx, next); err != nil {
		return Preferences{}, err
	}

	a.logger.Info("Preferences updated",
		zap.String("language", next.Preferences.Language),
		zap.String("strictness", next.Preferences.Strictness))
	return next.Preferences, nil
}

// FeedbackResult is the outcome of ProvideFeedback. Found is false when the
// review is no longer in the bounded history.
type FeedbackResult struct {
	Success bool `json:"success"`
	Found   bool `json:"found"`
}

// ProvideFeedback records whether a past review was helpful. Only reviews in
// the bounded history are updated; other ids succeed without touching history
// or the pattern store. For a found review, unhelpful feedback with non-empty
// comments is also stored as a new user-preference pattern.
func (a *Agent) ProvideFeedback(ctx context.Context, reviewID string, helpful bool, comments string) (FeedbackResult, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return FeedbackResult{}, err
	}

	next, found := a.state.WithFeedback(reviewID, helpful)
	if !found {
		a.opts.Metrics.ObserveFeedback(helpful, false)
		a.logger.Debug("Feedback for review outside history", zap.String("review_id", reviewID))
		return FeedbackResult{Success: true, Found: false}, nil
	}

	var saved State
	err := a.store.WithTx(ctx, func(tx memory.Store) error {
		var err error
		if saved, err = a.saveState(ctx, tx, next); err != nil {
			return err
		}
		if _, err := tx.SetSnippetHelpful(ctx, a.identity, reviewID, helpful); err != nil {
			return err
		}
		if helpful || comments == "" {
			return nil
		}
		_, err = tx.InsertPattern(ctx, a.identity, memory.Pattern{
			Type:      memory.PatternUserPreference,
			Text:      comments,
			Frequency: 1,
			LastSeen:  a.opts.Now(),
			Feedback:  memory.FeedbackNegative,
		})
		return err
	})
	if err != nil {
		return FeedbackResult{}, err
	}
	a.state = saved

	a.opts.Metrics.ObserveFeedback(helpful, true)
	a.logger.Info("Feedback recorded",
		zap.String("review_id", reviewID),
		zap.Bool("helpful", helpful))
	return FeedbackResult{Success: true, Found: true}, nil
}

// Stats summarizes the agent.
type Stats struct {
	TotalReviews  int              `json:"totalReviews"`
	CommonIssues  []memory.Pattern `json:"commonIssues"`
	Preferences   Preferences      `json:"preferences"`
	RecentReviews int              `json:"recentReviews"`
}

// GetStats reads the aggregate view. It does not modify anything.
func (a *Agent) GetStats(ctx context.Context) (Stats, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return Stats{}, err
	}

	total, err := a.store.CountSnippets(ctx, a.identity)
	if err != nil {
		return Stats{}, err
	}
	top, err := a.store.TopPatterns(ctx, a.identity, memory.PatternDetectedIssue, TopPatternsLimit)
	if err != nil {
		return Stats{}, err
	}
	if top == nil {
		top = []memory.Pattern{}
	}

	return Stats{
		TotalReviews:  total,
		CommonIssues:  top,
		Preferences:   a.state.Preferences,
		RecentReviews: len(a.state.ReviewHistory),
	}, nil
}

func patternTexts(patterns []memory.Pattern) []string {
	texts := make([]string, 0, len(patterns))
	for _, p := range patterns {
		texts = append(texts, p.Text)
	}
	return texts
}
