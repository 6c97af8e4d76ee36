package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easeaico/code-review-agent/internal/llm"
	"github.com/easeaico/code-review-agent/internal/memory"
)

const scenarioReview = "Issue: missing docstring. Issue: no return type annotation."

func newStore(t *testing.T) *memory.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	store, err := memory.NewSQLiteStore(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.InitSchema(ctx))
	return store
}

// stubGenerator returns canned text and remembers the prompts it saw.
type stubGenerator struct {
	mu      sync.Mutex
	text    string
	err     error
	prompts []string
	tokens  []int
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	g.tokens = append(g.tokens, maxTokens)
	if g.err != nil {
		return "", g.err
	}
	return g.text, nil
}

func (g *stubGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

func testOptions() Options {
	var mu sync.Mutex
	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	seq := 0
	return Options{
		MaxOutputTokens:  512,
		InferenceTimeout: time.Second,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("review-%d", seq)
		},
	}
}

func newTestAgent(t *testing.T, gen llm.Generator) (*Agent, *memory.SQLiteStore) {
	t.Helper()
	store := newStore(t)
	return NewAgent("alice", store, gen, testOptions()), store
}

func TestReviewCode_Scenario(t *testing.T) {
	ctx := context.Background()
	gen := &stubGenerator{text: scenarioReview}
	agent, store := newTestAgent(t, gen)

	res, err := agent.ReviewCode(ctx, "def f(): pass", "python")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, scenarioReview, res.Review)
	assert.Equal(t, "python", res.Language)
	assert.Equal(t, "review-1", res.ReviewID)
	assert.False(t, res.Timestamp.IsZero())
	assert.Empty(t, res.Error)
	assert.Equal(t, []int{512}, gen.tokens)

	snippet, ok, err := store.GetSnippet(ctx, "alice", res.ReviewID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, snippet.IssuesFound)
	assert.Equal(t, "python", snippet.Language)
	assert.Nil(t, snippet.Helpful)

	patterns, err := store.TopPatterns(ctx, "alice", memory.PatternDetectedIssue, 10)
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	for _, p := range patterns {
		assert.Equal(t, 1, p.Frequency)
	}

	history := agent.State().ReviewHistory
	require.Len(t, history, 1)
	assert.Equal(t, scenarioReview, history[0].Review)
	assert.Equal(t, "def f(): pass", history[0].Code)
	assert.Equal(t, []string{"missing docstring", "no return type annotation"}, agent.State().PatternsSummary.CommonIssues)
}

func TestReviewCode_KnownPatternsFeedPrompt(t *testing.T) {
	ctx := context.Background()
	gen := &stubGenerator{text: scenarioReview}
	agent, store := newTestAgent(t, gen)

	_, err := agent.ReviewCode(ctx, "a", "python")
	require.NoError(t, err)
	assert.NotContains(t, gen.lastPrompt(), "repeatedly shown")

	_, err = agent.ReviewCode(ctx, "b", "python")
	require.NoError(t, err)
	assert.Contains(t, gen.lastPrompt(), "missing docstring; no return type annotation")

	patterns, err := store.TopPatterns(ctx, "alice", memory.PatternDetectedIssue, 10)
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	assert.Equal(t, 2, patterns[0].Frequency)
}

func TestReviewCode_DefaultLanguage(t *testing.T) {
	gen := &stubGenerator{text: "Looks fine."}
	agent, _ := newTestAgent(t, gen)

	res, err := agent.ReviewCode(context.Background(), "let x = 1", "")
	require.NoError(t, err)
	assert.Equal(t, "javascript", res.Language)
	assert.Contains(t, gen.lastPrompt(), "```javascript")
}

func TestReviewCode_HistoryBounded(t *testing.T) {
	ctx := context.Background()
	agent, store := newTestAgent(t, &stubGenerator{text: "ok"})

	const n = 13
	for i := 0; i < n; i++ {
		res, err := agent.ReviewCode(ctx, fmt.Sprintf("code %d", i), "go")
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	history := agent.State().ReviewHistory
	require.Len(t, history, HistoryLimit)
	for pos, r := range history {
		assert.Equal(t, fmt.Sprintf("review-%d", n-pos), r.ID)
	}
	for i := 1; i <= n-HistoryLimit; i++ {
		_, ok := agent.State().Review(fmt.Sprintf("review-%d", i))
		assert.False(t, ok)
	}

	total, err := store.CountSnippets(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, n, total, "snippets are not bounded by the history window")
}

func TestReviewCode_InferenceFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	agent, store := newTestAgent(t, &stubGenerator{err: errors.New("model overloaded")})

	res, err := agent.ReviewCode(ctx, "x", "go")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "model overloaded", res.Error)
	assert.Empty(t, res.Review)
	assert.False(t, res.Timestamp.IsZero())

	total, err := store.CountSnippets(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, agent.State().ReviewHistory)

	_, saved, err := store.LoadState(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, saved)
}

func TestReviewCode_InferenceTimeout(t *testing.T) {
	ctx := context.Background()
	hung := llm.GeneratorFunc(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	store := newStore(t)
	opts := testOptions()
	opts.InferenceTimeout = 20 * time.Millisecond
	agent := NewAgent("alice", store, hung, opts)

	res, err := agent.ReviewCode(ctx, "x", "go")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")

	total, err := store.CountSnippets(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestReviewCode_StorageFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	agent := NewAgent("alice", store, &stubGenerator{text: "ok"}, testOptions())
	require.NoError(t, store.Close())

	_, err := agent.ReviewCode(ctx, "x", "go")
	assert.Error(t, err)
	assert.Empty(t, agent.State().ReviewHistory)
}

// failingStateStore rejects snapshot writes, including inside transactions.
type failingStateStore struct {
	memory.Store
}

var errStateWrite = errors.New("disk full")

func (s failingStateStore) SaveState(ctx context.Context, identity string, snapshot []byte, at time.Time) error {
	return errStateWrite
}

func (s failingStateStore) WithTx(ctx context.Context, fn func(memory.Store) error) error {
	return s.Store.WithTx(ctx, func(tx memory.Store) error {
		return fn(failingStateStore{Store: tx})
	})
}

func TestReviewCode_SnapshotFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	agent := NewAgent("alice", failingStateStore{Store: store}, &stubGenerator{text: scenarioReview}, testOptions())

	_, err := agent.ReviewCode(ctx, "x", "python")
	require.ErrorIs(t, err, errStateWrite)
	assert.Empty(t, agent.State().ReviewHistory)

	total, err := store.CountSnippets(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, total)

	patterns, err := store.TopPatterns(ctx, "alice", memory.PatternDetectedIssue, 10)
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestProvideFeedback_SnapshotFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	agent := NewAgent("alice", store, &stubGenerator{text: "ok"}, testOptions())

	review, err := agent.ReviewCode(ctx, "x", "go")
	require.NoError(t, err)
	before := agent.State()

	agent.store = failingStateStore{Store: store}
	_, err = agent.ProvideFeedback(ctx, review.ReviewID, false, "too nitpicky")
	require.ErrorIs(t, err, errStateWrite)
	assert.Equal(t, before, agent.State())

	prefs, err := store.TopPatterns(ctx, "alice", memory.PatternUserPreference, 10)
	require.NoError(t, err)
	assert.Empty(t, prefs)

	snippet, _, err := store.GetSnippet(ctx, "alice", review.ReviewID)
	require.NoError(t, err)
	assert.Nil(t, snippet.Helpful)
}

func TestUpdatePreferences(t *testing.T) {
	ctx := context.Background()
	agent, store := newTestAgent(t, &stubGenerator{})
	before := agent.State().Preferences

	strict := "strict"
	prefs, err := agent.UpdatePreferences(ctx, PreferencesPatch{Strictness: &strict})
	require.NoError(t, err)

	assert.Equal(t, "strict", prefs.Strictness)
	assert.Equal(t, before.Language, prefs.Language)
	assert.Equal(t, before.StyleGuide, prefs.StyleGuide)
	assert.Equal(t, before.FocusAreas, prefs.FocusAreas)

	// a fresh agent over the same store sees the persisted snapshot
	reloaded := NewAgent("alice", store, &stubGenerator{}, testOptions())
	stats, err := reloaded.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, prefs, stats.Preferences)
}

func TestProvideFeedback_UnknownReviewIsNoop(t *testing.T) {
	tests := []struct {
		name     string
		helpful  bool
		comments string
	}{
		{name: "helpful without comments", helpful: true},
		{name: "unhelpful with comments", helpful: false, comments: "too nitpicky"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			agent, store := newTestAgent(t, &stubGenerator{text: scenarioReview})

			_, err := agent.ReviewCode(ctx, "x", "python")
			require.NoError(t, err)
			before := agent.State()

			res, err := agent.ProvideFeedback(ctx, "no-such-review", tt.helpful, tt.comments)
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.False(t, res.Found)
			assert.Equal(t, before, agent.State())

			prefs, err := store.TopPatterns(ctx, "alice", memory.PatternUserPreference, 10)
			require.NoError(t, err)
			assert.Empty(t, prefs)
			issues, err := store.TopPatterns(ctx, "alice", memory.PatternDetectedIssue, 10)
			require.NoError(t, err)
			assert.Len(t, issues, 2)
		})
	}
}

func TestProvideFeedback_EvictedReviewIsNoop(t *testing.T) {
	ctx := context.Background()
	agent, store := newTestAgent(t, &stubGenerator{text: "ok"})

	for i := 0; i <= HistoryLimit; i++ {
		_, err := agent.ReviewCode(ctx, fmt.Sprintf("code %d", i), "go")
		require.NoError(t, err)
	}
	_, ok := agent.State().Review("review-1")
	require.False(t, ok, "first review should be evicted")
	before := agent.State()

	res, err := agent.ProvideFeedback(ctx, "review-1", false, "too nitpicky")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Found)
	assert.Equal(t, before, agent.State())

	prefs, err := store.TopPatterns(ctx, "alice", memory.PatternUserPreference, 10)
	require.NoError(t, err)
	assert.Empty(t, prefs)

	snippet, ok, err := store.GetSnippet(ctx, "alice", "review-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, snippet.Helpful)
}

func TestProvideFeedback_MarksHistoryAndSnippet(t *testing.T) {
	ctx := context.Background()
	agent, store := newTestAgent(t, &stubGenerator{text: "ok"})

	review, err := agent.ReviewCode(ctx, "x", "go")
	require.NoError(t, err)

	res, err := agent.ProvideFeedback(ctx, review.ReviewID, true, "great")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Found)

	r, ok := agent.State().Review(review.ReviewID)
	require.True(t, ok)
	require.NotNil(t, r.Accepted)
	assert.True(t, *r.Accepted)

	snippet, _, err := store.GetSnippet(ctx, "alice", review.ReviewID)
	require.NoError(t, err)
	require.NotNil(t, snippet.Helpful)
	assert.True(t, *snippet.Helpful)

	// helpful feedback never records a preference pattern
	prefs, err := store.TopPatterns(ctx, "alice", memory.PatternUserPreference, 10)
	require.NoError(t, err)
	assert.Empty(t, prefs)
}

func TestProvideFeedback_NegativeCommentsAlwaysInsert(t *testing.T) {
	ctx := context.Background()
	agent, store := newTestAgent(t, &stubGenerator{text: "ok"})

	review, err := agent.ReviewCode(ctx, "x", "go")
	require.NoError(t, err)

	for range 2 {
		res, err := agent.ProvideFeedback(ctx, review.ReviewID, false, "too nitpicky")
		require.NoError(t, err)
		assert.True(t, res.Success)
	}

	prefs, err := store.TopPatterns(ctx, "alice", memory.PatternUserPreference, 10)
	require.NoError(t, err)
	require.Len(t, prefs, 2)
	for _, p := range prefs {
		assert.Equal(t, "too nitpicky", p.Text)
		assert.Equal(t, memory.FeedbackNegative, p.Feedback)
		assert.Equal(t, 1, p.Frequency)
	}

	// empty comments add nothing
	_, err = agent.ProvideFeedback(ctx, review.ReviewID, false, "")
	require.NoError(t, err)
	prefs, err = store.TopPatterns(ctx, "alice", memory.PatternUserPreference, 10)
	require.NoError(t, err)
	assert.Len(t, prefs, 2)
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	agent, store := newTestAgent(t, &stubGenerator{text: scenarioReview})

	stats, err := agent.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalReviews)
	assert.NotNil(t, stats.CommonIssues)
	assert.Empty(t, stats.CommonIssues)
	assert.Equal(t, DefaultPreferences(), stats.Preferences)

	for range 3 {
		_, err := agent.ReviewCode(ctx, "x", "python")
		require.NoError(t, err)
	}

	stats, err = agent.GetStats(ctx)
	require.NoError(t, err)
	count, err := store.CountSnippets(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, count, stats.TotalReviews)
	assert.Equal(t, 3, stats.RecentReviews)
	require.Len(t, stats.CommonIssues, 2)
	assert.Equal(t, 3, stats.CommonIssues[0].Frequency)
	assert.Equal(t, "missing docstring", stats.CommonIssues[0].Text)
}

func TestAgent_ReloadsHistory(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	first := NewAgent("alice", store, &stubGenerator{text: "ok"}, testOptions())
	res, err := first.ReviewCode(ctx, "x", "go")
	require.NoError(t, err)

	second := NewAgent("alice", store, &stubGenerator{text: "ok"}, testOptions())
	require.NoError(t, second.ensureLoaded(ctx))
	_, ok := second.State().Review(res.ReviewID)
	assert.True(t, ok)

	other := NewAgent("bob", store, &stubGenerator{text: "ok"}, testOptions())
	require.NoError(t, other.ensureLoaded(ctx))
	assert.Empty(t, other.State().ReviewHistory)
}
