package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easeaico/code-review-agent/internal/config"
	"github.com/easeaico/code-review-agent/internal/llm"
)

// run executes the CLI against a database in dir and returns stdout.
func run(t *testing.T, dir string, gen llm.Generator, args ...string) (string, error) {
	t.Helper()
	t.Setenv("GOOGLE_API_KEY", "test-key")
	t.Setenv("DB_TYPE", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(dir, "reviews.db"))

	a := &app{newGenerator: func(context.Context, config.Config) (llm.Generator, error) {
		return gen, nil
	}}
	cmd := newRootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestReviewStatsPatterns(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "main.py")
	require.NoError(t, os.WriteFile(src, []byte("def f(x): return x"), 0o600))

	var prompts []string
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		prompts = append(prompts, prompt)
		return "Issue: missing docstring. Issue: no type hints.", nil
	})

	out, err := run(t, dir, gen, "review", src, "--identity", "alice")
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, true, res["success"])
	assert.Equal(t, "python", res["language"])
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "expert python code reviewer")

	// second review sees the learned issues
	_, err = run(t, dir, gen, "review", src, "--identity", "alice")
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "missing docstring")

	out, err = run(t, dir, gen, "stats", "--identity", "alice")
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 2.0, stats["totalReviews"])
	assert.Equal(t, 2.0, stats["recentReviews"])

	out, err = run(t, dir, gen, "patterns", "--identity", "alice")
	require.NoError(t, err)
	var patterns []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &patterns))
	require.Len(t, patterns, 2)
	assert.Equal(t, "missing docstring", patterns[0]["pattern"])
	assert.Equal(t, 2.0, patterns[0]["frequency"])

	out, err = run(t, dir, gen, "patterns", "--identity", "bob")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestReview_FailureExitsWithError(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.js")
	require.NoError(t, os.WriteFile(src, []byte("var a"), 0o600))

	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		return "", assert.AnError
	})
	out, err := run(t, dir, gen, "review", src)
	require.Error(t, err)
	assert.Contains(t, out, `"success": false`)
}

func TestPatterns_RejectsUnknownType(t *testing.T) {
	_, err := run(t, t.TempDir(), nil, "patterns", "--type", "bogus")
	assert.ErrorContains(t, err, "unknown pattern type")
}

func TestConfigErrorsSurface(t *testing.T) {
	_, err := run(t, t.TempDir(), nil, "stats", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
