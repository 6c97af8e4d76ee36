package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/easeaico/code-review-agent/internal/llm"
	"github.com/easeaico/code-review-agent/internal/memory"
	"github.com/easeaico/code-review-agent/internal/service"
)

const defaultIdentity = "default"

// languageByExt maps common file extensions to review languages.
var languageByExt = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".java": "java",
	".rb":   "ruby",
	".rs":   "rust",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cs":   "csharp",
	".php":  "php",
	".kt":   "kotlin",
	".sql":  "sql",
}

func newReviewCmd(a *app) *cobra.Command {
	var identity, language string
	cmd := &cobra.Command{
		Use:   "review FILE",
		Short: "Review a single file as the given identity",
		Long: `Reviews FILE once and prints the result as JSON. The review is recorded in
the identity's history exactly as if it had come over the message channel.
Use "-" to read the code from standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readSource(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if language == "" {
				language = languageByExt[strings.ToLower(filepath.Ext(args[0]))]
			}

			return a.withAgents(cmd.Context(), true, func(reg *service.Registry) error {
				var res service.ReviewResult
				err := reg.Do(cmd.Context(), identity, func(ctx context.Context, ag *service.Agent) error {
					var err error
					res, err = ag.ReviewCode(ctx, code, language)
					return err
				})
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("review failed: %s", res.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&identity, "identity", defaultIdentity, "identity whose agent performs the review")
	cmd.Flags().StringVar(&language, "language", "", "language of the code (default: from the file extension, then preferences)")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var identity string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the aggregate view of an identity's agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAgents(cmd.Context(), false, func(reg *service.Registry) error {
				var stats service.Stats
				err := reg.Do(cmd.Context(), identity, func(ctx context.Context, ag *service.Agent) error {
					var err error
					stats, err = ag.GetStats(ctx)
					return err
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
	cmd.Flags().StringVar(&identity, "identity", defaultIdentity, "identity to report on")
	return cmd
}

func newPatternsCmd(a *app) *cobra.Command {
	var identity, patternType string
	var limit int
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "List learned patterns of an identity, most frequent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pt := memory.PatternType(patternType)
			if pt != memory.PatternDetectedIssue && pt != memory.PatternUserPreference {
				return fmt.Errorf("unknown pattern type %q", patternType)
			}

			store, err := memory.Open(cmd.Context(), a.cfg.Database.Type, a.cfg.Database.URL)
			if err != nil {
				return err
			}
			defer store.Close()

			patterns, err := store.TopPatterns(cmd.Context(), identity, pt, limit)
			if err != nil {
				return err
			}
			if patterns == nil {
				patterns = []memory.Pattern{}
			}
			return printJSON(cmd.OutOrStdout(), patterns)
		},
	}
	cmd.Flags().StringVar(&identity, "identity", defaultIdentity, "identity whose patterns to list")
	cmd.Flags().StringVar(&patternType, "type", string(memory.PatternDetectedIssue), "pattern type: detected_issue or user_preference")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of patterns")
	return cmd
}

// withAgents opens the store and a registry around fn. The inference
// backend is only built when needsInference is set.
func (a *app) withAgents(ctx context.Context, needsInference bool, fn func(*service.Registry) error) error {
	store, err := memory.Open(ctx, a.cfg.Database.Type, a.cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	var gen llm.Generator = llm.GeneratorFunc(func(context.Context, string, int) (string, error) {
		return "", fmt.Errorf("inference is not available for this command")
	})
	if needsInference {
		if gen, err = a.newGenerator(ctx, a.cfg); err != nil {
			return err
		}
	}

	reg := service.NewRegistry(store, gen, service.Options{
		MaxOutputTokens:  a.cfg.Inference.MaxOutputTokens,
		InferenceTimeout: a.cfg.Inference.Timeout,
		Logger:           a.logger,
	})
	defer reg.Close()

	return fn(reg)
}

func readSource(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read source: %w", err)
	}
	return string(data), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
