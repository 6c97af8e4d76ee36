// Package main is the entry point for the code review agent.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/easeaico/code-review-agent/internal/config"
	"github.com/easeaico/code-review-agent/internal/llm"
)

// app carries state shared by all subcommands.
type app struct {
	configPath string
	debug      bool

	cfg    config.Config
	logger *zap.Logger

	// newGenerator builds the inference backend; tests replace it.
	newGenerator func(ctx context.Context, cfg config.Config) (llm.Generator, error)
}

func defaultGenerator(ctx context.Context, cfg config.Config) (llm.Generator, error) {
	client, err := llm.NewClient(ctx, cfg.Inference.APIKey, cfg.Inference.Model)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "reviewagent",
		Short: "Per-identity code review agent",
		Long: `reviewagent keeps one review agent per identity. Each agent remembers its
review history, the developer's preferences and the issues it keeps finding,
and feeds those back into every new review.

Run "reviewagent serve" to expose agents over WebSocket and HTTP.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zc := zap.NewProductionConfig()
			if a.debug {
				zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := zc.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.logger = logger

			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(a),
		newReviewCmd(a),
		newStatsCmd(a),
		newPatternsCmd(a),
	)
	return root
}

func main() {
	a := &app{newGenerator: defaultGenerator}
	if err := newRootCmd(a).Execute(); err != nil {
		os.Exit(1)
	}
}
