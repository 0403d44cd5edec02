package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forumrag/forumrag/pkg/ragcore"
)

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that ingest and retrieval can run",
		Long: `Run preflight checks against the configuration, local state, embedder
credentials and the vector index.

Exits non-zero when a required check fails. A missing API key is a
warning: status and health still work without one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			svc, err := ragcore.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			results := svc.Health(ctx)
			ragcore.PrintResults(cmd.OutOrStdout(), results)

			if ragcore.HasCriticalFailures(results) {
				return fmt.Errorf("one or more required checks failed")
			}
			return nil
		},
	}

	return cmd
}
