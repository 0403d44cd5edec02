// Package cmd provides the CLI commands for forumrag.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/forumrag/forumrag/internal/config"
	ragerrors "github.com/forumrag/forumrag/internal/errors"
	"github.com/forumrag/forumrag/internal/logging"
	"github.com/forumrag/forumrag/pkg/version"
)

// Persistent flags shared by all subcommands.
var (
	workDir        string
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the forumrag CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forumrag",
		Short: "Forum-aware RAG ingestion and retrieval",
		Long: `ForumRAG ingests a corpus of markdown documentation and forum-thread
JSON exports into a Qdrant vector index, then answers queries with
thread-grouped, time-aware context ready for an LLM.

Run 'forumrag ingest' in a directory with a corpus/ tree to get started.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.SetVersionTemplate("forumrag version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&workDir, "dir", "C", ".", "Project directory holding the corpus and config")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.forumrag/logs/")

	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newRetrieveCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newImagesCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startLogging loads .env overrides and initializes file logging.
// Commands that need stdout for their own output get a quiet stderr.
func startLogging(_ *cobra.Command, _ []string) error {
	// Environment overrides (API keys live here, never in config files).
	// A missing .env is fine.
	_ = godotenv.Load(filepath.Join(workDir, ".env"))
	if workDir != "." {
		_ = godotenv.Load()
	}

	logCfg := logging.DefaultConfig()
	if debugMode {
		logCfg = logging.DebugConfig()
	}
	logCfg.WriteToStderr = false

	_, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		// Logging is observability, not a prerequisite.
		return nil
	}
	loggingCleanup = cleanup
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// loadConfig loads the effective configuration for the working directory.
func loadConfig() (*config.Config, error) {
	return config.Load(workDir)
}

// Execute runs the root command, formatting any error for the terminal.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, ragerrors.FormatForCLI(err))
		return err
	}
	return nil
}
