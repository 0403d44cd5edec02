package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forumrag/forumrag/internal/logging"
)

func newLogsCmd() *cobra.Command {
	var (
		file    string
		lines   int
		follow  bool
		level   string
		pattern string
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View forumrag log output",
		Long: `View the JSON log file written by ingest and retrieve runs, rendered
as human-readable lines. Filters by level and regex pattern apply to
both tail and follow modes.`,
		Example: `  forumrag logs
  forumrag logs -n 200 --level warn
  forumrag logs --follow --grep 'ingest_'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := logging.FindLogFile(file)
			if err != nil {
				return err
			}

			var re *regexp.Regexp
			if pattern != "" {
				re, err = regexp.Compile(pattern)
				if err != nil {
					return fmt.Errorf("invalid --grep pattern: %w", err)
				}
			}

			viewer := logging.NewViewer(logging.ViewerConfig{
				Level:   level,
				Pattern: re,
				NoColor: false,
			}, cmd.OutOrStdout())

			entries, err := viewer.Tail(path, lines)
			if err != nil {
				return err
			}
			viewer.Print(entries)

			if !follow {
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ch := make(chan logging.LogEntry, 64)
			go func() {
				for entry := range ch {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), viewer.FormatEntry(entry))
				}
			}()
			return viewer.Follow(ctx, path, ch)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Log file path (default: auto-detect)")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new entries")
	cmd.Flags().StringVar(&level, "level", "", "Minimum level: debug, info, warn, error")
	cmd.Flags().StringVar(&pattern, "grep", "", "Only show entries matching this regex")

	return cmd
}
