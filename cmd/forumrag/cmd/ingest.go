package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forumrag/forumrag/internal/pipeline"
	"github.com/forumrag/forumrag/internal/ui"
	"github.com/forumrag/forumrag/pkg/ragcore"
)

// ingestOptions holds CLI flags for ingest.
type ingestOptions struct {
	full       bool
	resume     bool
	partial    int
	startIndex int
	paths      []string
	noTUI      bool
}

func newIngestCmd() *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest the corpus into the vector index",
		Long: `Ingest the corpus into the vector index.

The default run is incremental: only files whose content fingerprint
changed since the last ingest are re-embedded, and files removed from
the corpus are swept out of the index.

Use --full to rebuild from the whole corpus, --resume to continue an
interrupted full ingest from its progress file, and --partial to embed
at most N chunks per invocation (batched backfills).

A first Ctrl+C drains in-flight work and flushes progress so the run
can be resumed; a second Ctrl+C aborts immediately.`,
		Example: `  # Incremental ingest of ./corpus
  forumrag ingest

  # Full rebuild, plain output
  forumrag ingest --full --no-tui

  # Continue an interrupted full ingest
  forumrag ingest --full --resume

  # Embed the next 500 chunks of a batched backfill
  forumrag ingest --partial 500 --start-index 1500

  # Force-reingest two files
  forumrag ingest --paths threads/t-1042.json,guides/install.md`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.resume && !opts.full {
				return fmt.Errorf("--resume requires --full")
			}
			if opts.resume && opts.partial > 0 {
				return fmt.Errorf("--resume and --partial are mutually exclusive")
			}
			if opts.startIndex > 0 && opts.partial <= 0 {
				return fmt.Errorf("--start-index requires --partial")
			}
			if len(opts.paths) > 0 && (opts.full || opts.partial > 0) {
				return fmt.Errorf("--paths cannot be combined with --full or --partial")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The first signal cancels the context and the pipeline drains.
			// Restoring default signal handling here makes a second signal
			// kill the process outright.
			go func() {
				<-ctx.Done()
				stop()
			}()

			return runIngest(ctx, cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.full, "full", false, "Rebuild from the whole corpus instead of changed files only")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "Resume an interrupted full ingest from its progress file")
	cmd.Flags().IntVar(&opts.partial, "partial", 0, "Embed at most N chunks, then stop and report the next start index")
	cmd.Flags().IntVar(&opts.startIndex, "start-index", 0, "Global chunk index to start a partial batch at")
	cmd.Flags().StringSliceVar(&opts.paths, "paths", nil, "Corpus-relative paths to force-reingest (repeatable or comma-separated)")
	cmd.Flags().BoolVar(&opts.noTUI, "no-tui", false, "Disable TUI mode, use plain text output")

	return cmd
}

func runIngest(ctx context.Context, cmd *cobra.Command, opts ingestOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.resume {
		cfg.Pipeline.Resume = true
	}

	renderer := ui.NewRenderer(ui.NewConfig(cmd.OutOrStdout(),
		ui.WithForcePlain(opts.noTUI),
		ui.WithCorpusDir(cfg.Corpus.Root),
	))

	svc, err := ragcore.New(cfg, ragcore.WithProgress(func(ev pipeline.ProgressEvent) {
		renderer.UpdateProgress(ui.ProgressEvent{
			Stage:       ui.StageUpserting,
			Current:     ev.ProcessedChunks,
			Total:       ev.TotalChunks,
			CurrentFile: ev.File,
		})
	}))
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	if err := renderer.Start(ctx); err != nil {
		return err
	}

	slog.Info("ingest_started",
		slog.Bool("full", opts.full),
		slog.Bool("resume", opts.resume),
		slog.Int("partial", opts.partial),
		slog.Int("paths", len(opts.paths)))

	var report *pipeline.Report
	switch {
	case len(opts.paths) > 0:
		report, err = svc.IngestSelected(ctx, opts.paths)
	case opts.partial > 0:
		report, err = svc.IngestFullPartial(ctx, opts.partial, opts.startIndex)
	case opts.full:
		report, err = svc.IngestFull(ctx)
	default:
		report, err = svc.IngestIncremental(ctx)
	}
	if err != nil {
		_ = renderer.Stop()
		return err
	}

	for _, fc := range report.Failed {
		renderer.AddError(ui.ErrorEvent{
			File: fc.File,
			Err:  fmt.Errorf("%s", fc.Err),
		})
	}

	renderer.Complete(ui.CompletionStats{
		Files:    report.FilesScanned,
		Chunks:   report.ChunksUpserted,
		Skipped:  report.ChunksSkipped,
		Failed:   report.ChunksFailed,
		Duration: report.Duration,
		Errors:   len(report.Failed),
		Embedder: ui.EmbedderInfo{
			Model:      cfg.Embedder.Model,
			Dimensions: cfg.Embedder.Dimensions,
		},
	})
	if err := renderer.Stop(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if report.Cancelled {
		_, _ = fmt.Fprintf(out, "\nIngest cancelled. Resume with: forumrag ingest --full --resume\n")
	}
	if report.HasMore {
		_, _ = fmt.Fprintf(out, "\nBatch done. Continue with: forumrag ingest --partial %d --start-index %d\n",
			opts.partial, report.NextStartIndex)
	}
	if report.Mode == pipeline.ModeIncremental && report.FilesUpdated == 0 && report.FilesDeleted == 0 {
		_, _ = fmt.Fprintln(out, "Corpus unchanged, nothing to do.")
	}

	slog.Info("ingest_complete",
		slog.String("mode", report.Mode),
		slog.String("session_id", report.SessionID),
		slog.Int("files_scanned", report.FilesScanned),
		slog.Int("chunks_upserted", report.ChunksUpserted),
		slog.Int("chunks_failed", report.ChunksFailed),
		slog.Bool("cancelled", report.Cancelled),
		slog.Duration("duration", report.Duration))

	return nil
}
