package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forumrag/forumrag/internal/retrieval"
	"github.com/forumrag/forumrag/pkg/ragcore"
)

// retrieveOptions holds CLI flags for retrieve.
type retrieveOptions struct {
	limit        int
	timeDecay    bool
	conversation string
	jsonOutput   bool
}

// retrieveResponse is the JSON shape for one retrieval.
type retrieveResponse struct {
	Query          string               `json:"query"`
	ConversationID string               `json:"conversation_id"`
	Matches        int                  `json:"matches"`
	Threads        int                  `json:"threads"`
	Context        string               `json:"context"`
	Images         []retrieval.ImageRef `json:"images"`
}

func newRetrieveCmd() *cobra.Command {
	var opts retrieveOptions

	cmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Retrieve forum context for a query",
		Long: `Retrieve forum posts relevant to a query and format them as
LLM-ready context, grouped by thread.

Each retrieval is tied to a conversation: pass --conversation to keep
adding to an existing one, or omit it to start fresh. Images referenced
by the matched posts are collected per conversation and paged with
'forumrag images'.`,
		Example: `  forumrag retrieve "kernel panic after sleep"
  forumrag retrieve "thermal throttling" --limit 10 --time-decay
  forumrag retrieve "same topic, follow-up" --conversation 3f2a9c1e
  forumrag retrieve "export me" --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			query := strings.Join(args, " ")
			return runRetrieve(ctx, cmd, query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum posts to retrieve (default from config)")
	cmd.Flags().BoolVar(&opts.timeDecay, "time-decay", false, "Down-weight older posts")
	cmd.Flags().StringVar(&opts.conversation, "conversation", "", "Conversation ID to continue")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output the result as JSON")

	return cmd
}

func runRetrieve(ctx context.Context, cmd *cobra.Command, query string, opts retrieveOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.limit > 0 {
		cfg.Retrieval.RetrievalCount = opts.limit
	}
	if opts.timeDecay {
		cfg.Retrieval.TimeDecayWeighting = true
	}

	svc, err := ragcore.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	slog.Info("retrieve_started",
		slog.String("query", query),
		slog.Int("limit", cfg.Retrieval.RetrievalCount),
		slog.Bool("time_decay", cfg.Retrieval.TimeDecayWeighting))

	res, err := svc.Retrieve(ctx, retrieval.Query{
		Text:           query,
		ConversationID: opts.conversation,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if opts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(retrieveResponse{
			Query:          res.Query,
			ConversationID: res.ConversationID,
			Matches:        len(res.Matches),
			Threads:        len(res.Groups),
			Context:        res.Context,
			Images:         res.Images,
		})
	}

	if len(res.Matches) == 0 {
		_, _ = fmt.Fprintln(out, "No matching posts.")
		return nil
	}

	_, _ = fmt.Fprintln(out, res.Context)
	_, _ = fmt.Fprintf(out, "\n%d posts across %d threads (conversation %s)\n",
		len(res.Matches), len(res.Groups), res.ConversationID)
	if len(res.Images) > 0 {
		_, _ = fmt.Fprintf(out, "%d images referenced; list them with: forumrag images %s\n",
			len(res.Images), res.ConversationID)
	}

	return nil
}
