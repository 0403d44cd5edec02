package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forumrag/forumrag/pkg/ragcore"
)

func newImagesCmd() *cobra.Command {
	var (
		offset     int
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "images <conversation-id>",
		Short: "List images collected for a conversation",
		Long: `List the images referenced by posts retrieved in a conversation,
in match-relevance order, de-duplicated by URL.

Image lists live in memory for the lifetime of the process that ran the
retrievals, so this command is most useful when forumrag is embedded in
a long-running host. In one-shot CLI use, prefer 'retrieve --json',
which carries the same list.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			svc, err := ragcore.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			page := svc.ListImages(args[0], offset, limit)
			out := cmd.OutOrStdout()

			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(page)
			}

			if page.Total == 0 {
				_, _ = fmt.Fprintf(out, "No images recorded for conversation %s.\n", args[0])
				return nil
			}

			_, _ = fmt.Fprintf(out, "%d of %d images (offset %d):\n", len(page.Images), page.Total, offset)
			for _, img := range page.Images {
				_, _ = fmt.Fprintf(out, "  %s (thread %s, post %s, by %s)\n",
					img.URL, img.ThreadID, img.PostID, img.Username)
			}
			if page.HasMore {
				_, _ = fmt.Fprintf(out, "More available: forumrag images %s --offset %d\n",
					args[0], offset+len(page.Images))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&offset, "offset", 0, "Number of images to skip")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum images to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the page as JSON")

	return cmd
}
