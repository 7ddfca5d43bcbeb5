package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/WessleyAI/gamerec/engine/rag"
)

func newAskCmd(c *cli) *cobra.Command {
	var (
		asJSON      bool
		showSources bool
	)
	cmd := &cobra.Command{
		Use:   "ask <message...>",
		Short: "Ask for game recommendations",
		Long: `Ask for recommendations in free text. A trailing number sets how many
catalog entries ground the answer, e.g. "cozy co-op games 5".`,
		Example: `  gamerec ask "open world rpg with crafting 8"
  gamerec ask --sources "games like Stardew Valley"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			answer, err := a.rag.Generate(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(newRecommendResponse(answer))
			}
			return printAnswer(out, answer, showSources)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full answer as JSON")
	cmd.Flags().BoolVar(&showSources, "sources", false, "list the catalog entries the answer used")
	return cmd
}

func printAnswer(w io.Writer, a *rag.Answer, sources bool) error {
	if _, err := fmt.Fprintln(w, a.Text); err != nil {
		return err
	}
	if !sources {
		return nil
	}
	fmt.Fprintf(w, "\nSources (k=%d):\n", a.K)
	for i, s := range a.Sources {
		title := s.ID
		if t, ok := s.Attributes["title"]; ok {
			title = t
		} else if t, ok := s.Attributes["name"]; ok {
			title = t
		}
		fmt.Fprintf(w, "%2d. %s (%.3f)\n", i+1, title, s.Score)
	}
	return nil
}
