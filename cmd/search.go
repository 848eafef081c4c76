package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kamusis/nix-query/internal/pkgmeta"
	"github.com/kamusis/nix-query/internal/query"
)

var (
	flagSearchLimit int
	flagSearchJSON  bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Rank packages non-interactively",
	Long: `Rank the packages of a channel against a query and print the best
matches. Words are matched independently and must all match.

Uses the same cache as the interactive picker.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&flagSearchLimit, "limit", "n", 20, "Number of results to show (0 for all)")
	searchCmd.Flags().BoolVar(&flagSearchJSON, "json", false, "Print results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	res, err := a.manager.GetOrRefresh(cmd.Context(), a.channel, flagRefresh)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		a.logger.Warn(w.Error(), "channel", a.channel.Name)
	}

	matches := searchMatches(res.Generation, strings.Join(args, " "), flagSearchLimit)
	if flagSearchJSON {
		return writeSearchJSON(cmd.OutOrStdout(), matches)
	}
	return writeSearchTable(cmd.OutOrStdout(), matches)
}

// searchMatches ranks gen against q and keeps at most limit matches.
func searchMatches(gen *pkgmeta.Generation, q string, limit int) []query.Match {
	matches := query.New(gen).SetQuery(q)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

type searchResult struct {
	Attr        string `json:"attr"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Broken      bool   `json:"broken,omitempty"`
	Score       int    `json:"score"`
}

func writeSearchJSON(w io.Writer, matches []query.Match) error {
	out := make([]searchResult, 0, len(matches))
	for _, m := range matches {
		version, _ := m.Record.Version.Value()
		desc, _ := m.Record.Description.Value()
		out = append(out, searchResult{
			Attr:        m.Record.Attr,
			Version:     version,
			Description: desc,
			Broken:      m.Record.Broken,
			Score:       m.Score,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeSearchTable(w io.Writer, matches []query.Match) error {
	if len(matches) == 0 {
		_, err := fmt.Fprintln(w, "no matching packages")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, m := range matches {
		r := m.Record
		desc := oneLine(r.Description.Or(""))
		if r.Broken {
			desc = strings.TrimSpace(desc + " (broken)")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Attr, r.Version.Or("-"), desc)
	}
	return tw.Flush()
}

// writeCacheListing prints every record of gen as "attr  description".
func writeCacheListing(w io.Writer, gen *pkgmeta.Generation) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range gen.Records {
		desc := oneLine(r.Description.Or(""))
		if desc == "" {
			fmt.Fprintln(tw, r.Attr)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\n", r.Attr, desc)
	}
	return tw.Flush()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
