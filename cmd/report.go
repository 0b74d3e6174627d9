package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/partd-geo/internal/corrections"
	"github.com/sells-group/partd-geo/internal/model"
	"github.com/sells-group/partd-geo/internal/refdata"
	"github.com/sells-group/partd-geo/internal/report"
	"github.com/sells-group/partd-geo/internal/store"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report on results held in the store",
	Long:  "Commands for summarizing, listing and exporting stored results. Overrides and classification are applied as they would be at the end of a run.",
}

// -- report summary --

var reportSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show tier and state counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, _, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		results, err := loadFinal(ctx, st, resultFilter(cmd))
		if err != nil {
			return err
		}
		sum := report.Aggregate(results)

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		}
		return report.WriteSummary(os.Stdout, sum)
	},
}

// -- report list --

var reportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored results",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, _, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter := resultFilter(cmd)
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		filter.Offset, _ = cmd.Flags().GetInt("offset")

		results, err := st.ListResults(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "report list")
		}
		if len(results) == 0 {
			fmt.Fprintln(os.Stderr, "No results found.")
			return nil
		}
		formatResultsList(os.Stdout, results)
		return nil
	},
}

// -- report unresolved --

var reportUnresolvedCmd = &cobra.Command{
	Use:   "unresolved",
	Short: "Export unresolved addresses for manual review",
	Long:  "Writes one row per distinct unresolved address with a blank fips column. Filled-in sheets can be listed under inputs.overrides.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, _, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		results, err := loadFinal(ctx, st, resultFilter(cmd))
		if err != nil {
			return err
		}

		// Suggestions need the gazetteer; without its inputs the sheet is
		// written without them.
		var sg report.Suggester
		if cfg.Inputs.PlaceNames != "" && cfg.Inputs.Counties != "" {
			idx, _, gerr := buildGazetteer(ctx)
			if gerr != nil {
				return gerr
			}
			sg = idx
		}

		out, _ := cmd.Flags().GetString("out")
		var n int
		write := func(w io.Writer) error {
			var werr error
			n, werr = report.WriteUnresolved(w, results, sg)
			return werr
		}
		if out == "" {
			return write(os.Stdout)
		}
		if err := report.WriteFile(out, write); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %d addresses to %s\n", n, out)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{reportSummaryCmd, reportListCmd, reportUnresolvedCmd} {
		c.Flags().String("state", "", "filter by state abbreviation")
		c.Flags().String("tier", "", "filter by stored tier (GAZETTEER, ZIP_CENTROID, EXTERNAL_GEOCODE, UNRESOLVED)")
		c.Flags().Int("year", 0, "filter by data year")
	}
	reportSummaryCmd.Flags().Bool("json", false, "print the summary as JSON")
	reportListCmd.Flags().Bool("mismatch", false, "only results with a state mismatch")
	reportListCmd.Flags().Bool("pending", false, "only results a later run would retry")
	reportListCmd.Flags().Int("limit", 50, "max number of results to display")
	reportListCmd.Flags().Int("offset", 0, "results to skip")
	reportUnresolvedCmd.Flags().String("out", "", "write the review sheet to this CSV file (default stdout)")

	reportCmd.AddCommand(reportSummaryCmd)
	reportCmd.AddCommand(reportListCmd)
	reportCmd.AddCommand(reportUnresolvedCmd)
	rootCmd.AddCommand(reportCmd)
}

func resultFilter(cmd *cobra.Command) store.ResultFilter {
	var f store.ResultFilter
	f.State, _ = cmd.Flags().GetString("state")
	tier, _ := cmd.Flags().GetString("tier")
	f.Tier = model.Tier(tier)
	f.Year, _ = cmd.Flags().GetInt("year")
	if cmd.Flags().Lookup("mismatch") != nil {
		f.Mismatch, _ = cmd.Flags().GetBool("mismatch")
	}
	if cmd.Flags().Lookup("pending") != nil {
		f.Pending, _ = cmd.Flags().GetBool("pending")
	}
	return f
}

// loadFinal lists stored results and applies configured overrides, renames
// and classification.
func loadFinal(ctx context.Context, st store.Store, filter store.ResultFilter) ([]model.Result, error) {
	results, err := st.ListResults(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "report: list results")
	}

	set, err := corrections.Load(cfg.Inputs.Corrections...)
	if err != nil {
		return nil, err
	}
	for _, path := range cfg.Inputs.Overrides {
		if err := set.LoadOverrides(ctx, path); err != nil {
			return nil, err
		}
	}
	results, _ = report.ApplyOverrides(results, set.Overrides)

	if cfg.Inputs.Classification != "" {
		cls, err := refdata.LoadClassification(ctx, cfg.Inputs.Classification, cfg.Inputs.ClassFIPSCol, cfg.Inputs.ClassCodeCol)
		if err != nil {
			return nil, err
		}
		if missing := report.Classify(results, cls, set); missing > 0 {
			zap.L().Warn("report: resolved counties missing from classification", zap.Int("count", missing))
		}
	}
	return results, nil
}

func formatResultsList(out io.Writer, results []model.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NPI\tYEAR\tADDRESS\tFIPS\tTIER\tSOURCE\tMISMATCH\tUPDATED")
	for _, r := range results {
		fips := r.FIPS
		if fips == "" {
			fips = "-"
		}
		mismatch := ""
		if r.StateMismatch {
			mismatch = "yes"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Record.NPI,
			r.Record.Year,
			truncate(r.Record.Address, 48),
			fips,
			r.Tier,
			r.Source,
			mismatch,
			r.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
