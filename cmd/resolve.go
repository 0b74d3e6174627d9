package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/partd-geo/internal/normalize"
	"github.com/sells-group/partd-geo/internal/pipeline"
	"github.com/sells-group/partd-geo/internal/report"
	"github.com/sells-group/partd-geo/pkg/geocode"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve every configured prescriber file to county FIPS",
	Long:  "Runs ingest, normalization, gazetteer and zip-centroid resolution, external geocoder escalation, overrides and classification, then writes the output files.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if v, _ := cmd.Flags().GetBool("retry"); v {
			cfg.Pipeline.Retry = true
		}
		if v, _ := cmd.Flags().GetBool("no-escalate"); v {
			cfg.Pipeline.Escalate = false
		}
		if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
			cfg.Pipeline.Workers = v
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ref, err := pipeline.LoadReference(ctx, cfg.Inputs)
		if err != nil {
			return eris.Wrap(err, "resolve: load reference data")
		}

		st, deps, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		ref.AttachPostGIS(deps.Pool)

		var lanes *pipeline.Lanes
		if cfg.Pipeline.Escalate {
			lanes, err = pipeline.BuildLanes(ctx, cfg.Geocode, geocode.NewRegistry(), deps, st, time.Now().UTC())
			if err != nil {
				return err
			}
		}

		rep, err := pipeline.New(cfg, st, ref, lanes).Run(ctx)
		if rep != nil {
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if jerr := enc.Encode(rep); jerr != nil {
					return jerr
				}
			} else if err == nil {
				if werr := formatRunReport(os.Stdout, rep); werr != nil {
					return werr
				}
			}
		}
		return err
	},
}

func init() {
	resolveCmd.Flags().Bool("retry", false, "re-process records the store already holds as final")
	resolveCmd.Flags().Bool("no-escalate", false, "skip the external geocoder chain")
	resolveCmd.Flags().Int("workers", 0, "tier-1 worker count (0 uses pipeline.workers)")
	resolveCmd.Flags().Bool("json", false, "print the run report as JSON")
	rootCmd.AddCommand(resolveCmd)
}

// formatRunReport prints the run's counts, provider activity and summary.
func formatRunReport(out io.Writer, rep *pipeline.RunReport) error {
	fmt.Fprintf(out, "Run %s\n", rep.RunID)
	fmt.Fprintf(out, "  Rows read:     %d\n", rep.RawRows)
	fmt.Fprintf(out, "  Records:       %d\n", rep.Records)
	fmt.Fprintf(out, "  Resumed:       %d\n", rep.Resumed)
	fmt.Fprintf(out, "  Overridden:    %d\n", rep.Overridden)
	fmt.Fprintf(out, "  Unclassified:  %d\n", rep.Unclassified)

	if len(rep.Excluded) > 0 {
		reasons := make([]normalize.Exclusion, 0, len(rep.Excluded))
		for why := range rep.Excluded {
			reasons = append(reasons, why)
		}
		sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
		fmt.Fprintln(out, "  Excluded:")
		for _, why := range reasons {
			fmt.Fprintf(out, "    %-16s %d\n", why, rep.Excluded[why])
		}
	}

	if rep.Escalation != nil {
		e := rep.Escalation
		fmt.Fprintf(out, "\nEscalation: %d records, %d resolved, %d exhausted, %d pending\n",
			e.Records, e.Resolved, e.Exhausted, e.Pending)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tREQUESTS\tRECORDS\tMATCHES\tMISMATCHES\tEMPTY\tERRORS\tSKIPPED")
		for _, l := range e.Lanes {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
				l.Provider, l.Requests, l.Records, l.Matches, l.Mismatches, l.Empty, l.Errors, l.Skipped)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out)
	if err := report.WriteSummary(out, rep.Summary); err != nil {
		return err
	}
	if len(rep.Outputs) > 0 {
		fmt.Fprintln(out, "\nWrote:")
		for _, path := range rep.Outputs {
			fmt.Fprintf(out, "  %s\n", path)
		}
	}
	return nil
}
