package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/partd-geo/internal/gazetteer"
	"github.com/sells-group/partd-geo/internal/refdata"
	"github.com/sells-group/partd-geo/internal/report"
)

var gazetteerCmd = &cobra.Command{
	Use:   "gazetteer",
	Short: "Build and query the place-name gazetteer",
}

// -- gazetteer build --

var gazetteerBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the gazetteer and report its statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		idx, stats, err := buildGazetteer(cmd.Context())
		if err != nil {
			return err
		}
		formatGazetteerStats(os.Stdout, stats)

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return nil
		}
		if err := report.WriteFile(out, func(w io.Writer) error {
			return writeGazetteerEntries(w, idx.Entries())
		}); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Wrote %d entries to %s\n", idx.Len(), out)
		return nil
	},
}

// -- gazetteer lookup --

var gazetteerLookupCmd = &cobra.Command{
	Use:   "lookup <state> <place>",
	Short: "Look up a place name, suggesting near misses when absent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, _, err := buildGazetteer(cmd.Context())
		if err != nil {
			return err
		}
		st, ok := refdata.StateFIPS(args[0])
		if !ok {
			st = refdata.PadFIPS(args[0], 2)
		}
		if fips, ok := idx.Lookup(st, args[1]); ok {
			fmt.Fprintln(os.Stdout, fips)
			return nil
		}
		sugg := idx.Suggest(st, args[1], 2, 5)
		if len(sugg) == 0 {
			return eris.Errorf("no gazetteer entry for %q in state %s", args[1], st)
		}
		fmt.Fprintf(os.Stderr, "No exact entry for %q. Closest names:\n", args[1])
		for _, s := range sugg {
			fmt.Fprintf(os.Stdout, "%s\t%s\t%d\n", s.Name, s.CountyFIPS, s.Distance)
		}
		return nil
	},
}

func init() {
	gazetteerBuildCmd.Flags().String("out", "", "write entries to this CSV file")

	gazetteerCmd.AddCommand(gazetteerBuildCmd)
	gazetteerCmd.AddCommand(gazetteerLookupCmd)
	rootCmd.AddCommand(gazetteerCmd)
}

func buildGazetteer(ctx context.Context) (*gazetteer.Index, gazetteer.Stats, error) {
	if cfg.Inputs.PlaceNames == "" || cfg.Inputs.Counties == "" {
		return nil, gazetteer.Stats{}, eris.New("inputs.place_names and inputs.counties must be set")
	}
	universe, err := refdata.LoadCountyUniverse(ctx, cfg.Inputs.Counties)
	if err != nil {
		return nil, gazetteer.Stats{}, err
	}
	rows, err := gazetteer.LoadPlaceNames(ctx, cfg.Inputs.PlaceNames)
	if err != nil {
		return nil, gazetteer.Stats{}, err
	}
	idx, stats := gazetteer.Build(rows, universe)
	return idx, stats, nil
}

func formatGazetteerStats(out io.Writer, s gazetteer.Stats) {
	fmt.Fprintf(out, "Candidate rows:    %d\n", s.Rows)
	fmt.Fprintf(out, "Out of universe:   %d\n", s.OutOfUniverse)
	fmt.Fprintf(out, "Distinct keys:     %d\n", s.Keys)
	fmt.Fprintf(out, "Ambiguous keys:    %d\n", s.Ambiguous)
	fmt.Fprintf(out, "Entries:           %d\n", s.Entries)
}

func writeGazetteerEntries(w io.Writer, entries []gazetteer.Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"state_fips", "name", "county_fips"}); err != nil {
		return eris.Wrap(err, "write gazetteer header")
	}
	for _, e := range entries {
		if err := cw.Write([]string{e.StateFIPS, e.Name, e.CountyFIPS}); err != nil {
			return eris.Wrap(err, "write gazetteer entry")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "flush gazetteer entries")
}
