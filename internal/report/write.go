package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"

	"github.com/sells-group/partd-geo/internal/gazetteer"
	"github.com/sells-group/partd-geo/internal/model"
)

var resultColumns = []string{
	"npi", "year", "address", "state", "zip5", "fips", "tier", "source",
	"classification", "state_mismatch", "exhausted", "latitude", "longitude", "centroid_km",
}

// WriteResults writes one CSV row per record, ordered by resume key.
func WriteResults(w io.Writer, results []model.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(resultColumns); err != nil {
		return eris.Wrap(err, "report: write header")
	}
	for _, r := range sorted(results) {
		fips := r.FIPS
		if !r.Resolved() {
			fips = ""
		}
		row := []string{
			r.Record.NPI,
			strconv.Itoa(r.Record.Year),
			r.Record.Address,
			r.Record.State,
			r.Record.Zip5,
			fips,
			string(r.Tier),
			r.Source,
			r.Classification,
			strconv.FormatBool(r.StateMismatch),
			strconv.FormatBool(r.Exhausted),
			optFloat(r.Latitude, 6),
			optFloat(r.Longitude, 6),
			optFloat(r.CentroidKM, 2),
		}
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "report: write row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "report: flush")
}

// WriteSummary renders s as aligned text tables.
func WriteSummary(out io.Writer, s Summary) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Records:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Resolved:\t%d\t%s\n", s.Resolved, pct(s.Resolved, s.Total))
	_, _ = fmt.Fprintf(w, "Unresolved:\t%d\t%s\n", s.Unresolved, pct(s.Unresolved, s.Total))
	_, _ = fmt.Fprintf(w, "State mismatches:\t%d\n", s.Mismatched)
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "TIER\tRECORDS\tMISMATCHED")
	_, _ = fmt.Fprintln(w, "----\t-------\t----------")
	for _, t := range s.Tiers {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\n", t.Tier, t.Records, t.Mismatched)
	}
	_, _ = fmt.Fprintln(w)

	header := []string{"STATE"}
	rule := []string{"-----"}
	for _, t := range model.Tiers {
		header = append(header, string(t))
		rule = append(rule, strings.Repeat("-", len(t)))
	}
	header = append(header, "PENDING", "MISMATCHED")
	rule = append(rule, "-------", "----------")
	_, _ = fmt.Fprintln(w, strings.Join(header, "\t"))
	_, _ = fmt.Fprintln(w, strings.Join(rule, "\t"))
	for _, sc := range s.States {
		cols := []string{sc.State}
		for _, t := range model.Tiers {
			cols = append(cols, strconv.Itoa(sc.Tiers[t]))
		}
		cols = append(cols, strconv.Itoa(sc.Pending), strconv.Itoa(sc.Mismatched))
		_, _ = fmt.Fprintln(w, strings.Join(cols, "\t"))
	}
	return eris.Wrap(w.Flush(), "report: flush summary")
}

// Suggester proposes gazetteer names close to a city that failed lookup.
type Suggester interface {
	Suggest(stateFIPS, name string, maxDist, limit int) []gazetteer.Suggestion
}

var reviewColumns = []string{
	"address", "fips", "npi", "year", "city", "state", "zip5", "state_mismatch", "exhausted", "suggestions",
}

// WriteUnresolved writes the review sheet for unresolved records, one row per
// distinct address. A reviewer fills the fips column and the file loads back
// as an overrides table.
func WriteUnresolved(w io.Writer, results []model.Result, sg Suggester) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(reviewColumns); err != nil {
		return 0, eris.Wrap(err, "report: write review header")
	}
	seen := make(map[string]bool)
	n := 0
	for _, r := range sorted(results) {
		if r.Resolved() || seen[r.Record.Address] {
			continue
		}
		seen[r.Record.Address] = true
		var hints []string
		if sg != nil {
			for _, s := range sg.Suggest(r.Record.StateFIPS, r.Record.Place.Name, 2, 3) {
				hints = append(hints, fmt.Sprintf("%s=%s (%d)", s.Name, s.CountyFIPS, s.Distance))
			}
		}
		row := []string{
			r.Record.Address,
			"",
			r.Record.NPI,
			strconv.Itoa(r.Record.Year),
			r.Record.City,
			r.Record.State,
			r.Record.Zip5,
			strconv.FormatBool(r.StateMismatch),
			strconv.FormatBool(r.Exhausted),
			strings.Join(hints, "; "),
		}
		if err := cw.Write(row); err != nil {
			return n, eris.Wrap(err, "report: write review row")
		}
		n++
	}
	cw.Flush()
	return n, eris.Wrap(cw.Error(), "report: flush review")
}

// WriteFile creates path (and its directory) and hands it to fn.
func WriteFile(path string, fn func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "report: create dir %s", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "report: create %s", path)
	}
	if err := fn(f); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrapf(f.Close(), "report: close %s", path)
}

func sorted(results []model.Result) []model.Result {
	out := make([]model.Result, len(results))
	copy(out, results)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func optFloat(v *float64, prec int) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', prec, 64)
}

func pct(n, total int) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(n)/float64(total))
}
