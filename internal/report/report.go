// Package report applies manual overrides and the rural/urban join to
// resolved records, and summarizes and exports them.
package report

import (
	"sort"

	"github.com/sells-group/partd-geo/internal/model"
	"github.com/sells-group/partd-geo/internal/refdata"
)

// ApplyOverrides replaces the FIPS of every record whose composed address
// has an override, whatever tier produced it. It returns a new slice and
// the number of records overridden.
func ApplyOverrides(results []model.Result, overrides map[string]string) ([]model.Result, int) {
	out := make([]model.Result, len(results))
	copy(out, results)
	if len(overrides) == 0 {
		return out, 0
	}
	n := 0
	for i := range out {
		fips, ok := overrides[out[i].Record.Address]
		if !ok {
			continue
		}
		out[i].FIPS = refdata.PadFIPS(fips, 5)
		out[i].Tier = model.TierManual
		out[i].Source = model.SourceManual
		out[i].Exhausted = false
		n++
	}
	return out, n
}

// Classifier looks up the rural/urban code of a county.
type Classifier interface {
	Lookup(fips string) (string, bool)
}

// Renamer maps a retired county FIPS to its successor.
type Renamer interface {
	Rename(fips string) string
}

// Classify renames superseded county codes and then joins each resolved
// record to the classification table. It returns the number of resolved
// records with no classification.
func Classify(results []model.Result, c Classifier, renames Renamer) int {
	missing := 0
	for i := range results {
		r := &results[i]
		if !r.Resolved() {
			r.Classification = ""
			continue
		}
		if renames != nil {
			r.FIPS = renames.Rename(r.FIPS)
		}
		code, ok := c.Lookup(r.FIPS)
		if !ok {
			missing++
		}
		r.Classification = code
	}
	return missing
}

// TierCount is one row of the per-tier breakdown.
type TierCount struct {
	Tier       model.Tier `json:"tier"`
	Records    int        `json:"records"`
	Mismatched int        `json:"mismatched"`
}

// StateCount is one row of the per-state breakdown.
type StateCount struct {
	State      string             `json:"state"`
	Tiers      map[model.Tier]int `json:"tiers"`
	Resolved   int                `json:"resolved"`
	Unresolved int                `json:"unresolved"`
	Pending    int                `json:"pending"` // unresolved and not yet exhausted
	Mismatched int                `json:"mismatched"`
}

// Summary holds counts by tier and by state.
type Summary struct {
	Total      int          `json:"total"`
	Resolved   int          `json:"resolved"`
	Unresolved int          `json:"unresolved"`
	Mismatched int          `json:"mismatched"`
	Tiers      []TierCount  `json:"tiers"`
	States     []StateCount `json:"states"`
}

// Aggregate counts results. Tiers follow model.Tiers order; states are sorted.
func Aggregate(results []model.Result) Summary {
	var s Summary
	tiers := make(map[model.Tier]*TierCount, len(model.Tiers))
	for _, t := range model.Tiers {
		tiers[t] = &TierCount{Tier: t}
	}
	states := make(map[string]*StateCount)

	for i := range results {
		r := &results[i]
		tier := r.Tier
		if !r.Resolved() {
			tier = model.TierUnresolved
		}
		tc, ok := tiers[tier]
		if !ok {
			tc = &TierCount{Tier: tier}
			tiers[tier] = tc
		}
		sc, ok := states[r.Record.State]
		if !ok {
			sc = &StateCount{State: r.Record.State, Tiers: make(map[model.Tier]int)}
			states[r.Record.State] = sc
		}

		s.Total++
		tc.Records++
		sc.Tiers[tier]++
		if r.Resolved() {
			s.Resolved++
			sc.Resolved++
		} else {
			s.Unresolved++
			sc.Unresolved++
			if !r.Exhausted {
				sc.Pending++
			}
		}
		if r.StateMismatch {
			s.Mismatched++
			tc.Mismatched++
			sc.Mismatched++
		}
	}

	for _, t := range model.Tiers {
		s.Tiers = append(s.Tiers, *tiers[t])
		delete(tiers, t)
	}
	for _, tc := range tiers {
		s.Tiers = append(s.Tiers, *tc)
	}
	for _, sc := range states {
		s.States = append(s.States, *sc)
	}
	sort.Slice(s.States, func(i, j int) bool { return s.States[i].State < s.States[j].State })
	return s
}
