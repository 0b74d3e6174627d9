// Package gazetteer builds the (state, place name) → county index from the
// USGS GNIS national file. Names that map to more than one county in a state
// are left out on purpose so callers fall through to the next tier.
package gazetteer

import (
	"context"
	"sort"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"github.com/sells-group/partd-geo/internal/model"
	"github.com/sells-group/partd-geo/internal/refdata"
	"github.com/sells-group/partd-geo/internal/tables"
)

// PlaceRow is one (state, county, name) candidate from the names source.
type PlaceRow struct {
	StateFIPS  string
	CountyFIPS string // five digits
	Name       string
}

// Entry is one unambiguous gazetteer mapping.
type Entry struct {
	StateFIPS  string `json:"state_fips"`
	CountyFIPS string `json:"county_fips"`
	Name       string `json:"name"`
}

// Stats describes how the index was built.
type Stats struct {
	Rows          int `json:"rows"`
	OutOfUniverse int `json:"out_of_universe"`
	Keys          int `json:"keys"`
	Ambiguous     int `json:"ambiguous"`
	Entries       int `json:"entries"`
}

// Index is a read-only PlaceKey → county FIPS map.
type Index struct {
	entries map[model.PlaceKey]string
	byState map[string][]string
}

var placeNameCols = [][]string{{"state_numeric"}, {"county_numeric"}, {"map_name"}, {"feature_name"}}

// LoadPlaceNames reads the GNIS national file (pipe-delimited). Both MAP_NAME
// and FEATURE_NAME become candidate names for the row's county.
func LoadPlaceNames(ctx context.Context, path string) ([]PlaceRow, error) {
	var rows []PlaceRow
	err := tables.Read(ctx, path, tables.Options{Delimiter: '|', Require: placeNameCols}, func(h tables.Header, _ int, row []string) error {
		si, err := h.Require("state_numeric")
		if err != nil {
			return err
		}
		ci, err := h.Require("county_numeric")
		if err != nil {
			return err
		}
		mi, err := h.Require("map_name")
		if err != nil {
			return err
		}
		fi, err := h.Require("feature_name")
		if err != nil {
			return err
		}

		st := refdata.PadFIPS(tables.Field(row, si), 2)
		co := refdata.PadFIPS(tables.Field(row, ci), 3)
		if st == "" || co == "" {
			return nil
		}
		for _, name := range []string{tables.Field(row, mi), tables.Field(row, fi)} {
			if name == "" {
				continue
			}
			rows = append(rows, PlaceRow{StateFIPS: st, CountyFIPS: st + co, Name: name})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("place names loaded", zap.String("path", path), zap.Int("candidates", len(rows)))
	return rows, nil
}

// Build constructs the index. Rows whose county is outside universe are
// dropped first, so a name shared with a county created after the vintage
// does not count as ambiguous.
func Build(rows []PlaceRow, universe refdata.CountyUniverse) (*Index, Stats) {
	stats := Stats{Rows: len(rows)}
	candidates := make(map[model.PlaceKey]map[string]struct{})

	for _, r := range rows {
		fips := refdata.PadFIPS(r.CountyFIPS, 5)
		if universe != nil && !universe.Contains(fips) {
			stats.OutOfUniverse++
			continue
		}
		name := NormalizeName(r.Name)
		if name == "" {
			continue
		}
		key := model.PlaceKey{StateFIPS: refdata.PadFIPS(r.StateFIPS, 2), Name: name}
		set, ok := candidates[key]
		if !ok {
			set = make(map[string]struct{}, 1)
			candidates[key] = set
		}
		set[fips] = struct{}{}
	}

	idx := &Index{
		entries: make(map[model.PlaceKey]string, len(candidates)),
		byState: make(map[string][]string),
	}
	stats.Keys = len(candidates)
	for key, set := range candidates {
		if len(set) != 1 {
			stats.Ambiguous++
			continue
		}
		for fips := range set {
			idx.entries[key] = fips
		}
		idx.byState[key.StateFIPS] = append(idx.byState[key.StateFIPS], key.Name)
	}
	for st := range idx.byState {
		sort.Strings(idx.byState[st])
	}
	stats.Entries = len(idx.entries)

	zap.L().Info("gazetteer built",
		zap.Int("rows", stats.Rows),
		zap.Int("out_of_universe", stats.OutOfUniverse),
		zap.Int("keys", stats.Keys),
		zap.Int("ambiguous", stats.Ambiguous),
		zap.Int("entries", stats.Entries),
	)
	return idx, stats
}

// Lookup returns the county for a state FIPS and place name.
func (idx *Index) Lookup(stateFIPS, name string) (string, bool) {
	if idx == nil {
		return "", false
	}
	fips, ok := idx.entries[model.PlaceKey{StateFIPS: refdata.PadFIPS(stateFIPS, 2), Name: NormalizeName(name)}]
	return fips, ok
}

// LookupKey is Lookup for an already-normalized key.
func (idx *Index) LookupKey(key model.PlaceKey) (string, bool) {
	if idx == nil {
		return "", false
	}
	fips, ok := idx.entries[key]
	return fips, ok
}

// Len returns the number of entries.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// Entries returns every entry ordered by state, name.
func (idx *Index) Entries() []Entry {
	out := make([]Entry, 0, len(idx.entries))
	for key, fips := range idx.entries {
		out = append(out, Entry{StateFIPS: key.StateFIPS, CountyFIPS: fips, Name: key.Name})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StateFIPS != out[j].StateFIPS {
			return out[i].StateFIPS < out[j].StateFIPS
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Suggestion is a near-miss index name offered to a human reviewer.
type Suggestion struct {
	Name       string `json:"name"`
	CountyFIPS string `json:"county_fips"`
	Distance   int    `json:"distance"`
}

// Suggest returns up to limit index names in the state within maxDist edits
// of name, closest first. It never feeds automatic resolution.
func (idx *Index) Suggest(stateFIPS, name string, maxDist, limit int) []Suggestion {
	if idx == nil || limit <= 0 {
		return nil
	}
	st := refdata.PadFIPS(stateFIPS, 2)
	name = NormalizeName(name)
	if name == "" {
		return nil
	}

	var out []Suggestion
	for _, cand := range idx.byState[st] {
		d := levenshtein.ComputeDistance(name, cand)
		if d > maxDist {
			continue
		}
		out = append(out, Suggestion{Name: cand, CountyFIPS: idx.entries[model.PlaceKey{StateFIPS: st, Name: cand}], Distance: d})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
