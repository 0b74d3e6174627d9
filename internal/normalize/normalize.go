// Package normalize turns raw Part D address rows into PrescriberRecords.
// It is pure: the corrections set is read-only and no I/O happens here.
package normalize

import (
	"strings"

	"github.com/sells-group/partd-geo/internal/corrections"
	"github.com/sells-group/partd-geo/internal/gazetteer"
	"github.com/sells-group/partd-geo/internal/model"
	"github.com/sells-group/partd-geo/internal/refdata"
)

// Exclusion names why a record was dropped. The empty value means kept.
type Exclusion string

// Exclusion reasons.
const (
	Kept          Exclusion = ""
	MissingState  Exclusion = "missing_state"
	Territory     Exclusion = "territory"
	SpecialPostal Exclusion = "special_postal"
	ExcludedZip   Exclusion = "excluded_zip"
	Duplicate     Exclusion = "duplicate"
)

// Normalizer applies a corrections set.
type Normalizer struct {
	fixes *corrections.Set
}

// New returns a Normalizer. A nil set behaves as an empty one.
func New(fixes *corrections.Set) *Normalizer {
	if fixes == nil {
		fixes = corrections.NewSet()
	}
	return &Normalizer{fixes: fixes}
}

// Normalize runs the ordered cleaning steps over one row.
func (n *Normalizer) Normalize(raw model.RawRecord) (model.PrescriberRecord, Exclusion) {
	abbr := strings.ToUpper(strings.TrimSpace(raw.State))
	street := joinStreet(raw.Street1, raw.Street2)
	city := strings.Join(strings.Fields(raw.City), " ")
	zip := zip5(raw.Zip5)

	// 1. territories and missing state codes
	fips := stateCode(raw.StateFIPS, abbr)
	if fips == "" {
		return model.PrescriberRecord{}, MissingState
	}
	if refdata.IsTerritory(fips) {
		return model.PrescriberRecord{}, Territory
	}

	// 2. military and other special postal abbreviations
	if n.fixes.ExcludedState(abbr) {
		return model.PrescriberRecord{}, SpecialPostal
	}

	// 3. state typos keyed by the address as filed
	if fixed, ok := n.fixes.StateFixes[model.ComposeAddress(street, city, abbr, zip)]; ok {
		abbr = fixed
		if f, ok := refdata.StateFIPS(abbr); ok {
			fips = f
		}
	}

	// 4. known bad zips
	if n.fixes.ExcludedZip(zip) {
		return model.PrescriberRecord{}, ExcludedZip
	}

	// 5. city/zip fixes
	if to, ok := n.fixes.LocationFixes[corrections.CityZip{City: gazetteer.NormalizeName(city), Zip: zip}]; ok {
		city, zip = to.City, to.Zip
	}

	// 6, 7. composed address and place key
	return model.PrescriberRecord{
		NPI:       strings.TrimSpace(raw.NPI),
		Year:      raw.Year,
		Street:    street,
		City:      city,
		State:     abbr,
		StateFIPS: fips,
		Zip5:      zip,
		Address:   model.ComposeAddress(street, city, abbr, zip),
		Place:     model.PlaceKey{StateFIPS: fips, Name: gazetteer.NormalizeName(city)},
	}, Kept
}

// Counts tallies exclusions by reason.
type Counts map[Exclusion]int

// All normalizes rows and keeps one record per (NPI, year); the first row
// seen for a pair wins.
func (n *Normalizer) All(rows []model.RawRecord) ([]model.PrescriberRecord, Counts) {
	type npiYear struct {
		npi  string
		year int
	}
	counts := make(Counts)
	seen := make(map[npiYear]struct{}, len(rows))
	out := make([]model.PrescriberRecord, 0, len(rows))
	for _, raw := range rows {
		rec, why := n.Normalize(raw)
		if why != Kept {
			counts[why]++
			continue
		}
		k := npiYear{rec.NPI, rec.Year}
		if _, dup := seen[k]; dup {
			counts[Duplicate]++
			continue
		}
		seen[k] = struct{}{}
		out = append(out, rec)
	}
	return out, counts
}

// stateCode returns the filed two-digit state FIPS, falling back to the
// abbreviation when the filed code is blank or not numeric.
func stateCode(filed, abbr string) string {
	f := refdata.PadFIPS(filed, 2)
	if len(f) == 2 && isDigits(f) {
		return f
	}
	if fips, ok := refdata.StateFIPS(abbr); ok {
		return fips
	}
	return ""
}

func joinStreet(s1, s2 string) string {
	s1 = strings.Join(strings.Fields(s1), " ")
	s2 = strings.Join(strings.Fields(s2), " ")
	if s2 == "" {
		return s1
	}
	if s1 == "" {
		return s2
	}
	return s1 + " " + s2
}

// zip5 keeps the first five digits of a ZIP or ZIP+4, zero-padding short values.
func zip5(z string) string {
	z = strings.TrimSpace(z)
	if i := strings.IndexByte(z, '-'); i >= 0 {
		z = z[:i]
	}
	if len(z) > 5 {
		z = z[:5]
	}
	return refdata.PadFIPS(z, 5)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
