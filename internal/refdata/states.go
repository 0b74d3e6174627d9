// Package refdata loads the read-only reference tables shared by every stage:
// the county universe for a vintage, zip centroids, rural/urban codes and the
// state code table.
package refdata

import "strings"

// stateFIPS maps USPS abbreviations to two-digit state FIPS codes.
var stateFIPS = map[string]string{
	"AL": "01", "AK": "02", "AZ": "04", "AR": "05", "CA": "06", "CO": "08",
	"CT": "09", "DE": "10", "DC": "11", "FL": "12", "GA": "13", "HI": "15",
	"ID": "16", "IL": "17", "IN": "18", "IA": "19", "KS": "20", "KY": "21",
	"LA": "22", "ME": "23", "MD": "24", "MA": "25", "MI": "26", "MN": "27",
	"MS": "28", "MO": "29", "MT": "30", "NE": "31", "NV": "32", "NH": "33",
	"NJ": "34", "NM": "35", "NY": "36", "NC": "37", "ND": "38", "OH": "39",
	"OK": "40", "OR": "41", "PA": "42", "RI": "44", "SC": "45", "SD": "46",
	"TN": "47", "TX": "48", "UT": "49", "VT": "50", "VA": "51", "WA": "53",
	"WV": "54", "WI": "55", "WY": "56",
	// Territories and freely associated states.
	"AS": "60", "FM": "64", "GU": "66", "MH": "68", "MP": "69", "PW": "70",
	"PR": "72", "UM": "74", "VI": "78",
}

var stateAbbr = func() map[string]string {
	m := make(map[string]string, len(stateFIPS))
	for abbr, fips := range stateFIPS {
		m[fips] = abbr
	}
	return m
}()

// StateFIPS returns the two-digit FIPS code for a USPS abbreviation.
func StateFIPS(abbr string) (string, bool) {
	f, ok := stateFIPS[strings.ToUpper(strings.TrimSpace(abbr))]
	return f, ok
}

// StateAbbr returns the USPS abbreviation for a two-digit state FIPS code.
func StateAbbr(fips string) (string, bool) {
	a, ok := stateAbbr[PadFIPS(fips, 2)]
	return a, ok
}

// StateOfCounty returns the USPS abbreviation of the state that contains a
// five-digit county FIPS.
func StateOfCounty(countyFIPS string) (string, bool) {
	if len(countyFIPS) < 2 {
		return "", false
	}
	return StateAbbr(countyFIPS[:2])
}

// IsTerritory reports whether a state FIPS code belongs to a territory or
// freely associated state rather than one of the 50 states or DC.
func IsTerritory(fips string) bool {
	f := PadFIPS(fips, 2)
	return f >= "60"
}

// PadFIPS left-pads numeric codes with zeros to width. Spreadsheet exports
// routinely drop the leading zero ("9011" for "09011").
func PadFIPS(code string, width int) string {
	code = strings.TrimSpace(code)
	if code == "" || len(code) >= width {
		return code
	}
	return strings.Repeat("0", width-len(code)) + code
}
