package model

import "time"

// Tier is the method by which a record's county was determined.
type Tier string

const (
	TierGazetteer       Tier = "GAZETTEER"
	TierZipCentroid     Tier = "ZIP_CENTROID"
	TierExternalGeocode Tier = "EXTERNAL_GEOCODE"
	TierManual          Tier = "MANUAL"
	TierUnresolved      Tier = "UNRESOLVED"
)

// Tiers lists every tier in trust-priority order.
var Tiers = []Tier{TierGazetteer, TierZipCentroid, TierExternalGeocode, TierManual, TierUnresolved}

// Rank orders tiers by precedence; lower ranks win. MANUAL ranks ahead of
// every automatic tier because an override always replaces them.
func (t Tier) Rank() int {
	switch t {
	case TierManual:
		return 0
	case TierGazetteer:
		return 1
	case TierZipCentroid:
		return 2
	case TierExternalGeocode:
		return 3
	default:
		return 4
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierGazetteer, TierZipCentroid, TierExternalGeocode, TierManual, TierUnresolved:
		return true
	}
	return false
}

// Source tags for automatic tiers.
const (
	SourceGazetteer   = "gazetteer"
	SourceZipCentroid = "zip_centroid"
	SourceManual      = "manual"
)

// Result is the resolution outcome for one PrescriberRecord.
type Result struct {
	Record         PrescriberRecord `json:"record"`
	FIPS           string           `json:"fips,omitempty"`
	Tier           Tier             `json:"tier"`
	Source         string           `json:"source,omitempty"`
	StateMismatch  bool             `json:"state_mismatch"`
	Latitude       *float64         `json:"latitude,omitempty"`
	Longitude      *float64         `json:"longitude,omitempty"`
	CentroidKM     *float64         `json:"centroid_km,omitempty"`
	Exhausted      bool             `json:"exhausted"`
	Classification string           `json:"classification,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Resolved reports whether the result carries a FIPS code.
func (r *Result) Resolved() bool {
	return r.FIPS != "" && r.Tier != TierUnresolved
}

// Terminal reports whether the result needs no further work in a later run.
// Unresolved results are terminal only once every provider was consulted.
func (r *Result) Terminal() bool {
	if r.Resolved() {
		return true
	}
	return r.Exhausted
}

// Key returns the resume key of the underlying record.
func (r *Result) Key() string {
	return r.Record.Key()
}
