package model

import (
	"strconv"
	"strings"
)

// RawRecord is one prescriber address row as read from a Part D file.
type RawRecord struct {
	NPI       string `json:"npi"`
	Year      int    `json:"year"`
	Street1   string `json:"street1"`
	Street2   string `json:"street2,omitempty"`
	City      string `json:"city"`
	State     string `json:"state"`      // two-letter abbreviation as filed
	StateFIPS string `json:"state_fips"` // as filed; may be blank
	Zip5      string `json:"zip5"`
}

// PlaceKey probes the gazetteer: (state FIPS, normalized place name).
type PlaceKey struct {
	StateFIPS string `json:"state_fips"`
	Name      string `json:"name"`
}

// PrescriberRecord is a normalized prescriber address for a single year.
type PrescriberRecord struct {
	NPI       string   `json:"npi"`
	Year      int      `json:"year"`
	Street    string   `json:"street"`
	City      string   `json:"city"`
	State     string   `json:"state"`
	StateFIPS string   `json:"state_fips"`
	Zip5      string   `json:"zip5"`
	Address   string   `json:"address"`
	Place     PlaceKey `json:"place"`
}

// Key identifies a record for idempotent resume: NPI + year + address.
func (r PrescriberRecord) Key() string {
	return RecordKey(r.NPI, r.Year, r.Address)
}

// RecordKey builds the resume key from its parts.
func RecordKey(npi string, year int, address string) string {
	return strings.Join([]string{npi, strconv.Itoa(year), address}, "|")
}

// ComposeAddress formats the single address string `street, city, state zip`.
func ComposeAddress(street, city, state, zip string) string {
	return strings.TrimSpace(street) + ", " + strings.TrimSpace(city) + ", " +
		strings.TrimSpace(state) + " " + strings.TrimSpace(zip)
}
