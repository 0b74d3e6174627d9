// Package corrections loads the versioned, append-only correction datasets:
// state typo fixes, city/zip fixes, exclusions, FIPS renames and manual
// address overrides.
package corrections

import (
	"context"
	_ "embed"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/partd-geo/internal/gazetteer"
	"github.com/sells-group/partd-geo/internal/refdata"
	"github.com/sells-group/partd-geo/internal/tables"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// File is the on-disk layout of a corrections file.
type File struct {
	StateFixes     []StateFix    `yaml:"state_fixes"`
	LocationFixes  []LocationFix `yaml:"location_fixes"`
	ExcludedZips   []ZipEntry    `yaml:"excluded_zips"`
	ExcludedStates []StateEntry  `yaml:"excluded_states"`
	FIPSRenames    []Rename      `yaml:"fips_renames"`
	Overrides      []Override    `yaml:"overrides"`
}

// Meta is shared by every entry. Retired entries cancel an earlier version.
type Meta struct {
	Version int    `yaml:"version"`
	Retired bool   `yaml:"retired,omitempty"`
	Note    string `yaml:"note,omitempty"`
}

// StateFix rewrites the state of a record whose composed address matches exactly.
type StateFix struct {
	Address string `yaml:"address"`
	State   string `yaml:"state"`
	Meta    `yaml:",inline"`
}

// LocationFix rewrites a city/zip pair.
type LocationFix struct {
	City   string `yaml:"city"`
	Zip    string `yaml:"zip"`
	ToCity string `yaml:"to_city"`
	ToZip  string `yaml:"to_zip"`
	Meta   `yaml:",inline"`
}

// ZipEntry excludes a zip code.
type ZipEntry struct {
	Zip  string `yaml:"zip"`
	Meta `yaml:",inline"`
}

// StateEntry excludes a postal abbreviation.
type StateEntry struct {
	State string `yaml:"state"`
	Meta  `yaml:",inline"`
}

// Rename remaps a county FIPS before the classification join.
type Rename struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Meta `yaml:",inline"`
}

// Override is a hand-resolved address.
type Override struct {
	Address string `yaml:"address"`
	FIPS    string `yaml:"fips"`
	Meta    `yaml:",inline"`
}

// CityZip keys a location fix. City is normalized.
type CityZip struct {
	City string
	Zip  string
}

// Set is the merged, read-only view of every loaded correction file.
type Set struct {
	StateFixes     map[string]string
	LocationFixes  map[CityZip]CityZip
	ExcludedZips   map[string]struct{}
	ExcludedStates map[string]struct{}
	FIPSRenames    map[string]string
	Overrides      map[string]string

	// origin indexes, by section, the version that set each key.
	origin map[string]map[string]int
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{
		StateFixes:     make(map[string]string),
		LocationFixes:  make(map[CityZip]CityZip),
		ExcludedZips:   make(map[string]struct{}),
		ExcludedStates: make(map[string]struct{}),
		FIPSRenames:    make(map[string]string),
		Overrides:      make(map[string]string),
		origin:         make(map[string]map[string]int),
	}
}

// Defaults returns the built-in dataset.
func Defaults() (*Set, error) {
	s := NewSet()
	if err := s.AddYAML("defaults.yaml", defaultsYAML); err != nil {
		return nil, err
	}
	return s, nil
}

// Load merges the built-in dataset with each file in order.
func Load(paths ...string) (*Set, error) {
	s, err := Defaults()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, eris.Wrapf(err, "corrections: read %s", p)
		}
		if err := s.AddYAML(p, data); err != nil {
			return nil, err
		}
	}
	zap.L().Info("corrections loaded",
		zap.Int("state_fixes", len(s.StateFixes)),
		zap.Int("location_fixes", len(s.LocationFixes)),
		zap.Int("excluded_zips", len(s.ExcludedZips)),
		zap.Int("excluded_states", len(s.ExcludedStates)),
		zap.Int("fips_renames", len(s.FIPSRenames)),
		zap.Int("overrides", len(s.Overrides)),
	)
	return s, nil
}

// AddYAML parses one corrections document and merges it into s.
func (s *Set) AddYAML(source string, data []byte) error {
	var wrapper struct {
		Corrections File `yaml:"corrections"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return eris.Wrapf(err, "corrections: parse %s", source)
	}
	return s.Add(source, wrapper.Corrections)
}

// Add merges f into s. For a repeated key the highest version wins; on a
// tie the entry added last wins.
func (s *Set) Add(source string, f File) error {
	for _, e := range f.StateFixes {
		st := strings.ToUpper(strings.TrimSpace(e.State))
		_, known := refdata.StateFIPS(st)
		if e.Address == "" || (!e.Retired && !known) {
			return eris.Errorf("corrections: %s: state fix %q has unknown state %q", source, e.Address, e.State)
		}
		if s.accept("state_fixes", e.Address, e.Meta) {
			setOrDelete(s.StateFixes, e.Address, st, e.Retired)
		}
	}
	for _, e := range f.LocationFixes {
		from := CityZip{City: gazetteer.NormalizeName(e.City), Zip: refdata.PadFIPS(e.Zip, 5)}
		if from.City == "" {
			return eris.Errorf("corrections: %s: location fix without city", source)
		}
		to := CityZip{City: strings.TrimSpace(e.ToCity), Zip: refdata.PadFIPS(e.ToZip, 5)}
		if s.accept("location_fixes", from.City+"|"+from.Zip, e.Meta) {
			setOrDelete(s.LocationFixes, from, to, e.Retired)
		}
	}
	for _, e := range f.ExcludedZips {
		zip := refdata.PadFIPS(e.Zip, 5)
		if s.accept("excluded_zips", zip, e.Meta) {
			setOrDelete(s.ExcludedZips, zip, struct{}{}, e.Retired)
		}
	}
	for _, e := range f.ExcludedStates {
		st := strings.ToUpper(strings.TrimSpace(e.State))
		if s.accept("excluded_states", st, e.Meta) {
			setOrDelete(s.ExcludedStates, st, struct{}{}, e.Retired)
		}
	}
	for _, e := range f.FIPSRenames {
		from, to := refdata.PadFIPS(e.From, 5), refdata.PadFIPS(e.To, 5)
		if len(from) != 5 || (!e.Retired && len(to) != 5) {
			return eris.Errorf("corrections: %s: bad rename %q -> %q", source, e.From, e.To)
		}
		if s.accept("fips_renames", from, e.Meta) {
			setOrDelete(s.FIPSRenames, from, to, e.Retired)
		}
	}
	for _, e := range f.Overrides {
		if err := s.addOverride(source, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) addOverride(source string, e Override) error {
	addr := strings.TrimSpace(e.Address)
	fips := refdata.PadFIPS(e.FIPS, 5)
	if addr == "" || (!e.Retired && len(fips) != 5) {
		return eris.Errorf("corrections: %s: bad override %q -> %q", source, e.Address, e.FIPS)
	}
	if s.accept("overrides", addr, e.Meta) {
		setOrDelete(s.Overrides, addr, fips, e.Retired)
	}
	return nil
}

func (s *Set) accept(section, key string, m Meta) bool {
	versions, ok := s.origin[section]
	if !ok {
		versions = make(map[string]int)
		s.origin[section] = versions
	}
	if prev, seen := versions[key]; seen && m.Version < prev {
		return false
	}
	versions[key] = m.Version
	return true
}

func setOrDelete[K comparable, V any](m map[K]V, k K, v V, retired bool) {
	if retired {
		delete(m, k)
		return
	}
	m[k] = v
}

var overrideCols = [][]string{{"address"}, {"fips", "county_fips", "geoid"}}

// LoadOverrides merges a human-review CSV ({address, fips[, version]}) into s.
func (s *Set) LoadOverrides(ctx context.Context, path string) error {
	before := len(s.Overrides)
	err := tables.Read(ctx, path, tables.Options{Require: overrideCols}, func(h tables.Header, line int, row []string) error {
		ai, err := h.Require(overrideCols[0]...)
		if err != nil {
			return err
		}
		fi, err := h.Require(overrideCols[1]...)
		if err != nil {
			return err
		}
		vi, _ := h.Index("version")
		if tables.Field(row, fi) == "" {
			return nil // not yet reviewed
		}

		var m Meta
		if v := tables.Field(row, vi); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return &tables.InputDataError{Source: path, Column: "version", Line: line, Err: err}
			}
			m.Version = n
		}
		if err := s.addOverride(path, Override{Address: tables.Field(row, ai), FIPS: tables.Field(row, fi), Meta: m}); err != nil {
			return &tables.InputDataError{Source: path, Line: line, Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}
	zap.L().Info("overrides loaded", zap.String("path", path), zap.Int("added", len(s.Overrides)-before))
	return nil
}

// Rename returns the successor FIPS for fips, or fips itself.
func (s *Set) Rename(fips string) string {
	if to, ok := s.FIPSRenames[fips]; ok {
		return to
	}
	return fips
}

// ExcludedState reports whether abbr is a special postal abbreviation.
func (s *Set) ExcludedState(abbr string) bool {
	_, ok := s.ExcludedStates[strings.ToUpper(abbr)]
	return ok
}

// ExcludedZip reports whether zip is on the exclusion list.
func (s *Set) ExcludedZip(zip string) bool {
	_, ok := s.ExcludedZips[zip]
	return ok
}
