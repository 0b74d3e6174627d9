package refdata

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/partd-geo/internal/tables"
)

// CountyUniverse is the set of five-digit county FIPS codes that exist in the
// target vintage.
type CountyUniverse map[string]struct{}

// NewCountyUniverse builds a universe from FIPS codes.
func NewCountyUniverse(fips ...string) CountyUniverse {
	u := make(CountyUniverse, len(fips))
	for _, f := range fips {
		u[PadFIPS(f, 5)] = struct{}{}
	}
	return u
}

// Contains reports whether fips is in the universe.
func (u CountyUniverse) Contains(fips string) bool {
	_, ok := u[fips]
	return ok
}

// Sorted returns the FIPS codes in ascending order.
func (u CountyUniverse) Sorted() []string {
	out := make([]string, 0, len(u))
	for f := range u {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// LoadCountyUniverse reads the county list of a vintage from a TIGER county
// shapefile (.shp) or a table with STATEFP/COUNTYFP or GEOID columns.
func LoadCountyUniverse(ctx context.Context, path string) (CountyUniverse, error) {
	if strings.EqualFold(filepath.Ext(path), ".shp") {
		return loadUniverseShapefile(path)
	}

	u := make(CountyUniverse)
	err := tables.Read(ctx, path, tables.Options{}, func(h tables.Header, line int, row []string) error {
		if gi, ok := h.Index("geoid", "fips"); ok {
			if _, hasState := h.Index("statefp"); !hasState {
				geoid := PadFIPS(tables.Field(row, gi), 5)
				if len(geoid) != 5 {
					return &tables.InputDataError{Source: path, Line: line, Column: "geoid", Err: eris.Errorf("bad county FIPS %q", geoid)}
				}
				u[geoid] = struct{}{}
				return nil
			}
		}
		si, err := h.Require("statefp", "state_fips")
		if err != nil {
			return err
		}
		ci, err := h.Require("countyfp", "county_fips")
		if err != nil {
			return err
		}
		st := PadFIPS(tables.Field(row, si), 2)
		co := PadFIPS(tables.Field(row, ci), 3)
		if len(st) != 2 || len(co) != 3 {
			return &tables.InputDataError{Source: path, Line: line, Err: eris.Errorf("bad county code %q/%q", st, co)}
		}
		u[st+co] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("county universe loaded", zap.String("path", path), zap.Int("counties", len(u)))
	return u, nil
}

func loadUniverseShapefile(path string) (CountyUniverse, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, &tables.InputDataError{Source: path, Err: eris.Wrap(err, "refdata: open shapefile")}
	}
	defer func() { _ = reader.Close() }()

	stIdx, coIdx := ShapeFieldIndex(reader, "STATEFP"), ShapeFieldIndex(reader, "COUNTYFP")
	if stIdx < 0 || coIdx < 0 {
		return nil, &tables.InputDataError{Source: path, Column: "STATEFP/COUNTYFP", Err: eris.New("required shapefile fields missing")}
	}

	u := make(CountyUniverse)
	for reader.Next() {
		st := PadFIPS(ShapeAttribute(reader, stIdx), 2)
		co := PadFIPS(ShapeAttribute(reader, coIdx), 3)
		if st == "" || co == "" {
			continue
		}
		u[st+co] = struct{}{}
	}
	if err := reader.Err(); err != nil {
		return nil, &tables.InputDataError{Source: path, Err: eris.Wrap(err, "refdata: read shapefile")}
	}

	zap.L().Info("county universe loaded", zap.String("path", path), zap.Int("counties", len(u)))
	return u, nil
}

// ShapeFieldIndex returns the index of a DBF field by case-insensitive name, or -1.
func ShapeFieldIndex(reader *shp.Reader, name string) int {
	for i, f := range reader.Fields() {
		fieldName := strings.TrimRight(f.String(), "\x00")
		if strings.EqualFold(fieldName, name) {
			return i
		}
	}
	return -1
}

// ShapeAttribute returns a trimmed DBF attribute of the current record.
func ShapeAttribute(reader *shp.Reader, idx int) string {
	return strings.TrimSpace(strings.TrimRight(reader.Attribute(idx), "\x00"))
}
