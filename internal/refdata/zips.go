package refdata

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/partd-geo/internal/tables"
)

// Coord is a WGS84 latitude/longitude pair.
type Coord struct {
	Lat float64
	Lon float64
}

// ZipCentroids maps five-digit zip codes to a representative point.
type ZipCentroids map[string]Coord

// Lookup returns the centroid for a zip code.
func (z ZipCentroids) Lookup(zip5 string) (Coord, bool) {
	c, ok := z[PadFIPS(zip5, 5)]
	return c, ok
}

var zipCentroidCols = [][]string{
	{"zip", "zipcode", "zip5", "zcta", "geoid"},
	{"latitude", "lat", "intptlat"},
	{"longitude", "lon", "lng", "intptlong"},
}

// LoadZipCentroids reads {zip, latitude, longitude}. The Census ZCTA gazetteer
// column names (GEOID, INTPTLAT, INTPTLONG) are accepted as aliases.
func LoadZipCentroids(ctx context.Context, path string) (ZipCentroids, error) {
	z := make(ZipCentroids)
	err := tables.Read(ctx, path, tables.Options{Require: zipCentroidCols}, func(h tables.Header, line int, row []string) error {
		zi, err := h.Require(zipCentroidCols[0]...)
		if err != nil {
			return err
		}
		lai, err := h.Require(zipCentroidCols[1]...)
		if err != nil {
			return err
		}
		loi, err := h.Require(zipCentroidCols[2]...)
		if err != nil {
			return err
		}

		zip := PadFIPS(tables.Field(row, zi), 5)
		if zip == "" {
			return nil
		}
		lat, err := strconv.ParseFloat(tables.Field(row, lai), 64)
		if err != nil {
			return &tables.InputDataError{Source: path, Line: line, Column: "latitude", Err: eris.Wrap(err, "parse latitude")}
		}
		lon, err := strconv.ParseFloat(tables.Field(row, loi), 64)
		if err != nil {
			return &tables.InputDataError{Source: path, Line: line, Column: "longitude", Err: eris.Wrap(err, "parse longitude")}
		}
		z[zip] = Coord{Lat: lat, Lon: lon}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("zip centroids loaded", zap.String("path", path), zap.Int("zips", len(z)))
	return z, nil
}
