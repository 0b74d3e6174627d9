package locate

import (
	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/partd-geo/internal/refdata"
	"github.com/sells-group/partd-geo/internal/tables"
)

// LoadShapefile reads county boundaries from a TIGER county shapefile. When
// universe is non-nil, counties outside it are dropped so the index matches the
// target vintage.
func LoadShapefile(path string, universe refdata.CountyUniverse) (*Index, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, &tables.InputDataError{Source: path, Err: eris.Wrap(err, "locate: open shapefile")}
	}
	defer func() { _ = reader.Close() }()

	stIdx := refdata.ShapeFieldIndex(reader, "STATEFP")
	coIdx := refdata.ShapeFieldIndex(reader, "COUNTYFP")
	nameIdx := refdata.ShapeFieldIndex(reader, "NAME")
	if stIdx < 0 || coIdx < 0 {
		return nil, &tables.InputDataError{Source: path, Column: "STATEFP/COUNTYFP", Err: eris.New("required shapefile fields missing")}
	}

	var counties []County
	var skipped, outside int
	for reader.Next() {
		_, shape := reader.Shape()

		st := refdata.PadFIPS(refdata.ShapeAttribute(reader, stIdx), 2)
		fips := st + refdata.PadFIPS(refdata.ShapeAttribute(reader, coIdx), 3)
		if universe != nil && !universe.Contains(fips) {
			outside++
			continue
		}

		poly, ok := shape.(*shp.Polygon)
		if !ok {
			skipped++
			continue
		}
		rings := polygonRings(poly)
		if rings == nil {
			skipped++
			continue
		}

		c := County{FIPS: fips, StateFIPS: st, Rings: rings}
		if nameIdx >= 0 {
			c.Name = refdata.ShapeAttribute(reader, nameIdx)
		}
		counties = append(counties, c)
	}
	if err := reader.Err(); err != nil {
		return nil, &tables.InputDataError{Source: path, Err: eris.Wrap(err, "locate: read shapefile")}
	}

	idx, err := NewIndex(counties)
	if err != nil {
		return nil, err
	}

	zap.L().Info("county boundaries loaded",
		zap.String("path", path),
		zap.Int("counties", idx.Len()),
		zap.Int("skipped", skipped),
		zap.Int("outside_vintage", outside),
	)
	return idx, nil
}

// polygonRings converts every part of a shapefile polygon into a single-ring
// geom.Polygon. Outer/hole orientation is not needed because containment uses
// the even-odd rule.
func polygonRings(p *shp.Polygon) *geom.MultiPolygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY)
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if end-start < 4 {
			continue
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}

		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(geom.NewLinearRingFlat(geom.XY, flat)); err != nil {
			zap.L().Debug("locate: skipping malformed ring", zap.Int32("part", i), zap.Error(err))
			continue
		}
		if err := mp.Push(poly); err != nil {
			zap.L().Debug("locate: skipping malformed part", zap.Int32("part", i), zap.Error(err))
			continue
		}
	}

	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}

// RingsFromCoords builds county rings from lon/lat loops. Each loop must be
// closed (first point repeated last).
func RingsFromCoords(loops ...[][2]float64) (*geom.MultiPolygon, error) {
	mp := geom.NewMultiPolygon(geom.XY)
	for _, loop := range loops {
		flat := make([]float64, 0, len(loop)*2)
		for _, pt := range loop {
			flat = append(flat, pt[0], pt[1])
		}
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(geom.NewLinearRingFlat(geom.XY, flat)); err != nil {
			return nil, eris.Wrap(err, "locate: build ring")
		}
		if err := mp.Push(poly); err != nil {
			return nil, eris.Wrap(err, "locate: add ring")
		}
	}
	return mp, nil
}
