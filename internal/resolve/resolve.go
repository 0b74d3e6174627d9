// Package resolve implements tier-1 resolution: the gazetteer first, then the
// zip centroid checked against the claimed state.
package resolve

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/partd-geo/internal/locate"
	"github.com/sells-group/partd-geo/internal/model"
	"github.com/sells-group/partd-geo/internal/refdata"
)

// Gazetteer looks up a normalized place key.
type Gazetteer interface {
	LookupKey(key model.PlaceKey) (string, bool)
}

// Centroids looks up a zip code's centroid.
type Centroids interface {
	Lookup(zip5 string) (refdata.Coord, bool)
}

// Engine resolves records against read-only reference data and may be shared
// across goroutines.
type Engine struct {
	gazetteer Gazetteer
	zips      Centroids
	counties  locate.Locator
	workers   int
}

// NewEngine returns an Engine. workers bounds ResolveAll's parallelism.
func NewEngine(g Gazetteer, zips Centroids, counties locate.Locator, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{gazetteer: g, zips: zips, counties: counties, workers: workers}
}

// ResolveTier1 resolves one record. A gazetteer hit is final and the zip
// centroid is not consulted; otherwise the centroid's county is accepted
// only when its state equals the claimed state.
func (e *Engine) ResolveTier1(rec model.PrescriberRecord) model.Result {
	res := model.Result{Record: rec, Tier: model.TierUnresolved}

	if e.gazetteer != nil {
		if fips, ok := e.gazetteer.LookupKey(rec.Place); ok {
			res.FIPS = fips
			res.Tier = model.TierGazetteer
			res.Source = model.SourceGazetteer
			return res
		}
	}

	if e.zips == nil || e.counties == nil {
		return res
	}
	pt, ok := e.zips.Lookup(rec.Zip5)
	if !ok {
		return res
	}
	county, ok := e.counties.Locate(pt.Lat, pt.Lon)
	if !ok {
		return res
	}
	if county.State() != rec.State {
		res.StateMismatch = true
		return res
	}

	lat, lon := pt.Lat, pt.Lon
	res.FIPS = county.FIPS
	res.Tier = model.TierZipCentroid
	res.Source = model.SourceZipCentroid
	res.Latitude, res.Longitude = &lat, &lon
	return res
}

// ResolveAll applies ResolveTier1 to every record. Output order matches input.
func (e *Engine) ResolveAll(ctx context.Context, recs []model.PrescriberRecord) ([]model.Result, error) {
	out := make([]model.Result, len(recs))
	if len(recs) == 0 {
		return out, nil
	}

	chunk := (len(recs) + e.workers - 1) / e.workers
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(recs); start += chunk {
		end := min(start+chunk, len(recs))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if i%1024 == 0 && gctx.Err() != nil {
					return eris.Wrap(gctx.Err(), "resolve: cancelled")
				}
				out[i] = e.ResolveTier1(recs[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
