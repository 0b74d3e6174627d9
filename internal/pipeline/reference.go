package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/partd-geo/internal/config"
	"github.com/sells-group/partd-geo/internal/corrections"
	"github.com/sells-group/partd-geo/internal/db"
	"github.com/sells-group/partd-geo/internal/gazetteer"
	"github.com/sells-group/partd-geo/internal/locate"
	"github.com/sells-group/partd-geo/internal/refdata"
)

// Reference bundles the read-only lookup data shared by every stage.
type Reference struct {
	Universe       refdata.CountyUniverse
	Gazetteer      *gazetteer.Index
	GazetteerStats gazetteer.Stats
	Zips           refdata.ZipCentroids
	// Counties is nil when no boundary shapefile is configured and no
	// PostGIS county table is attached; the zip and external tiers are then
	// skipped.
	Counties       locate.Locator
	Classification refdata.Classification
	Corrections    *corrections.Set
}

// LoadReference reads every reference input. Independent files load
// concurrently; the gazetteer and boundaries wait for the county universe.
func LoadReference(ctx context.Context, in config.InputsConfig) (*Reference, error) {
	start := time.Now()
	ref := &Reference{}
	var places []gazetteer.PlaceRow

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := refdata.LoadCountyUniverse(gctx, in.Counties)
		ref.Universe = u
		return err
	})
	g.Go(func() error {
		rows, err := gazetteer.LoadPlaceNames(gctx, in.PlaceNames)
		places = rows
		return err
	})
	g.Go(func() error {
		z, err := refdata.LoadZipCentroids(gctx, in.ZipCentroids)
		ref.Zips = z
		return err
	})
	g.Go(func() error {
		c, err := refdata.LoadClassification(gctx, in.Classification, in.ClassFIPSCol, in.ClassCodeCol)
		ref.Classification = c
		return err
	})
	g.Go(func() error {
		set, err := corrections.Load(in.Corrections...)
		if err != nil {
			return err
		}
		for _, path := range in.Overrides {
			if err := set.LoadOverrides(gctx, path); err != nil {
				return err
			}
		}
		ref.Corrections = set
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	g, _ = errgroup.WithContext(ctx)
	g.Go(func() error {
		ref.Gazetteer, ref.GazetteerStats = gazetteer.Build(places, ref.Universe)
		return nil
	})
	if shp := boundaryPath(in); shp != "" {
		g.Go(func() error {
			idx, err := locate.LoadShapefile(shp, ref.Universe)
			if err != nil {
				return err
			}
			ref.Counties = idx
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	zap.L().Info("pipeline: reference data loaded",
		zap.Int("counties", len(ref.Universe)),
		zap.Int("gazetteer_entries", ref.GazetteerStats.Entries),
		zap.Int("gazetteer_ambiguous", ref.GazetteerStats.Ambiguous),
		zap.Int("zip_centroids", len(ref.Zips)),
		zap.Int("classified_counties", len(ref.Classification)),
		zap.Int("overrides", len(ref.Corrections.Overrides)),
		zap.Bool("boundaries", ref.Counties != nil),
		zap.Duration("elapsed", time.Since(start)),
	)
	return ref, nil
}

// AttachPostGIS backs Counties with the PostGIS TIGER county table when no
// boundary shapefile was loaded. It reports whether it did.
func (r *Reference) AttachPostGIS(pool db.Pool) bool {
	if r.Counties != nil || pool == nil {
		return false
	}
	r.Counties = locate.NewPostGIS(pool, r.Universe)
	zap.L().Info("pipeline: county boundaries from postgis")
	return true
}

func boundaryPath(in config.InputsConfig) string {
	if in.Boundaries != "" {
		return in.Boundaries
	}
	if strings.EqualFold(filepath.Ext(in.Counties), ".shp") {
		return in.Counties
	}
	return ""
}
