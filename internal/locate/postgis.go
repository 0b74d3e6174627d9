package locate

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/partd-geo/internal/db"
	"github.com/sells-group/partd-geo/internal/refdata"
)

const defaultPostGISTimeout = 10 * time.Second

// PostGIS is a Locator backed by the county table the PostGIS TIGER geocoder
// loads (tiger.county, SRID 4269). It serves when the store is Postgres and
// no boundary shapefile is configured.
type PostGIS struct {
	pool     db.Pool
	universe refdata.CountyUniverse
	timeout  time.Duration
}

// NewPostGIS returns a PostGIS locator. A non-empty universe restricts
// answers to its counties, the same as LoadShapefile.
func NewPostGIS(pool db.Pool, universe refdata.CountyUniverse) *PostGIS {
	return &PostGIS{pool: pool, universe: universe, timeout: defaultPostGISTimeout}
}

// Locate implements Locator. Query errors are logged and reported as a miss.
func (p *PostGIS) Locate(lat, lon float64) (County, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var statefp, countyfp, name sql.NullString
	err := p.pool.QueryRow(ctx, `
		SELECT statefp, countyfp, name
		FROM tiger.county
		WHERE ST_Intersects(the_geom, ST_SetSRID(ST_MakePoint($1, $2), 4269))
		ORDER BY statefp, countyfp
		LIMIT 1`,
		lon, lat,
	).Scan(&statefp, &countyfp, &name)
	if err != nil {
		zap.L().Debug("locate: no county from postgis",
			zap.Float64("lat", lat),
			zap.Float64("lon", lon),
			zap.Error(err),
		)
		return County{}, false
	}
	if !statefp.Valid || !countyfp.Valid {
		return County{}, false
	}

	c := County{FIPS: statefp.String + countyfp.String, StateFIPS: statefp.String}
	if name.Valid {
		c.Name = name.String
	}
	if len(p.universe) > 0 && !p.universe.Contains(c.FIPS) {
		return County{}, false
	}
	return c, true
}
