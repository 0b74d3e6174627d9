package geocode

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/partd-geo/internal/db"
)

const defaultMaxRating = 20

// Tiger geocodes through the PostGIS TIGER geocoder extension. It always
// sends the one-line form; geocode() parses the string itself.
type Tiger struct {
	name      string
	pool      db.Pool
	maxRating int
	limit     int
}

// NewTiger returns a Tiger provider. Candidates rated above MaxRating (lower
// is better, 0 exact) are dropped.
func NewTiger(cfg ProviderConfig, pool db.Pool) *Tiger {
	t := &Tiger{name: cfg.Name, pool: pool, maxRating: cfg.MaxRating, limit: cfg.MaxCandidates}
	if t.name == "" {
		t.name = "tiger"
	}
	if t.maxRating <= 0 {
		t.maxRating = defaultMaxRating
	}
	return t
}

// Name implements Provider.
func (t *Tiger) Name() string { return t.name }

// Geocode implements Provider.
func (t *Tiger) Geocode(ctx context.Context, q Query) ([]Candidate, error) {
	line := q.Line()
	if line == "" {
		return nil, nil
	}

	rows, err := t.pool.Query(ctx, `
		SELECT ST_Y(g.geomout), ST_X(g.geomout), g.rating, COALESCE(pprint_addy(g.addy), '')
		FROM geocode($1, $2) AS g
		ORDER BY g.rating`,
		line, limitOf(q, t.limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: %s query", t.name)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var (
			lat, lon float64
			rating   int
			matched  string
		)
		if err := rows.Scan(&lat, &lon, &rating, &matched); err != nil {
			return nil, eris.Wrapf(err, "geocode: %s scan", t.name)
		}
		if rating > t.maxRating {
			continue
		}
		out = append(out, Candidate{
			Latitude:  lat,
			Longitude: lon,
			Score:     float64(-rating),
			Quality:   ratingQuality(rating),
			Matched:   matched,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "geocode: %s rows", t.name)
	}
	return out, nil
}

// ratingQuality buckets the PostGIS rating.
func ratingQuality(rating int) string {
	switch {
	case rating < 10:
		return "rooftop"
	case rating < 20:
		return "range"
	case rating < 50:
		return "centroid"
	}
	return "approximate"
}
