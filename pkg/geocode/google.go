package geocode

import (
	"context"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"googlemaps.github.io/maps"

	"github.com/sells-group/partd-geo/internal/resilience"
)

// Google is the Google Maps Geocoding API through the official client.
type Google struct {
	name   string
	fields FieldMode
	limit  int
	client *maps.Client
}

// NewGoogle returns a Google provider. An API key is required.
func NewGoogle(cfg ProviderConfig, hc *http.Client) (*Google, error) {
	name := cfg.Name
	if name == "" {
		name = "google"
	}
	if cfg.APIKey == "" {
		return nil, eris.Errorf("geocode: %s: api key not configured", name)
	}
	opts := []maps.ClientOption{maps.WithAPIKey(cfg.APIKey), maps.WithHTTPClient(hc)}
	if cfg.BaseURL != "" {
		opts = append(opts, maps.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: %s client", name)
	}
	return &Google{name: name, fields: cfg.Fields, limit: cfg.MaxCandidates, client: client}, nil
}

// Name implements Provider.
func (g *Google) Name() string { return g.name }

// Geocode implements Provider.
func (g *Google) Geocode(ctx context.Context, q Query) ([]Candidate, error) {
	req := &maps.GeocodingRequest{Region: "us"}
	if g.fields == Structured {
		req.Address = q.Street
		req.Components = map[maps.Component]string{
			maps.ComponentCountry: "US",
		}
		if q.City != "" {
			req.Components[maps.ComponentLocality] = q.City
		}
		if q.State != "" {
			req.Components[maps.ComponentAdministrativeArea] = q.State
		}
		if q.Zip != "" {
			req.Components[maps.ComponentPostalCode] = q.Zip
		}
	} else {
		req.Address = q.Line()
	}

	results, err := g.client.Geocode(ctx, req)
	if err != nil {
		return nil, googleError(g.name, err)
	}

	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		out = append(out, Candidate{
			Latitude:  r.Geometry.Location.Lat,
			Longitude: r.Geometry.Location.Lng,
			Quality:   googleQuality(r.Geometry.LocationType),
			Matched:   r.FormattedAddress,
		})
	}
	return truncate(out, limitOf(q, g.limit)), nil
}

// googleError maps the client's "maps: STATUS - message" errors.
func googleError(provider string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ZERO_RESULTS"):
		return nil
	case strings.Contains(msg, "REQUEST_DENIED"):
		return &AuthError{Provider: provider, StatusCode: http.StatusForbidden, Err: err}
	case strings.Contains(msg, "OVER_QUERY_LIMIT"), strings.Contains(msg, "UNKNOWN_ERROR"):
		return resilience.NewTransientError(eris.Wrapf(err, "geocode: %s", provider), http.StatusTooManyRequests)
	}
	return eris.Wrapf(err, "geocode: %s", provider)
}

func googleQuality(locType string) string {
	switch strings.ToUpper(locType) {
	case "ROOFTOP":
		return "rooftop"
	case "RANGE_INTERPOLATED":
		return "range"
	case "GEOMETRIC_CENTER":
		return "centroid"
	}
	return "approximate"
}
