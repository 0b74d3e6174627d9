package geocode

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	nominatimBaseURL   = "https://nominatim.openstreetmap.org"
	nominatimUserAgent = "partd-geo/1.0"
)

// Nominatim is the OpenStreetMap search API. The public instance allows one
// request per second and requires an identifying User-Agent.
type Nominatim struct {
	name      string
	baseURL   string
	userAgent string
	fields    FieldMode
	limit     int
	hc        *http.Client
}

// NewNominatim returns a Nominatim provider.
func NewNominatim(cfg ProviderConfig, hc *http.Client) *Nominatim {
	n := &Nominatim{
		name:      cfg.Name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		fields:    cfg.Fields,
		limit:     cfg.MaxCandidates,
		hc:        hc,
	}
	if n.name == "" {
		n.name = "nominatim"
	}
	if n.baseURL == "" {
		n.baseURL = nominatimBaseURL
	}
	if n.userAgent == "" {
		n.userAgent = nominatimUserAgent
	}
	return n
}

// Name implements Provider.
func (n *Nominatim) Name() string { return n.name }

type nominatimPlace struct {
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	Importance  float64 `json:"importance"`
	DisplayName string  `json:"display_name"`
	Type        string  `json:"type"`
}

// Geocode implements Provider.
func (n *Nominatim) Geocode(ctx context.Context, q Query) ([]Candidate, error) {
	params := url.Values{
		"format":       {"jsonv2"},
		"countrycodes": {"us"},
		"limit":        {strconv.Itoa(limitOf(q, n.limit))},
	}
	if n.fields == Structured {
		params.Set("street", q.Street)
		params.Set("city", q.City)
		params.Set("state", q.State)
		params.Set("postalcode", q.Zip)
	} else {
		params.Set("q", q.Line())
	}

	var places []nominatimPlace
	header := http.Header{"User-Agent": {n.userAgent}}
	if err := getJSON(ctx, n.hc, n.name, n.baseURL+"/search?"+params.Encode(), header, &places); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(places))
	for _, p := range places {
		lat, errLat := strconv.ParseFloat(p.Lat, 64)
		lon, errLon := strconv.ParseFloat(p.Lon, 64)
		if errLat != nil || errLon != nil {
			continue
		}
		out = append(out, Candidate{Latitude: lat, Longitude: lon, Score: p.Importance, Quality: p.Type, Matched: p.DisplayName})
	}
	return out, nil
}
